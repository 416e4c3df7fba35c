// Package loop implements the message loop that owns a plugin's state.
//
// A Loop is the only code that ever touches its state value. Requests from any
// number of producers are taken one at a time from the mailbox and run to
// completion before the next one is dequeued, so handlers never need locks.
//
// Lifecycle:
//
//	Created -> Idle <-> Processing
//	Idle|Processing -> Draining -> Stopped   (on Shutdown, parent context end, or mailbox failure)
//
// Admission closes as soon as the stop signal arrives, even while a handler is
// still running. Requests admitted before the signal are completed or
// cancelled according to the drain mode.
package loop

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"msr/pkg/broadcast"
	"msr/pkg/clock"
	msrerrors "msr/pkg/errors"
	"msr/pkg/message"
	"msr/pkg/metric"
	"msr/pkg/task"
)

// Status is the observable state of a loop.
type Status int32

const (
	StatusCreated Status = iota
	StatusIdle
	StatusProcessing
	StatusDraining
	StatusStopped
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusIdle:
		return "idle"
	case StatusProcessing:
		return "processing"
	case StatusDraining:
		return "draining"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrAlreadyStarted is returned when Start or Run is called twice.
var ErrAlreadyStarted = errors.New("loop already started")

// Loop is the sequential processor of one plugin.
type Loop[S, C, Q, E any] struct {
	cfg     Config
	handler Handler[S, C, Q, E]
	state   S

	mailbox *message.Mailbox[C, Q]
	events  *broadcast.Channel[E]
	tasks   *task.Supervisor
	scope   *Scope[C, Q, E]

	logger  *zap.Logger
	clock   clock.Clock
	metrics *metric.PluginMetrics

	status    atomic.Int32
	started   atomic.Bool
	processed atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	err      error
}

// New creates a loop around the initial state. The loop does not process
// requests until Start or Run is called, but producers may already enqueue.
func New[S, C, Q, E any](cfg Config, initial S, handler Handler[S, C, Q, E]) (*Loop[S, C, Q, E], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("%s: handler is required", cfg.Name)
	}
	cfg = cfg.withDefaults()

	pluginLogger := cfg.Logger.Named(cfg.Name)
	metrics := cfg.Metrics.Plugin(cfg.Name)

	l := &Loop[S, C, Q, E]{
		cfg:     cfg,
		handler: handler,
		state:   initial,
		logger:  pluginLogger.Named("loop"),
		clock:   cfg.Clock,
		metrics: metrics,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	mailboxCfg := cfg.Mailbox
	userReject := mailboxCfg.OnReject
	mailboxCfg.OnReject = func(err error) {
		metrics.RequestRejected(rejectReason(err))
		if userReject != nil {
			userReject(err)
		}
	}
	l.mailbox = message.NewMailbox[C, Q](cfg.Name, mailboxCfg)

	l.events = broadcast.New[E](broadcast.Config{
		Publisher: cfg.Name,
		Capacity:  cfg.EventCapacity,
		Policy:    cfg.DropPolicy,
		Clock:     cfg.Clock,
		Metrics:   metrics,
	})

	l.tasks = task.NewSupervisor(cfg.Name,
		task.WithLogger(pluginLogger),
		task.WithClock(cfg.Clock),
		task.WithMetrics(metrics),
		task.WithShutdownGrace(cfg.ShutdownGrace),
		task.WithLeakThreshold(cfg.TaskLeakThreshold),
	)

	l.scope = &Scope[C, Q, E]{
		plugin: cfg.Name,
		self:   l.mailbox.Sender(),
		events: l.events,
		tasks:  l.tasks,
		logger: pluginLogger,
		now:    cfg.Clock.Now,
	}

	return l, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, msrerrors.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, msrerrors.ErrDraining):
		return "draining"
	case errors.Is(err, msrerrors.ErrChannelClosed):
		return "closed"
	default:
		return "other"
	}
}

// Name returns the plugin name.
func (l *Loop[S, C, Q, E]) Name() string { return l.cfg.Name }

// Sender returns a request handle. Handles may be cloned freely.
func (l *Loop[S, C, Q, E]) Sender() message.Sender[C, Q] { return l.mailbox.Sender() }

// Events returns the broadcast channel of the plugin.
func (l *Loop[S, C, Q, E]) Events() *broadcast.Channel[E] { return l.events }

// Subscribe registers an event receiver.
func (l *Loop[S, C, Q, E]) Subscribe(opts ...broadcast.SubscribeOption) (*broadcast.Receiver[E], error) {
	return l.events.Subscribe(opts...)
}

// Tasks returns the task supervisor of the plugin.
func (l *Loop[S, C, Q, E]) Tasks() *task.Supervisor { return l.tasks }

// Status returns the current lifecycle status.
func (l *Loop[S, C, Q, E]) Status() Status { return Status(l.status.Load()) }

// Done is closed once the loop is stopped.
func (l *Loop[S, C, Q, E]) Done() <-chan struct{} { return l.done }

// Err returns why the loop stopped; nil after a regular shutdown.
func (l *Loop[S, C, Q, E]) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

// Stats is a point-in-time view of the loop.
type Stats struct {
	Name      string               `json:"name"`
	Status    string               `json:"status"`
	Mailbox   message.MailboxStats `json:"mailbox"`
	Processed uint64               `json:"processed"`
	Tasks     []task.Info          `json:"tasks"`
	Events    EventStats           `json:"events"`
}

// EventStats describes the broadcast side of a loop.
type EventStats struct {
	Published   uint64 `json:"published"`
	Subscribers int    `json:"subscribers"`
}

// Stats returns a snapshot of the loop counters.
func (l *Loop[S, C, Q, E]) Stats() Stats {
	return Stats{
		Name:      l.cfg.Name,
		Status:    l.Status().String(),
		Mailbox:   l.mailbox.Stats(),
		Processed: l.processed.Load(),
		Tasks:     l.tasks.ListActive(),
		Events: EventStats{
			Published:   l.events.Published(),
			Subscribers: l.events.Subscribers(),
		},
	}
}

// Start runs the loop on its own goroutine. Cancelling ctx has the same effect
// as Shutdown.
func (l *Loop[S, C, Q, E]) Start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go l.run(ctx)
	return nil
}

// Run runs the loop on the calling goroutine until it is stopped. A loop with a
// real-time priority runs on a goroutine of its own so the caller's thread is
// never elevated.
func (l *Loop[S, C, Q, E]) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if l.cfg.RealtimePriority > 0 {
		go l.run(ctx)
		<-l.done
	} else {
		l.run(ctx)
	}
	return l.err
}

// Shutdown signals the loop to drain and waits until it is stopped or ctx ends.
// New requests are refused from the moment Shutdown is called. A loop that was
// never started is drained in place without running its Stopper.
func (l *Loop[S, C, Q, E]) Shutdown(ctx context.Context) error {
	l.stopOnce.Do(func() {
		l.beginDrain()
		close(l.stop)
	})

	if l.started.CompareAndSwap(false, true) {
		l.logger.Debug("Shutdown before start")
		l.finish(context.Background(), false)
	}

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: shutdown: %w", l.cfg.Name, ctx.Err())
	}
}

// beginDrain closes admission and moves an idle or busy loop to Draining.
func (l *Loop[S, C, Q, E]) beginDrain() {
	l.mailbox.Drain()
	for {
		cur := l.status.Load()
		if cur == int32(StatusDraining) || cur == int32(StatusStopped) {
			return
		}
		if l.status.CompareAndSwap(cur, int32(StatusDraining)) {
			return
		}
	}
}

func (l *Loop[S, C, Q, E]) run(parent context.Context) {
	if l.cfg.RealtimePriority > 0 {
		runtime.LockOSThread()
		// An elevated thread must not go back to the scheduler pool, so the
		// goroutine exits locked and the runtime discards the thread.
		elevated := false
		if l.cfg.Elevate != nil {
			if err := l.cfg.Elevate(l.cfg.RealtimePriority, l.logger); err != nil {
				l.logger.Warn("Could not raise loop priority, continuing at normal priority",
					zap.Int("priority", l.cfg.RealtimePriority), zap.Error(err))
			} else {
				elevated = true
			}
		}
		if !elevated {
			defer runtime.UnlockOSThread()
		}
	}

	// Handlers get a context that outlives the shutdown signal so queued
	// requests can still complete while draining.
	handlerCtx, cancelHandlers := context.WithCancel(context.Background())
	defer cancelHandlers()

	runCtx, cancelRun := context.WithCancel(parent)
	defer cancelRun()
	go func() {
		select {
		case <-l.stop:
		case <-runCtx.Done():
		}
		l.beginDrain()
		cancelRun()
	}()

	l.status.CompareAndSwap(int32(StatusCreated), int32(StatusIdle))
	l.logger.Info("Message loop started",
		zap.Int("mailbox_capacity", l.mailbox.Capacity()),
		zap.String("drain", l.cfg.Drain.String()))

	if st, ok := any(l.handler).(Starter[S, C, Q, E]); ok {
		if err := l.safeStart(handlerCtx, st); err != nil {
			l.logger.Error("Start hook failed, stopping", zap.Error(err))
			l.err = err
			l.finish(handlerCtx, true)
			return
		}
	}

	for runCtx.Err() == nil {
		req, err := l.mailbox.Next(runCtx)
		if err != nil {
			if runCtx.Err() == nil {
				l.logger.Error("Mailbox failed unexpectedly, draining", zap.Error(err))
				l.err = err
			}
			break
		}
		if l.Status() == StatusDraining {
			// Dequeued while the stop signal arrived.
			l.settle(handlerCtx, req)
			break
		}
		l.process(handlerCtx, req)
	}

	l.finish(handlerCtx, true)
}

// finish drains the mailbox, winds down tasks and releases every resource.
// The Stopper hook only runs for a loop that actually ran.
func (l *Loop[S, C, Q, E]) finish(ctx context.Context, ran bool) {
	l.status.Store(int32(StatusDraining))
	// Cancel tasks first so a task racing the drain sees its own cancellation.
	l.tasks.CancelAll()
	l.mailbox.Drain()

	drained, cancelled := 0, 0
	for {
		req, ok := l.mailbox.TryNext()
		if !ok {
			break
		}
		if l.settle(ctx, req) {
			drained++
		} else {
			cancelled++
		}
	}
	if drained > 0 || cancelled > 0 {
		l.logger.Info("Drained mailbox", zap.Int("completed", drained), zap.Int("cancelled", cancelled))
	}

	if abandoned := l.tasks.Shutdown(); len(abandoned) > 0 {
		l.logger.Warn("Tasks abandoned at shutdown", zap.Int("count", len(abandoned)))
	}

	for _, req := range l.mailbox.Close() {
		l.reply(req, message.Response{
			Err: msrerrors.New(msrerrors.KindChannelClosed, l.cfg.Name, "drain", nil),
		})
	}

	if sp, ok := any(l.handler).(Stopper[S, C, Q, E]); ok && ran {
		l.safeStop(ctx, sp)
	}

	l.events.Close()
	l.status.Store(int32(StatusStopped))
	l.logger.Info("Message loop stopped", zap.Uint64("processed", l.processed.Load()))
	close(l.done)
}

// settle handles a request admitted before the stop signal according to the
// drain mode and reports whether it was processed.
func (l *Loop[S, C, Q, E]) settle(ctx context.Context, req *message.Request[C, Q]) bool {
	if l.cfg.Drain == DrainCancel {
		l.reply(req, message.Response{
			Err: msrerrors.New(msrerrors.KindRequestRejected, l.cfg.Name, "drain", msrerrors.ErrDraining),
		})
		return false
	}
	l.process(ctx, req)
	return true
}

func (l *Loop[S, C, Q, E]) process(ctx context.Context, req *message.Request[C, Q]) {
	// CAS so a concurrent stop signal keeps the loop in Draining.
	l.status.CompareAndSwap(int32(StatusIdle), int32(StatusProcessing))

	start := l.clock.Now()
	var resp message.Response
	switch req.Kind {
	case message.KindCommand:
		resp = l.safeCommand(ctx, req.Command)
	case message.KindQuery:
		resp = l.safeQuery(ctx, req.Query)
	default:
		resp = message.Response{Err: fmt.Errorf("%s: unknown request kind %d", l.cfg.Name, req.Kind)}
	}
	elapsed := l.clock.Since(start)

	l.status.CompareAndSwap(int32(StatusProcessing), int32(StatusIdle))
	l.processed.Add(1)

	status := "ok"
	if resp.Err != nil {
		status = "error"
		l.logger.Debug("Handler returned error",
			zap.String("kind", req.Kind.String()), zap.Error(resp.Err))
	}
	l.metrics.ObserveRequest(req.Kind.String(), status, elapsed)
	l.reply(req, resp)
}

func (l *Loop[S, C, Q, E]) reply(req *message.Request[C, Q], resp message.Response) {
	if !req.Reply(resp) {
		l.logger.Debug("Response dropped, producer stopped waiting",
			zap.String("kind", req.Kind.String()),
			zap.Duration("queued", l.clock.Since(req.Admitted)))
	}
}

func (l *Loop[S, C, Q, E]) safeCommand(ctx context.Context, cmd C) (resp message.Response) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Command handler panicked", zap.Any("panic", r), zap.Any("command", cmd))
			resp = message.Response{Err: msrerrors.New(msrerrors.KindHandler, l.cfg.Name, "command", fmt.Errorf("panic: %v", r))}
		}
	}()
	v, err := l.handler.HandleCommand(ctx, &l.state, cmd, l.scope)
	return message.Response{Value: v, Err: msrerrors.Handler(l.cfg.Name, "command", err)}
}

func (l *Loop[S, C, Q, E]) safeQuery(ctx context.Context, q Q) (resp message.Response) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Query handler panicked", zap.Any("panic", r), zap.Any("query", q))
			resp = message.Response{Err: msrerrors.New(msrerrors.KindHandler, l.cfg.Name, "query", fmt.Errorf("panic: %v", r))}
		}
	}()
	v, err := l.handler.HandleQuery(ctx, l.state, q)
	return message.Response{Value: v, Err: msrerrors.Handler(l.cfg.Name, "query", err)}
}

func (l *Loop[S, C, Q, E]) safeStart(ctx context.Context, st Starter[S, C, Q, E]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("start hook panicked: %v", r)
		}
	}()
	return st.OnStart(ctx, &l.state, l.scope)
}

func (l *Loop[S, C, Q, E]) safeStop(ctx context.Context, sp Stopper[S, C, Q, E]) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Stop hook panicked", zap.Any("panic", r))
		}
	}()
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	sp.OnStop(stopCtx, &l.state, l.scope)
}
