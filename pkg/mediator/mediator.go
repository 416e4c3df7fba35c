// Package mediator bridges one plugin's events into another plugin's requests.
//
// A Mediator subscribes to a source event channel, filters every event,
// transforms the ones it keeps into a command or query and submits it to the
// destination through a Sender. It never touches either plugin's state, and a
// failure to deliver stays inside the mediator.
package mediator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"msr/pkg/broadcast"
	msrerrors "msr/pkg/errors"
	"msr/pkg/message"
	"msr/pkg/metric"
	"msr/pkg/retry"
)

// Source is anything events can be subscribed from: a broadcast channel or a loop.
type Source[E any] interface {
	Subscribe(opts ...broadcast.SubscribeOption) (*broadcast.Receiver[E], error)
}

// Output is the request a transform produces.
type Output[C, Q any] struct {
	Kind    message.Kind
	Command C
	Query   Q
}

// Command wraps a command payload.
func Command[C, Q any](cmd C) Output[C, Q] {
	return Output[C, Q]{Kind: message.KindCommand, Command: cmd}
}

// Query wraps a query payload.
func Query[C, Q any](q Q) Output[C, Q] {
	return Output[C, Q]{Kind: message.KindQuery, Query: q}
}

func (o Output[C, Q]) request() *message.Request[C, Q] {
	if o.Kind == message.KindQuery {
		return message.NewQuery[C, Q](o.Query)
	}
	return message.NewCommand[C, Q](o.Command)
}

// Route holds the pure functions of a mediator.
type Route[E, C, Q any] struct {
	// Filter drops events it returns false for. Nil keeps every event.
	Filter func(ev E) bool

	// Transform builds the request for a kept event. The bool result allows a
	// transform to skip an event it cannot translate.
	Transform func(ev E) (Output[C, Q], bool)

	// Inspect optionally observes every destination response, including
	// handler errors. It must not block for long.
	Inspect func(ev E, out Output[C, Q], value any, err error)
}

// Config configures a mediator.
type Config struct {
	Name string

	// Capacity and Policy configure the subscription queue on the source.
	Capacity int
	Policy   broadcast.DropPolicy

	// Retry applies to deliveries refused because the destination queue is full.
	Retry retry.Config

	// RatePerSecond limits deliveries; 0 disables limiting.
	RatePerSecond float64
	Burst         int

	// Timeout bounds each delivery attempt, including waiting for the response.
	Timeout time.Duration

	Logger  *zap.Logger
	Metrics *metric.Registry
}

// Stats counts what a mediator did with the events it received.
type Stats struct {
	Name      string `json:"name"`
	Received  uint64 `json:"received"`
	Filtered  uint64 `json:"filtered"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Missed    uint64 `json:"missed"`
	Running   bool   `json:"running"`
}

// Mediator forwards events from a source to a destination plugin.
type Mediator[E, C, Q any] struct {
	cfg     Config
	source  Source[E]
	dest    message.Sender[C, Q]
	route   Route[E, C, Q]
	logger  *zap.Logger
	metrics *metric.MediatorMetrics
	limiter *rate.Limiter

	received  atomic.Uint64
	filtered  atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	running   atomic.Bool

	mu       sync.Mutex
	receiver *broadcast.Receiver[E]
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// New creates a mediator. It holds no ownership of source or destination.
func New[E, C, Q any](cfg Config, source Source[E], dest message.Sender[C, Q], route Route[E, C, Q]) (*Mediator[E, C, Q], error) {
	if cfg.Name == "" {
		return nil, errors.New("mediator name is required")
	}
	if source == nil {
		return nil, fmt.Errorf("mediator %s: source is required", cfg.Name)
	}
	if !dest.Valid() {
		return nil, fmt.Errorf("mediator %s: destination is required", cfg.Name)
	}
	if route.Transform == nil {
		return nil, fmt.Errorf("mediator %s: transform is required", cfg.Name)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Once()
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = msrerrors.IsTransient
	}

	m := &Mediator[E, C, Q]{
		cfg:     cfg,
		source:  source,
		dest:    dest,
		route:   route,
		logger:  cfg.Logger.Named("mediator." + cfg.Name),
		metrics: cfg.Metrics.Mediator(cfg.Name),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return m, nil
}

// Name returns the mediator name.
func (m *Mediator[E, C, Q]) Name() string { return m.cfg.Name }

// Start subscribes to the source and forwards events on a new goroutine until
// ctx ends, Stop is called, the source closes or the destination goes away.
func (m *Mediator[E, C, Q]) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done != nil {
		return fmt.Errorf("mediator %s already started", m.cfg.Name)
	}

	rx, err := m.subscribe()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.receiver = rx
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running.Store(true)

	go func() {
		defer close(m.done)
		err := m.forward(runCtx, rx)
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
	}()
	return nil
}

// Run subscribes and forwards events on the calling goroutine.
func (m *Mediator[E, C, Q]) Run(ctx context.Context) error {
	rx, err := m.subscribe()
	if err != nil {
		return err
	}
	m.running.Store(true)
	return m.forward(ctx, rx)
}

func (m *Mediator[E, C, Q]) subscribe() (*broadcast.Receiver[E], error) {
	opts := []broadcast.SubscribeOption{broadcast.WithPolicy(m.cfg.Policy)}
	if m.cfg.Capacity > 0 {
		opts = append(opts, broadcast.WithCapacity(m.cfg.Capacity))
	}
	rx, err := m.source.Subscribe(opts...)
	if err != nil {
		return nil, fmt.Errorf("mediator %s: subscribe: %w", m.cfg.Name, err)
	}
	return rx, nil
}

// Stop ends forwarding and waits for the goroutine started by Start.
func (m *Mediator[E, C, Q]) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed when a started mediator has stopped. Nil before Start.
func (m *Mediator[E, C, Q]) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Err returns why a started mediator stopped. Nil for a normal end.
func (m *Mediator[E, C, Q]) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Stats returns the mediator counters.
func (m *Mediator[E, C, Q]) Stats() Stats {
	var missed uint64
	m.mu.Lock()
	if m.receiver != nil {
		missed = m.receiver.Dropped()
	}
	m.mu.Unlock()

	return Stats{
		Name:      m.cfg.Name,
		Received:  m.received.Load(),
		Filtered:  m.filtered.Load(),
		Delivered: m.delivered.Load(),
		Failed:    m.failed.Load(),
		Missed:    missed,
		Running:   m.running.Load(),
	}
}

func (m *Mediator[E, C, Q]) forward(ctx context.Context, rx *broadcast.Receiver[E]) error {
	defer rx.Close()
	defer m.running.Store(false)

	m.logger.Info("Mediator started", zap.String("destination", m.dest.Plugin()))
	for {
		ev, err := rx.Recv(ctx)
		if err != nil {
			if errors.Is(err, msrerrors.ErrChannelClosed) {
				m.logger.Info("Source closed, mediator stopping")
			} else {
				m.logger.Debug("Mediator stopped")
			}
			return nil
		}

		m.received.Add(1)
		if err := m.handle(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Error("Destination gone, mediator stopping", zap.Error(err))
			return err
		}
	}
}

// handle processes one event. Only an unreachable destination returns an error.
func (m *Mediator[E, C, Q]) handle(ctx context.Context, ev broadcast.Event[E]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.failed.Add(1)
			m.metrics.Delivery("failed")
			m.logger.Error("Mediator route panicked", zap.Any("panic", r), zap.Uint64("seq", ev.Seq))
			err = nil
		}
	}()

	if m.route.Filter != nil && !m.route.Filter(ev.Payload) {
		m.filtered.Add(1)
		m.metrics.Delivery("filtered")
		return nil
	}

	out, ok := m.route.Transform(ev.Payload)
	if !ok {
		m.filtered.Add(1)
		m.metrics.Delivery("filtered")
		return nil
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	value, deliveryErr := m.deliver(ctx, out)

	if deliveryErr != nil && msrerrors.KindOf(deliveryErr) != msrerrors.KindHandler {
		m.failed.Add(1)
		m.metrics.Delivery("failed")
		failure := msrerrors.New(msrerrors.KindMediatorDeliveryFailed, m.cfg.Name, "deliver", deliveryErr)
		if msrerrors.IsFatal(deliveryErr) {
			return failure
		}
		m.logger.Error("Delivery failed, dropping event",
			zap.Uint64("seq", ev.Seq),
			zap.String("kind", out.Kind.String()),
			zap.Error(failure))
		return nil
	}

	m.delivered.Add(1)
	m.metrics.Delivery("delivered")
	if deliveryErr != nil {
		m.logger.Warn("Destination rejected request",
			zap.Uint64("seq", ev.Seq), zap.Error(deliveryErr))
	}
	if m.route.Inspect != nil {
		m.route.Inspect(ev.Payload, out, value, deliveryErr)
	}
	return nil
}

func (m *Mediator[E, C, Q]) deliver(ctx context.Context, out Output[C, Q]) (any, error) {
	var value any
	var handlerErr error

	err := retry.Do(ctx, m.cfg.Retry, func(attempt int) error {
		actx := ctx
		if m.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
			defer cancel()
		}

		v, err := m.dest.Submit(actx, out.request())
		if err != nil && msrerrors.KindOf(err) == msrerrors.KindHandler {
			value, handlerErr = v, err
			return nil
		}
		if err != nil && attempt > 1 {
			m.logger.Debug("Delivery attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		value = v
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, handlerErr
}
