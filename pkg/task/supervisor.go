// Package task supervises the background work of a plugin.
//
// The Supervisor provides:
//   - Task spawn with generated IDs and lifecycle tracking
//   - Cooperative cancellation through context
//   - Join with caller-side timeout
//   - Graceful shutdown with a grace period; tasks that ignore cancellation
//     are reported as abandoned, never killed
//
// Supervisor is safe for concurrent use.
package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"msr/pkg/clock"
	msrerrors "msr/pkg/errors"
	"msr/pkg/metric"
)

// DefaultShutdownGrace is the time tasks get to observe cancellation at shutdown.
const DefaultShutdownGrace = 2000 * time.Millisecond

// finishedRetention bounds how many unjoined terminal tasks are remembered.
const finishedRetention = 256

var (
	// ErrSupervisorShutdown is returned by Spawn after Shutdown began.
	ErrSupervisorShutdown = errors.New("task supervisor is shut down")

	// ErrUnknownTask is returned for IDs that are neither active nor retained.
	ErrUnknownTask = errors.New("unknown task")
)

// Work is the body of a task. It must return soon after ctx is cancelled.
type Work func(ctx context.Context) error

// Supervisor tracks every task of one plugin until it reaches a terminal state.
type Supervisor struct {
	owner string

	mu       sync.Mutex
	active   map[string]*Handle
	finished map[string]*Handle
	order    []string // finished IDs, oldest first
	closed   atomic.Bool

	logger         *zap.Logger
	clock          clock.Clock
	metrics        *metric.PluginMetrics
	grace          time.Duration
	leakThreshold  int
	maxTasks       int
	onExit         func(h *Handle)
	abandonedTotal atomic.Int64
}

// Option configures a Supervisor instance.
type Option func(*Supervisor)

// WithLogger sets the logger. The supervisor names it "tasks".
func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l.Named("tasks")
		}
	}
}

// WithClock sets the clock used for the shutdown grace period.
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithMetrics records active and abandoned task counts.
func WithMetrics(m *metric.PluginMetrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithShutdownGrace overrides DefaultShutdownGrace.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithLeakThreshold escalates abandoned tasks to a supervisory alert once
// their total reaches n. 0 disables the alert.
func WithLeakThreshold(n int) Option {
	return func(s *Supervisor) { s.leakThreshold = n }
}

// WithMaxTasks limits the number of concurrently active tasks (0 = unlimited).
func WithMaxTasks(n int) Option {
	return func(s *Supervisor) { s.maxTasks = n }
}

// WithExitCallback sets a callback invoked when a task reaches a terminal state.
// It runs on the task goroutine.
func WithExitCallback(fn func(h *Handle)) Option {
	return func(s *Supervisor) { s.onExit = fn }
}

// NewSupervisor creates a supervisor for the named plugin.
func NewSupervisor(owner string, opts ...Option) *Supervisor {
	s := &Supervisor{
		owner:    owner,
		active:   make(map[string]*Handle),
		finished: make(map[string]*Handle),
		logger:   zap.NewNop(),
		clock:    clock.NewRealClock(),
		grace:    DefaultShutdownGrace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn starts work on its own goroutine.
func (s *Supervisor) Spawn(name string, work Work) (*Handle, error) {
	return s.SpawnWithID(uuid.New().String(), name, work)
}

// SpawnWithID starts work with a caller-chosen ID, for deterministic tests.
func (s *Supervisor) SpawnWithID(id, name string, work Work) (*Handle, error) {
	if work == nil {
		return nil, fmt.Errorf("task %s: work is nil", name)
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil, msrerrors.New(msrerrors.KindRequestRejected, s.owner, "spawn", ErrSupervisorShutdown)
	}
	if s.maxTasks > 0 && len(s.active) >= s.maxTasks {
		s.mu.Unlock()
		return nil, msrerrors.New(msrerrors.KindRequestRejected, s.owner, "spawn",
			fmt.Errorf("task limit reached: %d", s.maxTasks))
	}
	if _, exists := s.active[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("task ID already exists: %s", id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		ID:      id,
		Name:    name,
		Spawned: s.clock.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	h.state.Store(int32(StateSpawned))
	s.active[id] = h
	n := len(s.active)
	s.mu.Unlock()

	s.metrics.TasksActive(n)
	s.logger.Debug("Task spawned", zap.String("task", name), zap.String("id", id))

	go s.run(ctx, h, work)
	return h, nil
}

func (s *Supervisor) run(ctx context.Context, h *Handle, work Work) {
	h.state.CompareAndSwap(int32(StateSpawned), int32(StateRunning))

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		return work(ctx)
	}()

	final := StateCompleted
	switch {
	case err == nil:
	case ctx.Err() != nil && errors.Is(err, context.Canceled), errors.Is(err, msrerrors.ErrTaskCancelled):
		final = StateCancelled
		err = msrerrors.New(msrerrors.KindTaskCancelled, s.owner, h.Name, err)
	default:
		final = StateFailed
	}
	// Move to the retained set before Done is closed so Join never races it.
	s.mu.Lock()
	delete(s.active, h.ID)
	s.finished[h.ID] = h
	s.order = append(s.order, h.ID)
	for len(s.order) > finishedRetention {
		delete(s.finished, s.order[0])
		s.order = s.order[1:]
	}
	n := len(s.active)
	s.mu.Unlock()

	h.finish(final, err)
	s.metrics.TasksActive(n)

	switch final {
	case StateFailed:
		s.logger.Warn("Task failed", zap.String("task", h.Name), zap.String("id", h.ID), zap.Error(err))
	case StateCancelled:
		s.logger.Debug("Task cancelled", zap.String("task", h.Name), zap.String("id", h.ID))
	default:
		s.logger.Debug("Task completed", zap.String("task", h.Name), zap.String("id", h.ID))
	}
	if h.Abandoned() {
		s.logger.Info("Abandoned task finished late",
			zap.String("task", h.Name), zap.String("id", h.ID), zap.String("state", final.String()))
	}

	if s.onExit != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Task exit callback panicked", zap.Any("panic", r))
				}
			}()
			s.onExit(h)
		}()
	}
}

// Get returns an active or retained terminal task, or nil.
func (s *Supervisor) Get(id string) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.active[id]; ok {
		return h
	}
	return s.finished[id]
}

// Cancel requests cooperative cancellation. It reports whether id was active.
func (s *Supervisor) Cancel(id string) bool {
	s.mu.Lock()
	h, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	return true
}

// CancelAll requests cancellation of every active task.
func (s *Supervisor) CancelAll() {
	for _, h := range s.snapshot() {
		h.cancel()
	}
}

// Join waits until the task is terminal and returns its error; nil means
// Completed. Joining forgets a retained terminal task. If ctx ends first the
// task keeps running and ctx.Err() is returned.
func (s *Supervisor) Join(ctx context.Context, id string) error {
	h := s.Get(id)
	if h == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}

	err := h.Wait(ctx)
	if ctx.Err() != nil && !h.terminal() {
		return err
	}

	s.mu.Lock()
	if _, ok := s.finished[id]; ok {
		delete(s.finished, id)
		for i, fid := range s.order {
			if fid == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	return err
}

// ListActive returns a snapshot of non-terminal tasks, oldest first.
func (s *Supervisor) ListActive() []Info {
	handles := s.snapshot()
	infos := make([]Info, 0, len(handles))
	now := s.clock.Now()
	for _, h := range handles {
		infos = append(infos, h.info(now))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Spawned.Before(infos[j].Spawned) })
	return infos
}

// Active returns the number of non-terminal tasks.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Abandoned returns the total number of tasks abandoned at shutdown.
func (s *Supervisor) Abandoned() int {
	return int(s.abandonedTotal.Load())
}

func (s *Supervisor) snapshot() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, 0, len(s.active))
	for _, h := range s.active {
		out = append(out, h)
	}
	return out
}

// Shutdown rejects new spawns, cancels every task and waits up to the grace
// period. Tasks still running afterwards are marked abandoned, logged and
// returned. Calling Shutdown again only reports tasks that are still active.
func (s *Supervisor) Shutdown() []Info {
	s.mu.Lock()
	s.closed.Store(true)
	s.mu.Unlock()

	pending := s.snapshot()
	if len(pending) == 0 {
		return nil
	}

	s.logger.Info("Cancelling tasks",
		zap.Int("count", len(pending)), zap.Duration("grace", s.grace))
	for _, h := range pending {
		h.cancel()
	}

	deadline := s.clock.After(s.grace)
	for _, h := range pending {
		select {
		case <-h.done:
		case <-deadline:
			return s.abandon()
		}
	}
	return nil
}

func (s *Supervisor) abandon() []Info {
	remaining := s.snapshot()
	now := s.clock.Now()

	var abandoned []Info
	for _, h := range remaining {
		if h.terminal() || !h.abandoned.CompareAndSwap(false, true) {
			continue
		}
		abandoned = append(abandoned, h.info(now))
		s.metrics.TaskAbandoned()
		s.logger.Warn("Task did not stop within grace period, abandoning",
			zap.String("task", h.Name),
			zap.String("id", h.ID),
			zap.Duration("age", now.Sub(h.Spawned)),
			zap.Error(msrerrors.New(msrerrors.KindTaskAbandoned, s.owner, h.Name, nil)))
	}

	total := s.abandonedTotal.Add(int64(len(abandoned)))
	if s.leakThreshold > 0 && total >= int64(s.leakThreshold) && len(abandoned) > 0 {
		s.logger.Error("Supervisory alert: abandoned tasks reached leak threshold",
			zap.String("plugin", s.owner),
			zap.Int64("abandoned", total),
			zap.Int("threshold", s.leakThreshold))
	}
	sort.Slice(abandoned, func(i, j int) bool { return abandoned[i].Spawned.Before(abandoned[j].Spawned) })
	return abandoned
}
