package task

import (
	"context"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a task.
type State int32

const (
	StateSpawned State = iota
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Handle identifies a spawned task.
type Handle struct {
	ID      string
	Name    string
	Spawned time.Time

	state     atomic.Int32
	abandoned atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
	err       error // written once before done is closed
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Done is closed when the task reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the terminal error. It is only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Abandoned reports whether the task outlived the shutdown grace period.
func (h *Handle) Abandoned() bool {
	return h.abandoned.Load()
}

// Wait blocks until the task is terminal or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) terminal() bool {
	return h.State().Terminal()
}

func (h *Handle) finish(s State, err error) {
	h.err = err
	h.state.Store(int32(s))
	h.cancel()
	close(h.done)
}

// Info is a point-in-time description of a task.
type Info struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	State     string        `json:"state"`
	Spawned   time.Time     `json:"spawned"`
	Age       time.Duration `json:"age"`
	Abandoned bool          `json:"abandoned"`
}

func (h *Handle) info(now time.Time) Info {
	return Info{
		ID:        h.ID,
		Name:      h.Name,
		State:     h.State().String(),
		Spawned:   h.Spawned,
		Age:       now.Sub(h.Spawned),
		Abandoned: h.Abandoned(),
	}
}
