package loop

import (
	"context"
	"time"

	"go.uber.org/zap"

	"msr/pkg/broadcast"
	"msr/pkg/message"
	"msr/pkg/task"
)

// Handler implements the behaviour of a plugin.
//
// HandleCommand may mutate state and use the scope to publish events, spawn
// tasks or address the plugin itself. HandleQuery receives a copy of the state
// and no scope; it must not mutate anything reachable from it.
type Handler[S, C, Q, E any] interface {
	HandleCommand(ctx context.Context, state *S, cmd C, scope *Scope[C, Q, E]) (any, error)
	HandleQuery(ctx context.Context, state S, q Q) (any, error)
}

// Starter is implemented by handlers that need to run before the first request.
// A returned error stops the loop.
type Starter[S, C, Q, E any] interface {
	OnStart(ctx context.Context, state *S, scope *Scope[C, Q, E]) error
}

// Stopper is implemented by handlers that need to run after draining, before the
// event channel closes.
type Stopper[S, C, Q, E any] interface {
	OnStop(ctx context.Context, state *S, scope *Scope[C, Q, E])
}

// Funcs adapts plain functions to Handler. A nil Query answers every query
// with a nil value.
type Funcs[S, C, Q, E any] struct {
	Command func(ctx context.Context, state *S, cmd C, scope *Scope[C, Q, E]) (any, error)
	Query   func(ctx context.Context, state S, q Q) (any, error)
}

func (f Funcs[S, C, Q, E]) HandleCommand(ctx context.Context, state *S, cmd C, scope *Scope[C, Q, E]) (any, error) {
	if f.Command == nil {
		return nil, nil
	}
	return f.Command(ctx, state, cmd, scope)
}

func (f Funcs[S, C, Q, E]) HandleQuery(ctx context.Context, state S, q Q) (any, error) {
	if f.Query == nil {
		return nil, nil
	}
	return f.Query(ctx, state, q)
}

// Scope is what a command handler may touch besides its state.
// It is only valid for the duration of the handler call; tasks that need to
// talk to the plugin keep the Sender from Self instead.
type Scope[C, Q, E any] struct {
	plugin string
	self   message.Sender[C, Q]
	events *broadcast.Channel[E]
	tasks  *task.Supervisor
	logger *zap.Logger
	now    func() time.Time
}

// Plugin returns the plugin name.
func (s *Scope[C, Q, E]) Plugin() string { return s.plugin }

// Publish emits an event to all current subscribers without blocking.
func (s *Scope[C, Q, E]) Publish(ev E) int { return s.events.Publish(ev) }

// Self returns a send handle addressing this plugin. Self-addressed requests
// queue behind everything already admitted; calling it synchronously from a
// handler deadlocks the loop.
func (s *Scope[C, Q, E]) Self() message.Sender[C, Q] { return s.self }

// Spawn starts supervised background work owned by this plugin.
func (s *Scope[C, Q, E]) Spawn(name string, work task.Work) (*task.Handle, error) {
	return s.tasks.Spawn(name, work)
}

// Tasks returns the plugin's task supervisor, for Cancel, Join and ListActive.
func (s *Scope[C, Q, E]) Tasks() *task.Supervisor { return s.tasks }

// Logger returns the plugin logger.
func (s *Scope[C, Q, E]) Logger() *zap.Logger { return s.logger }

// Now returns the loop clock's current time.
func (s *Scope[C, Q, E]) Now() time.Time { return s.now() }
