package plugin

import (
	"context"

	"msr/pkg/broadcast"
	"msr/pkg/loop"
)

// LoopAdapter wraps a message loop to implement Plugin, EventSource and
// StatsProvider. Plugin packages embed it next to their typed client API.
type LoopAdapter[S, C, Q, E any] struct {
	Loop *loop.Loop[S, C, Q, E]
}

// Adapt wraps l.
func Adapt[S, C, Q, E any](l *loop.Loop[S, C, Q, E]) LoopAdapter[S, C, Q, E] {
	return LoopAdapter[S, C, Q, E]{Loop: l}
}

func (a LoopAdapter[S, C, Q, E]) Name() string { return a.Loop.Name() }

// Start starts the loop. The loop outlives ctx; the host stops plugins
// explicitly and in order.
func (a LoopAdapter[S, C, Q, E]) Start(ctx context.Context) error {
	return a.Loop.Start(context.WithoutCancel(ctx))
}

// Stop drains the loop and reports why it ended, if not regularly.
func (a LoopAdapter[S, C, Q, E]) Stop(ctx context.Context) error {
	if err := a.Loop.Shutdown(ctx); err != nil {
		return err
	}
	return a.Loop.Err()
}

func (a LoopAdapter[S, C, Q, E]) Events() broadcast.Stream { return a.Loop.Events() }

func (a LoopAdapter[S, C, Q, E]) Stats() loop.Stats { return a.Loop.Stats() }
