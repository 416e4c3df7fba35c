package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"msr/pkg/broadcast"
)

// Host owns a set of created plugins. It starts them in ascending order and
// stops them in descending order; plugins sharing an order value are stopped
// concurrently.
type Host struct {
	logger  *zap.Logger
	entries []Entry

	mu      sync.Mutex
	started []Entry
}

// NewHost creates a host for the given plugins.
func NewHost(entries []Entry, logger *zap.Logger) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	return &Host{logger: logger.Named("host"), entries: sorted}
}

// Plugins returns all hosted plugins in startup order.
func (h *Host) Plugins() []Plugin {
	out := make([]Plugin, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.Plugin
	}
	return out
}

// Get returns a hosted plugin by name.
func (h *Host) Get(name string) (Plugin, bool) {
	for _, e := range h.entries {
		if e.Plugin.Name() == name {
			return e.Plugin, true
		}
	}
	return nil, false
}

// Lookup returns the named plugin as its concrete type.
func Lookup[T Plugin](h *Host, name string) (T, error) {
	var zero T
	p, ok := h.Get(name)
	if !ok {
		return zero, fmt.Errorf("plugin %s is not loaded", name)
	}
	t, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("plugin %s has type %T, want %T", name, p, zero)
	}
	return t, nil
}

// Start starts every plugin in order. If one fails, the plugins already
// started are stopped again and the error is returned.
func (h *Host) Start(ctx context.Context) error {
	for _, e := range h.entries {
		h.logger.Info("Starting plugin", zap.String("plugin", e.Plugin.Name()), zap.Int("order", e.Order))
		if err := e.Plugin.Start(ctx); err != nil {
			h.logger.Error("Plugin failed to start", zap.String("plugin", e.Plugin.Name()), zap.Error(err))
			if stopErr := h.Stop(context.Background()); stopErr != nil {
				h.logger.Warn("Cleanup after failed start incomplete", zap.Error(stopErr))
			}
			return fmt.Errorf("failed to start plugin %s: %w", e.Plugin.Name(), err)
		}
		h.mu.Lock()
		h.started = append(h.started, e)
		h.mu.Unlock()
	}
	h.logger.Info("All plugins started", zap.Int("count", len(h.entries)))
	return nil
}

// Stop stops started plugins in reverse order. Every plugin gets a chance to
// stop; the first error is returned.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	started := h.started
	h.started = nil
	h.mu.Unlock()

	var firstErr error
	for end := len(started); end > 0; {
		order := started[end-1].Order
		begin := end - 1
		for begin > 0 && started[begin-1].Order == order {
			begin--
		}

		var g errgroup.Group
		for _, e := range started[begin:end] {
			p := e.Plugin
			g.Go(func() error {
				h.logger.Info("Stopping plugin", zap.String("plugin", p.Name()))
				if err := p.Stop(ctx); err != nil {
					return fmt.Errorf("stop %s: %w", p.Name(), err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
		end = begin
	}
	return firstErr
}

// Streams returns the event streams of all plugins implementing EventSource.
func (h *Host) Streams() map[string]broadcast.Stream {
	out := make(map[string]broadcast.Stream)
	for _, e := range h.entries {
		if src, ok := e.Plugin.(EventSource); ok {
			out[e.Plugin.Name()] = src.Events()
		}
	}
	return out
}
