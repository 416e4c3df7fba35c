// Package plugin provides the plugin interfaces, registry and host of the
// runtime. Plugins register themselves with the global registry from init()
// functions, allowing compile-time plugin selection and priority override of
// shipped implementations by site-specific ones.
package plugin

import (
	"context"

	"msr/pkg/broadcast"
	"msr/pkg/loop"
)

// Plugin is the core interface that all plugins must implement.
// A plugin usually wraps one message loop.
type Plugin interface {
	// Name returns the unique identifier for this plugin.
	// This name is used for registration, configuration and logging.
	Name() string

	// Start begins the plugin's operation.
	// - Starts the message loop
	// - Returns error if initialization fails
	Start(ctx context.Context) error

	// Stop drains the plugin and releases its resources.
	// It returns once the loop is stopped or ctx ends.
	Stop(ctx context.Context) error
}

// EventSource is an optional interface for plugins whose events may be
// streamed by collaborators that do not know the payload type.
type EventSource interface {
	Events() broadcast.Stream
}

// StatsProvider is an optional interface for plugins exposing loop statistics.
type StatsProvider interface {
	Stats() loop.Stats
}

// Factory is a function that creates a new plugin instance from its
// dependencies. Factories are registered with the global registry and called
// during application startup.
type Factory func(deps *Deps) (Plugin, error)
