package plugin

import (
	"go.uber.org/zap"

	"msr/pkg/clock"
	"msr/pkg/hook"
	"msr/pkg/loop"
	"msr/pkg/metric"
)

// Deps provides dependencies to plugins during construction.
// It wraps everything a factory needs in a single struct for cleaner
// constructor signatures.
type Deps struct {
	// Loop holds the message loop settings from configuration. Factories pass
	// it to loop.New unchanged apart from Name, which they may leave empty.
	Loop loop.Config

	// Extensions selects the extension used for each hook capability.
	Extensions hook.Selection

	// Settings holds plugin-specific configuration values.
	Settings hook.Settings

	// Logger is a structured logger for the plugin to use.
	// Plugins should use logger.Named("pluginname") for namespacing.
	Logger *zap.Logger

	Metrics *metric.Registry
	Clock   clock.Clock

	// DataDir is where plugins that persist data keep their files.
	DataDir string
}

// LoopConfig returns the loop configuration with name, logger, clock and
// metrics filled in from the dependencies.
func (d *Deps) LoopConfig(name string) loop.Config {
	cfg := d.Loop
	cfg.Name = name
	if cfg.Logger == nil {
		cfg.Logger = d.Logger
	}
	if cfg.Clock == nil {
		cfg.Clock = d.Clock
	}
	if cfg.Metrics == nil {
		cfg.Metrics = d.Metrics
	}
	return cfg
}

// NewDeps creates dependencies with a no-op logger and the real clock, for
// tests and for plugins without configuration.
func NewDeps() *Deps {
	return &Deps{
		Logger:   zap.NewNop(),
		Clock:    clock.NewRealClock(),
		Settings: hook.Settings{},
	}
}
