package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"msr/pkg/broadcast"
	"msr/pkg/hook"
	"msr/pkg/loop"
	"msr/pkg/mediator"
	"msr/pkg/message"
	"msr/pkg/retry"
)

// FileName is the runtime configuration file inside the config directory.
const FileName = "runtime.yaml"

// MailboxConfig represents the mailbox section of a plugin
type MailboxConfig struct {
	Capacity  int    `yaml:"capacity"`
	Admission string `yaml:"admission"`
}

// EventsConfig represents the events section of a plugin
type EventsConfig struct {
	Capacity   int    `yaml:"capacity"`
	DropPolicy string `yaml:"drop_policy"`
}

// PluginConfig represents one entry of the plugins map
type PluginConfig struct {
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`

	Mailbox MailboxConfig `yaml:"mailbox"`
	Events  EventsConfig  `yaml:"events"`

	RealtimePriority  int           `yaml:"realtime_priority"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	TaskLeakThreshold int           `yaml:"task_leak_threshold"`
	Drain             string        `yaml:"drain"`

	// Extensions maps a hook capability to the extension name to use.
	Extensions map[string]string `yaml:"extensions"`

	// Settings holds plugin-specific values.
	Settings map[string]interface{} `yaml:"settings"`
}

// IsEnabled reports whether the plugin should be created.
func (p PluginConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// LoopConfig converts the plugin section into message loop settings.
// Name, logger, clock and metrics are left for the caller.
func (p PluginConfig) LoopConfig() (loop.Config, error) {
	admission, err := message.ParseAdmissionPolicy(p.Mailbox.Admission)
	if err != nil {
		return loop.Config{}, fmt.Errorf("mailbox.admission: %w", err)
	}
	policy, err := broadcast.ParseDropPolicy(p.Events.DropPolicy)
	if err != nil {
		return loop.Config{}, fmt.Errorf("events.drop_policy: %w", err)
	}
	drain, err := loop.ParseDrainMode(p.Drain)
	if err != nil {
		return loop.Config{}, fmt.Errorf("drain: %w", err)
	}
	return loop.Config{
		Mailbox: message.MailboxConfig{
			Capacity:  p.Mailbox.Capacity,
			Admission: admission,
		},
		EventCapacity:     p.Events.Capacity,
		DropPolicy:        policy,
		ShutdownGrace:     p.ShutdownGrace,
		TaskLeakThreshold: p.TaskLeakThreshold,
		Drain:             drain,
		RealtimePriority:  p.RealtimePriority,
	}, nil
}

// HookSettings returns the settings map in the form extensions and plugins consume.
func (p PluginConfig) HookSettings() hook.Settings {
	s := hook.Settings{}
	for k, v := range p.Settings {
		s[k] = v
	}
	return s
}

// MediatorConfig represents one entry of the mediators map
type MediatorConfig struct {
	Enabled *bool `yaml:"enabled"`

	Capacity   int    `yaml:"capacity"`
	DropPolicy string `yaml:"drop_policy"`

	MaxAttempts   int           `yaml:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Timeout       time.Duration `yaml:"timeout"`

	Settings map[string]interface{} `yaml:"settings"`
}

// IsEnabled reports whether the mediator should be wired.
func (m MediatorConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// MediatorConfig converts the section into mediator settings for the given name.
func (m MediatorConfig) MediatorConfig(name string) (mediator.Config, error) {
	policy, err := broadcast.ParseDropPolicy(m.DropPolicy)
	if err != nil {
		return mediator.Config{}, fmt.Errorf("drop_policy: %w", err)
	}
	r := retry.Once()
	if m.MaxAttempts > 1 {
		r = retry.DefaultConfig()
		r.MaxAttempts = m.MaxAttempts
		if m.InitialDelay > 0 {
			r.InitialDelay = m.InitialDelay
		}
	}
	return mediator.Config{
		Name:          name,
		Capacity:      m.Capacity,
		Policy:        policy,
		Retry:         r,
		RatePerSecond: m.RatePerSecond,
		Timeout:       m.Timeout,
	}, nil
}

// RuntimeConfig represents the runtime.yaml structure
type RuntimeConfig struct {
	Plugins   map[string]PluginConfig   `yaml:"plugins"`
	Mediators map[string]MediatorConfig `yaml:"mediators"`
}

// Plugin returns the section for a plugin, or the zero (enabled, default) section.
func (c *RuntimeConfig) Plugin(name string) PluginConfig {
	if c == nil {
		return PluginConfig{}
	}
	return c.Plugins[name]
}

// Mediator returns the section for a mediator, or the zero section.
func (c *RuntimeConfig) Mediator(name string) MediatorConfig {
	if c == nil {
		return MediatorConfig{}
	}
	return c.Mediators[name]
}

// Validate checks every section and returns all problems found.
func (c *RuntimeConfig) Validate() error {
	var errs []error

	for _, name := range sortedKeys(c.Plugins) {
		p := c.Plugins[name]
		cfg, err := p.LoopConfig()
		if err != nil {
			errs = append(errs, fmt.Errorf("plugins.%s: %w", name, err))
			continue
		}
		cfg.Name = name
		if err := cfg.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("plugins.%s: %w", name, err))
		}
		if p.RealtimePriority < 0 {
			errs = append(errs, fmt.Errorf("plugins.%s: realtime_priority cannot be negative", name))
		}
		for capability := range p.Extensions {
			switch capability {
			case hook.CapStorage, hook.CapFormatter, hook.CapSampler:
			default:
				errs = append(errs, fmt.Errorf("plugins.%s: unknown extension capability %q", name, capability))
			}
		}
	}

	for _, name := range sortedKeys(c.Mediators) {
		m := c.Mediators[name]
		if _, err := m.MediatorConfig(name); err != nil {
			errs = append(errs, fmt.Errorf("mediators.%s: %w", name, err))
		}
		if m.Capacity < 0 {
			errs = append(errs, fmt.Errorf("mediators.%s: capacity cannot be negative", name))
		}
		if m.MaxAttempts < 0 {
			errs = append(errs, fmt.Errorf("mediators.%s: max_attempts cannot be negative", name))
		}
		if m.RatePerSecond < 0 {
			errs = append(errs, fmt.Errorf("mediators.%s: rate_per_second cannot be negative", name))
		}
		if m.Timeout < 0 || m.InitialDelay < 0 {
			errs = append(errs, fmt.Errorf("mediators.%s: durations cannot be negative", name))
		}
	}

	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Parse decodes and validates runtime configuration from YAML.
func Parse(data []byte) (*RuntimeConfig, error) {
	var cfg RuntimeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse runtime config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid runtime config: %w", err)
	}
	return &cfg, nil
}

// Loader manages configuration file loading
type Loader struct {
	configDir string
	logger    *zap.Logger
	runtime   *RuntimeConfig
}

// NewLoader creates a new configuration loader
func NewLoader(configDir string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		configDir: configDir,
		logger:    logger,
	}
}

// Path returns the location of the runtime configuration file.
func (l *Loader) Path() string {
	return filepath.Join(l.configDir, FileName)
}

// Load reads runtime.yaml. A missing file yields an empty configuration,
// which enables every registered plugin with default settings.
func (l *Loader) Load() error {
	path := l.Path()
	l.logger.Debug("Loading runtime config", zap.String("path", path))

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("Runtime config not found, using defaults", zap.String("path", path))
		l.runtime = &RuntimeConfig{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read runtime config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return err
	}

	l.runtime = cfg
	l.logger.Info("Runtime config loaded successfully",
		zap.Int("plugins", len(cfg.Plugins)),
		zap.Int("mediators", len(cfg.Mediators)))
	return nil
}

// Runtime returns the loaded runtime configuration
func (l *Loader) Runtime() *RuntimeConfig {
	return l.runtime
}
