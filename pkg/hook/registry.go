package hook

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Priority constants for extension registration.
// Higher priority values override lower priority extensions with the same name.
const (
	// PriorityDefault is used by the extensions shipped with the runtime.
	PriorityDefault = 0

	// PriorityOverride lets a site-specific build replace a shipped extension
	// by linking its own package.
	PriorityOverride = 100
)

// Settings is the free-form configuration handed to an extension factory.
type Settings map[string]any

// String returns the string value for key, or def.
func (s Settings) String(key, def string) string {
	if v, ok := s[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Float returns the numeric value for key, or def.
func (s Settings) Float(key string, def float64) float64 {
	switch v := s[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

// Int returns the integer value for key, or def.
func (s Settings) Int(key string, def int) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// Duration parses the value for key as a duration string, or returns def.
func (s Settings) Duration(key string, def time.Duration) time.Duration {
	switch v := s[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case time.Duration:
		return v
	}
	return def
}

// Factory creates an extension instance.
type Factory[T any] func(settings Settings) (T, error)

// Extension contains metadata about a registered extension.
type Extension[T any] struct {
	// Name is the identifier used in configuration.
	Name string

	Description string

	// Priority decides between registrations with the same name. Higher wins.
	Priority int

	Factory Factory[T]
}

// Registry holds the extensions available for one capability.
type Registry[T any] struct {
	capability string

	mu    sync.RWMutex
	exts  map[string]Extension[T]
	order []string
}

// NewRegistry creates an empty registry for the named capability.
func NewRegistry[T any](capability string) *Registry[T] {
	return &Registry[T]{
		capability: capability,
		exts:       make(map[string]Extension[T]),
	}
}

// Capability returns the capability name.
func (r *Registry[T]) Capability() string { return r.capability }

// Register adds an extension. If one with the same name exists, the higher
// priority wins; on equal priority the later registration wins.
func (r *Registry[T]) Register(ext Extension[T]) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ext.Name == "" {
		return fmt.Errorf("%s extension name cannot be empty", r.capability)
	}
	if ext.Factory == nil {
		return fmt.Errorf("%s extension %s: factory cannot be nil", r.capability, ext.Name)
	}

	logger := zap.L().Named("hook")
	existing, exists := r.exts[ext.Name]
	if exists {
		if ext.Priority < existing.Priority {
			logger.Debug("Extension registration skipped",
				zap.String("capability", r.capability), zap.String("name", ext.Name),
				zap.Int("priority", ext.Priority), zap.Int("existing", existing.Priority))
			return nil
		}
		logger.Debug("Extension being overridden",
			zap.String("capability", r.capability), zap.String("name", ext.Name),
			zap.Int("from", existing.Priority), zap.Int("to", ext.Priority))
	}

	r.exts[ext.Name] = ext
	if !exists {
		r.order = append(r.order, ext.Name)
	}
	return nil
}

// MustRegister is Register for init() functions; it panics on error.
func (r *Registry[T]) MustRegister(ext Extension[T]) {
	if err := r.Register(ext); err != nil {
		panic(err)
	}
}

// Get returns the extension for a name.
func (r *Registry[T]) Get(name string) (Extension[T], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ext, ok := r.exts[name]
	return ext, ok
}

// Names returns registered names in alphabetical order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}

// LogRegistered logs every extension with the priority that won registration.
func (r *Registry[T]) LogRegistered(logger *zap.Logger) {
	for _, name := range r.Names() {
		ext, _ := r.Get(name)
		logger.Info("Extension registered",
			zap.String("capability", r.capability),
			zap.String("name", name),
			zap.Int("priority", ext.Priority))
	}
}

// Create builds the named extension.
func (r *Registry[T]) Create(name string, settings Settings) (T, error) {
	var zero T
	ext, ok := r.Get(name)
	if !ok {
		return zero, fmt.Errorf("unknown %s extension %q (available: %v)", r.capability, name, r.Names())
	}
	if settings == nil {
		settings = Settings{}
	}
	v, err := ext.Factory(settings)
	if err != nil {
		return zero, fmt.Errorf("create %s extension %s: %w", r.capability, name, err)
	}
	return v, nil
}

// Clear removes all extensions. Useful for testing.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exts = make(map[string]Extension[T])
	r.order = nil
}

// Global registries, filled from init() functions of extension packages.
var (
	Storages   = NewRegistry[Storage](CapStorage)
	Formatters = NewRegistry[Formatter](CapFormatter)
	Samplers   = NewRegistry[Sampler](CapSampler)
)

// Selection maps a capability to the extension name chosen for a plugin.
type Selection map[string]string

// Name returns the selected extension for capability, or def.
func (s Selection) Name(capability, def string) string {
	if name, ok := s[capability]; ok && name != "" {
		return name
	}
	return def
}
