package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Priority constants for plugin registration.
// Higher priority values override lower priority plugins with the same name.
const (
	// PriorityDefault is the default priority for plugins.
	// Reference implementations should use this priority.
	PriorityDefault = 0

	// PriorityOverride is used by site-specific implementations to override
	// the reference plugins shipped with the runtime.
	PriorityOverride = 100
)

// DefaultOrder is the startup order of plugins that do not set one.
const DefaultOrder = 50

// PluginInfo contains metadata about a registered plugin.
type PluginInfo struct {
	// Name is the unique identifier for the plugin.
	// Plugins with the same name will override based on priority.
	Name string

	// Description is a human-readable description of the plugin.
	Description string

	// Priority determines which plugin wins when multiple plugins
	// register with the same name. Higher priority wins.
	Priority int

	// Factory creates new instances of the plugin.
	Factory Factory

	// Order specifies the startup order. Lower values start first and stop last.
	// Default is 50. Plugins that only consume others' events (journals)
	// should use a lower value so they outlive their sources.
	Order int
}

// Registry manages plugin registration and instantiation.
// It supports priority-based override, allowing site-specific implementations
// to replace reference ones at compile time through import ordering.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]PluginInfo
	order   []string
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]PluginInfo),
		order:   make([]string, 0),
	}
}

// Register adds a plugin to the registry.
// If a plugin with the same name already exists, the one with higher
// priority wins. If priorities are equal, the later registration wins.
func (r *Registry) Register(info PluginInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Name == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}

	if info.Factory == nil {
		return fmt.Errorf("plugin %s: factory cannot be nil", info.Name)
	}

	if info.Order == 0 {
		info.Order = DefaultOrder
	}

	logger := zap.L().Named("plugin")
	existing, exists := r.plugins[info.Name]
	if exists {
		if info.Priority < existing.Priority {
			logger.Info("Plugin registration skipped",
				zap.String("plugin", info.Name),
				zap.Int("priority", info.Priority),
				zap.Int("existing_priority", existing.Priority))
			return nil
		}
		logger.Info("Plugin being overridden",
			zap.String("plugin", info.Name),
			zap.Int("from_priority", existing.Priority),
			zap.Int("to_priority", info.Priority))
	}

	r.plugins[info.Name] = info

	if !exists {
		r.order = append(r.order, info.Name)
	}

	logger.Debug("Plugin registered",
		zap.String("plugin", info.Name),
		zap.Int("priority", info.Priority),
		zap.Int("order", info.Order),
		zap.String("description", info.Description))

	return nil
}

// Get returns the plugin info for a given name, or nil if not found.
func (r *Registry) Get(name string) *PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.plugins[name]
	if !ok {
		return nil
	}
	return &info
}

// List returns all registered plugins sorted by their startup order.
func (r *Registry) List() []PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]PluginInfo, 0, len(r.plugins))
	for _, name := range r.order {
		result = append(result, r.plugins[name])
	}

	// Sort by order (lower first), then by name for stability
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].Name < result[j].Name
	})

	return result
}

// DepsFunc returns the dependencies for a plugin, and false to skip it
// (for example because it is disabled in configuration).
type DepsFunc func(info PluginInfo) (*Deps, bool)

// AllEnabled creates every plugin with the same dependencies.
func AllEnabled(deps *Deps) DepsFunc {
	return func(PluginInfo) (*Deps, bool) { return deps, true }
}

// CreateAll instantiates the selected plugins in startup order.
// On failure the plugins created so far are stopped again.
func (r *Registry) CreateAll(depsFor DepsFunc) ([]Entry, error) {
	plugins := r.List()
	result := make([]Entry, 0, len(plugins))

	for _, info := range plugins {
		deps, ok := depsFor(info)
		if !ok {
			continue
		}
		p, err := info.Factory(deps)
		if err != nil {
			// Clean up already-created plugins on error
			for i := len(result) - 1; i >= 0; i-- {
				_ = result[i].Plugin.Stop(context.Background())
			}
			return nil, fmt.Errorf("failed to create plugin %s: %w", info.Name, err)
		}
		result = append(result, Entry{Plugin: p, Order: info.Order})
	}

	return result, nil
}

// Entry is a created plugin with its startup order.
type Entry struct {
	Plugin Plugin
	Order  int
}

// Names returns the names of all registered plugins.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// LogRegistered logs every registered plugin with its resolved priority and
// order. Registration runs from init(), before the process logger exists, so
// callers use this once logging is configured.
func (r *Registry) LogRegistered(logger *zap.Logger) {
	for _, info := range r.List() {
		logger.Info("Plugin registered",
			zap.String("plugin", info.Name),
			zap.Int("priority", info.Priority),
			zap.Int("order", info.Order))
	}
}

// Clear removes all registered plugins. Useful for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.plugins = make(map[string]PluginInfo)
	r.order = make([]string, 0)
}

// Global registry instance
var globalRegistry = NewRegistry()

// Register adds a plugin to the global registry.
// This is typically called from init() functions in plugin packages.
func Register(info PluginInfo) error {
	return globalRegistry.Register(info)
}

// Get returns plugin info from the global registry.
func Get(name string) *PluginInfo {
	return globalRegistry.Get(name)
}

// List returns all plugins from the global registry.
func List() []PluginInfo {
	return globalRegistry.List()
}

// CreateAll creates the selected plugins from the global registry.
func CreateAll(depsFor DepsFunc) ([]Entry, error) {
	return globalRegistry.CreateAll(depsFor)
}

// Names returns all plugin names from the global registry.
func Names() []string {
	return globalRegistry.Names()
}

// LogRegistered logs the contents of the global registry.
func LogRegistered(logger *zap.Logger) {
	globalRegistry.LogRegistered(logger)
}

// ClearGlobal clears the global registry. Useful for testing.
func ClearGlobal() {
	globalRegistry.Clear()
}
