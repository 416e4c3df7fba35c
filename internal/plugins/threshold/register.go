package threshold

import (
	"fmt"

	"msr/pkg/hook"
	"msr/pkg/plugin"
)

// DefaultLimit applies when the configuration sets no limit.
const DefaultLimit = 100

func init() {
	plugin.Register(plugin.PluginInfo{
		Name:        Name,
		Description: "Reference threshold plugin - samples a value and reports limit crossings",
		Priority:    plugin.PriorityDefault,
		Order:       60, // After alarm (50) so the alarm stops after its source
		Factory:     createPlugin,
	})
}

// createPlugin builds the plugin from configuration. Settings: limit, field,
// watch_interval; the sampler extension receives the same settings.
func createPlugin(deps *plugin.Deps) (plugin.Plugin, error) {
	samplerName := deps.Extensions.Name(hook.CapSampler, "static")
	sampler, err := hook.Samplers.Create(samplerName, deps.Settings)
	if err != nil {
		return nil, fmt.Errorf("threshold: %w", err)
	}

	return New(deps.LoopConfig(Name), Options{
		Limit:         deps.Settings.Float("limit", DefaultLimit),
		Sampler:       sampler,
		Field:         deps.Settings.String("field", DefaultField),
		WatchInterval: deps.Settings.Duration("watch_interval", 0),
	})
}
