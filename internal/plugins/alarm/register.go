package alarm

import (
	"msr/pkg/plugin"
)

func init() {
	plugin.Register(plugin.PluginInfo{
		Name:        Name,
		Description: "Reference alarm plugin - raise, clear and acknowledge a single alarm",
		Priority:    plugin.PriorityDefault,
		Order:       50,
		Factory:     createPlugin,
	})
}

func createPlugin(deps *plugin.Deps) (plugin.Plugin, error) {
	return New(deps.LoopConfig(Name))
}
