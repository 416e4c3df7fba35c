package journal

import (
	"fmt"
	"path/filepath"

	"msr/pkg/hook"
	"msr/pkg/plugin"
)

func init() {
	plugin.Register(plugin.PluginInfo{
		Name:        Name,
		Description: "Reference event journal - records entries through a storage extension",
		Priority:    plugin.PriorityDefault,
		Order:       10, // Starts first and stops last so it records everyone else's shutdown
		Factory:     createPlugin,
	})
}

// createPlugin builds the plugin from configuration. Settings: mode,
// severity_threshold; the storage and formatter extensions receive the same
// settings, with dir defaulting to <data dir>/journal.
func createPlugin(deps *plugin.Deps) (plugin.Plugin, error) {
	mode, err := ParseMode(deps.Settings.String("mode", ""))
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	var threshold hook.Severity
	if name := deps.Settings.String("severity_threshold", ""); name != "" {
		if threshold, err = hook.ParseSeverity(name); err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
	}

	settings := hook.Settings{}
	for k, v := range deps.Settings {
		settings[k] = v
	}
	if _, ok := settings["dir"]; !ok && deps.DataDir != "" {
		settings["dir"] = filepath.Join(deps.DataDir, "journal")
	}

	storage, err := hook.Storages.Create(deps.Extensions.Name(hook.CapStorage, "memory"), settings)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	formatter, err := hook.Formatters.Create(deps.Extensions.Name(hook.CapFormatter, "json"), settings)
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("journal: %w", err)
	}

	p, err := New(deps.LoopConfig(Name), Options{
		Storage:   storage,
		Formatter: formatter,
		Mode:      mode,
		Config:    Config{SeverityThreshold: threshold},
	})
	if err != nil {
		storage.Close()
		return nil, err
	}
	return p, nil
}
