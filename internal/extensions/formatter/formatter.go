// Package formatter provides the JSON and YAML formatter extensions used to
// export journal records.
package formatter

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"msr/pkg/hook"
)

func init() {
	hook.Formatters.MustRegister(hook.Extension[hook.Formatter]{
		Name:        "json",
		Description: "JSON documents, optionally indented",
		Priority:    hook.PriorityDefault,
		Factory: func(s hook.Settings) (hook.Formatter, error) {
			return JSON{Indent: s.String("indent", "")}, nil
		},
	})
	hook.Formatters.MustRegister(hook.Extension[hook.Formatter]{
		Name:        "yaml",
		Description: "YAML documents",
		Priority:    hook.PriorityDefault,
		Factory: func(s hook.Settings) (hook.Formatter, error) {
			return YAML{}, nil
		},
	})
}

// JSON renders values with encoding/json.
type JSON struct {
	Indent string
}

func (JSON) ContentType() string { return "application/json" }

func (f JSON) Format(v any) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if f.Indent != "" {
		data, err = json.MarshalIndent(v, "", f.Indent)
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return nil, fmt.Errorf("json format: %w", err)
	}
	return data, nil
}

// YAML renders values with gopkg.in/yaml.v3.
type YAML struct{}

func (YAML) ContentType() string { return "application/yaml" }

func (YAML) Format(v any) ([]byte, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("yaml format: %w", err)
	}
	return data, nil
}
