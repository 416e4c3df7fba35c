// Package hook defines the capability interfaces plugins are composed from and
// the registries concrete extensions add themselves to.
//
// A hook is a fixed interface (Storage, Formatter, Sampler). An extension is an
// implementation linked into the binary that registers a factory from init().
// Plugins select extensions by name from configuration when they are built, so
// composition is static and needs no runtime code loading.
package hook

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Capability names, as used in the plugin "extensions" configuration map.
const (
	CapStorage   = "storage"
	CapFormatter = "formatter"
	CapSampler   = "sampler"
)

// Severity measures the significance of a journal entry.
type Severity uint8

const (
	SeverityDiagnosticVerbose Severity = iota + 1
	SeverityDiagnostic
	SeverityInformationVerbose
	SeverityInformation
	SeverityWarning
	SeverityWarningUnexpected
	SeverityError
	SeverityErrorCritical
)

var severityNames = map[Severity]string{
	SeverityDiagnosticVerbose:  "diagnostic_verbose",
	SeverityDiagnostic:         "diagnostic",
	SeverityInformationVerbose: "information_verbose",
	SeverityInformation:        "information",
	SeverityWarning:            "warning",
	SeverityWarningUnexpected:  "warning_unexpected",
	SeverityError:              "error",
	SeverityErrorCritical:      "error_critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", uint8(s))
}

// Valid reports whether s is one of the defined levels.
func (s Severity) Valid() bool {
	_, ok := severityNames[s]
	return ok
}

func (s Severity) IsWarning() bool { return s == SeverityWarning || s == SeverityWarningUnexpected }

func (s Severity) IsError() bool { return s == SeverityError || s == SeverityErrorCritical }

// ParseSeverity parses a level name such as "warning" or "error_critical".
func ParseSeverity(name string) (Severity, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range severityNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	v, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Entry describes something that happened in the system.
type Entry struct {
	OccurredAt time.Time `json:"occurred_at" yaml:"occurred_at"`
	Severity   Severity  `json:"severity" yaml:"severity"`

	// Source identifies the originating component, e.g. "threshold.tank1".
	Source string `json:"source" yaml:"source"`

	// Code is a source-dependent event code.
	Code int32 `json:"code" yaml:"code"`

	Text string `json:"text,omitempty" yaml:"text,omitempty"`

	// Data is serialized machine-readable context, usually JSON.
	Data string `json:"data,omitempty" yaml:"data,omitempty"`
}

// Record is a stored entry.
type Record struct {
	ID        string    `json:"id" yaml:"id"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Entry     `yaml:",inline"`
}

// Filter selects stored records. Zero fields match everything.
type Filter struct {
	MinSeverity Severity
	Sources     []string
	Codes       []int32
	Since       time.Time
}

// Matches reports whether r passes the filter.
func (f Filter) Matches(r Record) bool {
	if f.MinSeverity != 0 && r.Severity < f.MinSeverity {
		return false
	}
	if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
		return false
	}
	if len(f.Sources) > 0 && !contains(f.Sources, r.Source) {
		return false
	}
	if len(f.Codes) > 0 && !contains(f.Codes, r.Code) {
		return false
	}
	return true
}

func contains[T comparable](values []T, v T) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// Storage persists journal records.
type Storage interface {
	Append(ctx context.Context, r Record) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)

	// Filter returns up to limit matching records, oldest first.
	Filter(ctx context.Context, limit int, f Filter) ([]Record, error)

	Close() error
}

// Formatter renders values for export.
type Formatter interface {
	ContentType() string
	Format(v any) ([]byte, error)
}

// Sampler acquires the current value of a named field, e.g. a sensor input.
type Sampler interface {
	Sample(ctx context.Context, field string) (float64, error)
}
