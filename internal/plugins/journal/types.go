// Package journal provides the reference event journal plugin. It records
// entries through a storage extension and answers record queries.
package journal

import (
	"fmt"
	"strings"
	"time"

	"msr/pkg/hook"
)

// Name is the registry name of the plugin.
const Name = "journal"

// Mode decides whether new entries are recorded.
type Mode string

const (
	ModeActive   Mode = "active"
	ModeInactive Mode = "inactive"
)

// ParseMode parses "active" or "inactive". Empty means active.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeActive:
		return ModeActive, nil
	case ModeInactive:
		return ModeInactive, nil
	default:
		return "", fmt.Errorf("unknown journal mode %q", s)
	}
}

// Config holds the runtime-replaceable settings.
type Config struct {
	// SeverityThreshold discards entries below it. Zero records everything.
	SeverityThreshold hook.Severity `json:"severity_threshold"`
}

// Context is the state of the journal plugin.
type Context struct {
	Mode      Mode   `json:"mode"`
	Config    Config `json:"config"`
	Recorded  uint64 `json:"recorded"`
	Discarded uint64 `json:"discarded"`
	LastError string `json:"last_error,omitempty"`
}

// Command is implemented by every command of the plugin.
type Command interface {
	journalCommand()
}

// RecordEntry records an entry. The response is an Outcome.
type RecordEntry struct {
	Entry hook.Entry
}

// SwitchMode changes the mode. The response is the previous Mode.
type SwitchMode struct {
	Mode Mode
}

// ReplaceConfig replaces the config. The response is the previous Config.
type ReplaceConfig struct {
	Config Config
}

func (RecordEntry) journalCommand()   {}
func (SwitchMode) journalCommand()    {}
func (ReplaceConfig) journalCommand() {}

// NotRecorded explains why an entry was discarded.
type NotRecorded string

const (
	NotRecordedInactive       NotRecorded = "inactive"
	NotRecordedBelowThreshold NotRecorded = "below_threshold"
)

// Outcome is the response to RecordEntry.
type Outcome struct {
	Recorded  bool        `json:"recorded"`
	ID        string      `json:"id,omitempty"`
	CreatedAt time.Time   `json:"created_at,omitempty"`
	Reason    NotRecorded `json:"reason,omitempty"`
}

// Query is implemented by every query of the plugin.
type Query interface {
	journalQuery()
}

// GetStatus returns the Context.
type GetStatus struct{}

// RecentRecords returns up to Limit records, newest first.
type RecentRecords struct {
	Limit int
}

// FilterRecords returns up to Limit matching records, oldest first.
type FilterRecords struct {
	Limit  int
	Filter hook.Filter
}

// Export renders the Limit most recent records with the formatter extension.
// The response is an Exported.
type Export struct {
	Limit int
}

func (GetStatus) journalQuery()     {}
func (RecentRecords) journalQuery() {}
func (FilterRecords) journalQuery() {}
func (Export) journalQuery()        {}

// Exported is the response to Export.
type Exported struct {
	ContentType string
	Data        []byte
}

// EventKind classifies journal events.
type EventKind string

const (
	EventStarted       EventKind = "started"
	EventStopped       EventKind = "stopped"
	EventModeChanged   EventKind = "mode-changed"
	EventConfigChanged EventKind = "config-changed"

	// EventIncident reports a storage failure that may need intervention.
	EventIncident EventKind = "incident"
)

// Event is published on lifecycle changes and incidents.
type Event struct {
	Kind   EventKind `json:"kind"`
	Mode   Mode      `json:"mode,omitempty"`
	Config *Config   `json:"config,omitempty"`
	Text   string    `json:"text,omitempty"`
}
