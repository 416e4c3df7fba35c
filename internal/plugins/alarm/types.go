// Package alarm provides the reference alarm plugin: a single alarm that can
// be raised, cleared and acknowledged.
package alarm

import (
	"time"
)

// Name is the registry name of the plugin.
const Name = "alarm"

// Context is the state of the alarm plugin.
type Context struct {
	Active       bool      `json:"active"`
	Reason       string    `json:"reason,omitempty"`
	Raised       time.Time `json:"raised,omitempty"`
	Acknowledged bool      `json:"acknowledged"`

	// RaisedCount counts transitions from inactive to active.
	RaisedCount int `json:"raised_count"`
}

// Command is implemented by every command of the plugin.
type Command interface {
	alarmCommand()
}

// SetAlarm raises (Active) or clears the alarm.
type SetAlarm struct {
	Active bool
	Reason string
}

// Acknowledge marks the active alarm as seen.
type Acknowledge struct{}

func (SetAlarm) alarmCommand()    {}
func (Acknowledge) alarmCommand() {}

// Query is implemented by every query of the plugin.
type Query interface {
	alarmQuery()
}

// GetStatus returns the Context.
type GetStatus struct{}

func (GetStatus) alarmQuery() {}

// EventKind classifies alarm events.
type EventKind string

const (
	EventStarted      EventKind = "started"
	EventStopped      EventKind = "stopped"
	EventRaised       EventKind = "alarm-raised"
	EventCleared      EventKind = "alarm-cleared"
	EventAcknowledged EventKind = "alarm-acknowledged"
)

// Event is published on every alarm transition.
type Event struct {
	Kind   EventKind `json:"kind"`
	Reason string    `json:"reason,omitempty"`
}
