// Package threshold provides the reference threshold plugin. It watches a
// sampled value and publishes an event whenever the value crosses its limit.
package threshold

import (
	"time"
)

// Name is the registry name of the plugin.
const Name = "threshold"

// Event tags.
const (
	TagStarted      = "started"
	TagStopped      = "stopped"
	TagExceeded     = "threshold-exceeded"
	TagCleared      = "threshold-cleared"
	TagWatchStarted = "watch-started"
	TagWatchStopped = "watch-stopped"
)

// Context is the state of the threshold plugin.
type Context struct {
	Limit    float64 `json:"limit"`
	Last     float64 `json:"last"`
	Samples  uint64  `json:"samples"`
	Exceeded bool    `json:"exceeded"`

	Watching  bool          `json:"watching"`
	WatchTask string        `json:"watch_task,omitempty"`
	Field     string        `json:"field,omitempty"`
	Interval  time.Duration `json:"interval,omitempty"`
}

// Command is implemented by every command of the plugin.
type Command interface {
	thresholdCommand()
}

// SetLimit changes the limit and re-evaluates the last value.
type SetLimit struct {
	Limit float64
}

// RecordValue feeds a new value.
type RecordValue struct {
	Value float64
}

// StartWatch samples Field every Interval using the configured sampler and
// feeds the values back into the plugin. A running watch is replaced.
type StartWatch struct {
	Interval time.Duration
	Field    string
}

// StopWatch stops sampling.
type StopWatch struct{}

func (SetLimit) thresholdCommand()    {}
func (RecordValue) thresholdCommand() {}
func (StartWatch) thresholdCommand()  {}
func (StopWatch) thresholdCommand()   {}

// Query is implemented by every query of the plugin.
type Query interface {
	thresholdQuery()
}

// GetStatus returns the Context.
type GetStatus struct{}

func (GetStatus) thresholdQuery() {}

// Event is published on limit crossings and watch changes.
type Event struct {
	Tag   string  `json:"tag"`
	Value float64 `json:"value"`
	Limit float64 `json:"limit"`
}
