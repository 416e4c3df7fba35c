package loop

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"msr/pkg/broadcast"
	"msr/pkg/clock"
	"msr/pkg/message"
	"msr/pkg/metric"
)

// DrainMode decides what happens to queued requests at shutdown.
type DrainMode int

const (
	// DrainComplete processes every admitted request before stopping.
	DrainComplete DrainMode = iota
	// DrainCancel answers queued requests with RequestRejected without running them.
	DrainCancel
)

func (m DrainMode) String() string {
	switch m {
	case DrainComplete:
		return "complete"
	case DrainCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// ParseDrainMode parses "complete" or "cancel". Empty means DrainComplete.
func ParseDrainMode(s string) (DrainMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "complete":
		return DrainComplete, nil
	case "cancel":
		return DrainCancel, nil
	default:
		return DrainComplete, fmt.Errorf("unknown drain mode %q", s)
	}
}

// Config holds the construction-time settings of a message loop.
type Config struct {
	Name string

	Mailbox message.MailboxConfig

	// EventCapacity and DropPolicy are the defaults for event subscribers.
	EventCapacity int
	DropPolicy    broadcast.DropPolicy

	ShutdownGrace     time.Duration
	TaskLeakThreshold int
	Drain             DrainMode

	// RealtimePriority > 0 locks the loop goroutine to its OS thread and passes
	// the value to Elevate.
	RealtimePriority int
	Elevate          func(priority int, logger *zap.Logger) error

	Logger  *zap.Logger
	Clock   clock.Clock
	Metrics *metric.Registry
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clock.NewRealClock()
	}
	if c.EventCapacity <= 0 {
		c.EventCapacity = broadcast.DefaultCapacity
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("loop name is required")
	}
	if c.Mailbox.Capacity < 0 {
		return fmt.Errorf("%s: mailbox capacity cannot be negative", c.Name)
	}
	if c.EventCapacity < 0 {
		return fmt.Errorf("%s: event capacity cannot be negative", c.Name)
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("%s: shutdown grace cannot be negative", c.Name)
	}
	if c.TaskLeakThreshold < 0 {
		return fmt.Errorf("%s: task leak threshold cannot be negative", c.Name)
	}
	return nil
}
