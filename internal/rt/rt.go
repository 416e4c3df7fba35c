// Package rt raises the scheduling priority of the calling OS thread for
// plugin loops configured with a real-time priority.
package rt

import (
	"errors"

	"go.uber.org/zap"
)

// MaxPriority is the highest accepted priority. It maps to nice -20.
const MaxPriority = 20

// ErrUnsupported is returned on platforms without per-thread priorities.
var ErrUnsupported = errors.New("thread priority is not supported on this platform")

// Nice maps a loop priority (1 = slight boost, 20 = maximum) to a nice value.
// Values outside the range are clamped; 0 or less means no change.
func Nice(priority int) int {
	if priority <= 0 {
		return 0
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	return -priority
}

// Elevate raises the priority of the current OS thread. The caller must have
// locked its goroutine to the thread. It matches loop.Config.Elevate.
func Elevate(priority int, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	nice := Nice(priority)
	if nice == 0 {
		return nil
	}
	if err := setThreadNice(nice); err != nil {
		return err
	}
	logger.Info("Raised loop thread priority", zap.Int("priority", priority), zap.Int("nice", nice))
	return nil
}
