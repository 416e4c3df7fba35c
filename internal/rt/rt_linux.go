//go:build linux

package rt

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func setThreadNice(nice int) error {
	// On Linux PRIO_PROCESS with a thread id targets that single thread.
	tid := unix.Gettid()
	if err := unix.Setpriority(unix.PRIO_PROCESS, tid, nice); err != nil {
		return fmt.Errorf("setpriority(tid=%d, nice=%d): %w", tid, nice, err)
	}
	return nil
}

// CurrentNice returns the nice value of the calling thread.
func CurrentNice() (int, error) {
	// getpriority returns 20 - nice to avoid negative values.
	prio, err := unix.Getpriority(unix.PRIO_PROCESS, unix.Gettid())
	if err != nil {
		return 0, err
	}
	return 20 - prio, nil
}
