package plugin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrHostExited is returned when the host process is no longer running.
var ErrHostExited = errors.New("host process exited")

// WatchHost polls for the process pid every interval. It returns ErrHostExited once
// the process is gone, or the context error when ctx ends first.
func WatchHost(ctx context.Context, pid int, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		exists, err := process.PidExistsWithContext(ctx, int32(pid))
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("failed to look up host process %d: %w", pid, err)
		}
		if err == nil && !exists {
			return fmt.Errorf("%w: pid %d", ErrHostExited, pid)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
