package stageexec

import (
	"context"
	"time"
)

// DefaultPollInterval is how often Supervise checks the deadline.
const DefaultPollInterval = 500 * time.Millisecond

// SuperviseResult describes how a supervised worker ended.
type SuperviseResult struct {
	TimedOut  bool
	Cancelled bool
	ExitErr   error
	Elapsed   time.Duration
}

// Supervise waits for proc to exit. Once deadline has elapsed it kills the
// worker's process group and waits for it to be reaped; a cancelled ctx does
// the same. A non-positive deadline never expires. The deadline is checked
// every interval, so a timed-out worker is killed within deadline+interval.
func Supervise(ctx context.Context, proc Process, deadline, interval time.Duration) SuperviseResult {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-proc.Done():
			return SuperviseResult{ExitErr: proc.Wait(), Elapsed: time.Since(start)}
		case <-ctx.Done():
			return SuperviseResult{Cancelled: true, ExitErr: kill(proc), Elapsed: time.Since(start)}
		case <-ticker.C:
			if deadline > 0 && time.Since(start) >= deadline {
				return SuperviseResult{TimedOut: true, ExitErr: kill(proc), Elapsed: time.Since(start)}
			}
		}
	}
}

func kill(proc Process) error {
	killErr := proc.Kill()
	<-proc.Done()
	if killErr != nil {
		return killErr
	}
	return proc.Wait()
}
