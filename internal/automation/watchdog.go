package automation

import (
	"context"
	"fmt"
	"time"
)

// Watchdog bounds a running job from the client side. TotalTimeout caps the
// whole run; StallTimeout caps the time without a change in progress value.
type Watchdog struct {
	TotalTimeout  time.Duration
	StallTimeout  time.Duration
	CheckInterval time.Duration
}

// monitor ticks while a job runs. Each tick renews the job's lease and, when
// a watchdog is configured, aborts the run on timeout or stall.
func (o *Orchestrator) monitor(ctx context.Context, jobID string) {
	wd := o.opts.Watchdog
	interval := o.opts.LeaseInterval
	if wd != nil && wd.CheckInterval > 0 {
		interval = wd.CheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if wd != nil {
				if err := o.checkWatchdog(*wd, o.opts.Now()); err != nil {
					o.abort(err)
					return
				}
			}
			o.renewLease(ctx, jobID, true)
		}
	}
}

// checkWatchdog measures both limits from the persisted run clocks.
func (o *Orchestrator) checkWatchdog(wd Watchdog, now time.Time) *FailedError {
	o.mu.Lock()
	started, lastProgress := o.state.StartedAt, o.state.LastProgressAt
	o.mu.Unlock()

	if wd.TotalTimeout > 0 && now.Sub(started) >= wd.TotalTimeout {
		return &FailedError{
			Message: fmt.Sprintf("Automation timed out after %s", humanize(wd.TotalTimeout)),
			Err:     ErrTimedOut,
		}
	}
	if wd.StallTimeout > 0 && now.Sub(lastProgress) >= wd.StallTimeout {
		return &FailedError{
			Message: fmt.Sprintf("Automation stalled: no progress for %s", humanize(wd.StallTimeout)),
			Err:     ErrStalled,
		}
	}
	return nil
}

func humanize(d time.Duration) string {
	switch {
	case d == time.Minute:
		return "1 minute"
	case d > 0 && d%time.Minute == 0:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
	return d.String()
}
