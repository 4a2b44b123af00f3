package queue

import (
	"context"
	"time"

	"locker-coordinator/internal/log"
)

// Reaper fails commands that have been executing for longer than any kiosk
// retry envelope allows, so their lockers accept new commands again.
type Reaper struct {
	store    *Store
	timeout  time.Duration
	interval time.Duration
	logger   log.Logger
}

// NewReaper creates a reaper failing commands executing longer than timeout.
func NewReaper(store *Store, timeout, interval time.Duration, logger log.Logger) *Reaper {
	return &Reaper{store: store, timeout: timeout, interval: interval, logger: logger.WithName("reaper")}
}

// Run reaps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("starting command reaper", "timeout", r.timeout, "interval", r.interval)

	r.ReapOnce(ctx)

	timer := time.NewTimer(r.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("command reaper shutting down")
			return
		case <-timer.C:
			r.ReapOnce(ctx)
			timer.Reset(r.interval)
		}
	}
}

// ReapOnce performs a single pass and returns how many commands it failed.
func (r *Reaper) ReapOnce(ctx context.Context) int {
	failed, err := r.store.FailStale(ctx, r.timeout)
	if err != nil {
		r.logger.Error(err, "command reap failed")
	}
	for _, id := range failed {
		r.logger.Warn("command timed out while executing", "command", id)
	}
	return len(failed)
}
