package kiosk

import (
	"context"
	"time"

	"locker-coordinator/internal/log"
)

// Poller fetches pending commands from the coordinator and hands them to
// the executor one at a time.
type Poller struct {
	kioskID  string
	queue    Queue
	executor *Executor
	interval time.Duration
	logger   log.Logger
}

// NewPoller creates a poller for kioskID.
func NewPoller(kioskID string, q Queue, executor *Executor, interval time.Duration, logger log.Logger) *Poller {
	return &Poller{
		kioskID:  kioskID,
		queue:    q,
		executor: executor,
		interval: interval,
		logger:   logger.WithName("poller").WithValues("kiosk", kioskID),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("starting command poller", "interval", p.interval)

	p.PollOnce(ctx)

	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("command poller shutting down")
			return nil
		case <-timer.C:
			p.PollOnce(ctx)
			timer.Reset(p.interval)
		}
	}
}

// PollOnce executes every currently pending command and returns how many it handled.
func (p *Poller) PollOnce(ctx context.Context) int {
	if waiting := p.executor.Flush(ctx); waiting > 0 {
		p.logger.Warn("outcome reports still waiting for the coordinator", "count", waiting)
	}

	cmds, err := p.queue.Poll(ctx, p.kioskID)
	if err != nil {
		p.logger.Error(err, "failed to poll commands")
		return 0
	}

	handled := 0
	for _, cmd := range cmds {
		if ctx.Err() != nil {
			break
		}
		if err := p.executor.Execute(ctx, cmd); err != nil {
			p.logger.Error(err, "failed to execute command", "command", cmd.ID)
		}
		handled++
	}
	return handled
}
