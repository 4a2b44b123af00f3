package kiosk

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"locker-coordinator/config"
	"locker-coordinator/internal/liveness"
	"locker-coordinator/internal/log"
)

// Agent is the long-running kiosk process: it reports restarts, sends
// heartbeats and executes queued commands.
type Agent struct {
	cfg    config.KioskConfig
	queue  Queue
	poller *Poller
	logger log.Logger
}

// NewAgent wires an agent around an executor.
func NewAgent(cfg config.KioskConfig, q Queue, executor *Executor, logger log.Logger) *Agent {
	return &Agent{
		cfg:    cfg,
		queue:  q,
		poller: NewPoller(cfg.ID, q, executor, cfg.PollInterval, logger),
		logger: logger.WithName("agent").WithValues("kiosk", cfg.ID),
	}
}

// Run blocks until ctx is cancelled. Commands queued before this start are
// cleared, never executed.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.reportRestart(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.heartbeatLoop(ctx)
		return nil
	})
	g.Go(func() error {
		return a.poller.Run(ctx)
	})
	return g.Wait()
}

func (a *Agent) metadata() liveness.Metadata {
	return liveness.Metadata{Zone: a.cfg.Zone, Version: a.cfg.Version}
}

// reportRestart retries until the coordinator acknowledged the restart.
func (a *Agent) reportRestart(ctx context.Context) error {
	for {
		cleared, err := a.queue.Restart(ctx, a.cfg.ID, a.metadata())
		if err == nil {
			a.logger.Info("restart reported", "cleared", cleared)
			return nil
		}
		a.logger.Error(err, "failed to report restart, retrying", "retry_in", a.cfg.PollInterval)
		if err := sleep(ctx, a.cfg.PollInterval); err != nil {
			return err
		}
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.queue.Heartbeat(ctx, a.cfg.ID, a.metadata()); err != nil {
				a.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}
