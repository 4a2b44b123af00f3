package locker

import (
	"context"
	"time"

	"locker-coordinator/internal/log"
)

// Sweeper periodically returns expired reservations to Free.
type Sweeper struct {
	store    *Store
	ttl      time.Duration
	interval time.Duration
	logger   log.Logger
}

// NewSweeper creates a sweeper expiring reservations older than ttl every interval.
func NewSweeper(store *Store, ttl, interval time.Duration, logger log.Logger) *Sweeper {
	return &Sweeper{store: store, ttl: ttl, interval: interval, logger: logger.WithName("sweeper")}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("starting reservation sweeper", "ttl", s.ttl, "interval", s.interval)

	s.SweepOnce(ctx)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reservation sweeper shutting down")
			return
		case <-timer.C:
			s.SweepOnce(ctx)
			timer.Reset(s.interval)
		}
	}
}

// SweepOnce performs a single expiry pass and returns how many reservations expired.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	expired, err := s.store.ExpireReservations(ctx, s.store.now(), s.ttl)
	if err != nil {
		s.logger.Error(err, "reservation sweep failed")
	}
	for _, l := range expired {
		s.logger.Info("reservation expired", "kiosk", l.KioskID, "locker", l.LockerID)
	}
	return len(expired)
}
