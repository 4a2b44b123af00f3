package liveness

import (
	"context"
	"time"

	"locker-coordinator/internal/log"
	"locker-coordinator/internal/model"
)

// Monitor watches computed kiosk status and records an audit event whenever
// a kiosk goes offline or comes back.
type Monitor struct {
	registry *Registry
	interval time.Duration
	logger   log.Logger
	last     map[string]Status
}

// NewMonitor creates a monitor polling the registry every interval.
func NewMonitor(registry *Registry, interval time.Duration, logger log.Logger) *Monitor {
	return &Monitor{
		registry: registry,
		interval: interval,
		logger:   logger.WithName("liveness-monitor"),
		last:     make(map[string]Status),
	}
}

// Run checks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("starting kiosk monitor", "interval", m.interval, "threshold", m.registry.threshold)

	m.CheckOnce(ctx)

	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("kiosk monitor shutting down")
			return
		case <-timer.C:
			m.CheckOnce(ctx)
			timer.Reset(m.interval)
		}
	}
}

// CheckOnce compares current status with the previous observation and
// returns the audit events it recorded. The first observation of a kiosk
// only sets the baseline.
func (m *Monitor) CheckOnce(ctx context.Context) []model.AuditEvent {
	kiosks, err := m.registry.List(ctx)
	if err != nil {
		m.logger.Error(err, "kiosk status check failed")
		return nil
	}

	var recorded []model.AuditEvent
	for _, k := range kiosks {
		prev, seen := m.last[k.KioskID]
		m.last[k.KioskID] = k.Status
		if !seen || prev == k.Status {
			continue
		}

		var kind model.AuditKind
		switch k.Status {
		case StatusOffline:
			kind = model.AuditKioskOffline
		case StatusOnline:
			kind = model.AuditKioskOnline
		default:
			continue
		}

		ev := model.AuditEvent{
			Kind:       kind,
			KioskID:    k.KioskID,
			Actor:      "system",
			FromStatus: string(prev),
			ToStatus:   string(k.Status),
		}
		if k.LastSeen != nil {
			ev.Detail = "last seen " + k.LastSeen.Format(time.RFC3339)
		}
		m.logger.Warn("kiosk status changed", "kiosk", k.KioskID, "from", prev, "to", k.Status)
		if err := m.registry.sink.Record(ctx, ev); err != nil {
			m.logger.Error(err, "failed to record kiosk status change", "kiosk", k.KioskID)
			continue
		}
		recorded = append(recorded, ev)
	}
	return recorded
}
