package liveness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"locker-coordinator/internal/events"
	"locker-coordinator/internal/log"
	"locker-coordinator/internal/metrics"
	"locker-coordinator/internal/model"
)

// ErrNotFound is returned for kiosks that never registered.
var ErrNotFound = errors.New("kiosk not found")

// Status is the reachability of a kiosk, derived from its last heartbeat.
type Status string

const (
	StatusOnline       Status = "online"
	StatusOffline      Status = "offline"
	StatusProvisioning Status = "provisioning"
)

// Metadata is reported by a kiosk with each heartbeat.
type Metadata struct {
	Zone    string `json:"zone"`
	Version string `json:"version"`
}

// Kiosk is the liveness view of one kiosk.
type Kiosk struct {
	KioskID   string     `json:"kiosk_id"`
	Zone      string     `json:"zone"`
	Version   string     `json:"version"`
	Status    Status     `json:"status"`
	LastSeen  *time.Time `json:"last_seen"`
	StartedAt *time.Time `json:"started_at"`
}

// Registry records heartbeats and answers liveness queries. It is
// informational only and never gates command delivery.
type Registry struct {
	db        *gorm.DB
	sink      events.Sink
	logger    log.Logger
	threshold time.Duration
	now       func() time.Time
	cache     *cache.Cache
}

// NewRegistry creates a registry treating kiosks silent for threshold as offline.
func NewRegistry(db *gorm.DB, sink events.Sink, threshold time.Duration, logger log.Logger) *Registry {
	if sink == nil {
		sink = events.Discard{}
	}
	return &Registry{
		db:        db,
		sink:      sink,
		logger:    logger.WithName("liveness"),
		threshold: threshold,
		now:       func() time.Time { return time.Now().UTC() },
		cache:     cache.New(time.Second, 10*time.Second),
	}
}

// WithClock replaces the time source and disables the read cache, which
// runs on wall time.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	r.cache = nil
	return r
}

// Heartbeat marks a kiosk as seen now.
func (r *Registry) Heartbeat(ctx context.Context, kioskID string, md Metadata) error {
	if kioskID == "" {
		return fmt.Errorf("kiosk id is required")
	}
	now := r.now()
	hb := model.KioskHeartbeat{
		KioskID:   kioskID,
		Zone:      md.Zone,
		Version:   md.Version,
		LastSeen:  &now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	columns := []string{"last_seen", "provisioning", "updated_at"}
	if md.Zone != "" {
		columns = append(columns, "zone")
	}
	if md.Version != "" {
		columns = append(columns, "version")
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kiosk_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(&hb).Error
	if err != nil {
		return fmt.Errorf("failed to record heartbeat of kiosk %s: %w", kioskID, err)
	}

	if r.cache != nil {
		r.cache.Delete(kioskID)
	}
	metrics.Heartbeats.WithLabelValues(kioskID).Inc()
	r.logger.Debug("heartbeat", "kiosk", kioskID, "zone", md.Zone, "version", md.Version)
	return nil
}

// Restarted records that a kiosk process started. It counts as a heartbeat.
func (r *Registry) Restarted(ctx context.Context, kioskID string, md Metadata) error {
	if err := r.Heartbeat(ctx, kioskID, md); err != nil {
		return err
	}
	err := r.db.WithContext(ctx).Model(&model.KioskHeartbeat{}).
		Where("kiosk_id = ?", kioskID).
		Update("started_at", r.now()).Error
	if err != nil {
		return fmt.Errorf("failed to record restart of kiosk %s: %w", kioskID, err)
	}
	return nil
}

// Provision registers a kiosk that has not reported yet.
func (r *Registry) Provision(ctx context.Context, kioskID, zone string) error {
	now := r.now()
	hb := model.KioskHeartbeat{
		KioskID:      kioskID,
		Zone:         zone,
		Provisioning: true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&hb).Error
	if err != nil {
		return fmt.Errorf("failed to provision kiosk %s: %w", kioskID, err)
	}
	r.logger.Info("kiosk provisioned", "kiosk", kioskID, "zone", zone)
	return nil
}

// Status returns the liveness of one kiosk, computed at read time.
func (r *Registry) Status(ctx context.Context, kioskID string) (Kiosk, error) {
	if r.cache != nil {
		if v, ok := r.cache.Get(kioskID); ok {
			return v.(Kiosk), nil
		}
	}

	var hb model.KioskHeartbeat
	err := r.db.WithContext(ctx).Where("kiosk_id = ?", kioskID).Take(&hb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Kiosk{}, fmt.Errorf("%w: %s", ErrNotFound, kioskID)
	}
	if err != nil {
		return Kiosk{}, fmt.Errorf("failed to load kiosk %s: %w", kioskID, err)
	}

	k := r.view(hb, r.now())
	if r.cache != nil {
		r.cache.Set(kioskID, k, cache.DefaultExpiration)
	}
	return k, nil
}

// List returns every known kiosk with its computed status.
func (r *Registry) List(ctx context.Context) ([]Kiosk, error) {
	var rows []model.KioskHeartbeat
	if err := r.db.WithContext(ctx).Order("kiosk_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list kiosks: %w", err)
	}

	now := r.now()
	out := make([]Kiosk, 0, len(rows))
	for _, hb := range rows {
		out = append(out, r.view(hb, now))
	}
	return out, nil
}

// Online returns the subset of kioskIDs that are online, preserving order.
func (r *Registry) Online(ctx context.Context, kioskIDs []string) ([]string, error) {
	var rows []model.KioskHeartbeat
	if err := r.db.WithContext(ctx).Where("kiosk_id IN ?", kioskIDs).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load kiosks: %w", err)
	}

	now := r.now()
	online := make(map[string]bool, len(rows))
	for _, hb := range rows {
		online[hb.KioskID] = r.view(hb, now).Status == StatusOnline
	}

	var out []string
	for _, id := range kioskIDs {
		if online[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *Registry) view(hb model.KioskHeartbeat, now time.Time) Kiosk {
	return Kiosk{
		KioskID:   hb.KioskID,
		Zone:      hb.Zone,
		Version:   hb.Version,
		Status:    r.statusOf(hb, now),
		LastSeen:  hb.LastSeen,
		StartedAt: hb.StartedAt,
	}
}

func (r *Registry) statusOf(hb model.KioskHeartbeat, now time.Time) Status {
	switch {
	case hb.LastSeen == nil && hb.Provisioning:
		return StatusProvisioning
	case hb.LastSeen == nil:
		return StatusOffline
	case now.Sub(*hb.LastSeen) < r.threshold:
		return StatusOnline
	default:
		return StatusOffline
	}
}
