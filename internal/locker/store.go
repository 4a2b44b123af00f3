package locker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"locker-coordinator/internal/db"
	"locker-coordinator/internal/events"
	"locker-coordinator/internal/log"
	"locker-coordinator/internal/metrics"
	"locker-coordinator/internal/model"
)

const (
	// forceRetries bounds how often ForceTransition re-reads after losing a race.
	forceRetries = 5
	staffPrefix  = "staff:"
)

// StaffKey is the owner key of the transient hold taken while staff open a free locker.
func StaffKey(user string) string {
	return staffPrefix + user
}

// Store is the authoritative locker state machine. Every write is a
// compare-and-swap on the version column; nothing here takes a blocking lock.
type Store struct {
	db     *gorm.DB
	sink   events.Sink
	logger log.Logger
	now    func() time.Time
}

// NewStore creates a locker store on db. sink may be nil.
func NewStore(db *gorm.DB, sink events.Sink, logger log.Logger) *Store {
	if sink == nil {
		sink = events.Discard{}
	}
	return &Store{
		db:     db,
		sink:   sink,
		logger: logger.WithName("locker"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Used by tests to simulate elapsed time.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// ProvisionOptions describes lockers being provisioned.
type ProvisionOptions struct {
	VIP         bool
	ContractRef string
}

// Provision creates Free lockers. Existing lockers are left untouched.
// It returns the number of lockers created.
func (s *Store) Provision(ctx context.Context, kioskID string, lockerIDs []int, opts ProvisionOptions) (int64, error) {
	if kioskID == "" || len(lockerIDs) == 0 {
		return 0, fmt.Errorf("kiosk id and locker ids are required")
	}

	var ref *string
	if opts.ContractRef != "" {
		ref = &opts.ContractRef
	}
	now := s.now()
	lockers := make([]model.Locker, 0, len(lockerIDs))
	for _, id := range lockerIDs {
		lockers = append(lockers, model.Locker{
			KioskID:        kioskID,
			LockerID:       id,
			Status:         model.LockerFree,
			OwnerType:      model.OwnerNone,
			IsVIP:          opts.VIP,
			VIPContractRef: ref,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&lockers)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to provision lockers for kiosk %s: %w", kioskID, res.Error)
	}
	s.logger.Info("lockers provisioned", "kiosk", kioskID, "requested", len(lockerIDs), "created", res.RowsAffected)
	return res.RowsAffected, nil
}

// Deprovision removes lockers that are Free or Blocked.
func (s *Store) Deprovision(ctx context.Context, kioskID string, lockerIDs []int) (int64, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var busy int64
		if err := tx.Model(&model.Locker{}).
			Where("kiosk_id = ? AND locker_id IN ? AND status IN ?", kioskID, lockerIDs,
				[]model.LockerStatus{model.LockerReserved, model.LockerOwned}).
			Count(&busy).Error; err != nil {
			return err
		}
		if busy > 0 {
			return fmt.Errorf("%w: %d of the lockers are reserved or owned", ErrInvalidTransition, busy)
		}

		res := tx.Where("kiosk_id = ? AND locker_id IN ?", kioskID, lockerIDs).Delete(&model.Locker{})
		removed = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to deprovision lockers for kiosk %s: %w", kioskID, err)
	}
	return removed, nil
}

// Get returns the current snapshot of a locker.
func (s *Store) Get(ctx context.Context, kioskID string, lockerID int) (model.Locker, error) {
	var l model.Locker
	err := s.db.WithContext(ctx).
		Where("kiosk_id = ? AND locker_id = ?", kioskID, lockerID).
		Take(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return l, fmt.Errorf("%w: %s/%d", ErrNotFound, kioskID, lockerID)
	}
	if err != nil {
		return l, fmt.Errorf("failed to load locker %s/%d: %w", kioskID, lockerID, err)
	}
	return l, nil
}

// Filter narrows List. Zero values are ignored.
type Filter struct {
	KioskID  string
	Status   model.LockerStatus
	OwnerKey string
	VIPOnly  bool
}

// List returns lockers matching f ordered by kiosk and locker id.
func (s *Store) List(ctx context.Context, f Filter) ([]model.Locker, error) {
	tx := s.db.WithContext(ctx).Model(&model.Locker{})
	if f.KioskID != "" {
		tx = tx.Where("kiosk_id = ?", f.KioskID)
	}
	if f.Status != "" {
		tx = tx.Where("status = ?", f.Status)
	}
	if f.OwnerKey != "" {
		tx = tx.Where("owner_key = ?", f.OwnerKey)
	}
	if f.VIPOnly {
		tx = tx.Where("is_vip = ?", true)
	}

	var out []model.Locker
	if err := tx.Order("kiosk_id, locker_id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list lockers: %w", err)
	}
	return out, nil
}

// FindOwned returns the reserved or owned locker held by ownerKey, or nil.
func (s *Store) FindOwned(ctx context.Context, ownerKey string) (*model.Locker, error) {
	var l model.Locker
	err := s.db.WithContext(ctx).
		Where("owner_key = ? AND status IN ?", ownerKey, []model.LockerStatus{model.LockerReserved, model.LockerOwned}).
		Take(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up owner %q: %w", ownerKey, err)
	}
	return &l, nil
}

// Assign reserves a Free locker for ownerKey. version is the version the caller read.
func (s *Store) Assign(ctx context.Context, kioskID string, lockerID int, ownerType model.OwnerType, ownerKey string, version int64) (model.Locker, error) {
	switch ownerType {
	case model.OwnerRFID, model.OwnerDevice, model.OwnerVIP, model.OwnerStaff:
	default:
		return model.Locker{}, fmt.Errorf("owner type %q cannot hold a locker", ownerType)
	}
	if ownerKey == "" {
		return model.Locker{}, fmt.Errorf("owner key is required")
	}

	cur, err := s.read(ctx, kioskID, lockerID, version)
	if err != nil {
		return cur, err
	}

	if ownerType != model.OwnerStaff {
		held, err := s.FindOwned(ctx, ownerKey)
		if err != nil {
			return cur, err
		}
		if held != nil && held.OwnerType != model.OwnerStaff {
			return cur, fmt.Errorf("%w: %q already holds locker %s/%d", ErrOwnershipConflict, ownerKey, held.KioskID, held.LockerID)
		}
	}

	actor := ownerKey
	if ownerType == model.OwnerStaff {
		actor = strings.TrimPrefix(ownerKey, staffPrefix)
	}
	return s.transition(ctx, cur, EventReserve, map[string]any{
		"owner_type":  ownerType,
		"owner_key":   ownerKey,
		"reserved_at": s.now(),
		"owned_at":    nil,
	}, actor, "")
}

// Confirm moves a Reserved locker to Owned after the hardware confirmed the open.
func (s *Store) Confirm(ctx context.Context, kioskID string, lockerID int, version int64) (model.Locker, error) {
	cur, err := s.read(ctx, kioskID, lockerID, version)
	if err != nil {
		return cur, err
	}
	return s.transition(ctx, cur, EventConfirm, map[string]any{
		"owned_at": s.now(),
	}, deref(cur.OwnerKey), "")
}

// Release frees an Owned or Reserved locker. An empty ownerKey is a staff
// release; otherwise it must match the current owner.
func (s *Store) Release(ctx context.Context, kioskID string, lockerID int, ownerKey string, version int64) (model.Locker, error) {
	actor := ownerKey
	if actor == "" {
		actor = "staff"
	}
	return s.ReleaseAs(ctx, kioskID, lockerID, ownerKey, version, actor)
}

// ReleaseAs is Release with an explicit actor for the audit trail.
func (s *Store) ReleaseAs(ctx context.Context, kioskID string, lockerID int, ownerKey string, version int64, actor string) (model.Locker, error) {
	cur, err := s.read(ctx, kioskID, lockerID, version)
	if err != nil {
		return cur, err
	}
	if ownerKey != "" && deref(cur.OwnerKey) != ownerKey {
		return cur, fmt.Errorf("%w: locker %s/%d is not held by %q", ErrOwnershipConflict, kioskID, lockerID, ownerKey)
	}
	return s.transition(ctx, cur, EventRelease, clearOwner(), actor, "")
}

// ForceTransition moves a locker to Free or Blocked regardless of the
// normal preconditions. Always audited with actor and reason.
func (s *Store) ForceTransition(ctx context.Context, kioskID string, lockerID int, to model.LockerStatus, actor, reason string) (model.Locker, error) {
	if to != model.LockerFree && to != model.LockerBlocked {
		return model.Locker{}, fmt.Errorf("%w: cannot force locker into %s", ErrInvalidTransition, to)
	}
	if actor == "" {
		actor = "system"
	}

	var lastErr error
	for attempt := 0; attempt < forceRetries; attempt++ {
		cur, err := s.Get(ctx, kioskID, lockerID)
		if err != nil {
			return cur, err
		}
		if cur.Status == to {
			s.logger.Info("locker already in forced state",
				"kiosk", kioskID, "locker", lockerID, "status", to,
				"actor", actor, "reason", reason)
			s.audit(ctx, model.AuditEvent{
				Kind:       model.AuditLockerForced,
				KioskID:    kioskID,
				LockerID:   lockerID,
				Actor:      actor,
				Reason:     reason,
				FromStatus: string(cur.Status),
				ToStatus:   string(to),
				Detail:     "no-op",
			})
			return cur, nil
		}

		updates := map[string]any{}
		if to == model.LockerFree {
			updates = clearOwner()
		}
		updated, err := s.write(ctx, cur, to, updates)
		if errors.Is(err, ErrOptimisticLock) {
			lastErr = err
			continue
		}
		if err != nil {
			return cur, err
		}

		s.logger.Warn("locker state forced",
			"kiosk", kioskID, "locker", lockerID,
			"from", cur.Status, "to", to,
			"actor", actor, "reason", reason)
		s.audit(ctx, model.AuditEvent{
			Kind:       model.AuditLockerForced,
			KioskID:    kioskID,
			LockerID:   lockerID,
			Actor:      actor,
			Reason:     reason,
			FromStatus: string(cur.Status),
			ToStatus:   string(to),
		})
		return updated, nil
	}
	return model.Locker{}, lastErr
}

// ExpireReservations returns every Reserved locker older than ttl to Free.
// Lockers modified concurrently are skipped; the next sweep catches them.
func (s *Store) ExpireReservations(ctx context.Context, now time.Time, ttl time.Duration) ([]model.Locker, error) {
	var stale []model.Locker
	if err := s.db.WithContext(ctx).
		Where("status = ? AND reserved_at < ?", model.LockerReserved, now.Add(-ttl)).
		Find(&stale).Error; err != nil {
		return nil, fmt.Errorf("failed to find stale reservations: %w", err)
	}

	var expired []model.Locker
	for _, l := range stale {
		updated, err := s.transition(ctx, l, EventExpire, clearOwner(), "system", "reservation expired")
		if errors.Is(err, ErrOptimisticLock) || errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired = append(expired, updated)
	}
	return expired, nil
}

// read loads a locker and checks it still has the version the caller saw.
func (s *Store) read(ctx context.Context, kioskID string, lockerID int, version int64) (model.Locker, error) {
	cur, err := s.Get(ctx, kioskID, lockerID)
	if err != nil {
		return cur, err
	}
	if cur.Version != version {
		return cur, &ConflictError{KioskID: kioskID, LockerID: lockerID, Expected: version, Actual: cur.Version}
	}
	return cur, nil
}

// transition fires event on cur through the state machine and persists it.
func (s *Store) transition(ctx context.Context, cur model.Locker, event string, updates map[string]any, actor, reason string) (model.Locker, error) {
	to, err := next(ctx, cur, event)
	if err != nil {
		return cur, err
	}

	updated, err := s.write(ctx, cur, to, updates)
	if err != nil {
		return cur, err
	}

	s.audit(ctx, model.AuditEvent{
		Kind:       model.AuditLockerTransition,
		KioskID:    cur.KioskID,
		LockerID:   cur.LockerID,
		Actor:      actor,
		Reason:     reason,
		FromStatus: string(cur.Status),
		ToStatus:   string(to),
		Detail:     event,
	})
	return updated, nil
}

// write is the compare-and-swap: it only succeeds while the row still carries cur.Version.
func (s *Store) write(ctx context.Context, cur model.Locker, to model.LockerStatus, updates map[string]any) (model.Locker, error) {
	updates["status"] = to
	updates["version"] = cur.Version + 1
	updates["updated_at"] = s.now()

	res := s.db.WithContext(ctx).Model(&model.Locker{}).
		Where("kiosk_id = ? AND locker_id = ? AND version = ?", cur.KioskID, cur.LockerID, cur.Version).
		Updates(updates)
	if res.Error != nil {
		if db.IsUniqueViolation(res.Error) {
			return cur, fmt.Errorf("%w: owner already holds an active locker", ErrOwnershipConflict)
		}
		return cur, fmt.Errorf("failed to update locker %s/%d: %w", cur.KioskID, cur.LockerID, res.Error)
	}
	if res.RowsAffected == 0 {
		latest, err := s.Get(ctx, cur.KioskID, cur.LockerID)
		if err != nil {
			return cur, err
		}
		return cur, &ConflictError{KioskID: cur.KioskID, LockerID: cur.LockerID, Expected: cur.Version, Actual: latest.Version}
	}

	metrics.LockerTransitions.WithLabelValues(string(cur.Status), string(to)).Inc()
	return s.Get(ctx, cur.KioskID, cur.LockerID)
}

func (s *Store) audit(ctx context.Context, ev model.AuditEvent) {
	if err := s.sink.Record(ctx, ev); err != nil {
		s.logger.Error(err, "failed to record locker event", "kiosk", ev.KioskID, "locker", ev.LockerID)
	}
}

func clearOwner() map[string]any {
	return map[string]any{
		"owner_type":  model.OwnerNone,
		"owner_key":   nil,
		"reserved_at": nil,
		"owned_at":    nil,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
