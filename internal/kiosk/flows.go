package kiosk

import (
	"context"
	"errors"
	"fmt"

	"locker-coordinator/internal/hardware"
	"locker-coordinator/internal/locker"
	"locker-coordinator/internal/model"
)

// Claim reserves a free locker for ownerKey, opens it and confirms the
// ownership. If the door does not open the reservation is released.
func (e *Executor) Claim(ctx context.Context, lockerID int, ownerType model.OwnerType, ownerKey string) (model.Locker, error) {
	var (
		held model.Locker
		err  error
	)
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		var cur model.Locker
		cur, err = e.lockers.Get(ctx, e.kioskID, lockerID)
		if err != nil {
			return cur, err
		}
		held, err = e.lockers.Assign(ctx, e.kioskID, lockerID, ownerType, ownerKey, cur.Version)
		if !errors.Is(err, locker.ErrOptimisticLock) {
			break
		}
	}
	if err != nil {
		return held, err
	}

	if _, err := e.relays.Open(ctx, lockerID, hardware.OpenOptions{}); err != nil {
		e.hardwareFailure(ctx, "", lockerID, ownerKey, err)
		if _, rerr := e.lockers.Release(ctx, e.kioskID, lockerID, ownerKey, held.Version); rerr != nil {
			e.logger.Error(rerr, "failed to release reservation after failed open", "locker", lockerID)
		}
		return held, err
	}

	return e.lockers.Confirm(ctx, e.kioskID, lockerID, held.Version)
}

// Return opens the locker ownerKey holds at this kiosk and frees it.
func (e *Executor) Return(ctx context.Context, ownerKey string) (model.Locker, error) {
	held, err := e.lockers.FindOwned(ctx, ownerKey)
	if err != nil {
		return model.Locker{}, err
	}
	if held == nil || held.KioskID != e.kioskID || held.Status != model.LockerOwned {
		return model.Locker{}, fmt.Errorf("%w: %q owns no locker at kiosk %s", locker.ErrNotFound, ownerKey, e.kioskID)
	}

	if _, err := e.relays.Open(ctx, held.LockerID, hardware.OpenOptions{}); err != nil {
		e.hardwareFailure(ctx, "", held.LockerID, ownerKey, err)
		return *held, err
	}
	return e.lockers.Release(ctx, e.kioskID, held.LockerID, ownerKey, held.Version)
}
