package locker

import (
	"errors"
	"fmt"

	"locker-coordinator/internal/model"
)

var (
	ErrNotFound          = errors.New("locker not found")
	ErrInvalidTransition = errors.New("invalid locker transition")
	ErrOptimisticLock    = errors.New("locker was modified concurrently")
	ErrOwnershipConflict = errors.New("ownership conflict")
)

// TransitionError reports a state machine precondition violation.
type TransitionError struct {
	KioskID  string
	LockerID int
	From     model.LockerStatus
	Event    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("locker %s/%d: cannot %s from %s", e.KioskID, e.LockerID, e.Event, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ConflictError reports a version mismatch. Callers re-read and retry.
type ConflictError struct {
	KioskID  string
	LockerID int
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("locker %s/%d: expected version %d, found %d", e.KioskID, e.LockerID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrOptimisticLock }
