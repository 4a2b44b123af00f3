package queue

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPayload   = errors.New("invalid command payload")
	ErrDuplicateCommand = errors.New("locker already has a pending command")
	ErrNotFound         = errors.New("command not found")
)

// DuplicateCommandError names the locker that is already targeted.
type DuplicateCommandError struct {
	KioskID   string
	LockerID  int
	CommandID string
}

func (e *DuplicateCommandError) Error() string {
	if e.CommandID == "" {
		return fmt.Sprintf("locker %s/%d already has a pending command", e.KioskID, e.LockerID)
	}
	return fmt.Sprintf("locker %s/%d already has pending command %s", e.KioskID, e.LockerID, e.CommandID)
}

func (e *DuplicateCommandError) Unwrap() error { return ErrDuplicateCommand }
