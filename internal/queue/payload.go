package queue

import (
	"bytes"
	"encoding/json"
	"fmt"

	"locker-coordinator/internal/model"
)

const (
	DefaultBulkInterval = 1000
	MinBulkInterval     = 100
	MaxBulkInterval     = 5000
)

// Payload is the typed body of a command. The concrete type is selected by
// the command type.
type Payload interface {
	Type() model.CommandType
	Validate() error
	// Lockers returns the lockers the command reserves while queued.
	Lockers() []int
}

// OpenLocker opens a single locker on behalf of staff.
type OpenLocker struct {
	LockerID  int    `json:"locker_id"`
	StaffUser string `json:"staff_user,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Force     bool   `json:"force,omitempty"`
}

func (OpenLocker) Type() model.CommandType { return model.CommandOpenLocker }

func (p *OpenLocker) Validate() error {
	if p.LockerID <= 0 {
		return fmt.Errorf("locker_id must be positive")
	}
	return nil
}

func (p *OpenLocker) Lockers() []int { return []int{p.LockerID} }

// BulkOpen opens several lockers of one kiosk one after another.
type BulkOpen struct {
	LockerIDs  []int  `json:"locker_ids"`
	StaffUser  string `json:"staff_user,omitempty"`
	Reason     string `json:"reason,omitempty"`
	ExcludeVIP bool   `json:"exclude_vip,omitempty"`
	IntervalMs int    `json:"interval_ms"`
}

func (BulkOpen) Type() model.CommandType { return model.CommandBulkOpen }

func (p *BulkOpen) Validate() error {
	if len(p.LockerIDs) == 0 {
		return fmt.Errorf("locker_ids must not be empty")
	}
	seen := make(map[int]struct{}, len(p.LockerIDs))
	for _, id := range p.LockerIDs {
		if id <= 0 {
			return fmt.Errorf("locker_ids must be positive, got %d", id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("locker %d listed twice", id)
		}
		seen[id] = struct{}{}
	}
	if p.IntervalMs == 0 {
		p.IntervalMs = DefaultBulkInterval
	}
	if p.IntervalMs < MinBulkInterval || p.IntervalMs > MaxBulkInterval {
		return fmt.Errorf("interval_ms must be between %d and %d", MinBulkInterval, MaxBulkInterval)
	}
	return nil
}

func (p *BulkOpen) Lockers() []int { return p.LockerIDs }

// BlockLocker takes a locker out of service.
type BlockLocker struct {
	LockerID  int    `json:"locker_id"`
	Reason    string `json:"reason,omitempty"`
	StaffUser string `json:"staff_user,omitempty"`
}

func (BlockLocker) Type() model.CommandType { return model.CommandBlockLocker }

func (p *BlockLocker) Validate() error {
	if p.LockerID <= 0 {
		return fmt.Errorf("locker_id must be positive")
	}
	return nil
}

func (p *BlockLocker) Lockers() []int { return nil }

// UnblockLocker returns a blocked locker to service.
type UnblockLocker struct {
	LockerID  int    `json:"locker_id"`
	Reason    string `json:"reason,omitempty"`
	StaffUser string `json:"staff_user,omitempty"`
}

func (UnblockLocker) Type() model.CommandType { return model.CommandUnblockLocker }

func (p *UnblockLocker) Validate() error {
	if p.LockerID <= 0 {
		return fmt.Errorf("locker_id must be positive")
	}
	return nil
}

func (p *UnblockLocker) Lockers() []int { return nil }

// Decode parses and validates raw as the payload of a command of type t.
// Unknown fields are rejected.
func Decode(t model.CommandType, raw []byte) (Payload, error) {
	var p Payload
	switch t {
	case model.CommandOpenLocker:
		p = &OpenLocker{}
	case model.CommandBulkOpen:
		p = &BulkOpen{}
	case model.CommandBlockLocker:
		p = &BlockLocker{}
	case model.CommandUnblockLocker:
		p = &UnblockLocker{}
	default:
		return nil, fmt.Errorf("%w: unknown command type %q", ErrInvalidPayload, t)
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: %s payload is required", ErrInvalidPayload, t)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, t, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, t, err)
	}
	return p, nil
}
