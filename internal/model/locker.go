package model

import "time"

// LockerStatus is the lifecycle state of a locker.
type LockerStatus string

const (
	LockerFree     LockerStatus = "free"
	LockerReserved LockerStatus = "reserved"
	LockerOwned    LockerStatus = "owned"
	LockerBlocked  LockerStatus = "blocked"
)

// Valid reports whether s is a known locker status.
func (s LockerStatus) Valid() bool {
	switch s {
	case LockerFree, LockerReserved, LockerOwned, LockerBlocked:
		return true
	}
	return false
}

// OwnerType identifies how a locker is held.
type OwnerType string

const (
	OwnerNone   OwnerType = "none"
	OwnerRFID   OwnerType = "rfid"
	OwnerDevice OwnerType = "device"
	OwnerVIP    OwnerType = "vip"
	// OwnerStaff marks a transient hold taken while staff open a free locker.
	OwnerStaff OwnerType = "staff"
)

// Locker is one physical compartment of a kiosk.
type Locker struct {
	KioskID        string       `gorm:"primaryKey;size:64" json:"kiosk_id"`
	LockerID       int          `gorm:"primaryKey;autoIncrement:false" json:"locker_id"`
	Status         LockerStatus `gorm:"size:16;not null;index" json:"status"`
	OwnerType      OwnerType    `gorm:"size:16;not null" json:"owner_type"`
	OwnerKey       *string      `gorm:"size:128;index" json:"owner_key"`
	Version        int64        `gorm:"not null" json:"version"`
	ReservedAt     *time.Time   `json:"reserved_at"`
	OwnedAt        *time.Time   `json:"owned_at"`
	IsVIP          bool         `gorm:"not null" json:"is_vip"`
	VIPContractRef *string      `gorm:"size:64" json:"vip_contract_ref,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}
