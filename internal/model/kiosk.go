package model

import "time"

// KioskHeartbeat is the liveness record of a kiosk. Status is derived, never stored.
type KioskHeartbeat struct {
	KioskID      string     `gorm:"primaryKey;size:64"`
	Zone         string     `gorm:"size:64"`
	Version      string     `gorm:"size:64"`
	LastSeen     *time.Time `gorm:"index"`
	Provisioning bool       `gorm:"not null"`
	StartedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
