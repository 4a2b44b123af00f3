package model

import "time"

// AuditKind classifies an audit event.
type AuditKind string

const (
	AuditLockerTransition AuditKind = "locker_transition"
	AuditLockerForced     AuditKind = "locker_forced"
	AuditCommandEnqueued  AuditKind = "command_enqueued"
	AuditCommandCompleted AuditKind = "command_completed"
	AuditCommandFailed    AuditKind = "command_failed"
	AuditKioskRestart     AuditKind = "kiosk_restart"
	AuditKioskOffline     AuditKind = "kiosk_offline"
	AuditKioskOnline      AuditKind = "kiosk_online"
	AuditHardwareFailure  AuditKind = "hardware_failure"
)

// AuditEvent is an append-only record of everything the engine did.
type AuditEvent struct {
	ID         int64     `gorm:"primaryKey" json:"id"`
	Kind       AuditKind `gorm:"size:32;not null;index" json:"kind"`
	KioskID    string    `gorm:"size:64;index" json:"kiosk_id"`
	LockerID   int       `json:"locker_id,omitempty"`
	CommandID  string    `gorm:"size:64;index" json:"command_id,omitempty"`
	Actor      string    `gorm:"size:128" json:"actor,omitempty"`
	Reason     string    `gorm:"type:text" json:"reason,omitempty"`
	FromStatus string    `gorm:"size:16" json:"from_status,omitempty"`
	ToStatus   string    `gorm:"size:16" json:"to_status,omitempty"`
	Detail     string    `gorm:"type:text" json:"detail,omitempty"`
	CreatedAt  time.Time `gorm:"not null;index" json:"created_at"`
}
