package model

import "time"

// CommandStatus is the delivery state of a queued command.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandExecuting CommandStatus = "executing"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s CommandStatus) Terminal() bool {
	return s == CommandCompleted || s == CommandFailed
}

// CommandType names the payload variant carried by a command.
type CommandType string

const (
	CommandOpenLocker    CommandType = "open_locker"
	CommandBulkOpen      CommandType = "bulk_open"
	CommandBlockLocker   CommandType = "block_locker"
	CommandUnblockLocker CommandType = "unblock_locker"
)

// Command is an instruction for one kiosk. ID is the idempotency key.
type Command struct {
	ID          string        `gorm:"primaryKey;size:64" json:"id"`
	Seq         int64         `gorm:"not null;index" json:"-"`
	KioskID     string        `gorm:"size:64;not null;index:idx_command_kiosk_status" json:"kiosk_id"`
	Type        CommandType   `gorm:"size:32;not null" json:"type"`
	Payload     string        `gorm:"type:text;not null" json:"-"`
	Status      CommandStatus `gorm:"size:16;not null;index:idx_command_kiosk_status" json:"status"`
	Attempts    int           `gorm:"not null" json:"attempts"`
	LastError   string        `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt   time.Time     `gorm:"not null" json:"created_at"`
	ExecutedAt  *time.Time    `json:"executed_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// TableName keeps the table name used by the kiosks' poll queries.
func (Command) TableName() string { return "command_queue" }

// CommandLock marks a locker as targeted by a pending or executing command.
type CommandLock struct {
	KioskID   string    `gorm:"primaryKey;size:64"`
	LockerID  int       `gorm:"primaryKey;autoIncrement:false"`
	CommandID string    `gorm:"size:64;not null;index"`
	CreatedAt time.Time `gorm:"not null"`
}
