package model

import "time"

// PushSubscription holds the information for an operator's browser push subscription.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`

	// Kiosks restricts alerts to these kiosks. Empty means all kiosks.
	Kiosks []SubscriptionKiosk `gorm:"foreignKey:Endpoint;references:Endpoint;constraint:OnDelete:CASCADE"`
}

// SubscriptionKiosk maps a subscription to one kiosk it follows.
type SubscriptionKiosk struct {
	Endpoint string `gorm:"primaryKey"`
	KioskID  string `gorm:"primaryKey;size:64"`
}
