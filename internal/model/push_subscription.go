package model

import "time"

// PushSubscription holds the information for a browser push subscription
// used for operator alerts.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`

	// Associations
	Kiosks []SubscriptionKiosk `gorm:"foreignKey:Endpoint;references:Endpoint;constraint:OnDelete:CASCADE"`
}

// SubscriptionKiosk scopes a subscription to one kiosk's alerts.
type SubscriptionKiosk struct {
	Endpoint string `gorm:"primaryKey"`
	KioskID  string `gorm:"primaryKey;size:64"`
}
