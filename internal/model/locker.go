package model

import "time"

// LockerStatus is the occupancy state of a locker.
type LockerStatus string

const (
	LockerFree    LockerStatus = "Free"
	LockerOwned   LockerStatus = "Owned"
	LockerOpening LockerStatus = "Opening"
	LockerBlocked LockerStatus = "Blocked"
	LockerError   LockerStatus = "Error"
)

// Owner types.
const (
	OwnerCard  = "card"
	OwnerStaff = "staff"
)

// Locker is the authoritative record of one locker. OwnerKey is set only
// while the locker is Owned or Opening.
type Locker struct {
	KioskID   string       `gorm:"primaryKey;size:64"`
	LockerID  int          `gorm:"primaryKey;autoIncrement:false"`
	Status    LockerStatus `gorm:"size:16;not null;index"`
	OwnerKey  *string      `gorm:"size:128;index"`
	OwnerType string       `gorm:"size:16"`

	// Stable state held before Opening, restored if the command fails.
	PrevStatus    LockerStatus `gorm:"size:16"`
	PrevOwnerKey  *string      `gorm:"size:128"`
	PrevOwnerType string       `gorm:"size:16"`

	IsActive            bool      `gorm:"not null"`
	ConsecutiveFailures int       `gorm:"not null"`
	LastChanged         time.Time `gorm:"not null"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Owner returns the owner key or "".
func (l Locker) Owner() string {
	if l.OwnerKey == nil {
		return ""
	}
	return *l.OwnerKey
}

// LockerEvent is the history row written for every locker mutation.
type LockerEvent struct {
	ID         int64        `gorm:"primaryKey"`
	KioskID    string       `gorm:"size:64;not null;index:idx_locker_events_locker"`
	LockerID   int          `gorm:"not null;index:idx_locker_events_locker"`
	Operation  string       `gorm:"size:32;not null"`
	FromStatus LockerStatus `gorm:"size:16;not null"`
	ToStatus   LockerStatus `gorm:"size:16;not null"`
	OwnerKey   string       `gorm:"size:128"`
	Actor      string       `gorm:"size:128"`
	Reason     string       `gorm:"size:512"`
	CommandID  string       `gorm:"size:36;index"`
	CreatedAt  time.Time    `gorm:"not null;index"`
}
