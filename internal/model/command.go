package model

import "time"

// CommandStatus is the lifecycle state of a command.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandExecuting CommandStatus = "executing"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s CommandStatus) Terminal() bool {
	return s == CommandCompleted || s == CommandFailed
}

// CommandKind distinguishes single from bulk commands.
type CommandKind string

const (
	KindSingle CommandKind = "single"
	KindBulk   CommandKind = "bulk"
)

// CommandAction is what happens to the locker once its pulse succeeds.
type CommandAction string

const (
	// ActionRelease opens the locker and frees it.
	ActionRelease CommandAction = "release"
	// ActionAssign opens the locker and gives it to OwnerKey.
	ActionAssign CommandAction = "assign"
	// ActionOpen opens the locker and keeps its state and owner.
	ActionOpen CommandAction = "open"
)

// LockerResult is the outcome of one locker within a command.
type LockerResult struct {
	LockerID   int    `json:"locker_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Command is a durable actuation request.
type Command struct {
	ID            int64          `gorm:"primaryKey" json:"-"`
	CommandID     string         `gorm:"size:36;not null;uniqueIndex" json:"command_id"`
	KioskID       string         `gorm:"size:64;not null;index:idx_commands_queue,priority:1" json:"kiosk_id"`
	Kind          CommandKind    `gorm:"size:8;not null" json:"kind"`
	Action        CommandAction  `gorm:"size:16;not null" json:"action"`
	LockerIDs     []int          `gorm:"serializer:json;not null" json:"locker_ids"`
	RequestedBy   string         `gorm:"size:128;not null" json:"requested_by"`
	RequesterType string         `gorm:"size:16;not null" json:"requester_type"`
	Reason        string         `gorm:"size:512" json:"reason,omitempty"`
	OwnerKey      string         `gorm:"size:128" json:"owner_key,omitempty"`
	Status        CommandStatus  `gorm:"size:16;not null;index:idx_commands_queue,priority:2" json:"status"`
	IntervalMs    int            `json:"interval_ms,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_commands_queue,priority:3" json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	DurationMs    *int64         `json:"duration_ms,omitempty"`
	ErrorMessage  string         `gorm:"size:2048" json:"error_message,omitempty"`
	Results       []LockerResult `gorm:"serializer:json" json:"results,omitempty"`
}

// CommandTarget marks a locker as targeted by an active command. Active is
// cleared when the command reaches a terminal status.
type CommandTarget struct {
	ID        int64  `gorm:"primaryKey"`
	CommandID string `gorm:"size:36;not null;index"`
	KioskID   string `gorm:"size:64;not null;index:idx_command_targets_active,priority:1"`
	LockerID  int    `gorm:"not null;index:idx_command_targets_active,priority:2"`
	Active    bool   `gorm:"not null;index:idx_command_targets_active,priority:3"`
}
