package queue

import (
	"fmt"
	"time"

	"locker-control-backend/internal/model"
)

// AuditRecord is the per-command record handed to the audit collaborator.
type AuditRecord struct {
	CommandID     string               `json:"command_id"`
	KioskID       string               `json:"kiosk_id"`
	Kind          model.CommandKind    `json:"kind"`
	Action        model.CommandAction  `json:"action"`
	LockerIDs     []int                `json:"locker_ids"`
	RequestedBy   string               `json:"requested_by"`
	RequesterType string               `json:"requester_type"`
	Reason        string               `json:"reason,omitempty"`
	Status        model.CommandStatus  `json:"status"`
	CreatedAt     time.Time            `json:"created_at"`
	StartedAt     *time.Time           `json:"started_at,omitempty"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
	DurationMs    int64                `json:"duration_ms"`
	ErrorMessage  string               `json:"error_message,omitempty"`
	Results       []model.LockerResult `json:"results,omitempty"`
}

// NewAuditRecord snapshots a terminal command.
func NewAuditRecord(cmd *model.Command) AuditRecord {
	rec := AuditRecord{
		CommandID:     cmd.CommandID,
		KioskID:       cmd.KioskID,
		Kind:          cmd.Kind,
		Action:        cmd.Action,
		LockerIDs:     cmd.LockerIDs,
		RequestedBy:   cmd.RequestedBy,
		RequesterType: cmd.RequesterType,
		Reason:        cmd.Reason,
		Status:        cmd.Status,
		CreatedAt:     cmd.CreatedAt,
		StartedAt:     cmd.StartedAt,
		CompletedAt:   cmd.CompletedAt,
		ErrorMessage:  cmd.ErrorMessage,
		Results:       cmd.Results,
	}
	if cmd.DurationMs != nil {
		rec.DurationMs = *cmd.DurationMs
	}
	return rec
}

// String renders the record as a single log line.
func (r AuditRecord) String() string {
	return fmt.Sprintf("command=%s kiosk=%s action=%s lockers=%v requested_by=%s reason=%q status=%s duration_ms=%d error=%q",
		r.CommandID, r.KioskID, r.Action, r.LockerIDs, r.RequestedBy, r.Reason, r.Status, r.DurationMs, r.ErrorMessage)
}
