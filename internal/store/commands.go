package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"locker-control-backend/internal/model"
)

// AdmitCommand inserts a pending command and its targets, unless an active
// command already targets one of its lockers.
func (s *gormStore) AdmitCommand(ctx context.Context, cmd *model.Command) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var busy int64
		if err := tx.Model(&model.CommandTarget{}).
			Where("kiosk_id = ? AND active = ? AND locker_id IN ?", cmd.KioskID, true, cmd.LockerIDs).
			Count(&busy).Error; err != nil {
			return fmt.Errorf("failed to check active targets: %w", err)
		}
		if busy > 0 {
			return ErrTargetBusy
		}

		if err := tx.Create(cmd).Error; err != nil {
			return fmt.Errorf("failed to insert command %s: %w", cmd.CommandID, err)
		}

		targets := make([]model.CommandTarget, 0, len(cmd.LockerIDs))
		for _, id := range cmd.LockerIDs {
			targets = append(targets, model.CommandTarget{
				CommandID: cmd.CommandID,
				KioskID:   cmd.KioskID,
				LockerID:  id,
				Active:    true,
			})
		}
		if err := tx.Create(&targets).Error; err != nil {
			return fmt.Errorf("failed to insert targets of command %s: %w", cmd.CommandID, err)
		}
		return nil
	})
}

// NextPendingCommand returns the oldest pending command of a kiosk.
func (s *gormStore) NextPendingCommand(ctx context.Context, kioskID string) (*model.Command, error) {
	var cmd model.Command
	err := s.db.WithContext(ctx).
		Where("kiosk_id = ? AND status = ?", kioskID, model.CommandPending).
		Order("created_at, id").
		First(&cmd).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &cmd, nil
}

func (s *gormStore) SaveCommand(ctx context.Context, cmd *model.Command) error {
	return s.db.WithContext(ctx).Save(cmd).Error
}

// FinishCommand stores a terminal command and releases its targets.
func (s *gormStore) FinishCommand(ctx context.Context, cmd *model.Command) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(cmd).Error; err != nil {
			return fmt.Errorf("failed to save command %s: %w", cmd.CommandID, err)
		}
		if err := tx.Model(&model.CommandTarget{}).
			Where("command_id = ?", cmd.CommandID).
			Update("active", false).Error; err != nil {
			return fmt.Errorf("failed to release targets of command %s: %w", cmd.CommandID, err)
		}
		return nil
	})
}

func (s *gormStore) GetCommand(ctx context.Context, commandID string) (*model.Command, error) {
	var cmd model.Command
	if err := s.db.WithContext(ctx).Where("command_id = ?", commandID).First(&cmd).Error; err != nil {
		return nil, notFound(err)
	}
	return &cmd, nil
}

// ListCommands returns the newest commands of a kiosk first.
func (s *gormStore) ListCommands(ctx context.Context, kioskID string, limit int) ([]model.Command, error) {
	var cmds []model.Command
	err := s.db.WithContext(ctx).
		Where("kiosk_id = ?", kioskID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&cmds).Error
	return cmds, err
}

func (s *gormStore) ListExecutingCommands(ctx context.Context, kioskID string, startedBefore time.Time) ([]model.Command, error) {
	var cmds []model.Command
	err := s.db.WithContext(ctx).
		Where("kiosk_id = ? AND status = ? AND started_at < ?", kioskID, model.CommandExecuting, startedBefore).
		Order("created_at, id").
		Find(&cmds).Error
	return cmds, err
}

// ActiveTargets maps each locker with an active command to that command's id.
func (s *gormStore) ActiveTargets(ctx context.Context, kioskID string) (map[int]string, error) {
	var targets []model.CommandTarget
	if err := s.db.WithContext(ctx).
		Where("kiosk_id = ? AND active = ?", kioskID, true).
		Find(&targets).Error; err != nil {
		return nil, err
	}
	out := make(map[int]string, len(targets))
	for _, t := range targets {
		out[t.LockerID] = t.CommandID
	}
	return out, nil
}
