package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"locker-control-backend/internal/model"
)

// ProvisionLockers makes lockers 1..count of a kiosk exist. Ids listed in
// disabled (lockers on switched-off relay cards) and rows above count are
// kept inactive, never deleted; every other id is active.
func (s *gormStore) ProvisionLockers(ctx context.Context, kioskID string, count int, disabled []int, now time.Time) (int, int, error) {
	off := make(map[int]bool, len(disabled))
	for _, id := range disabled {
		off[id] = true
	}

	var created, deactivated int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []model.Locker
		if err := tx.Where("kiosk_id = ?", kioskID).Find(&existing).Error; err != nil {
			return fmt.Errorf("failed to load lockers of kiosk %s: %w", kioskID, err)
		}
		known := make(map[int]model.Locker, len(existing))
		for _, l := range existing {
			known[l.LockerID] = l
		}

		var toCreate []model.Locker
		for id := 1; id <= count; id++ {
			active := !off[id]
			l, ok := known[id]
			if !ok {
				toCreate = append(toCreate, model.Locker{
					KioskID:     kioskID,
					LockerID:    id,
					Status:      model.LockerFree,
					IsActive:    active,
					LastChanged: now,
				})
				continue
			}
			if l.IsActive == active {
				continue
			}
			if err := tx.Model(&model.Locker{}).
				Where("kiosk_id = ? AND locker_id = ?", kioskID, id).
				Update("is_active", active).Error; err != nil {
				return fmt.Errorf("failed to set locker %d active=%t: %w", id, active, err)
			}
			if !active {
				deactivated++
			}
		}
		if len(toCreate) > 0 {
			if err := tx.Create(&toCreate).Error; err != nil {
				return fmt.Errorf("failed to create lockers: %w", err)
			}
			created = len(toCreate)
		}

		res := tx.Model(&model.Locker{}).
			Where("kiosk_id = ? AND locker_id > ? AND is_active = ?", kioskID, count, true).
			Update("is_active", false)
		if res.Error != nil {
			return fmt.Errorf("failed to deactivate surplus lockers: %w", res.Error)
		}
		deactivated += int(res.RowsAffected)
		return nil
	})
	if err == nil && (created > 0 || deactivated > 0) {
		log.Printf("store: kiosk %s provisioned %d locker(s), deactivated %d", kioskID, created, deactivated)
	}
	return created, deactivated, err
}

func (s *gormStore) GetLocker(ctx context.Context, kioskID string, lockerID int) (model.Locker, error) {
	var l model.Locker
	err := s.db.WithContext(ctx).
		Where("kiosk_id = ? AND locker_id = ?", kioskID, lockerID).
		First(&l).Error
	return l, notFound(err)
}

func (s *gormStore) ListLockers(ctx context.Context, kioskID string) ([]model.Locker, error) {
	var lockers []model.Locker
	err := s.db.WithContext(ctx).
		Where("kiosk_id = ? AND is_active = ?", kioskID, true).
		Order("locker_id").
		Find(&lockers).Error
	return lockers, err
}

// FindLockerByOwner returns the active Owned locker held by ownerKey.
func (s *gormStore) FindLockerByOwner(ctx context.Context, kioskID, ownerKey string) (model.Locker, error) {
	var l model.Locker
	err := s.db.WithContext(ctx).
		Where("kiosk_id = ? AND owner_key = ? AND status = ? AND is_active = ?", kioskID, ownerKey, model.LockerOwned, true).
		Order("locker_id").
		First(&l).Error
	return l, notFound(err)
}

// MutateLocker applies fn to the current row and appends its event, atomically.
func (s *gormStore) MutateLocker(ctx context.Context, kioskID string, lockerID int, fn LockerMutation) (model.Locker, error) {
	var l model.Locker
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("kiosk_id = ? AND locker_id = ?", kioskID, lockerID).First(&l).Error; err != nil {
			return notFound(err)
		}
		ev, err := fn(&l)
		if err != nil || ev == nil {
			return err
		}
		if err := tx.Save(&l).Error; err != nil {
			return fmt.Errorf("failed to save locker %s/%d: %w", kioskID, lockerID, err)
		}
		ev.KioskID = kioskID
		ev.LockerID = lockerID
		if err := tx.Create(ev).Error; err != nil {
			return fmt.Errorf("failed to append event for locker %s/%d: %w", kioskID, lockerID, err)
		}
		return nil
	})
	return l, err
}

func (s *gormStore) ListLockerEvents(ctx context.Context, kioskID string, lockerID, limit int) ([]model.LockerEvent, error) {
	var events []model.LockerEvent
	q := s.db.WithContext(ctx).Where("kiosk_id = ?", kioskID)
	if lockerID > 0 {
		q = q.Where("locker_id = ?", lockerID)
	}
	err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&events).Error
	return events, err
}
