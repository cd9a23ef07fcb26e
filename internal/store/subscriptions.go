package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"locker-control-backend/internal/model"
)

// UpsertSubscription creates or replaces a subscription and its kiosk scope.
func (s *gormStore) UpsertSubscription(ctx context.Context, sub model.PushSubscription, kioskIDs []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub.Kiosks = nil
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
		}).Create(&sub).Error; err != nil {
			return err
		}

		if err := tx.Where("endpoint = ?", sub.Endpoint).Delete(&model.SubscriptionKiosk{}).Error; err != nil {
			return err
		}
		if len(kioskIDs) == 0 {
			return nil
		}
		scope := make([]model.SubscriptionKiosk, 0, len(kioskIDs))
		for _, id := range kioskIDs {
			scope = append(scope, model.SubscriptionKiosk{Endpoint: sub.Endpoint, KioskID: id})
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&scope).Error
	})
}

func (s *gormStore) GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	if err := s.db.WithContext(ctx).Preload("Kiosks").First(&sub, "endpoint = ?", endpoint).Error; err != nil {
		return nil, notFound(err)
	}
	return &sub, nil
}

func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("endpoint = ?", endpoint).Delete(&model.SubscriptionKiosk{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.PushSubscription{Endpoint: endpoint}).Error
	})
}

// SubscriptionsForKiosk returns the subscriptions scoped to a kiosk.
func (s *gormStore) SubscriptionsForKiosk(ctx context.Context, kioskID string) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	err := s.db.WithContext(ctx).
		Joins("JOIN subscription_kiosks sk ON sk.endpoint = push_subscriptions.endpoint").
		Where("sk.kiosk_id = ?", kioskID).
		Find(&subs).Error
	return subs, err
}
