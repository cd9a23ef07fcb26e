package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"locker-control-backend/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrTargetBusy is returned by AdmitCommand when an active command
	// already targets one of the lockers.
	ErrTargetBusy = errors.New("locker is targeted by an active command")
)

// LockerMutation inspects and modifies a locker inside a transaction. It
// returns the history row to append, or nil to leave the locker untouched.
type LockerMutation func(l *model.Locker) (*model.LockerEvent, error)

// Store defines the interface for all database operations.
type Store interface {
	ProvisionLockers(ctx context.Context, kioskID string, count int, disabled []int, now time.Time) (created, deactivated int, err error)
	GetLocker(ctx context.Context, kioskID string, lockerID int) (model.Locker, error)
	ListLockers(ctx context.Context, kioskID string) ([]model.Locker, error)
	FindLockerByOwner(ctx context.Context, kioskID, ownerKey string) (model.Locker, error)
	MutateLocker(ctx context.Context, kioskID string, lockerID int, fn LockerMutation) (model.Locker, error)
	ListLockerEvents(ctx context.Context, kioskID string, lockerID, limit int) ([]model.LockerEvent, error)

	AdmitCommand(ctx context.Context, cmd *model.Command) error
	NextPendingCommand(ctx context.Context, kioskID string) (*model.Command, error)
	SaveCommand(ctx context.Context, cmd *model.Command) error
	FinishCommand(ctx context.Context, cmd *model.Command) error
	GetCommand(ctx context.Context, commandID string) (*model.Command, error)
	ListCommands(ctx context.Context, kioskID string, limit int) ([]model.Command, error)
	ListExecutingCommands(ctx context.Context, kioskID string, startedBefore time.Time) ([]model.Command, error)
	ActiveTargets(ctx context.Context, kioskID string) (map[int]string, error)

	UpsertSubscription(ctx context.Context, sub model.PushSubscription, kioskIDs []string) error
	GetSubscription(ctx context.Context, endpoint string) (*model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
	SubscriptionsForKiosk(ctx context.Context, kioskID string) ([]model.PushSubscription, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
