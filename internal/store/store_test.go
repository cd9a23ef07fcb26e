package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"locker-control-backend/config"
	"locker-control-backend/internal/db"
	"locker-control-backend/internal/model"
)

// A helper function to create a mock database connection.
func newTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: sqlDB,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

// newSQLiteStore opens a private in-memory database with the full schema.
func newSQLiteStore(t *testing.T) Store {
	gormDB, err := db.Init(&config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      "file:" + uuid.NewString() + "?mode=memory&cache=shared",
		LogLevel: "silent",
	})
	require.NoError(t, err)
	sqlDB, _ := gormDB.DB()
	t.Cleanup(func() { sqlDB.Close() })
	return NewGormStore(gormDB)
}

func TestGormStore_AdmitCommand(t *testing.T) {
	testCases := []struct {
		name             string
		mockExpectations func(mock sqlmock.Sqlmock)
		expectedErr      error
	}{
		{
			name: "No active target, command and targets inserted",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "command_targets" WHERE kiosk_id = $1 AND active = $2 AND locker_id IN ($3,$4)`)).
					WithArgs("kiosk-1", true, 7, 8).
					WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
				mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "commands"`)).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
				mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "command_targets"`)).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2))
				mock.ExpectCommit()
			},
		},
		{
			name: "Overlapping active target, nothing inserted",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "command_targets"`)).
					WithArgs("kiosk-1", true, 7, 8).
					WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
				mock.ExpectRollback()
			},
			expectedErr: ErrTargetBusy,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gormDB, mock := newTestDB(t)
			store := NewGormStore(gormDB)
			tc.mockExpectations(mock)

			err := store.AdmitCommand(context.Background(), &model.Command{
				CommandID:     uuid.NewString(),
				KioskID:       "kiosk-1",
				Kind:          model.KindBulk,
				Action:        model.ActionRelease,
				LockerIDs:     []int{7, 8},
				RequestedBy:   "staff-1",
				RequesterType: model.OwnerStaff,
				Status:        model.CommandPending,
			})

			if tc.expectedErr != nil {
				assert.ErrorIs(t, err, tc.expectedErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGormStore_FinishCommandReleasesTargets(t *testing.T) {
	gormDB, mock := newTestDB(t)
	store := NewGormStore(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "commands" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "command_targets" SET "active"=$1 WHERE command_id = $2`)).
		WithArgs(false, "cmd-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	now := time.Now()
	err := store.FinishCommand(context.Background(), &model.Command{
		ID:          3,
		CommandID:   "cmd-1",
		KioskID:     "kiosk-1",
		Status:      model.CommandCompleted,
		LockerIDs:   []int{7},
		CreatedAt:   now,
		CompletedAt: &now,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_GetCommandNotFound(t *testing.T) {
	gormDB, mock := newTestDB(t)
	store := NewGormStore(gormDB)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "commands" WHERE command_id = $1`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "command_id"}))

	_, err := store.GetCommand(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_ProvisionLockers(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	created, deactivated, err := s.ProvisionLockers(ctx, "kiosk-1", 4, nil, now)
	require.NoError(t, err)
	assert.Equal(t, 4, created)
	assert.Zero(t, deactivated)

	// Shrinking deactivates but keeps the rows.
	created, deactivated, err = s.ProvisionLockers(ctx, "kiosk-1", 2, nil, now)
	require.NoError(t, err)
	assert.Zero(t, created)
	assert.Equal(t, 2, deactivated)

	lockers, err := s.ListLockers(ctx, "kiosk-1")
	require.NoError(t, err)
	assert.Len(t, lockers, 2)

	l, err := s.GetLocker(ctx, "kiosk-1", 4)
	require.NoError(t, err)
	assert.False(t, l.IsActive)

	// Growing again reactivates the same rows.
	created, _, err = s.ProvisionLockers(ctx, "kiosk-1", 4, nil, now)
	require.NoError(t, err)
	assert.Zero(t, created)
	lockers, err = s.ListLockers(ctx, "kiosk-1")
	require.NoError(t, err)
	assert.Len(t, lockers, 4)
	assert.Equal(t, model.LockerFree, lockers[3].Status)
}

func TestGormStore_ProvisionDisabledLockers(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	// Lockers 5..8 sit on a switched-off card.
	created, deactivated, err := s.ProvisionLockers(ctx, "kiosk-1", 8, []int{5, 6, 7, 8}, now)
	require.NoError(t, err)
	assert.Equal(t, 8, created)
	assert.Zero(t, deactivated)

	lockers, err := s.ListLockers(ctx, "kiosk-1")
	require.NoError(t, err)
	require.Len(t, lockers, 4)
	assert.Equal(t, 4, lockers[3].LockerID)

	l, err := s.GetLocker(ctx, "kiosk-1", 6)
	require.NoError(t, err)
	assert.False(t, l.IsActive)
	assert.Equal(t, model.LockerFree, l.Status)

	// Switching the card on reactivates its rows; switching another off
	// deactivates those.
	created, deactivated, err = s.ProvisionLockers(ctx, "kiosk-1", 8, []int{1, 2, 3, 4}, now)
	require.NoError(t, err)
	assert.Zero(t, created)
	assert.Equal(t, 4, deactivated)

	lockers, err = s.ListLockers(ctx, "kiosk-1")
	require.NoError(t, err)
	require.Len(t, lockers, 4)
	assert.Equal(t, 5, lockers[0].LockerID)
}

func TestGormStore_MutateLocker(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	_, _, err := s.ProvisionLockers(ctx, "kiosk-1", 2, nil, time.Now())
	require.NoError(t, err)

	owner := "card-42"
	l, err := s.MutateLocker(ctx, "kiosk-1", 1, func(l *model.Locker) (*model.LockerEvent, error) {
		from := l.Status
		l.Status = model.LockerOwned
		l.OwnerKey = &owner
		l.OwnerType = model.OwnerCard
		return &model.LockerEvent{Operation: "assign", FromStatus: from, ToStatus: l.Status, OwnerKey: owner}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.LockerOwned, l.Status)

	found, err := s.FindLockerByOwner(ctx, "kiosk-1", owner)
	require.NoError(t, err)
	assert.Equal(t, 1, found.LockerID)

	// A failing mutation leaves the row untouched.
	boom := errors.New("boom")
	_, err = s.MutateLocker(ctx, "kiosk-1", 1, func(l *model.Locker) (*model.LockerEvent, error) {
		l.Status = model.LockerError
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	l, err = s.GetLocker(ctx, "kiosk-1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.LockerOwned, l.Status)

	events, err := s.ListLockerEvents(ctx, "kiosk-1", 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "assign", events[0].Operation)

	_, err = s.MutateLocker(ctx, "kiosk-1", 99, func(*model.Locker) (*model.LockerEvent, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_CommandQueueOrderAndTargets(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	first := &model.Command{CommandID: uuid.NewString(), KioskID: "k", Kind: model.KindSingle, Action: model.ActionRelease,
		LockerIDs: []int{1}, RequestedBy: "staff", RequesterType: model.OwnerStaff, Status: model.CommandPending, CreatedAt: base}
	second := &model.Command{CommandID: uuid.NewString(), KioskID: "k", Kind: model.KindBulk, Action: model.ActionRelease,
		LockerIDs: []int{2, 3}, RequestedBy: "staff", RequesterType: model.OwnerStaff, Status: model.CommandPending, CreatedAt: base.Add(time.Second)}
	require.NoError(t, s.AdmitCommand(ctx, first))
	require.NoError(t, s.AdmitCommand(ctx, second))

	overlap := &model.Command{CommandID: uuid.NewString(), KioskID: "k", Kind: model.KindBulk, Action: model.ActionRelease,
		LockerIDs: []int{3, 4}, RequestedBy: "staff", RequesterType: model.OwnerStaff, Status: model.CommandPending}
	assert.ErrorIs(t, s.AdmitCommand(ctx, overlap), ErrTargetBusy)

	next, err := s.NextPendingCommand(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, first.CommandID, next.CommandID)
	assert.Equal(t, []int{1}, next.LockerIDs)

	targets, err := s.ActiveTargets(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, map[int]string{1: first.CommandID, 2: second.CommandID, 3: second.CommandID}, targets)

	next.Status = model.CommandCompleted
	next.Results = []model.LockerResult{{LockerID: 1, Success: true}}
	require.NoError(t, s.FinishCommand(ctx, next))

	got, err := s.GetCommand(ctx, first.CommandID)
	require.NoError(t, err)
	assert.Equal(t, model.CommandCompleted, got.Status)
	assert.Equal(t, []model.LockerResult{{LockerID: 1, Success: true}}, got.Results)

	// Locker 1 is free for a new command now.
	again := &model.Command{CommandID: uuid.NewString(), KioskID: "k", Kind: model.KindSingle, Action: model.ActionOpen,
		LockerIDs: []int{1}, RequestedBy: "staff", RequesterType: model.OwnerStaff, Status: model.CommandPending}
	assert.NoError(t, s.AdmitCommand(ctx, again))

	list, err := s.ListCommands(ctx, "k", 10)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestGormStore_Subscriptions(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	sub := model.PushSubscription{Endpoint: "https://push.example/1", P256DH: "key", Auth: "auth"}
	require.NoError(t, s.UpsertSubscription(ctx, sub, []string{"kiosk-1", "kiosk-2"}))
	require.NoError(t, s.UpsertSubscription(ctx, sub, []string{"kiosk-2"}))

	got, err := s.GetSubscription(ctx, sub.Endpoint)
	require.NoError(t, err)
	require.Len(t, got.Kiosks, 1)
	assert.Equal(t, "kiosk-2", got.Kiosks[0].KioskID)

	subs, err := s.SubscriptionsForKiosk(ctx, "kiosk-1")
	require.NoError(t, err)
	assert.Empty(t, subs)
	subs, err = s.SubscriptionsForKiosk(ctx, "kiosk-2")
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	require.NoError(t, s.DeleteSubscription(ctx, sub.Endpoint))
	_, err = s.GetSubscription(ctx, sub.Endpoint)
	assert.ErrorIs(t, err, ErrNotFound)
}
