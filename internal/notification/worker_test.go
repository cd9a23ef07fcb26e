package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"locker-control-backend/internal/model"
	"locker-control-backend/internal/notify"
	"locker-control-backend/internal/relay"
	"locker-control-backend/internal/store"
)

// mockSender is a mock implementation of the NotificationSender interface.
type mockSender struct {
	SendFunc func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// Send calls the mock SendFunc.
func (m *mockSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return m.SendFunc(payload, sub, options)
}

// A helper function to create a mock database connection.
func newTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

const subscriptionsQuery = `SELECT .* FROM "push_subscriptions" JOIN subscription_kiosks sk ON sk\.endpoint = push_subscriptions\.endpoint WHERE sk\.kiosk_id = \$1`

func TestWorkerPool_Dispatch(t *testing.T) {
	db, _ := newTestDB(t)
	wp := NewWorkerPool(1, store.NewGormStore(db), &webpush.Options{})

	assert.True(t, wp.Dispatch(Alert{KioskID: "kiosk-1", Kind: "locker_error"}))

	select {
	case job := <-wp.Jobs():
		assert.Equal(t, "kiosk-1", job.KioskID)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for job to be dispatched")
	}

	for i := 0; i < cap(wp.Jobs()); i++ {
		wp.Dispatch(Alert{KioskID: "kiosk-1"})
	}
	assert.False(t, wp.Dispatch(Alert{KioskID: "kiosk-1"}), "full queue drops instead of blocking")
}

func TestAlertFromEvent(t *testing.T) {
	degraded := relay.Health{Status: relay.StatusDegraded, ErrorRatePercent: 40, WindowSamples: 10}
	healthy := relay.Health{Status: relay.StatusHealthy}

	testCases := []struct {
		name      string
		event     notify.Event
		wantAlert bool
		wantKind  string
	}{
		{
			name:      "health degraded",
			event:     notify.Event{Type: notify.EventHealth, KioskID: "k", Data: relay.Event{Type: relay.EventHealthDegraded, Health: &degraded}},
			wantAlert: true,
			wantKind:  "health_degraded",
		},
		{
			name:      "health recovered",
			event:     notify.Event{Type: notify.EventHealth, KioskID: "k", Data: relay.Event{Type: relay.EventHealthRecovered, Health: &healthy}},
			wantAlert: true,
			wantKind:  "health_recovered",
		},
		{
			name:      "bus lost",
			event:     notify.Event{Type: notify.EventHardware, KioskID: "k", State: "reconnection_failed", Data: relay.Event{Error: "port gone"}},
			wantAlert: true,
			wantKind:  "reconnection_failed",
		},
		{
			name:      "locker error",
			event:     notify.Event{Type: notify.EventLockerState, KioskID: "k", LockerID: 4, State: "Error"},
			wantAlert: true,
			wantKind:  "locker_error",
		},
		{name: "connected is not an alert", event: notify.Event{Type: notify.EventHardware, State: "connected"}},
		{name: "owned is not an alert", event: notify.Event{Type: notify.EventLockerState, State: "Owned"}},
		{name: "sessions are not alerts", event: notify.Event{Type: notify.EventSession}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a, ok := AlertFromEvent(tc.event)
			assert.Equal(t, tc.wantAlert, ok)
			if ok {
				assert.Equal(t, tc.wantKind, a.Kind)
				assert.NotEmpty(t, a.Title)
			}
		})
	}
}

func TestWorkerPool_WorkerLogic(t *testing.T) {
	gormDB, mock := newTestDB(t)
	wp := NewWorkerPool(1, store.NewGormStore(gormDB), &webpush.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wp.Start(ctx)

	t.Run("sends notification for one subscription", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(1)

		wp.sender = &mockSender{
			SendFunc: func(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
				defer wg.Done()
				assert.Equal(t, "https://example.com/push", sub.Endpoint)
				assert.Equal(t, "test_p256dh", sub.Keys.P256dh)
				var a Alert
				assert.NoError(t, json.Unmarshal(payload, &a))
				assert.Equal(t, 4, a.LockerID)
				return &http.Response{
					StatusCode: http.StatusCreated,
					Body:       io.NopCloser(bytes.NewBufferString("")),
				}, nil
			},
		}

		mock.ExpectQuery(subscriptionsQuery).
			WithArgs("kiosk-1").
			WillReturnRows(sqlmock.NewRows([]string{"endpoint", "p256dh", "auth", "created_at"}).
				AddRow("https://example.com/push", "test_p256dh", "test_auth", time.Now()))

		wp.Dispatch(Alert{KioskID: "kiosk-1", LockerID: 4, Kind: "locker_error", Title: "t"})
		wg.Wait()
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deletes expired subscription", func(t *testing.T) {
		sub := model.PushSubscription{Endpoint: "https://example.com/expired", P256DH: "p", Auth: "a"}

		wp.sender = &mockSender{
			SendFunc: func(payload []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
				return &http.Response{
					StatusCode: http.StatusGone,
					Body:       io.NopCloser(bytes.NewBufferString("")),
				}, nil
			},
		}

		mock.ExpectQuery(subscriptionsQuery).
			WithArgs("kiosk-2").
			WillReturnRows(sqlmock.NewRows([]string{"endpoint", "p256dh", "auth", "created_at"}).
				AddRow(sub.Endpoint, sub.P256DH, sub.Auth, time.Now()))

		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM "subscription_kiosks" WHERE endpoint = \$1`).
			WithArgs(sub.Endpoint).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(`DELETE FROM "push_subscriptions" WHERE "push_subscriptions"."endpoint" = \$1`).
			WithArgs(sub.Endpoint).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		wp.Dispatch(Alert{KioskID: "kiosk-2", Kind: "health_degraded"})

		require.Eventually(t, func() bool { return mock.ExpectationsWereMet() == nil }, time.Second, 10*time.Millisecond)
	})

	t.Run("no subscriptions sends nothing", func(t *testing.T) {
		wp.sender = &mockSender{
			SendFunc: func(payload []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
				t.Error("unexpected send")
				return nil, nil
			},
		}
		mock.ExpectQuery(subscriptionsQuery).
			WithArgs("kiosk-3").
			WillReturnRows(sqlmock.NewRows([]string{"endpoint", "p256dh", "auth", "created_at"}))

		wp.Dispatch(Alert{KioskID: "kiosk-3"})
		require.Eventually(t, func() bool { return mock.ExpectationsWereMet() == nil }, time.Second, 10*time.Millisecond)
	})
}
