package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locker-control-backend/config"
	"locker-control-backend/internal/db"
	"locker-control-backend/internal/locker"
	"locker-control-backend/internal/model"
	"locker-control-backend/internal/notify"
	"locker-control-backend/internal/relay"
	"locker-control-backend/internal/store"
)

type fakeExecutor struct {
	mu       sync.Mutex
	calls    []int
	fail     map[int]bool
	disabled map[int]bool
	entered  chan int
	release  chan struct{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{fail: make(map[int]bool), disabled: make(map[int]bool)}
}

func (f *fakeExecutor) Addressable(id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disabled[id] {
		return fmt.Errorf("locker %d: %w", id, relay.ErrCardDisabled)
	}
	return nil
}

func (f *fakeExecutor) OpenLocker(ctx context.Context, id int) error {
	if f.entered != nil {
		f.entered <- id
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	if f.fail[id] {
		return &relay.HardwareError{Op: "open", LockerID: id, Attempts: 3, Err: errors.New("timeout")}
	}
	return nil
}

func (f *fakeExecutor) BulkOpen(ctx context.Context, ids []int, interval time.Duration) []relay.Result {
	out := make([]relay.Result, 0, len(ids))
	for _, id := range ids {
		err := f.OpenLocker(ctx, id)
		r := relay.Result{LockerID: id, Success: err == nil}
		if err != nil {
			r.Error = err.Error()
		}
		out = append(out, r)
	}
	return out
}

func (f *fakeExecutor) Calls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

type auditLog struct {
	mu   sync.Mutex
	recs []AuditRecord
}

func (a *auditLog) PublishAudit(ctx context.Context, rec AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

type fixture struct {
	q       *Queue
	exec    *fakeExecutor
	lockers *locker.Service
	store   store.Store
	audit   *auditLog
	events  *notify.Subscription
}

func newFixture(t *testing.T, lockers int) *fixture {
	t.Helper()
	gormDB, err := db.Init(&config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      "file:" + uuid.NewString() + "?mode=memory&cache=shared",
		LogLevel: "silent",
	})
	require.NoError(t, err)
	sqlDB, _ := gormDB.DB()
	t.Cleanup(func() { sqlDB.Close() })

	hub := notify.NewHub()
	st := store.NewGormStore(gormDB)
	svc := locker.NewService(st, hub)
	require.NoError(t, svc.Provision(context.Background(), "kiosk-1", lockers))

	f := &fixture{
		exec:    newFakeExecutor(),
		lockers: svc,
		store:   st,
		audit:   &auditLog{},
		events:  hub.Subscribe(256, notify.OfType(notify.EventCommandStatus)),
	}
	f.q = New("kiosk-1", st, svc, f.exec, hub, f.audit, Options{
		StaleAfter:         2 * time.Minute,
		PollInterval:       10 * time.Millisecond,
		ErrorAfterFailures: 3,
		MinBulkInterval:    300 * time.Millisecond,
		MaxBulkLockers:     4,
	})
	return f
}

func staff(ids ...int) Request {
	return Request{LockerIDs: ids, Action: model.ActionRelease, RequestedBy: "staff-1", Reason: "test"}
}

func TestQueue_SingleRelease(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()
	_, err := f.lockers.SetOwner(ctx, "kiosk-1", 7, locker.Owner{Key: "card-1", Type: model.OwnerCard}, locker.Meta{})
	require.NoError(t, err)
	before, _ := f.lockers.Get(ctx, "kiosk-1", 7)

	cmd, err := f.q.Submit(ctx, staff(7))
	require.NoError(t, err)
	assert.NotEmpty(t, cmd.CommandID)
	assert.Equal(t, model.CommandPending, cmd.Status)

	require.NoError(t, f.q.Drain(ctx))

	got, err := f.q.Get(ctx, cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, model.CommandCompleted, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.DurationMs)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, []int{7}, f.exec.Calls())

	l, err := f.lockers.Get(ctx, "kiosk-1", 7)
	require.NoError(t, err)
	assert.Equal(t, model.LockerFree, l.Status)
	assert.Empty(t, l.Owner())
	assert.False(t, l.LastChanged.Before(before.LastChanged))

	var states []string
	for len(f.events.C) > 0 {
		states = append(states, (<-f.events.C).State)
	}
	assert.Equal(t, []string{"pending", "executing", "completed"}, states)

	require.Len(t, f.audit.recs, 1)
	assert.Equal(t, cmd.CommandID, f.audit.recs[0].CommandID)
	assert.Equal(t, model.CommandCompleted, f.audit.recs[0].Status)

	targets, err := f.store.ActiveTargets(ctx, "kiosk-1")
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestQueue_DuplicateSubmission(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.q.Submit(ctx, staff(3))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, conflict int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrConflict):
			conflict++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflict)

	cmds, err := f.q.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, cmds, 1)
}

func TestQueue_ConflictWhileExecuting(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	f.exec.entered = make(chan int, 1)
	f.exec.release = make(chan struct{})

	cmd, err := f.q.Submit(ctx, staff(2))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.q.Drain(ctx) }()
	<-f.exec.entered

	l, err := f.lockers.Get(ctx, "kiosk-1", 2)
	require.NoError(t, err)
	assert.Equal(t, model.LockerOpening, l.Status)
	assert.Equal(t, "staff-1", l.Owner(), "opening locker carries the holder")

	_, err = f.q.Submit(ctx, staff(2))
	assert.ErrorIs(t, err, ErrConflict)
	_, err = f.q.Submit(ctx, staff(1, 2))
	assert.ErrorIs(t, err, ErrInvalidRequest, "two lockers need a bulk command")

	close(f.exec.release)
	require.NoError(t, <-done)

	got, err := f.q.Get(ctx, cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, model.CommandCompleted, got.Status)
	l, _ = f.lockers.Get(ctx, "kiosk-1", 2)
	assert.Equal(t, model.LockerFree, l.Status)
}

func TestQueue_FailureRevertsToPriorState(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	_, err := f.lockers.SetOwner(ctx, "kiosk-1", 4, locker.Owner{Key: "card-4", Type: model.OwnerCard}, locker.Meta{})
	require.NoError(t, err)
	f.exec.fail[4] = true

	cmd, err := f.q.Submit(ctx, staff(4))
	require.NoError(t, err)
	require.NoError(t, f.q.Drain(ctx))

	got, _ := f.q.Get(ctx, cmd.CommandID)
	assert.Equal(t, model.CommandFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "timeout")

	l, _ := f.lockers.Get(ctx, "kiosk-1", 4)
	assert.Equal(t, model.LockerOwned, l.Status)
	assert.Equal(t, "card-4", l.Owner())
	assert.Equal(t, 1, l.ConsecutiveFailures)
}

func TestQueue_RepeatedFailuresMarkError(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.exec.fail[1] = true

	for i := 0; i < 3; i++ {
		_, err := f.q.Submit(ctx, staff(1))
		require.NoError(t, err)
		require.NoError(t, f.q.Drain(ctx))
	}
	l, _ := f.lockers.Get(ctx, "kiosk-1", 1)
	assert.Equal(t, model.LockerError, l.Status)

	_, err := f.q.Submit(ctx, staff(1))
	assert.ErrorIs(t, err, locker.ErrLockerUnavailable)
}

func TestQueue_DisabledCardRejected(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()
	f.exec.disabled[6] = true

	_, err := f.q.Submit(ctx, staff(6))
	assert.ErrorIs(t, err, locker.ErrLockerUnavailable)
	assert.ErrorIs(t, err, relay.ErrCardDisabled)

	_, err = f.q.Submit(ctx, Request{LockerIDs: []int{5, 6}, Bulk: true, RequestedBy: "staff-1"})
	assert.ErrorIs(t, err, locker.ErrLockerUnavailable)

	cmds, err := f.q.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, cmds)
}

func TestQueue_DisabledCardDoesNotCountAsFailure(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	// The card goes away between admission and execution, repeatedly.
	for i := 0; i < 3; i++ {
		f.exec.mu.Lock()
		f.exec.disabled[2] = false
		f.exec.mu.Unlock()
		cmd, err := f.q.Submit(ctx, staff(2))
		require.NoError(t, err)
		f.exec.mu.Lock()
		f.exec.disabled[2] = true
		f.exec.mu.Unlock()
		require.NoError(t, f.q.Drain(ctx))

		got, _ := f.q.Get(ctx, cmd.CommandID)
		assert.Equal(t, model.CommandFailed, got.Status)
		assert.Contains(t, got.ErrorMessage, "disabled")
	}

	assert.Empty(t, f.exec.Calls(), "no pulse for an unwired locker")
	l, _ := f.lockers.Get(ctx, "kiosk-1", 2)
	assert.Equal(t, model.LockerFree, l.Status)
	assert.Zero(t, l.ConsecutiveFailures)
}

func TestQueue_BulkPartialFailure(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	f.exec.fail[2] = true

	req := staff(1, 2, 3, 2)
	req.Bulk = true
	req.IntervalMs = 10
	cmd, err := f.q.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, cmd.LockerIDs, "duplicates collapsed")
	assert.Equal(t, 300, cmd.IntervalMs, "interval clamped to the safe floor")

	require.NoError(t, f.q.Drain(ctx))
	assert.Equal(t, []int{1, 2, 3}, f.exec.Calls())

	got, _ := f.q.Get(ctx, cmd.CommandID)
	assert.Equal(t, model.CommandFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "1 of 3 lockers failed")
	require.Len(t, got.Results, 3)
	assert.True(t, got.Results[0].Success)
	assert.False(t, got.Results[1].Success)
	assert.True(t, got.Results[2].Success)

	all, err := f.lockers.GetAll(ctx, "kiosk-1")
	require.NoError(t, err)
	for _, l := range all {
		assert.NotEqual(t, model.LockerOpening, l.Status, "locker %d", l.LockerID)
	}
}

func TestQueue_FIFO(t *testing.T) {
	f := newFixture(t, 6)
	ctx := context.Background()
	for _, id := range []int{5, 1, 3} {
		_, err := f.q.Submit(ctx, staff(id))
		require.NoError(t, err)
	}
	require.NoError(t, f.q.Drain(ctx))
	assert.Equal(t, []int{5, 1, 3}, f.exec.Calls())
}

func TestQueue_Admission(t *testing.T) {
	f := newFixture(t, 6)
	ctx := context.Background()
	_, err := f.lockers.SetOwner(ctx, "kiosk-1", 2, locker.Owner{Key: "card-2", Type: model.OwnerCard}, locker.Meta{})
	require.NoError(t, err)
	_, err = f.lockers.Block(ctx, "kiosk-1", 3, locker.Meta{})
	require.NoError(t, err)

	bulk := staff(1, 2, 3, 4, 5)
	bulk.Bulk = true

	testCases := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{name: "no lockers", req: staff(), wantErr: ErrInvalidRequest},
		{name: "bad locker id", req: staff(0), wantErr: ErrInvalidRequest},
		{name: "missing requester", req: Request{LockerIDs: []int{1}}, wantErr: ErrInvalidRequest},
		{name: "unknown action", req: Request{LockerIDs: []int{1}, RequestedBy: "s", Action: "explode"}, wantErr: ErrInvalidRequest},
		{name: "bulk too large", req: bulk, wantErr: ErrTooManyLockers},
		{name: "unknown locker", req: staff(99), wantErr: locker.ErrLockerNotFound},
		{name: "blocked locker", req: staff(3), wantErr: locker.ErrLockerUnavailable},
		{name: "assign owned locker", req: Request{LockerIDs: []int{2}, Action: model.ActionAssign, RequestedBy: "card-9", RequesterType: model.OwnerCard}, wantErr: locker.ErrLockerUnavailable},
		{name: "open owned locker", req: Request{LockerIDs: []int{2}, Action: model.ActionOpen, RequestedBy: "staff-1"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.q.Submit(ctx, tc.req)
			if tc.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestQueue_AssignAndOpenActions(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	_, err := f.q.Submit(ctx, Request{LockerIDs: []int{1}, Action: model.ActionAssign, RequestedBy: "card-1", RequesterType: model.OwnerCard})
	require.NoError(t, err)
	require.NoError(t, f.q.Drain(ctx))
	l, _ := f.lockers.Get(ctx, "kiosk-1", 1)
	assert.Equal(t, model.LockerOwned, l.Status)
	assert.Equal(t, "card-1", l.Owner())

	_, err = f.q.Submit(ctx, Request{LockerIDs: []int{1}, Action: model.ActionOpen, RequestedBy: "staff-1"})
	require.NoError(t, err)
	require.NoError(t, f.q.Drain(ctx))
	l, _ = f.lockers.Get(ctx, "kiosk-1", 1)
	assert.Equal(t, model.LockerOwned, l.Status, "open keeps the owner")
	assert.Equal(t, "card-1", l.Owner())
}

func TestQueue_RecoverStaleCommand(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	_, err := f.lockers.SetOwner(ctx, "kiosk-1", 2, locker.Owner{Key: "card-2", Type: model.OwnerCard}, locker.Meta{})
	require.NoError(t, err)

	// Simulate a process that died mid-command.
	cmd, err := f.q.Submit(ctx, staff(2))
	require.NoError(t, err)
	started := time.Now().UTC().Add(-5 * time.Minute)
	cmd.Status = model.CommandExecuting
	cmd.StartedAt = &started
	require.NoError(t, f.store.SaveCommand(ctx, cmd))
	_, err = f.lockers.MarkOpening(ctx, "kiosk-1", 2, locker.Owner{Key: "staff-1", Type: model.OwnerStaff}, locker.Meta{CommandID: cmd.CommandID})
	require.NoError(t, err)

	// A fresh queue over the same database plays the restarted process.
	restarted := New("kiosk-1", f.store, f.lockers, f.exec, nil, f.audit, f.q.opts)
	n, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := restarted.Get(ctx, cmd.CommandID)
	assert.Equal(t, model.CommandFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "recovered after restart")

	l, _ := f.lockers.Get(ctx, "kiosk-1", 2)
	assert.Equal(t, model.LockerOwned, l.Status)
	assert.Equal(t, "card-2", l.Owner())
	assert.Empty(t, f.exec.Calls(), "recovery never pulses")

	_, err = restarted.Submit(ctx, staff(2))
	assert.NoError(t, err, "targets are released")
}

func TestQueue_RecoverKeepsFreshExecutingCommand(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	cmd, err := f.q.Submit(ctx, staff(1))
	require.NoError(t, err)
	started := time.Now().UTC()
	cmd.Status = model.CommandExecuting
	cmd.StartedAt = &started
	require.NoError(t, f.store.SaveCommand(ctx, cmd))

	n, err := f.q.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	got, _ := f.q.Get(ctx, cmd.CommandID)
	assert.Equal(t, model.CommandExecuting, got.Status)
}

func TestQueue_RecoverOrphanedOpening(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	_, err := f.lockers.MarkOpening(ctx, "kiosk-1", 1, locker.Owner{Key: "staff-1", Type: model.OwnerStaff}, locker.Meta{})
	require.NoError(t, err)

	f.q.now = func() time.Time { return time.Now().UTC().Add(10 * time.Minute) }
	_, err = f.q.Recover(ctx)
	require.NoError(t, err)

	l, _ := f.lockers.Get(ctx, "kiosk-1", 1)
	assert.Equal(t, model.LockerFree, l.Status)
}

func TestQueue_RunExecutesSubmissions(t *testing.T) {
	f := newFixture(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		f.q.Run(ctx)
		close(stopped)
	}()

	cmd, err := f.q.Submit(ctx, staff(3))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := f.q.Get(ctx, cmd.CommandID)
		return err == nil && got.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}

	_, err = f.q.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCommandNotFound)
}
