package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"locker-control-backend/config"
	"locker-control-backend/internal/locker"
	"locker-control-backend/internal/model"
	"locker-control-backend/internal/notify"
	"locker-control-backend/internal/relay"
	"locker-control-backend/internal/store"
)

var (
	// ErrConflict is returned when a locker already has a pending or
	// executing command.
	ErrConflict        = errors.New("locker already has an active command")
	ErrInvalidRequest  = errors.New("invalid command request")
	ErrTooManyLockers  = errors.New("too many lockers in one bulk command")
	ErrCommandNotFound = errors.New("command not found")
)

// Executor performs the hardware side of a command.
type Executor interface {
	// Addressable fails when the locker has no enabled relay channel.
	Addressable(lockerID int) error
	OpenLocker(ctx context.Context, lockerID int) error
	BulkOpen(ctx context.Context, lockerIDs []int, interval time.Duration) []relay.Result
}

// AuditSink receives one record per terminal command.
type AuditSink interface {
	PublishAudit(ctx context.Context, rec AuditRecord) error
}

// Options tune one kiosk's queue.
type Options struct {
	StaleAfter         time.Duration
	PollInterval       time.Duration
	ErrorAfterFailures int
	MinBulkInterval    time.Duration
	MaxBulkLockers     int
}

// OptionsFromConfig builds queue options from the queue section and the
// kiosk's burst settings.
func OptionsFromConfig(q config.QueueConfig, h config.HardwareConfig) Options {
	return Options{
		StaleAfter:         q.StaleAfter,
		PollInterval:       q.PollInterval,
		ErrorAfterFailures: q.ErrorAfterFailures,
		MinBulkInterval:    time.Duration(h.Burst.MinIntervalMs) * time.Millisecond,
		MaxBulkLockers:     h.Burst.MaxLockers,
	}
}

// Request is a command as submitted by a caller.
type Request struct {
	LockerIDs     []int
	Action        model.CommandAction
	RequestedBy   string
	RequesterType string
	Reason        string
	// OwnerKey is the new owner of an assign command. Defaults to RequestedBy.
	OwnerKey   string
	IntervalMs int
	Bulk       bool
}

// Queue serializes the actuation commands of one kiosk.
type Queue struct {
	kioskID string
	store   store.Store
	lockers *locker.Service
	exec    Executor
	pub     notify.Publisher
	audit   AuditSink
	opts    Options
	now     func() time.Time

	// admit serializes admission checks; work keeps execution single-flight.
	admit sync.Mutex
	work  sync.Mutex
	wake  chan struct{}
}

// New creates the queue of a kiosk. pub and audit may be nil.
func New(kioskID string, s store.Store, lockers *locker.Service, exec Executor, pub notify.Publisher, audit AuditSink, opts Options) *Queue {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 2 * time.Minute
	}
	return &Queue{
		kioskID: kioskID,
		store:   s,
		lockers: lockers,
		exec:    exec,
		pub:     pub,
		audit:   audit,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
		wake:    make(chan struct{}, 1),
	}
}

// KioskID returns the kiosk this queue serves.
func (q *Queue) KioskID() string { return q.kioskID }

// Submit admits a command or rejects it. A locker that already has an
// active command yields ErrConflict; nothing is queued in that case.
func (q *Queue) Submit(ctx context.Context, req Request) (*model.Command, error) {
	req, err := q.normalize(req)
	if err != nil {
		return nil, err
	}

	q.admit.Lock()
	defer q.admit.Unlock()

	for _, id := range req.LockerIDs {
		if err := q.checkLocker(ctx, id, req.Action); err != nil {
			return nil, err
		}
	}

	kind := model.KindSingle
	if req.Bulk {
		kind = model.KindBulk
	}
	cmd := &model.Command{
		CommandID:     uuid.NewString(),
		KioskID:       q.kioskID,
		Kind:          kind,
		Action:        req.Action,
		LockerIDs:     req.LockerIDs,
		RequestedBy:   req.RequestedBy,
		RequesterType: req.RequesterType,
		Reason:        req.Reason,
		OwnerKey:      req.OwnerKey,
		Status:        model.CommandPending,
		IntervalMs:    req.IntervalMs,
		CreatedAt:     q.now(),
	}
	if err := q.store.AdmitCommand(ctx, cmd); err != nil {
		if errors.Is(err, store.ErrTargetBusy) {
			return nil, fmt.Errorf("kiosk %s lockers %v: %w", q.kioskID, req.LockerIDs, ErrConflict)
		}
		return nil, fmt.Errorf("failed to admit command: %w", err)
	}

	log.Printf("queue[%s]: admitted %s %s %v by %s", q.kioskID, cmd.Kind, cmd.Action, cmd.LockerIDs, cmd.RequestedBy)
	q.publish(cmd)
	q.Wake()
	return cmd, nil
}

func (q *Queue) normalize(req Request) (Request, error) {
	switch req.Action {
	case model.ActionRelease, model.ActionAssign, model.ActionOpen:
	case "":
		req.Action = model.ActionRelease
	default:
		return req, fmt.Errorf("unknown action %q: %w", req.Action, ErrInvalidRequest)
	}
	if strings.TrimSpace(req.RequestedBy) == "" {
		return req, fmt.Errorf("requested_by is required: %w", ErrInvalidRequest)
	}
	if req.RequesterType == "" {
		req.RequesterType = model.OwnerStaff
	}

	seen := make(map[int]bool, len(req.LockerIDs))
	ids := make([]int, 0, len(req.LockerIDs))
	for _, id := range req.LockerIDs {
		if id < 1 {
			return req, fmt.Errorf("locker id %d: %w", id, ErrInvalidRequest)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return req, fmt.Errorf("no lockers given: %w", ErrInvalidRequest)
	}
	req.LockerIDs = ids

	if !req.Bulk {
		if len(ids) != 1 {
			return req, fmt.Errorf("a single command targets exactly one locker: %w", ErrInvalidRequest)
		}
		req.IntervalMs = 0
	} else {
		if q.opts.MaxBulkLockers > 0 && len(ids) > q.opts.MaxBulkLockers {
			return req, fmt.Errorf("%d lockers, limit %d: %w", len(ids), q.opts.MaxBulkLockers, ErrTooManyLockers)
		}
		if floor := int(q.opts.MinBulkInterval / time.Millisecond); req.IntervalMs < floor {
			req.IntervalMs = floor
		}
	}

	if req.Action == model.ActionAssign {
		if len(ids) != 1 {
			return req, fmt.Errorf("assign targets exactly one locker: %w", ErrInvalidRequest)
		}
		if req.OwnerKey == "" {
			req.OwnerKey = req.RequestedBy
		}
	} else {
		req.OwnerKey = ""
	}
	return req, nil
}

func (q *Queue) checkLocker(ctx context.Context, id int, action model.CommandAction) error {
	l, err := q.lockers.Get(ctx, q.kioskID, id)
	if err != nil {
		return err
	}
	if l.Status == model.LockerOpening {
		return fmt.Errorf("locker %d is opening: %w", id, ErrConflict)
	}
	if err := locker.CheckActuatable(l); err != nil {
		return err
	}
	if err := q.exec.Addressable(id); err != nil {
		return fmt.Errorf("%w: %w", locker.ErrLockerUnavailable, err)
	}
	if action == model.ActionAssign && l.Status != model.LockerFree {
		return fmt.Errorf("locker %d is %s: %w", id, l.Status, locker.ErrLockerUnavailable)
	}
	return nil
}

// Wake nudges the worker to look for pending commands.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Get returns a command by id.
func (q *Queue) Get(ctx context.Context, commandID string) (*model.Command, error) {
	cmd, err := q.store.GetCommand(ctx, commandID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("command %s: %w", commandID, ErrCommandNotFound)
	}
	return cmd, err
}

// List returns the newest commands of the kiosk.
func (q *Queue) List(ctx context.Context, limit int) ([]model.Command, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return q.store.ListCommands(ctx, q.kioskID, limit)
}

// Run is the worker loop. It recovers stale commands, then executes pending
// commands one at a time until ctx ends.
func (q *Queue) Run(ctx context.Context) {
	log.Printf("queue[%s]: worker started", q.kioskID)
	if _, err := q.Recover(ctx); err != nil {
		log.Printf("queue[%s]: startup recovery failed: %v", q.kioskID, err)
	}

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := q.Drain(ctx); err != nil && ctx.Err() == nil {
			log.Printf("queue[%s]: %v", q.kioskID, err)
		}
		select {
		case <-ctx.Done():
			log.Printf("queue[%s]: worker shutting down", q.kioskID)
			return
		case <-q.wake:
		case <-ticker.C:
			if _, err := q.Recover(ctx); err != nil && ctx.Err() == nil {
				log.Printf("queue[%s]: recovery failed: %v", q.kioskID, err)
			}
		}
	}
}

// Drain executes pending commands until none are left or ctx ends.
func (q *Queue) Drain(ctx context.Context) error {
	for ctx.Err() == nil {
		ran, err := q.ProcessNext(ctx)
		if err != nil {
			return err
		}
		if !ran {
			return nil
		}
	}
	return ctx.Err()
}

// ProcessNext executes the oldest pending command end to end. It reports
// false when there was nothing to do. Once started, the hardware part is not
// interrupted by ctx.
func (q *Queue) ProcessNext(ctx context.Context) (bool, error) {
	q.work.Lock()
	defer q.work.Unlock()

	cmd, err := q.store.NextPendingCommand(ctx, q.kioskID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to fetch next command: %w", err)
	}

	// The command must reach a terminal status even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	started := q.now()
	cmd.Status = model.CommandExecuting
	cmd.StartedAt = &started
	if err := q.store.SaveCommand(ctx, cmd); err != nil {
		return true, fmt.Errorf("failed to mark command %s executing: %w", cmd.CommandID, err)
	}
	q.publish(cmd)

	meta := locker.Meta{Actor: cmd.RequestedBy, Reason: cmd.Reason, CommandID: cmd.CommandID}
	holder := locker.Owner{Key: cmd.RequestedBy, Type: cmd.RequesterType}
	if cmd.Action == model.ActionAssign {
		holder.Key = cmd.OwnerKey
	}

	results := make(map[int]model.LockerResult, len(cmd.LockerIDs))
	var ready []int
	for _, id := range cmd.LockerIDs {
		// Admitted before its card was switched off: fail it without
		// touching the locker or its failure count.
		if err := q.exec.Addressable(id); err != nil {
			results[id] = model.LockerResult{LockerID: id, Error: err.Error()}
			continue
		}
		if _, err := q.lockers.MarkOpening(ctx, q.kioskID, id, holder, meta); err != nil {
			results[id] = model.LockerResult{LockerID: id, Error: err.Error()}
			continue
		}
		ready = append(ready, id)
	}

	for _, r := range q.execute(ctx, cmd, ready) {
		res := model.LockerResult{LockerID: r.LockerID, Success: r.Success, Error: r.Error, DurationMs: r.DurationMs}
		if r.Success {
			_, err = q.lockers.Succeeded(ctx, q.kioskID, r.LockerID, cmd.Action, locker.Owner{Key: cmd.OwnerKey, Type: cmd.RequesterType}, meta)
		} else {
			_, err = q.lockers.Failed(ctx, q.kioskID, r.LockerID, q.opts.ErrorAfterFailures, meta)
		}
		if err != nil {
			// The pulse outcome stands; a state error is reported alongside.
			log.Printf("queue[%s]: command %s locker %d: state update failed: %v", q.kioskID, cmd.CommandID, r.LockerID, err)
			if res.Error == "" {
				res.Error = "state update failed: " + err.Error()
			}
		}
		results[r.LockerID] = res
	}

	cmd.Results = make([]model.LockerResult, 0, len(cmd.LockerIDs))
	var failed []string
	for _, id := range cmd.LockerIDs {
		r := results[id]
		cmd.Results = append(cmd.Results, r)
		if !r.Success {
			failed = append(failed, fmt.Sprintf("locker %d: %s", id, r.Error))
		}
	}

	cmd.Status = model.CommandCompleted
	if len(failed) > 0 {
		cmd.Status = model.CommandFailed
		if cmd.Kind == model.KindBulk {
			cmd.ErrorMessage = fmt.Sprintf("%d of %d lockers failed: %s", len(failed), len(cmd.LockerIDs), strings.Join(failed, "; "))
		} else {
			cmd.ErrorMessage = cmd.Results[0].Error
		}
	}
	return true, q.finish(ctx, cmd)
}

func (q *Queue) execute(ctx context.Context, cmd *model.Command, ids []int) []relay.Result {
	if len(ids) == 0 {
		return nil
	}
	if cmd.Kind == model.KindBulk {
		return q.exec.BulkOpen(ctx, ids, time.Duration(cmd.IntervalMs)*time.Millisecond)
	}
	start := time.Now()
	err := q.exec.OpenLocker(ctx, ids[0])
	r := relay.Result{LockerID: ids[0], Success: err == nil, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		r.Error = err.Error()
	}
	return []relay.Result{r}
}

// finish stores a terminal command, releases its targets and reports it.
func (q *Queue) finish(ctx context.Context, cmd *model.Command) error {
	done := q.now()
	cmd.CompletedAt = &done
	if cmd.StartedAt != nil {
		d := done.Sub(*cmd.StartedAt).Milliseconds()
		cmd.DurationMs = &d
	}
	if err := q.store.FinishCommand(ctx, cmd); err != nil {
		return fmt.Errorf("failed to finish command %s: %w", cmd.CommandID, err)
	}
	q.publish(cmd)

	rec := NewAuditRecord(cmd)
	log.Printf("audit: %s", rec)
	if q.audit != nil {
		if err := q.audit.PublishAudit(ctx, rec); err != nil {
			log.Printf("queue[%s]: audit publish for %s failed: %v", q.kioskID, cmd.CommandID, err)
		}
	}
	return nil
}

// Recover fails commands left executing longer than the stale threshold and
// returns their lockers to a stable state. Opening lockers without an active
// command are restored too. It returns the number of commands recovered.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	q.work.Lock()
	defer q.work.Unlock()

	now := q.now()
	cutoff := now.Add(-q.opts.StaleAfter)
	stale, err := q.store.ListExecutingCommands(ctx, q.kioskID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list executing commands: %w", err)
	}

	for i := range stale {
		cmd := &stale[i]
		meta := locker.Meta{Actor: "recovery", Reason: "stale command", CommandID: cmd.CommandID}
		for _, id := range cmd.LockerIDs {
			if _, err := q.lockers.Restore(ctx, q.kioskID, id, meta); err != nil {
				log.Printf("queue[%s]: recovery of locker %d failed: %v", q.kioskID, id, err)
			}
		}
		cmd.Status = model.CommandFailed
		cmd.ErrorMessage = fmt.Sprintf("recovered after restart: command was still executing after %s", q.opts.StaleAfter)
		if err := q.finish(ctx, cmd); err != nil {
			return i, err
		}
		log.Printf("queue[%s]: recovered stale command %s", q.kioskID, cmd.CommandID)
	}

	if err := q.restoreOrphans(ctx, cutoff); err != nil {
		return len(stale), err
	}
	return len(stale), nil
}

func (q *Queue) restoreOrphans(ctx context.Context, cutoff time.Time) error {
	targets, err := q.store.ActiveTargets(ctx, q.kioskID)
	if err != nil {
		return fmt.Errorf("failed to load active targets: %w", err)
	}
	all, err := q.lockers.GetAll(ctx, q.kioskID)
	if err != nil {
		return err
	}
	var orphans []int
	for _, l := range all {
		if l.Status != model.LockerOpening || l.LastChanged.After(cutoff) {
			continue
		}
		if _, busy := targets[l.LockerID]; !busy {
			orphans = append(orphans, l.LockerID)
		}
	}
	sort.Ints(orphans)
	for _, id := range orphans {
		if _, err := q.lockers.Restore(ctx, q.kioskID, id, locker.Meta{Actor: "recovery", Reason: "opening without an active command"}); err != nil {
			log.Printf("queue[%s]: restoring orphaned locker %d failed: %v", q.kioskID, id, err)
			continue
		}
		log.Printf("queue[%s]: restored orphaned Opening locker %d", q.kioskID, id)
	}
	return nil
}

func (q *Queue) publish(cmd *model.Command) {
	if q.pub == nil {
		return
	}
	ev := notify.Event{
		Type:      notify.EventCommandStatus,
		KioskID:   q.kioskID,
		State:     string(cmd.Status),
		Timestamp: q.now(),
		Data:      *cmd,
	}
	if len(cmd.LockerIDs) == 1 {
		ev.LockerID = cmd.LockerIDs[0]
	}
	q.pub.Publish(ev)
}
