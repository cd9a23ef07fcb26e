package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"locker-control-backend/internal/locker"
	"locker-control-backend/internal/model"
	"locker-control-backend/internal/notify"
	"locker-control-backend/internal/queue"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExpired     = errors.New("session expired")
	ErrNoLockersAvailable = errors.New("no lockers available")
	ErrInvalidCard        = errors.New("card id is required")
)

// State is the lifecycle state of a session.
type State string

const (
	StateAwaitingSelection State = "awaiting_selection"
	StateCompleted         State = "completed"
	StateExpired           State = "expired"
	StateCancelled         State = "cancelled"
)

// Scan result actions.
const (
	ActionOpenLocker  = "open_locker"
	ActionShowLockers = "show_lockers"
)

// Session is one card-driven interaction at a kiosk.
type Session struct {
	ID        string    `json:"session_id"`
	KioskID   string    `json:"kiosk_id"`
	CardID    string    `json:"card_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	State     State     `json:"state"`
	Lockers   []int     `json:"lockers"`
}

// Lockers is the read side of the locker state the manager needs.
type Lockers interface {
	Get(ctx context.Context, kioskID string, lockerID int) (model.Locker, error)
	FindOwned(ctx context.Context, kioskID, ownerKey string) (model.Locker, bool, error)
	FreeLockers(ctx context.Context, kioskID string) ([]int, error)
}

// Submitter hands commands to a kiosk's queue.
type Submitter interface {
	Submit(ctx context.Context, kioskID string, req queue.Request) (*model.Command, error)
}

// ScanResult tells the kiosk what to show after a card scan.
type ScanResult struct {
	Action         string `json:"action"`
	SessionID      string `json:"session_id,omitempty"`
	Lockers        []int  `json:"lockers,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	LockerID       int    `json:"locker_id,omitempty"`
	CommandID      string `json:"command_id,omitempty"`
}

// SelectResult is the outcome of a locker selection.
type SelectResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	CommandID string `json:"command_id,omitempty"`
}

// Status is the session view polled by a kiosk.
type Status struct {
	HasSession       bool   `json:"has_session"`
	SessionID        string `json:"session_id,omitempty"`
	RemainingSeconds int    `json:"remaining_seconds,omitempty"`
	Lockers          []int  `json:"lockers,omitempty"`
}

// Event is the payload of session events on the hub.
type Event struct {
	Event   string  `json:"event"`
	Reason  string  `json:"reason,omitempty"`
	Session Session `json:"session"`
}

type entry struct {
	session   Session
	timer     *time.Timer
	selecting bool
}

// Manager keeps at most one active session per kiosk.
type Manager struct {
	lockers Lockers
	submit  Submitter
	pub     notify.Publisher
	timeout time.Duration
	now     func() time.Time

	mu     sync.Mutex
	active map[string]*entry
	closed bool
}

// NewManager creates a session manager. pub may be nil.
func NewManager(lockers Lockers, submit Submitter, pub notify.Publisher, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		lockers: lockers,
		submit:  submit,
		pub:     pub,
		timeout: timeout,
		now:     time.Now,
		active:  make(map[string]*entry),
	}
}

// Timeout is the selection window of new sessions.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// OnCardScan handles a card at a kiosk. A card that already owns a locker
// gets it opened and released without a session. Any other card replaces
// the kiosk's current session with a new one offering the Free lockers.
func (m *Manager) OnCardScan(ctx context.Context, kioskID, cardID string) (ScanResult, error) {
	cardID = strings.TrimSpace(cardID)
	if cardID == "" {
		return ScanResult{}, ErrInvalidCard
	}

	owned, ok, err := m.lockers.FindOwned(ctx, kioskID, cardID)
	if err != nil {
		return ScanResult{}, fmt.Errorf("failed to look up card %s: %w", cardID, err)
	}
	if ok {
		cmd, err := m.submit.Submit(ctx, kioskID, queue.Request{
			LockerIDs:     []int{owned.LockerID},
			Action:        model.ActionRelease,
			RequestedBy:   cardID,
			RequesterType: model.OwnerCard,
			Reason:        "express return",
		})
		if err != nil {
			return ScanResult{}, err
		}
		// Only an admitted return ends whatever session was on screen.
		m.Cancel(kioskID, "card scanned")
		log.Printf("session: kiosk %s card %s returns locker %d", kioskID, cardID, owned.LockerID)
		return ScanResult{Action: ActionOpenLocker, LockerID: owned.LockerID, CommandID: cmd.CommandID}, nil
	}

	free, err := m.lockers.FreeLockers(ctx, kioskID)
	if err != nil {
		return ScanResult{}, fmt.Errorf("failed to list free lockers: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.endLocked(kioskID, StateCancelled, "superseded by a new scan")
	if len(free) == 0 {
		return ScanResult{}, fmt.Errorf("kiosk %s: %w", kioskID, ErrNoLockersAvailable)
	}
	if m.closed {
		return ScanResult{}, errors.New("session manager is closed")
	}

	now := m.now()
	s := Session{
		ID:        uuid.NewString(),
		KioskID:   kioskID,
		CardID:    cardID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.timeout),
		State:     StateAwaitingSelection,
		Lockers:   free,
	}
	id := s.ID
	e := &entry{session: s}
	e.timer = time.AfterFunc(m.timeout, func() { m.expire(kioskID, id) })
	m.active[kioskID] = e
	m.publish("session_started", "", s)

	return ScanResult{
		Action:         ActionShowLockers,
		SessionID:      s.ID,
		Lockers:        free,
		TimeoutSeconds: int(m.timeout / time.Second),
	}, nil
}

// OnLockerSelect submits an assign command for the session's card. The
// session completes as soon as the command is admitted.
func (m *Manager) OnLockerSelect(ctx context.Context, kioskID, sessionID string, lockerID int) (SelectResult, error) {
	m.mu.Lock()
	e, err := m.lookupLocked(kioskID, sessionID)
	if err != nil {
		m.mu.Unlock()
		return SelectResult{}, err
	}
	if e.selecting {
		m.mu.Unlock()
		return SelectResult{}, fmt.Errorf("session %s: selection in progress: %w", sessionID, queue.ErrConflict)
	}
	e.selecting = true
	cardID := e.session.CardID
	m.mu.Unlock()

	cmd, err := m.selectLocker(ctx, kioskID, cardID, lockerID)
	if err != nil {
		m.mu.Lock()
		e.selecting = false
		if m.active[kioskID] == e && !m.now().Before(e.session.ExpiresAt) {
			m.endLocked(kioskID, StateExpired, "")
		}
		m.mu.Unlock()
		return SelectResult{}, err
	}

	m.mu.Lock()
	if m.active[kioskID] == e {
		m.endLocked(kioskID, StateCompleted, "")
	}
	m.mu.Unlock()

	log.Printf("session: kiosk %s card %s selected locker %d (command %s)", kioskID, cardID, lockerID, cmd.CommandID)
	return SelectResult{Success: true, CommandID: cmd.CommandID}, nil
}

func (m *Manager) selectLocker(ctx context.Context, kioskID, cardID string, lockerID int) (*model.Command, error) {
	l, err := m.lockers.Get(ctx, kioskID, lockerID)
	if err != nil {
		return nil, err
	}
	if l.Status != model.LockerFree {
		return nil, fmt.Errorf("locker %d is %s: %w", lockerID, l.Status, locker.ErrLockerUnavailable)
	}
	return m.submit.Submit(ctx, kioskID, queue.Request{
		LockerIDs:     []int{lockerID},
		Action:        model.ActionAssign,
		RequestedBy:   cardID,
		RequesterType: model.OwnerCard,
		OwnerKey:      cardID,
		Reason:        "kiosk selection",
	})
}

func (m *Manager) lookupLocked(kioskID, sessionID string) (*entry, error) {
	e, ok := m.active[kioskID]
	if !ok || e.session.ID != sessionID {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	if !m.now().Before(e.session.ExpiresAt) && !e.selecting {
		m.endLocked(kioskID, StateExpired, "")
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionExpired)
	}
	return e, nil
}

// Status reports the kiosk's active session, if any.
func (m *Manager) Status(kioskID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.active[kioskID]
	if !ok {
		return Status{}
	}
	remaining := e.session.ExpiresAt.Sub(m.now())
	if remaining <= 0 {
		return Status{}
	}
	return Status{
		HasSession:       true,
		SessionID:        e.session.ID,
		RemainingSeconds: int(math.Ceil(remaining.Seconds())),
		Lockers:          e.session.Lockers,
	}
}

// Current returns a copy of the kiosk's active session.
func (m *Manager) Current(kioskID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.active[kioskID]
	if !ok {
		return Session{}, false
	}
	return e.session, true
}

// Cancel ends the kiosk's active session. It reports whether there was one.
func (m *Manager) Cancel(kioskID, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endLocked(kioskID, StateCancelled, reason)
}

// Close stops every timer and drops all sessions.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for kioskID := range m.active {
		m.endLocked(kioskID, StateCancelled, "shutdown")
	}
}

// ActiveCount is the number of kiosks with a session.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) expire(kioskID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.active[kioskID]
	if !ok || e.session.ID != sessionID || e.selecting {
		return
	}
	m.endLocked(kioskID, StateExpired, "")
	log.Printf("session: kiosk %s session %s expired", kioskID, sessionID)
}

// endLocked stops the timer of the kiosk's session and moves it to state.
func (m *Manager) endLocked(kioskID string, state State, reason string) bool {
	e, ok := m.active[kioskID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(m.active, kioskID)
	e.session.State = state
	m.publish("session_"+string(state), reason, e.session)
	return true
}

func (m *Manager) publish(name, reason string, s Session) {
	if m.pub == nil {
		return
	}
	m.pub.Publish(notify.Event{
		Type:    notify.EventSession,
		KioskID: s.KioskID,
		State:   string(s.State),
		Data:    Event{Event: name, Reason: reason, Session: s},
	})
}
