package locker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"locker-control-backend/internal/model"
	"locker-control-backend/internal/notify"
	"locker-control-backend/internal/store"
)

var (
	ErrLockerNotFound    = errors.New("locker not found")
	ErrLockerUnavailable = errors.New("locker is unavailable")
	ErrInvalidTransition = errors.New("invalid locker state transition")
)

// Owner identifies who holds a locker.
type Owner struct {
	Key  string
	Type string
}

// Meta describes who caused a mutation and why.
type Meta struct {
	Actor     string
	Reason    string
	CommandID string
}

// Service is the Locker State Store. All locker mutations go through it.
type Service struct {
	store store.Store
	pub   notify.Publisher
	now   func() time.Time

	// mu serializes read-modify-write cycles.
	mu sync.Mutex
}

// NewService creates a locker service publishing changes to pub.
func NewService(s store.Store, pub notify.Publisher) *Service {
	return &Service{store: s, pub: pub, now: func() time.Time { return time.Now().UTC() }}
}

// Provision makes lockers 1..count of a kiosk exist. The disabled ids stay
// inactive, so they are never offered or admitted.
func (s *Service) Provision(ctx context.Context, kioskID string, count int, disabled ...int) error {
	_, _, err := s.store.ProvisionLockers(ctx, kioskID, count, disabled, s.now())
	return err
}

// Get returns one locker.
func (s *Service) Get(ctx context.Context, kioskID string, lockerID int) (model.Locker, error) {
	l, err := s.store.GetLocker(ctx, kioskID, lockerID)
	if errors.Is(err, store.ErrNotFound) {
		return l, fmt.Errorf("locker %s/%d: %w", kioskID, lockerID, ErrLockerNotFound)
	}
	return l, err
}

// GetAll returns the active lockers of a kiosk ordered by id.
func (s *Service) GetAll(ctx context.Context, kioskID string) ([]model.Locker, error) {
	return s.store.ListLockers(ctx, kioskID)
}

// FreeLockers returns the ids of the kiosk's Free lockers.
func (s *Service) FreeLockers(ctx context.Context, kioskID string) ([]int, error) {
	all, err := s.store.ListLockers(ctx, kioskID)
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, l := range all {
		if l.Status == model.LockerFree {
			ids = append(ids, l.LockerID)
		}
	}
	return ids, nil
}

// FindOwned returns the locker a card currently owns at a kiosk.
func (s *Service) FindOwned(ctx context.Context, kioskID, ownerKey string) (model.Locker, bool, error) {
	l, err := s.store.FindLockerByOwner(ctx, kioskID, ownerKey)
	if errors.Is(err, store.ErrNotFound) {
		return l, false, nil
	}
	return l, err == nil, err
}

// History returns the newest history rows of a locker (all lockers if lockerID is 0).
func (s *Service) History(ctx context.Context, kioskID string, lockerID, limit int) ([]model.LockerEvent, error) {
	return s.store.ListLockerEvents(ctx, kioskID, lockerID, limit)
}

// CheckActuatable reports whether a locker may be pulsed at all.
func CheckActuatable(l model.Locker) error {
	if !l.IsActive {
		return fmt.Errorf("locker %d is deactivated: %w", l.LockerID, ErrLockerUnavailable)
	}
	switch l.Status {
	case model.LockerFree, model.LockerOwned:
		return nil
	default:
		return fmt.Errorf("locker %d is %s: %w", l.LockerID, l.Status, ErrLockerUnavailable)
	}
}

// SetOwner assigns a locker. Allowed from Free, and from Opening when an
// assign command completes.
func (s *Service) SetOwner(ctx context.Context, kioskID string, lockerID int, owner Owner, meta Meta) (model.Locker, error) {
	return s.apply(ctx, kioskID, lockerID, opAssign, &owner, meta)
}

// Opened records a successful pulse that keeps the locker's state.
func (s *Service) Opened(ctx context.Context, kioskID string, lockerID int, meta Meta) (model.Locker, error) {
	return s.apply(ctx, kioskID, lockerID, opOpen, nil, meta)
}

// Release frees a locker and drops its owner.
func (s *Service) Release(ctx context.Context, kioskID string, lockerID int, meta Meta) (model.Locker, error) {
	return s.apply(ctx, kioskID, lockerID, opRelease, nil, meta)
}

// MarkOpening enters Opening from Free or Owned. holder becomes the owner
// for the duration unless the locker is already Owned.
func (s *Service) MarkOpening(ctx context.Context, kioskID string, lockerID int, holder Owner, meta Meta) (model.Locker, error) {
	return s.apply(ctx, kioskID, lockerID, opMarkOpening, &holder, meta)
}

// Restore returns an Opening locker to the stable state it was in before.
func (s *Service) Restore(ctx context.Context, kioskID string, lockerID int, meta Meta) (model.Locker, error) {
	return s.apply(ctx, kioskID, lockerID, opRestore, nil, meta)
}

// MarkError puts a locker out of service until ClearError.
func (s *Service) MarkError(ctx context.Context, kioskID string, lockerID int, meta Meta) (model.Locker, error) {
	return s.apply(ctx, kioskID, lockerID, opMarkError, nil, meta)
}

// ClearError is the administrative way out of Error.
func (s *Service) ClearError(ctx context.Context, kioskID string, lockerID int, meta Meta) (model.Locker, error) {
	return s.apply(ctx, kioskID, lockerID, opClearError, nil, meta)
}

// Block takes a Free or Owned locker out of service.
func (s *Service) Block(ctx context.Context, kioskID string, lockerID int, meta Meta) (model.Locker, error) {
	return s.apply(ctx, kioskID, lockerID, opBlock, nil, meta)
}

// Unblock returns a Blocked locker to Free.
func (s *Service) Unblock(ctx context.Context, kioskID string, lockerID int, meta Meta) (model.Locker, error) {
	return s.apply(ctx, kioskID, lockerID, opUnblock, nil, meta)
}

// Succeeded resolves an Opening locker after a successful pulse according to
// the command action and resets its failure streak.
func (s *Service) Succeeded(ctx context.Context, kioskID string, lockerID int, action model.CommandAction, owner Owner, meta Meta) (model.Locker, error) {
	switch action {
	case model.ActionAssign:
		return s.apply(ctx, kioskID, lockerID, opAssign, &owner, meta)
	case model.ActionOpen:
		return s.apply(ctx, kioskID, lockerID, opOpen, nil, meta)
	default:
		return s.apply(ctx, kioskID, lockerID, opRelease, nil, meta)
	}
}

// Failed restores an Opening locker after a failed pulse. After errorAfter
// consecutive failures the locker is moved to Error.
func (s *Service) Failed(ctx context.Context, kioskID string, lockerID int, errorAfter int, meta Meta) (model.Locker, error) {
	l, err := s.apply(ctx, kioskID, lockerID, opFail, nil, meta)
	if err != nil {
		return l, err
	}
	if errorAfter > 0 && l.ConsecutiveFailures >= errorAfter {
		log.Printf("locker: %s/%d failed %d times in a row, marking Error", kioskID, lockerID, l.ConsecutiveFailures)
		meta.Reason = fmt.Sprintf("%d consecutive hardware failures", l.ConsecutiveFailures)
		return s.MarkError(ctx, kioskID, lockerID, meta)
	}
	return l, nil
}

// Inconsistency is a row that breaks the owner invariant.
type Inconsistency struct {
	LockerID int                `json:"locker_id"`
	Status   model.LockerStatus `json:"status"`
	OwnerKey string             `json:"owner_key,omitempty"`
	Problem  string             `json:"problem"`
}

// Inconsistencies reports lockers whose owner does not match their state.
func (s *Service) Inconsistencies(ctx context.Context, kioskID string) ([]Inconsistency, error) {
	all, err := s.store.ListLockers(ctx, kioskID)
	if err != nil {
		return nil, err
	}
	var out []Inconsistency
	for _, l := range all {
		hasOwner := l.Owner() != ""
		switch {
		case (l.Status == model.LockerOwned || l.Status == model.LockerOpening) && !hasOwner:
			out = append(out, Inconsistency{LockerID: l.LockerID, Status: l.Status, Problem: "missing owner"})
		case l.Status != model.LockerOwned && l.Status != model.LockerOpening && hasOwner:
			out = append(out, Inconsistency{LockerID: l.LockerID, Status: l.Status, OwnerKey: l.Owner(), Problem: "unexpected owner"})
		case l.Status == model.LockerOpening && l.PrevStatus == "":
			out = append(out, Inconsistency{LockerID: l.LockerID, Status: l.Status, OwnerKey: l.Owner(), Problem: "opening without a prior state"})
		}
	}
	return out, nil
}

func (s *Service) apply(ctx context.Context, kioskID string, lockerID int, op operation, owner *Owner, meta Meta) (model.Locker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var changed bool
	l, err := s.store.MutateLocker(ctx, kioskID, lockerID, func(l *model.Locker) (*model.LockerEvent, error) {
		ev, err := transition(l, op, owner, meta, now)
		changed = ev != nil
		return ev, err
	})
	if errors.Is(err, store.ErrNotFound) {
		return l, fmt.Errorf("locker %s/%d: %w", kioskID, lockerID, ErrLockerNotFound)
	}
	if err != nil {
		return l, err
	}
	if changed && s.pub != nil {
		s.pub.Publish(notify.Event{
			Type:      notify.EventLockerState,
			KioskID:   kioskID,
			LockerID:  lockerID,
			State:     string(l.Status),
			OwnerKey:  l.Owner(),
			Timestamp: now,
			Data:      map[string]string{"operation": string(op), "command_id": meta.CommandID},
		})
	}
	return l, nil
}
