package locker

import (
	"fmt"
	"time"

	"locker-control-backend/internal/model"
)

type operation string

const (
	opAssign      operation = "assign"
	opOpen        operation = "open"
	opRelease     operation = "release"
	opMarkOpening operation = "mark_opening"
	opRestore     operation = "restore"
	opFail        operation = "fail"
	opMarkError   operation = "mark_error"
	opClearError  operation = "clear_error"
	opBlock       operation = "block"
	opUnblock     operation = "unblock"
)

// transition applies op to l in place. It returns the history row, or nil
// when op leaves the locker as it is.
//
//	from \ op  assign  open   release  opening  restore  error  clear  block    unblock
//	Free       Owned   Free   Free     Opening  -        Error  x      Blocked  x
//	Owned      x       Owned  Free     Opening  -        Error  x      Blocked  x
//	Opening    Owned   prev   Free     x        prev     Error  x      x        x
//	Blocked    x       x      x        x        -        Error  x      -        Free
//	Error      x       x      x        x        -        -      Free   x        x
func transition(l *model.Locker, op operation, owner *Owner, meta Meta, now time.Time) (*model.LockerEvent, error) {
	from := l.Status
	prevOwner := l.Owner()

	unavailable := func() error {
		return fmt.Errorf("locker %d is %s: %w", l.LockerID, from, ErrLockerUnavailable)
	}
	invalid := func() error {
		return fmt.Errorf("locker %d: cannot %s from %s: %w", l.LockerID, op, from, ErrInvalidTransition)
	}

	switch op {
	case opAssign:
		if from != model.LockerFree && from != model.LockerOpening {
			if from == model.LockerBlocked || from == model.LockerError {
				return nil, unavailable()
			}
			return nil, invalid()
		}
		if owner == nil || owner.Key == "" {
			return nil, fmt.Errorf("locker %d: assign needs an owner: %w", l.LockerID, ErrInvalidTransition)
		}
		setOwner(l, owner.Key, owner.Type)
		l.Status = model.LockerOwned
		clearPrev(l)
		l.ConsecutiveFailures = 0

	case opOpen:
		switch from {
		case model.LockerFree, model.LockerOwned:
		case model.LockerOpening:
			restorePrev(l)
		default:
			return nil, unavailable()
		}
		l.ConsecutiveFailures = 0

	case opRelease:
		switch from {
		case model.LockerFree, model.LockerOwned, model.LockerOpening:
		default:
			return nil, unavailable()
		}
		l.Status = model.LockerFree
		clearOwner(l)
		clearPrev(l)
		l.ConsecutiveFailures = 0

	case opMarkOpening:
		if !l.IsActive {
			return nil, fmt.Errorf("locker %d is deactivated: %w", l.LockerID, ErrLockerUnavailable)
		}
		switch from {
		case model.LockerFree, model.LockerOwned:
		case model.LockerOpening:
			return nil, invalid()
		default:
			return nil, unavailable()
		}
		l.PrevStatus = from
		l.PrevOwnerKey = l.OwnerKey
		l.PrevOwnerType = l.OwnerType
		if from == model.LockerFree {
			key, typ := "", ""
			if owner != nil {
				key, typ = owner.Key, owner.Type
			}
			setOwner(l, key, typ)
		}
		l.Status = model.LockerOpening

	case opRestore:
		switch from {
		case model.LockerOpening:
			restorePrev(l)
		case model.LockerFree, model.LockerOwned, model.LockerBlocked, model.LockerError:
			return nil, nil
		}

	case opFail:
		if from == model.LockerOpening {
			restorePrev(l)
		}
		l.ConsecutiveFailures++

	case opMarkError:
		if from == model.LockerError {
			return nil, nil
		}
		if from != model.LockerOpening {
			l.PrevStatus = from
			l.PrevOwnerKey = l.OwnerKey
			l.PrevOwnerType = l.OwnerType
		}
		l.Status = model.LockerError
		clearOwner(l)

	case opClearError:
		if from != model.LockerError {
			return nil, invalid()
		}
		l.Status = model.LockerFree
		clearOwner(l)
		clearPrev(l)
		l.ConsecutiveFailures = 0

	case opBlock:
		switch from {
		case model.LockerBlocked:
			return nil, nil
		case model.LockerFree, model.LockerOwned:
		default:
			return nil, invalid()
		}
		l.PrevStatus = from
		l.PrevOwnerKey = l.OwnerKey
		l.PrevOwnerType = l.OwnerType
		l.Status = model.LockerBlocked
		clearOwner(l)

	case opUnblock:
		if from != model.LockerBlocked {
			return nil, invalid()
		}
		l.Status = model.LockerFree
		clearOwner(l)
		clearPrev(l)

	default:
		return nil, fmt.Errorf("unknown locker operation %q", op)
	}

	l.LastChanged = now
	evOwner := l.Owner()
	if evOwner == "" {
		evOwner = prevOwner
	}
	return &model.LockerEvent{
		Operation:  string(op),
		FromStatus: from,
		ToStatus:   l.Status,
		OwnerKey:   evOwner,
		Actor:      meta.Actor,
		Reason:     meta.Reason,
		CommandID:  meta.CommandID,
		CreatedAt:  now,
	}, nil
}

func setOwner(l *model.Locker, key, typ string) {
	if key == "" {
		clearOwner(l)
		return
	}
	l.OwnerKey = &key
	l.OwnerType = typ
}

func clearOwner(l *model.Locker) {
	l.OwnerKey = nil
	l.OwnerType = ""
}

func clearPrev(l *model.Locker) {
	l.PrevStatus = ""
	l.PrevOwnerKey = nil
	l.PrevOwnerType = ""
}

// restorePrev returns an Opening locker to its recorded stable state.
func restorePrev(l *model.Locker) {
	prev := l.PrevStatus
	if prev != model.LockerOwned || l.PrevOwnerKey == nil {
		prev = model.LockerFree
	}
	l.Status = prev
	if prev == model.LockerOwned {
		l.OwnerKey = l.PrevOwnerKey
		l.OwnerType = l.PrevOwnerType
	} else {
		clearOwner(l)
	}
	clearPrev(l)
}
