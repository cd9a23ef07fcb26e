package notify

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType names the kind of state change.
type EventType string

const (
	EventLockerState   EventType = "locker_state"
	EventCommandStatus EventType = "command_status"
	EventHardware      EventType = "hardware"
	EventHealth        EventType = "health"
	EventSession       EventType = "session"
)

// Event is one published state change. Locker events carry LockerID,
// State and OwnerKey; the other types put their detail in Data.
type Event struct {
	Type      EventType `json:"type"`
	KioskID   string    `json:"kiosk_id"`
	LockerID  int       `json:"locker_id,omitempty"`
	State     string    `json:"new_state,omitempty"`
	OwnerKey  string    `json:"owner_key,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Publisher is implemented by the hub and accepted by every producer.
type Publisher interface {
	Publish(Event)
}

// Filter selects the events a subscriber receives. Nil accepts all.
type Filter func(Event) bool

// ForKiosk accepts events of one kiosk.
func ForKiosk(kioskID string) Filter {
	return func(e Event) bool { return e.KioskID == kioskID }
}

// OfType accepts the listed event types.
func OfType(types ...EventType) Filter {
	return func(e Event) bool {
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
}

// Subscription receives events on C until Close is called.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	filter  Filter
	dropped atomic.Uint64
	hub     *Hub
	once    sync.Once
}

// Dropped is the number of events discarded because C was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub fans events out to subscribers without ever blocking the publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber with a buffer of the given size.
func (h *Hub) Subscribe(buffer int, filter Filter) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, filter: filter, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Publish delivers e to every matching subscriber whose buffer has room.
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscription. Later publishes are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		close(s.ch)
		delete(h.subs, s)
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}
