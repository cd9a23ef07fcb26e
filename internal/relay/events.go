package relay

import "time"

// EventType names an observable hardware occurrence.
type EventType string

const (
	EventConnected          EventType = "connected"
	EventReconnected        EventType = "reconnected"
	EventReconnectionFailed EventType = "reconnection_failed"
	EventOperationFailed    EventType = "operation_failed"
	EventHealthDegraded     EventType = "health_degraded"
	EventHealthRecovered    EventType = "health_recovered"
)

// Event is delivered to the controller's EventSink.
type Event struct {
	Type     EventType `json:"type"`
	KioskID  string    `json:"kiosk_id"`
	LockerID int       `json:"locker_id,omitempty"`
	Address  byte      `json:"address,omitempty"`
	Error    string    `json:"error,omitempty"`
	Health   *Health   `json:"health,omitempty"`
	At       time.Time `json:"timestamp"`
}

// EventSink receives hardware events. Implementations must not block.
type EventSink interface {
	HardwareEvent(Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

func (f SinkFunc) HardwareEvent(e Event) { f(e) }

type discardSink struct{}

func (discardSink) HardwareEvent(Event) {}
