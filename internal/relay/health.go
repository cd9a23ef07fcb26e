package relay

import (
	"math"
	"sync"
	"time"
)

// Status is the aggregate hardware condition.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

// minHealthSamples keeps a single early failure from flagging the bus.
const minHealthSamples = 5

// Health is a point-in-time snapshot of a controller's diagnostics.
type Health struct {
	Status           Status     `json:"status"`
	TotalCommands    int64      `json:"total_commands"`
	FailedCommands   int64      `json:"failed_commands"`
	ConnectionErrors int64      `json:"connection_errors"`
	RetryAttempts    int64      `json:"retry_attempts"`
	ErrorRatePercent float64    `json:"error_rate_percent"`
	WindowSamples    int        `json:"window_samples"`
	UptimeSeconds    int64      `json:"uptime_seconds"`
	Connected        bool       `json:"connected"`
	LastError        string     `json:"last_error,omitempty"`
	LastErrorAt      *time.Time `json:"last_error_at,omitempty"`
}

// healthTracker keeps lifetime counters and a ring of the most recent
// operation outcomes. Status is derived from the ring only, so it recovers
// as successful operations push old failures out.
type healthTracker struct {
	mu      sync.Mutex
	started time.Time

	ring   []bool // true = failed
	next   int
	filled int

	total, failed, connErrors, retries int64
	connected                          bool
	lastErr                            string
	lastErrAt                          time.Time

	degradedAt, unavailableAt float64
	status                    Status
}

func newHealthTracker(window int, degradedAt, unavailableAt float64) *healthTracker {
	if window <= 0 {
		window = 20
	}
	return &healthTracker{
		started:       time.Now(),
		ring:          make([]bool, window),
		degradedAt:    degradedAt,
		unavailableAt: unavailableAt,
		status:        StatusHealthy,
	}
}

// record adds one operation outcome. It returns the new snapshot and whether
// the status changed.
func (h *healthTracker) record(err error) (Health, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.total++
	failed := err != nil
	if failed {
		h.failed++
		h.lastErr = err.Error()
		h.lastErrAt = time.Now()
	}
	h.ring[h.next] = failed
	h.next = (h.next + 1) % len(h.ring)
	if h.filled < len(h.ring) {
		h.filled++
	}

	prev := h.status
	h.status = h.classify(h.windowRate())
	return h.snapshot(), prev != h.status
}

func (h *healthTracker) retry() {
	h.mu.Lock()
	h.retries++
	h.mu.Unlock()
}

func (h *healthTracker) linkError() {
	h.mu.Lock()
	h.connErrors++
	h.mu.Unlock()
}

func (h *healthTracker) setConnected(ok bool) {
	h.mu.Lock()
	h.connected = ok
	h.mu.Unlock()
}

func (h *healthTracker) windowRate() float64 {
	if h.filled == 0 {
		return 0
	}
	n := 0
	for i := 0; i < h.filled; i++ {
		if h.ring[i] {
			n++
		}
	}
	return float64(n) * 100 / float64(h.filled)
}

func (h *healthTracker) classify(rate float64) Status {
	switch {
	case h.filled < minHealthSamples:
		return StatusHealthy
	case rate >= h.unavailableAt:
		return StatusUnavailable
	case rate >= h.degradedAt:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func (h *healthTracker) get() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshot()
}

func (h *healthTracker) snapshot() Health {
	s := Health{
		Status:           h.status,
		TotalCommands:    h.total,
		FailedCommands:   h.failed,
		ConnectionErrors: h.connErrors,
		RetryAttempts:    h.retries,
		ErrorRatePercent: math.Round(h.windowRate()*100) / 100,
		WindowSamples:    h.filled,
		UptimeSeconds:    int64(time.Since(h.started).Seconds()),
		Connected:        h.connected,
		LastError:        h.lastErr,
	}
	if !h.lastErrAt.IsZero() {
		t := h.lastErrAt
		s.LastErrorAt = &t
	}
	return s
}
