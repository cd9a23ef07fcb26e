package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"locker-control-backend/config"
	"locker-control-backend/internal/modbus"
)

// Bus is the subset of the Modbus client the controller drives.
type Bus interface {
	ReadCoils(ctx context.Context, address byte, start, quantity uint16) ([]bool, error)
	WriteSingleCoil(ctx context.Context, address byte, coil uint16, on bool) error
	WriteMultipleCoils(ctx context.Context, address byte, start uint16, values []bool) error
}

// ErrVerifyMismatch is returned when a coil reads back in the wrong state.
var ErrVerifyMismatch = errors.New("coil state did not match after write")

// Options are the controller tunables.
type Options struct {
	PulseDuration   time.Duration
	CommandInterval time.Duration
	MaxRetries      int
	RetryDelayBase  time.Duration
	RetryDelayMax   time.Duration
	VerifyWrites    bool

	HealthWindow         int
	DegradedErrorRate    float64
	UnavailableErrorRate float64
}

// OptionsFromConfig converts the hardware section of a kiosk.
func OptionsFromConfig(h config.HardwareConfig) Options {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return Options{
		PulseDuration:        ms(h.PulseDurationMs),
		CommandInterval:      ms(h.CommandIntervalMs),
		MaxRetries:           h.MaxRetries,
		RetryDelayBase:       ms(h.RetryDelayBaseMs),
		RetryDelayMax:        ms(h.RetryDelayMaxMs),
		VerifyWrites:         h.VerifyWrites,
		HealthWindow:         h.HealthWindow,
		DegradedErrorRate:    h.DegradedErrorRate,
		UnavailableErrorRate: h.UnavailableErrorRate,
	}
}

// HardwareError is the final failure of an operation after all attempts.
type HardwareError struct {
	Op       string
	LockerID int
	Address  byte
	Channel  uint16
	Attempts int
	Err      error
}

func (e *HardwareError) Error() string {
	if e.LockerID > 0 {
		return fmt.Sprintf("%s locker %d (card %d channel %d) failed after %d attempt(s): %v",
			e.Op, e.LockerID, e.Address, e.Channel, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s card %d failed after %d attempt(s): %v", e.Op, e.Address, e.Attempts, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }

// ChannelStats are the per-channel operation counters.
type ChannelStats struct {
	LockerID    int        `json:"locker_id"`
	Address     byte       `json:"address"`
	Channel     uint16     `json:"channel"`
	Pulses      int64      `json:"pulses"`
	Failures    int64      `json:"failures"`
	LastPulseAt *time.Time `json:"last_pulse_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Result is the outcome of one locker within a bulk open.
type Result struct {
	LockerID   int    `json:"locker_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// CardStatus is the outcome of probing one relay card.
type CardStatus struct {
	Address byte   `json:"address"`
	Enabled bool   `json:"enabled"`
	Online  bool   `json:"online"`
	Coils   []bool `json:"coils,omitempty"`
	Error   string `json:"error,omitempty"`
}

type linkState int

const (
	linkUnknown linkState = iota
	linkUp
	linkDown
)

// Controller turns locker ids into relay pulses on one kiosk's bus.
type Controller struct {
	kioskID string
	bus     Bus
	layout  Layout
	opts    Options
	sink    EventSink
	limiter *rate.Limiter
	health  *healthTracker

	mu       sync.Mutex
	legacy   map[byte]bool
	channels map[int]*ChannelStats
	link     linkState
}

// NewController creates a controller. A nil sink discards events.
func NewController(kioskID string, bus Bus, layout Layout, opts Options, sink EventSink) *Controller {
	if sink == nil {
		sink = discardSink{}
	}
	if opts.RetryDelayMax < opts.RetryDelayBase {
		opts.RetryDelayMax = opts.RetryDelayBase
	}
	limit := rate.Inf
	if opts.CommandInterval > 0 {
		limit = rate.Every(opts.CommandInterval)
	}
	return &Controller{
		kioskID:  kioskID,
		bus:      bus,
		layout:   layout,
		opts:     opts,
		sink:     sink,
		limiter:  rate.NewLimiter(limit, 1),
		health:   newHealthTracker(opts.HealthWindow, opts.DegradedErrorRate, opts.UnavailableErrorRate),
		legacy:   make(map[byte]bool),
		channels: make(map[int]*ChannelStats),
	}
}

// Layout returns the locker-to-channel mapping.
func (c *Controller) Layout() Layout { return c.layout }

// Addressable reports whether a locker sits on an enabled card, without
// touching the bus.
func (c *Controller) Addressable(lockerID int) error {
	_, _, err := c.layout.Resolve(lockerID)
	return err
}

// CommandInterval is the minimum spacing between pulses.
func (c *Controller) CommandInterval() time.Duration { return c.opts.CommandInterval }

// OpenLocker pulses the locker's relay channel, retrying with backoff.
func (c *Controller) OpenLocker(ctx context.Context, lockerID int) error {
	addr, ch, err := c.layout.Resolve(lockerID)
	if err != nil {
		return err
	}
	err = c.withRetry(ctx, "open", lockerID, addr, ch, c.opts.MaxRetries, func(ctx context.Context) error {
		return c.pulse(ctx, addr, ch)
	})
	c.recordChannel(lockerID, addr, ch, err)
	return err
}

// BulkOpen opens lockers in order, waiting interval between them. A failure
// does not stop the remaining lockers.
func (c *Controller) BulkOpen(ctx context.Context, lockerIDs []int, interval time.Duration) []Result {
	results := make([]Result, 0, len(lockerIDs))
	for i, id := range lockerIDs {
		if i > 0 && interval > 0 {
			_ = sleepCtx(ctx, interval)
		}
		start := time.Now()
		err := c.OpenLocker(ctx, id)
		r := Result{LockerID: id, Success: err == nil, DurationMs: time.Since(start).Milliseconds()}
		if err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results
}

// ReadStatus reports whether the locker's relay channel is energized.
func (c *Controller) ReadStatus(ctx context.Context, lockerID int) (bool, error) {
	addr, ch, err := c.layout.Resolve(lockerID)
	if err != nil {
		return false, err
	}
	var on bool
	err = c.withRetry(ctx, "read", lockerID, addr, ch, c.opts.MaxRetries, func(ctx context.Context) error {
		coils, err := c.bus.ReadCoils(ctx, addr, ch, 1)
		if err != nil {
			return err
		}
		on = coils[0]
		return nil
	})
	return on, err
}

// ProbeCards reads every coil of each enabled card once.
func (c *Controller) ProbeCards(ctx context.Context) []CardStatus {
	out := make([]CardStatus, 0, len(c.layout.Cards))
	for _, addr := range c.layout.Addresses() {
		st := CardStatus{Address: addr, Enabled: c.layout.Cards[addr]}
		if !st.Enabled {
			out = append(out, st)
			continue
		}
		err := c.withRetry(ctx, "probe", 0, addr, 0, 0, func(ctx context.Context) error {
			coils, err := c.bus.ReadCoils(ctx, addr, 0, uint16(c.layout.ChannelsPerCard))
			st.Coils = coils
			return err
		})
		st.Online = err == nil
		if err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out
}

// Health returns the current diagnostics snapshot.
func (c *Controller) Health() Health { return c.health.get() }

// IsHardwareAvailable is false once the recent error rate crosses the
// unavailable threshold.
func (c *Controller) IsHardwareAvailable() bool {
	return c.health.get().Status != StatusUnavailable
}

// ChannelStats returns per-channel counters ordered by locker id.
func (c *Controller) ChannelStats() []ChannelStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChannelStats, 0, len(c.channels))
	for _, s := range c.channels {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LockerID < out[j].LockerID })
	return out
}

func (c *Controller) withRetry(ctx context.Context, op string, lockerID int, addr byte, ch uint16, retries int, fn func(context.Context) error) error {
	var err error
	attempts := 0
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			c.health.retry()
			delay := c.backoff(attempt)
			log.Printf("relay[%s]: %s card %d channel %d attempt %d failed (%v), retrying in %s", c.kioskID, op, addr, ch, attempt, err, delay)
			if serr := sleepCtx(ctx, delay); serr != nil {
				break
			}
		}
		attempts++
		err = fn(ctx)
		c.observeLink(err)
		if err == nil || !retryable(err) {
			break
		}
	}

	snap, changed := c.health.record(err)
	if changed {
		c.emitHealth(snap)
	}
	if err == nil {
		return nil
	}

	herr := &HardwareError{Op: op, LockerID: lockerID, Address: addr, Channel: ch, Attempts: attempts, Err: err}
	log.Printf("relay[%s]: %v", c.kioskID, herr)
	c.sink.HardwareEvent(Event{Type: EventOperationFailed, KioskID: c.kioskID, LockerID: lockerID, Address: addr, Error: herr.Error(), At: time.Now()})
	return herr
}

// backoff returns base*2^(retry-1), capped at RetryDelayMax.
func (c *Controller) backoff(retry int) time.Duration {
	d := c.opts.RetryDelayBase
	for i := 1; i < retry && d < c.opts.RetryDelayMax; i++ {
		d *= 2
	}
	if d > c.opts.RetryDelayMax {
		d = c.opts.RetryDelayMax
	}
	return d
}

func retryable(err error) bool {
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, modbus.ErrInvalidAddress)
}

// pulse energizes a channel for PulseDuration. Once ON succeeded the OFF
// write is always attempted, even if ctx ends during the hold.
func (c *Controller) pulse(ctx context.Context, addr byte, ch uint16) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := c.setCoil(ctx, addr, ch, true); err != nil {
		return err
	}

	var firstErr error
	if c.opts.VerifyWrites {
		firstErr = c.verify(ctx, addr, ch, true)
	}
	if err := sleepCtx(ctx, c.opts.PulseDuration); err != nil && firstErr == nil {
		firstErr = err
	}

	offCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.setCoil(offCtx, addr, ch, false); err != nil {
		log.Printf("relay[%s]: card %d channel %d may still be energized: %v", c.kioskID, addr, ch, err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// setCoil prefers function 0x0F and falls back to 0x05 for cards that reject it.
func (c *Controller) setCoil(ctx context.Context, addr byte, ch uint16, on bool) error {
	c.mu.Lock()
	legacy := c.legacy[addr]
	c.mu.Unlock()

	if !legacy {
		err := c.bus.WriteMultipleCoils(ctx, addr, ch, []bool{on})
		if !errors.Is(err, modbus.ErrIllegalFunction) {
			return err
		}
		log.Printf("relay[%s]: card %d rejects function 0x0F, using 0x05 from now on", c.kioskID, addr)
		c.mu.Lock()
		c.legacy[addr] = true
		c.mu.Unlock()
	}
	return c.bus.WriteSingleCoil(ctx, addr, ch, on)
}

func (c *Controller) verify(ctx context.Context, addr byte, ch uint16, want bool) error {
	coils, err := c.bus.ReadCoils(ctx, addr, ch, 1)
	if err != nil {
		return err
	}
	if coils[0] != want {
		return fmt.Errorf("card %d channel %d: %w", addr, ch, ErrVerifyMismatch)
	}
	return nil
}

// observeLink tracks connectivity and emits connection events.
func (c *Controller) observeLink(err error) {
	kind := modbus.KindOf(err)
	if err != nil && (kind == 0 || kind == modbus.KindBusy) {
		return // not a statement about the link
	}

	c.mu.Lock()
	prev := c.link
	var ev EventType
	if err == nil {
		c.link = linkUp
		switch prev {
		case linkUnknown:
			ev = EventConnected
		case linkDown:
			ev = EventReconnected
		}
	} else {
		c.link = linkDown
		if kind == modbus.KindPortUnavailable && prev != linkUnknown {
			ev = EventReconnectionFailed
		}
	}
	c.mu.Unlock()

	if err != nil {
		c.health.linkError()
	}
	c.health.setConnected(err == nil)
	if ev == "" {
		return
	}
	e := Event{Type: ev, KioskID: c.kioskID, At: time.Now()}
	if err != nil {
		e.Error = err.Error()
	}
	log.Printf("relay[%s]: %s", c.kioskID, ev)
	c.sink.HardwareEvent(e)
}

func (c *Controller) emitHealth(h Health) {
	ev := EventHealthDegraded
	if h.Status == StatusHealthy {
		ev = EventHealthRecovered
	}
	log.Printf("relay[%s]: hardware %s (error rate %.1f%%)", c.kioskID, h.Status, h.ErrorRatePercent)
	c.sink.HardwareEvent(Event{Type: ev, KioskID: c.kioskID, Health: &h, At: time.Now()})
}

func (c *Controller) recordChannel(lockerID int, addr byte, ch uint16, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.channels[lockerID]
	if s == nil {
		s = &ChannelStats{LockerID: lockerID, Address: addr, Channel: ch}
		c.channels[lockerID] = s
	}
	now := time.Now()
	s.Pulses++
	s.LastPulseAt = &now
	if err != nil {
		s.Failures++
		s.LastError = err.Error()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
