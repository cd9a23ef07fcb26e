package kiosk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"locker-control-backend/config"
	"locker-control-backend/internal/locker"
	"locker-control-backend/internal/model"
	"locker-control-backend/internal/modbus"
	"locker-control-backend/internal/notify"
	"locker-control-backend/internal/queue"
	"locker-control-backend/internal/relay"
	"locker-control-backend/internal/store"
)

// SimulatorPort selects the in-process relay bus instead of a serial device.
const SimulatorPort = "sim://"

var ErrUnknownKiosk = errors.New("unknown kiosk")

// Kiosk bundles the hardware stack and command queue of one kiosk.
type Kiosk struct {
	Config     config.KioskConfig
	Link       *modbus.Link
	Client     *modbus.Client
	Controller *relay.Controller
	Queue      *queue.Queue
	// Simulator is set when the kiosk runs on the simulated bus.
	Simulator *modbus.Simulator
}

// ID returns the kiosk id.
func (k *Kiosk) ID() string { return k.Config.ID }

// Registry owns every configured kiosk.
type Registry struct {
	kiosks  map[string]*Kiosk
	order   []string
	store   store.Store
	lockers *locker.Service
	pub     notify.Publisher
	wg      sync.WaitGroup
}

// NewRegistry builds the per-kiosk stacks. Nothing touches the bus until the
// first command. pub and audit may be nil.
func NewRegistry(cfg *config.Config, s store.Store, lockers *locker.Service, pub notify.Publisher, audit queue.AuditSink) (*Registry, error) {
	r := &Registry{
		kiosks:  make(map[string]*Kiosk, len(cfg.Kiosks)),
		store:   s,
		lockers: lockers,
		pub:     pub,
	}
	for _, kc := range cfg.Kiosks {
		if _, dup := r.kiosks[kc.ID]; dup {
			return nil, fmt.Errorf("duplicate kiosk id %q", kc.ID)
		}
		k := r.build(kc, cfg.Queue, audit)
		r.kiosks[kc.ID] = k
		r.order = append(r.order, kc.ID)
	}
	return r, nil
}

func (r *Registry) build(kc config.KioskConfig, qc config.QueueConfig, audit queue.AuditSink) *Kiosk {
	k := &Kiosk{Config: kc}
	layout := relay.LayoutFromConfig(kc.RelayCards)

	var open modbus.Opener
	if strings.HasPrefix(kc.Serial.Port, SimulatorPort) {
		k.Simulator = modbus.NewSimulator(layout.ChannelsPerCard, layout.Addresses()...)
		open = k.Simulator.Opener()
	} else {
		open = modbus.SerialOpener(modbus.SerialParams{
			Device:   kc.Serial.Port,
			BaudRate: kc.Serial.BaudRate,
			DataBits: kc.Serial.DataBits,
			Parity:   kc.Serial.Parity,
			StopBits: kc.Serial.StopBits,
		})
	}

	k.Link = modbus.NewLink(open, modbus.LinkOptions{
		Timeout:  time.Duration(kc.Serial.TimeoutMs) * time.Millisecond,
		FrameGap: modbus.FrameGap(kc.Serial.BaudRate),
	})
	k.Client = modbus.NewClient(k.Link)
	k.Controller = relay.NewController(kc.ID, k.Client, layout, relay.OptionsFromConfig(kc.Hardware), r.hardwareSink())
	k.Queue = queue.New(kc.ID, r.store, r.lockers, k.Controller, r.pub, audit, queue.OptionsFromConfig(qc, kc.Hardware))
	return k
}

// hardwareSink forwards controller events to the hub. Health changes go out
// as health events, everything else as hardware events.
func (r *Registry) hardwareSink() relay.EventSink {
	return relay.SinkFunc(func(e relay.Event) {
		if r.pub == nil {
			return
		}
		typ := notify.EventHardware
		if e.Type == relay.EventHealthDegraded || e.Type == relay.EventHealthRecovered {
			typ = notify.EventHealth
		}
		ev := notify.Event{
			Type:      typ,
			KioskID:   e.KioskID,
			LockerID:  e.LockerID,
			State:     string(e.Type),
			Timestamp: e.At,
			Data:      e,
		}
		if e.Health != nil {
			ev.State = string(e.Health.Status)
		}
		r.pub.Publish(ev)
	})
}

// Get returns a kiosk by id.
func (r *Registry) Get(id string) (*Kiosk, error) {
	k, ok := r.kiosks[id]
	if !ok {
		return nil, fmt.Errorf("kiosk %q: %w", id, ErrUnknownKiosk)
	}
	return k, nil
}

// All returns the kiosks in configuration order.
func (r *Registry) All() []*Kiosk {
	out := make([]*Kiosk, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.kiosks[id])
	}
	return out
}

// Submit hands a command to the kiosk's queue.
func (r *Registry) Submit(ctx context.Context, kioskID string, req queue.Request) (*model.Command, error) {
	k, err := r.Get(kioskID)
	if err != nil {
		return nil, err
	}
	return k.Queue.Submit(ctx, req)
}

// Command looks a command up by id on any kiosk.
func (r *Registry) Command(ctx context.Context, commandID string) (*model.Command, error) {
	cmd, err := r.store.GetCommand(ctx, commandID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("command %s: %w", commandID, queue.ErrCommandNotFound)
	}
	return cmd, err
}

// Provision makes the locker rows match each kiosk's relay cards.
func (r *Registry) Provision(ctx context.Context) error {
	for _, k := range r.All() {
		layout := k.Controller.Layout()
		n, off := layout.Lockers(), layout.Disabled()
		if err := r.lockers.Provision(ctx, k.ID(), n, off...); err != nil {
			return fmt.Errorf("failed to provision kiosk %s: %w", k.ID(), err)
		}
		log.Printf("kiosk %s: %d lockers (%d disabled) on %d relay card(s), port %s", k.ID(), n, len(off), len(k.Config.RelayCards), k.Config.Serial.Port)
	}
	return nil
}

// Start provisions lockers and runs every queue worker until ctx ends.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.Provision(ctx); err != nil {
		return err
	}
	for _, k := range r.All() {
		r.wg.Add(1)
		go func(k *Kiosk) {
			defer r.wg.Done()
			k.Queue.Run(ctx)
		}(k)
	}
	return nil
}

// Close waits for the workers to stop and releases the serial ports.
func (r *Registry) Close() {
	r.wg.Wait()
	for _, k := range r.All() {
		if err := k.Link.Close(); err != nil {
			log.Printf("kiosk %s: closing port: %v", k.ID(), err)
		}
	}
}
