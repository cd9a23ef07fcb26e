package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"locker-control-backend/config"
	"locker-control-backend/internal/kiosk"
	"locker-control-backend/internal/locker"
	"locker-control-backend/internal/notify"
	"locker-control-backend/internal/relay"
)

// Report is the outcome of one probe round for a kiosk.
type Report struct {
	KioskID         string                 `json:"kiosk_id"`
	At              time.Time              `json:"at"`
	Cards           []relay.CardStatus     `json:"cards"`
	Health          relay.Health           `json:"health"`
	Inconsistencies []locker.Inconsistency `json:"inconsistencies,omitempty"`
}

// CardsOnline counts the enabled cards that answered.
func (r Report) CardsOnline() int {
	n := 0
	for _, c := range r.Cards {
		if c.Enabled && c.Online {
			n++
		}
	}
	return n
}

// Service periodically probes every relay card and audits locker rows.
type Service struct {
	cfg      config.MonitorConfig
	registry *kiosk.Registry
	lockers  *locker.Service
	pub      notify.Publisher

	mu   sync.RWMutex
	last map[string]Report
}

// NewService creates the monitor. pub may be nil.
func NewService(cfg config.MonitorConfig, registry *kiosk.Registry, lockers *locker.Service, pub notify.Publisher) *Service {
	return &Service{
		cfg:      cfg,
		registry: registry,
		lockers:  lockers,
		pub:      pub,
		last:     make(map[string]Report),
	}
}

// Run probes once immediately and then every interval until ctx ends.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.IsEnabled() {
		log.Println("Monitor is disabled. Not starting.")
		return
	}
	log.Println("Starting hardware monitor...")

	s.CheckOnce(ctx)

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Hardware monitor shutting down.")
			return
		case <-timer.C:
			s.CheckOnce(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

// CheckOnce runs one probe round over all kiosks.
func (s *Service) CheckOnce(ctx context.Context) []Report {
	kiosks := s.registry.All()
	reports := make([]Report, 0, len(kiosks))
	for _, k := range kiosks {
		if ctx.Err() != nil {
			break
		}
		rep := Report{
			KioskID: k.ID(),
			At:      time.Now().UTC(),
			Cards:   k.Controller.ProbeCards(ctx),
			Health:  k.Controller.Health(),
		}
		for _, c := range rep.Cards {
			if c.Enabled && !c.Online {
				log.Printf("monitor: kiosk %s card %d offline: %s", k.ID(), c.Address, c.Error)
			}
		}

		issues, err := s.lockers.Inconsistencies(ctx, k.ID())
		if err != nil {
			log.Printf("monitor: kiosk %s: checking lockers: %v", k.ID(), err)
		}
		for _, i := range issues {
			log.Printf("monitor: kiosk %s locker %d (%s): %s", k.ID(), i.LockerID, i.Status, i.Problem)
		}
		rep.Inconsistencies = issues

		s.mu.Lock()
		s.last[k.ID()] = rep
		s.mu.Unlock()

		if s.pub != nil {
			s.pub.Publish(notify.Event{
				Type:      notify.EventHardware,
				KioskID:   k.ID(),
				State:     "probe",
				Timestamp: rep.At,
				Data:      rep,
			})
		}
		reports = append(reports, rep)
	}
	return reports
}

// Last returns the most recent report of a kiosk.
func (s *Service) Last(kioskID string) (Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.last[kioskID]
	return r, ok
}
