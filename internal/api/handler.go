package api

import (
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"locker-control-backend/config"
	"locker-control-backend/internal/kiosk"
	"locker-control-backend/internal/locker"
	"locker-control-backend/internal/monitor"
	"locker-control-backend/internal/notify"
	"locker-control-backend/internal/session"
	"locker-control-backend/internal/store"
)

// Deps are the services the handlers sit on. Monitor and Webpush may be nil.
type Deps struct {
	Config   *config.Config
	Store    store.Store
	Registry *kiosk.Registry
	Lockers  *locker.Service
	Sessions *session.Manager
	Hub      *notify.Hub
	Monitor  *monitor.Service
	Webpush  *webpush.Options
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	cfg      *config.Config
	store    store.Store
	registry *kiosk.Registry
	lockers  *locker.Service
	sessions *session.Manager
	hub      *notify.Hub
	monitor  *monitor.Service
	webpush  *webpush.Options

	// heartbeat is the idle interval between SSE keep-alive events.
	heartbeat time.Duration
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		cfg:       d.Config,
		store:     d.Store,
		registry:  d.Registry,
		lockers:   d.Lockers,
		sessions:  d.Sessions,
		hub:       d.Hub,
		monitor:   d.Monitor,
		webpush:   d.Webpush,
		heartbeat: 15 * time.Second,
	}
}
