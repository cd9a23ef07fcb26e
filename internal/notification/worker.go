package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"

	"locker-control-backend/internal/model"
	"locker-control-backend/internal/notify"
	"locker-control-backend/internal/relay"
	"locker-control-backend/internal/store"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Alert is an operational notice for the staff subscribed to a kiosk.
type Alert struct {
	KioskID  string `json:"kiosk_id"`
	LockerID int    `json:"locker_id,omitempty"`
	Kind     string `json:"kind"`
	Title    string `json:"title"`
	Body     string `json:"body"`
}

// AlertFromEvent picks the hub events staff must hear about: hardware health
// changes, a lost bus connection and lockers entering Error.
func AlertFromEvent(ev notify.Event) (Alert, bool) {
	a := Alert{KioskID: ev.KioskID, LockerID: ev.LockerID}
	switch ev.Type {
	case notify.EventHealth:
		re, ok := ev.Data.(relay.Event)
		if !ok || re.Health == nil {
			return a, false
		}
		a.Kind = string(re.Type)
		if re.Health.Status == relay.StatusHealthy {
			a.Title = fmt.Sprintf("Kiosk %s hardware recovered", ev.KioskID)
		} else {
			a.Title = fmt.Sprintf("Kiosk %s hardware %s", ev.KioskID, re.Health.Status)
		}
		a.Body = fmt.Sprintf("Relay error rate %.1f%% over the last %d operations.", re.Health.ErrorRatePercent, re.Health.WindowSamples)
	case notify.EventHardware:
		if ev.State != string(relay.EventReconnectionFailed) {
			return a, false
		}
		a.Kind = ev.State
		a.Title = fmt.Sprintf("Kiosk %s relay bus unreachable", ev.KioskID)
		if re, ok := ev.Data.(relay.Event); ok {
			a.Body = re.Error
		}
	case notify.EventLockerState:
		if ev.State != string(model.LockerError) {
			return a, false
		}
		a.Kind = "locker_error"
		a.Title = fmt.Sprintf("Locker %d at kiosk %s needs attention", ev.LockerID, ev.KioskID)
		a.Body = "The locker failed to open repeatedly and was taken out of service."
	default:
		return a, false
	}
	return a, true
}

// WorkerPool manages a pool of workers for sending notifications.
type WorkerPool struct {
	size    int
	jobs    chan Alert
	store   store.Store
	webpush *webpush.Options
	sender  NotificationSender
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, s store.Store, webpushOptions *webpush.Options) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Alert, size*16),
		store:   s,
		webpush: webpushOptions,
		sender:  &WebPushSender{}, // Use the real sender by default
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

// Run starts the workers and turns hub events into alerts until the
// subscription closes or ctx ends.
func (wp *WorkerPool) Run(ctx context.Context, sub *notify.Subscription) {
	defer sub.Close()
	wp.Start(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if a, ok := AlertFromEvent(ev); ok {
				wp.Dispatch(a)
			}
		}
	}
}

// worker is the actual worker goroutine.
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Printf("Worker %d started", id)
	for {
		select {
		case a := <-wp.jobs:
			log.Printf("Worker %d processing %s alert for kiosk %s", id, a.Kind, a.KioskID)
			wp.sendAlert(ctx, a)
		case <-ctx.Done():
			log.Printf("Worker %d shutting down", id)
			return
		}
	}
}

// Dispatch queues an alert. It reports false when the queue is full and the
// alert was dropped.
func (wp *WorkerPool) Dispatch(a Alert) bool {
	select {
	case wp.jobs <- a:
		return true
	default:
		log.Printf("Notification queue full, dropping %s alert for kiosk %s", a.Kind, a.KioskID)
		return false
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan Alert {
	return wp.jobs
}

// sendAlert fetches the kiosk's subscriptions and notifies each of them.
func (wp *WorkerPool) sendAlert(ctx context.Context, a Alert) {
	subscriptions, err := wp.store.SubscriptionsForKiosk(ctx, a.KioskID)
	if err != nil {
		log.Printf("Error fetching subscriptions for kiosk %s: %v", a.KioskID, err)
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	payload, err := json.Marshal(a)
	if err != nil {
		log.Printf("Error encoding alert for kiosk %s: %v", a.KioskID, err)
		return
	}

	log.Printf("Sending %d notifications for kiosk %s", len(subscriptions), a.KioskID)
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		log.Printf("Error sending notification to %s: %v", sub.Endpoint, err)
		return
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	if resp.StatusCode == http.StatusGone {
		log.Printf("Subscription for endpoint %s is expired. Deleting.", sub.Endpoint)
		if err := wp.store.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			log.Printf("Failed to delete expired subscription %s: %v", sub.Endpoint, err)
		}
	}
}
