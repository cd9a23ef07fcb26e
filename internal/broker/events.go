package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"locker-control-backend/internal/notify"
)

// NewRedisClient connects to Redis and pings it with a short timeout.
func NewRedisClient(addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return client, nil
}

// redisPublisher is the part of *redis.Client the event publisher uses.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// EventPublisher mirrors hub events onto a Redis pub/sub channel so other
// processes (dashboards, the kiosk gateway) can follow state changes.
type EventPublisher struct {
	client  redisPublisher
	channel string
}

// NewEventPublisher creates a publisher writing to channel.
func NewEventPublisher(client redisPublisher, channel string) *EventPublisher {
	return &EventPublisher{client: client, channel: channel}
}

// Run forwards events from sub until the subscription closes or ctx ends.
func (p *EventPublisher) Run(ctx context.Context, sub *notify.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := p.Publish(ctx, ev); err != nil {
				log.Printf("redis: %v", err)
			}
		}
	}
}

// Publish sends one event.
func (p *EventPublisher) Publish(ctx context.Context, ev notify.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("publish %s event to %s: %w", ev.Type, p.channel, err)
	}
	return nil
}
