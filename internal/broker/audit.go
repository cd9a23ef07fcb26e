package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"locker-control-backend/internal/queue"
)

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AuditPublisher sends one persistent JSON message per finished command to a
// durable RabbitMQ queue. The connection is opened on first use and reopened
// after a failure.
type AuditPublisher struct {
	url   string
	queue string

	mu      sync.Mutex
	conn    *amqp.Connection
	ch      amqpChannel
	connect func() (*amqp.Connection, amqpChannel, error)
}

// NewAuditPublisher creates a publisher for the given broker URL and queue.
func NewAuditPublisher(url, queueName string) *AuditPublisher {
	p := &AuditPublisher{url: url, queue: queueName}
	p.connect = p.dial
	return p
}

func (p *AuditPublisher) dial() (*amqp.Connection, amqpChannel, error) {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq: dial failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq: channel open failed: %w", err)
	}
	// Durable so records survive broker restarts.
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq: queue declare failed: %w", err)
	}
	return conn, ch, nil
}

// PublishAudit implements queue.AuditSink.
func (p *AuditPublisher) PublishAudit(ctx context.Context, rec queue.AuditRecord) error {
	msg, err := auditMessage(rec)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || (p.conn != nil && p.conn.IsClosed()) {
		p.closeLocked()
		conn, ch, err := p.connect()
		if err != nil {
			return err
		}
		p.conn, p.ch = conn, ch
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		log.Printf("rabbitmq: publish failed: %v", err)
		p.closeLocked()
		return err
	}
	return nil
}

func auditMessage(rec queue.AuditRecord) (amqp.Publishing, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("rabbitmq: marshal audit record: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    rec.CommandID,
		Timestamp:    time.Now().UTC(),
		Type:         "locker.command." + string(rec.Status),
		Body:         body,
	}, nil
}

// Close releases the broker connection.
func (p *AuditPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *AuditPublisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}
