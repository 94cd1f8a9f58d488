/**
 * @description
 * This package provides a simple producer for publishing payment lifecycle
 * events to RabbitMQ. Downstream services (course access provisioning, test
 * result unlocking, bookkeeping) consume these events; the payment-service
 * itself never blocks on them.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// PaymentFulfilledEvent is published when a callback or poll confirms a PAID
// payment and the associated purchase is fulfilled.
type PaymentFulfilledEvent struct {
	PaymentID    string    `json:"payment_id"`
	InvoiceID    string    `json:"invoice_id"`
	ReceiverCode string    `json:"receiver_code"`
	ItemType     string    `json:"item_type"`
	Amount       int64     `json:"amount"`
	Timestamp    time.Time `json:"timestamp"`
}

// PaymentRefundedEvent is published after a successful refund so access
// policy for the purchased item can be revisited downstream.
type PaymentRefundedEvent struct {
	PaymentID string    `json:"payment_id"`
	InvoiceID string    `json:"invoice_id"`
	ItemType  string    `json:"item_type"`
	Note      string    `json:"note,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventProducer holds the RabbitMQ connection and channel for publishing
// messages. Publishes from concurrent HTTP requests are serialized under the
// mutex; AMQP channels are not safe for concurrent use and the reopen paths
// replace the channel field.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	PublishPaymentFulfilled(ctx context.Context, event PaymentFulfilledEvent) error
	PublishPaymentRefunded(ctx context.Context, event PaymentRefundedEvent) error
	Close()
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is
// unavailable at startup. Payments must not fail because eventing is down.
type EventProducerFallback struct{}

func (p *EventProducerFallback) PublishPaymentFulfilled(ctx context.Context, event PaymentFulfilledEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"payment fulfilled event publish skipped\" payment_id=%s invoice_id=%s", event.PaymentID, event.InvoiceID)
	return nil
}

func (p *EventProducerFallback) PublishPaymentRefunded(ctx context.Context, event PaymentRefundedEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"payment refunded event publish skipped\" payment_id=%s", event.PaymentID)
	return nil
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer bound to the given
// topic exchange.
func NewEventProducer(amqpURL, exchange string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch, exchange: exchange}, nil
}

// publish sends a message to the producer's exchange with a routing key.
func (p *EventProducer) publish(ctx context.Context, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Ensure the exchange exists (durable topic)
	if err := p.channel.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"exchange declare failed; reopening channel\" exchange=%s err=%v", p.exchange, err)
		// Attempt simple channel reopen once
		if p.conn == nil {
			return err
		}
		ch, chErr := p.conn.Channel()
		if chErr != nil {
			return chErr
		}
		p.channel = ch
		if err2 := p.channel.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err2 != nil {
			return err2
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", p.exchange, routingKey, err)
		return err
	}

	msg := amqp091.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        jsonBody,
	}

	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", p.exchange, routingKey, err)
		// One-shot retry: reopen channel and try again
		if p.conn != nil {
			if ch, chErr := p.conn.Channel(); chErr == nil {
				p.channel = ch
				if exErr := p.channel.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); exErr == nil {
					if err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err == nil {
						return nil
					}
				}
			}
		}
		return err
	}
	return nil
}

// PublishPaymentFulfilled publishes a payment.fulfilled event, routed by item type.
func (p *EventProducer) PublishPaymentFulfilled(ctx context.Context, event PaymentFulfilledEvent) error {
	return p.publish(ctx, "payment.fulfilled."+event.ItemType, event)
}

// PublishPaymentRefunded publishes a payment.refunded event.
func (p *EventProducer) PublishPaymentRefunded(ctx context.Context, event PaymentRefundedEvent) error {
	return p.publish(ctx, "payment.refunded."+event.ItemType, event)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
