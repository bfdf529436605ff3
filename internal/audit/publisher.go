// Package audit streams answer and session outcomes to an AMQP topic exchange for
// downstream consumers such as grading and analytics.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/event"
)

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type Config struct {
	EventBus *event.Bus
	Channel  Channel
	Exchange string
}

type Publisher struct {
	exchange string

	// amqp channels must not be used concurrently.
	mu sync.Mutex
	ch Channel
}

type Envelope struct {
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// Dial connects to the broker and declares the durable topic exchange.
func Dial(url, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("audit: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("audit: open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("audit: declare exchange %s: %w", exchange, err)
	}

	return conn, ch, nil
}

func NewPublisher(c Config) *Publisher {
	p := &Publisher{
		exchange: c.Exchange,
		ch:       c.Channel,
	}

	if c.EventBus != nil {
		c.EventBus.Subscribe(domain.EventNameAnswerRecorded, func(ctx context.Context, e event.Event) error {
			return p.Publish(ctx, e.Name(), e.(domain.EventAnswerRecorded).Answer)
		})
		c.EventBus.Subscribe(domain.EventNameSessionCompleted, func(ctx context.Context, e event.Event) error {
			return p.Publish(ctx, e.Name(), e.(domain.EventSessionCompleted).Snapshot)
		})
	}

	return p
}

// Publish sends payload with the event name as routing key.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload any) error {
	now := time.Now().UTC()
	body, err := json.Marshal(Envelope{
		Type:    eventType,
		Time:    now,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("audit: marshal %s: %w", eventType, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.Publish(p.exchange, eventType, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		Type:         eventType,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("audit: publish %s: %w", eventType, err)
	}

	slog.DebugContext(ctx, "audit: published", "event", eventType)
	return nil
}
