package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

const dialAttempts = 10

// RabbitPublisher publishes events to a durable topic exchange. The routing
// key is the event type, so consumers can bind "health.#" or "failover.*".
type RabbitPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *slog.Logger
}

// NewRabbitPublisher dials the broker, retrying with exponential backoff until
// ctx ends, and declares the exchange.
func NewRabbitPublisher(ctx context.Context, url, exchange string, logger *slog.Logger) (*RabbitPublisher, error) {
	var conn *amqp.Connection
	attempt := 0
	dial := func() error {
		attempt++
		c, err := amqp.Dial(url)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), dialAttempts), ctx)
	notify := func(err error, wait time.Duration) {
		logger.Warn("broker connect failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(dial, policy, notify); err != nil {
		return nil, fmt.Errorf("connect to broker after %d attempts: %w", attempt, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open broker channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &RabbitPublisher{conn: conn, ch: ch, exchange: exchange, logger: logger}, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx,
		p.exchange,
		string(e.Type),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    e.At,
			Headers:      amqp.Table{"key": e.Key},
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil {
		p.logger.Warn("close broker channel", "error", err)
	}
	return p.conn.Close()
}
