// ABOUTME: RabbitMQ publisher for lifecycle events
// ABOUTME: Declares a durable topic exchange and publishes persistent JSON messages

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is used when no exchange name is configured.
const DefaultExchange = "switchboard.events"

const maxDialDelay = 30 * time.Second

// AMQPConfig configures the RabbitMQ publisher.
type AMQPConfig struct {
	URL      string
	Exchange string

	// DialAttempts and DialDelay control the initial connection backoff.
	DialAttempts int
	DialDelay    time.Duration
}

// AMQP publishes events to a topic exchange with the event type as routing key.
type AMQP struct {
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger
}

// NewAMQP connects to the broker and declares the exchange.
func NewAMQP(ctx context.Context, cfg AMQPConfig, logger *slog.Logger) (*AMQP, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "events")
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}

	conn, err := dialWithRetry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", cfg.Exchange, err)
	}

	return &AMQP{conn: conn, exchange: cfg.Exchange, logger: logger}, nil
}

func dialWithRetry(ctx context.Context, cfg AMQPConfig, logger *slog.Logger) (*amqp.Connection, error) {
	attempts := max(cfg.DialAttempts, 1)
	delay := cfg.DialDelay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := amqp.Dial(cfg.URL)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		sleep := min(delay*time.Duration(math.Pow(2, float64(i-1))), maxDialDelay)
		logger.Warn("amqp dial failed", "attempt", i, "sleep", sleep, "error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("connecting to amqp after %d attempts: %w", attempts, lastErr)
}

// Publish sends evt on a short-lived channel.
func (a *AMQP) Publish(ctx context.Context, evt Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, a.exchange, string(evt.Type), false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     evt.ID,
		CorrelationId: evt.ServiceID,
		Timestamp:     evt.OccurredAt,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publishing %s: %w", evt.Type, err)
	}

	a.logger.Debug("published event", "type", evt.Type, "service", evt.ServiceID)
	return nil
}

// Close closes the broker connection.
func (a *AMQP) Close() error {
	return a.conn.Close()
}
