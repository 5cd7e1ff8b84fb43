// Package sink forwards every emitted event to an AMQP exchange, where the
// event store consumes it.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/a-essam23/livecore/pkg/aggregate"
	"github.com/a-essam23/livecore/pkg/events"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the part of *amqp.Channel the sink publishes through.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Sink struct {
	ch       Channel
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger
}

var _ aggregate.Subscriber = (*Sink)(nil)

func New(logger *slog.Logger, ch Channel, exchange string) *Sink {
	return &Sink{
		ch:       ch,
		exchange: exchange,
		logger:   logger.With(slog.String("component", "amqp_sink")),
	}
}

// Dial connects, opens a channel and declares a durable topic exchange.
func Dial(logger *slog.Logger, url, exchange string) (*Sink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	s := New(logger, ch, exchange)
	s.conn = conn
	return s, nil
}

// HandleOutbound publishes msg with its wire type as routing key.
func (s *Sink) HandleOutbound(ctx context.Context, msg events.Outbound) error {
	env, err := msg.Envelope()
	if err != nil {
		return err
	}
	body, err := env.Encode()
	if err != nil {
		return err
	}
	err = s.ch.PublishWithContext(ctx,
		s.exchange, // exchange
		env.Type,   // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.MessageID,
			Timestamp:    time.UnixMilli(env.Timestamp),
			Type:         env.Type,
			Body:         body,
		},
	)
	if err != nil {
		s.logger.Warn("Failed to publish to event store", slog.String("type", env.Type), slog.Any("error", err))
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if err := s.ch.Close(); err != nil {
		return err
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
