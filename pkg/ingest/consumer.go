// Package ingest feeds domain events from a Kafka topic into the core.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/a-essam23/livecore/pkg/events"
	"github.com/segmentio/kafka-go"
)

// Reader is the part of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

func NewReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

type Options struct {
	// HandleTimeout bounds a single publish.
	HandleTimeout time.Duration
	// Retries is how often a failed publish is retried before the message
	// is left uncommitted.
	Retries    int
	RetryDelay time.Duration
}

type Consumer struct {
	reader    Reader
	publisher events.Publisher
	opts      Options
	logger    *slog.Logger
}

func NewConsumer(logger *slog.Logger, reader Reader, pub events.Publisher, opts Options) *Consumer {
	if opts.HandleTimeout <= 0 {
		opts.HandleTimeout = 10 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &Consumer{
		reader:    reader,
		publisher: pub,
		opts:      opts,
		logger:    logger.With(slog.String("component", "kafka_ingest")),
	}
}

// Run fetches, decodes and publishes messages until ctx is done. Malformed
// messages are committed and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Kafka consumer started")
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("Error fetching message", slog.Any("error", err))
			if !c.wait(ctx) {
				return nil
			}
			continue
		}

		ev, err := events.Decode(m.Value)
		if err != nil {
			c.logger.Error("Skipping malformed event", slog.Int64("offset", m.Offset), slog.Int("partition", m.Partition), slog.Any("error", err))
			c.commit(ctx, m)
			continue
		}

		if err := c.publish(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// left uncommitted so the group redelivers it after a rebalance
			c.logger.Error("Processing failed", slog.Int64("offset", m.Offset), slog.String("type", ev.Type()), slog.Any("error", err))
			continue
		}
		c.commit(ctx, m)
	}
}

func (c *Consumer) publish(ctx context.Context, ev events.Event) error {
	var err error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if attempt > 0 && !c.wait(ctx) {
			return ctx.Err()
		}
		pctx, cancel := context.WithTimeout(ctx, c.opts.HandleTimeout)
		err = c.publisher.Publish(pctx, ev)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	if err := c.reader.CommitMessages(ctx, m); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("Failed to commit offset", slog.Int64("offset", m.Offset), slog.Any("error", err))
	}
}

func (c *Consumer) wait(ctx context.Context) bool {
	t := time.NewTimer(c.opts.RetryDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
