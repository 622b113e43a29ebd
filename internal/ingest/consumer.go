package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/spindle-io/spindle/internal/config"
)

// Config holds the Kafka consumer settings.
type Config struct {
	// Brokers lists the Kafka bootstrap addresses.
	Brokers []string

	// Topic is the run event topic.
	Topic string

	// GroupID is the consumer group; offsets are committed per group, so
	// multiple ingesters in one group share the topic's partitions.
	GroupID string

	// MinBytes and MaxBytes bound fetch sizes.
	MinBytes int
	MaxBytes int

	// MaxWait caps how long a fetch blocks waiting for MinBytes.
	MaxWait time.Duration
}

// LoadConfig reads the consumer configuration from environment variables:
//
//	KAFKA_BROKERS   comma-separated bootstrap addresses (default "localhost:9092")
//	KAFKA_TOPIC     run event topic (default "pipeline-run-events")
//	KAFKA_GROUP_ID  consumer group (default "spindle-ingester")
//	KAFKA_MIN_BYTES minimum fetch size (default 1)
//	KAFKA_MAX_BYTES maximum fetch size (default 10 MiB)
//	KAFKA_MAX_WAIT  maximum fetch wait (default 1s)
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Brokers:  config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "localhost:9092")),
		Topic:    config.GetEnvStr("KAFKA_TOPIC", "pipeline-run-events"),
		GroupID:  config.GetEnvStr("KAFKA_GROUP_ID", "spindle-ingester"),
		MinBytes: config.GetEnvInt("KAFKA_MIN_BYTES", 1),
		MaxBytes: config.GetEnvInt("KAFKA_MAX_BYTES", 10*1024*1024),
		MaxWait:  config.GetEnvDuration("KAFKA_MAX_WAIT", time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for missing or inconsistent settings.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("at least one Kafka broker is required")
	}

	if c.Topic == "" {
		return errors.New("Kafka topic is required")
	}

	if c.GroupID == "" {
		return errors.New("Kafka consumer group id is required")
	}

	if c.MinBytes <= 0 || c.MaxBytes < c.MinBytes {
		return fmt.Errorf("invalid fetch bounds: min=%d max=%d", c.MinBytes, c.MaxBytes)
	}

	return nil
}

// Consumer reads run events from Kafka and applies them through the Handler.
//
// Offsets are committed only after an event is durably applied, giving
// at-least-once delivery; the Handler's idempotent writes absorb the
// resulting redeliveries. Events that cannot be decoded or fail validation
// are logged and committed: redelivery cannot fix them.
type Consumer struct {
	reader    *kafka.Reader
	handler   *Handler
	validator *Validator
	logger    *slog.Logger
}

// NewConsumer creates a consumer for the configured topic.
func NewConsumer(cfg *Config, handler *Handler, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		MaxWait:     cfg.MaxWait,
		StartOffset: kafka.FirstOffset,
	})

	return &Consumer{
		reader:    reader,
		handler:   handler,
		validator: NewValidator(),
		logger:    logger.With(slog.String("component", "consumer")),
	}
}

// Run consumes until the context is cancelled or a handler error forces a
// stop. A handler error leaves the offset uncommitted, so a restarted
// consumer re-reads from the last applied event.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started",
		slog.String("topic", c.reader.Config().Topic),
		slog.String("group_id", c.reader.Config().GroupID),
	)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				c.logger.Info("consumer stopped")

				return nil
			}

			return fmt.Errorf("fetch message: %w", err)
		}

		if err := c.process(ctx, msg); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("commit offset: %w", err)
		}
	}
}

// process decodes, validates and applies one message. Malformed or invalid
// messages are dropped with a log line; only apply failures propagate.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	event, err := DecodeRunEvent(msg.Value)
	if err != nil {
		c.logger.Error("dropping undecodable message",
			slog.String("topic", msg.Topic),
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)

		return nil
	}

	if err := c.validator.ValidateRunEvent(event); err != nil {
		c.logger.Error("dropping invalid event",
			slog.String("run_id", event.RunID),
			slog.String("event_type", string(event.EventType)),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)

		return nil
	}

	if err := c.handler.Apply(ctx, event); err != nil {
		return fmt.Errorf("apply %s event for run %s: %w", event.EventType, event.RunID, err)
	}

	return nil
}

// Close releases the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
