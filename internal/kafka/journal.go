// Package kafka journals accepted sync events to a Kafka topic so
// downstream services can replay the authoritative change stream.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/aegisshield/realtime-sync/internal/events"
)

// Writer is the subset of kafka.Writer the journal uses
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds journal producer settings
type Config struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	WriteTimeout time.Duration
}

// Journal publishes sync events keyed by entity id
type Journal struct {
	writer  Writer
	topic   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewJournal creates a journal backed by a kafka-go writer
func NewJournal(cfg Config, logger *zap.Logger) (*Journal, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka journal requires at least one broker")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka journal requires a topic")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Logger:       kafka.LoggerFunc(logger.Sugar().Debugf),
		ErrorLogger:  kafka.LoggerFunc(logger.Sugar().Errorf),
	}
	return NewJournalWithWriter(writer, cfg.Topic, cfg.WriteTimeout, logger), nil
}

// NewJournalWithWriter wraps an existing writer
func NewJournalWithWriter(w Writer, topic string, timeout time.Duration, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{writer: w, topic: topic, timeout: timeout, logger: logger}
}

// Publish writes one event. The entity id is the message key so every
// change to an entity lands on the same partition in order.
func (j *Journal) Publish(ctx context.Context, ev events.SyncEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize sync event: %w", err)
	}

	key := ev.EntityID
	if key == "" {
		key = ev.ID
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "event-type", Value: []byte(ev.Type)},
			{Key: "source", Value: []byte(ev.Source)},
			{Key: "correlation-id", Value: []byte(ev.CorrelationID)},
		},
	}

	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	if err := j.writer.WriteMessages(ctx, msg); err != nil {
		j.logger.Error("Failed to journal sync event",
			zap.String("topic", j.topic),
			zap.String("type", string(ev.Type)),
			zap.String("entity_id", ev.EntityID),
			zap.Error(err))
		return fmt.Errorf("failed to publish sync event: %w", err)
	}

	j.logger.Debug("Sync event journaled",
		zap.String("topic", j.topic),
		zap.String("type", string(ev.Type)),
		zap.String("entity_id", ev.EntityID))
	return nil
}

// Close flushes and closes the writer
func (j *Journal) Close() error {
	return j.writer.Close()
}
