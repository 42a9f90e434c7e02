// Package consumer relays telemetry events published to Kafka onto another sink.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"trust-bridge/backend/internal/telemetry"
)

const (
	emitTimeout = 10 * time.Second

	// Fetch failures back off from minFetchBackoff, doubling up to maxFetchBackoff.
	minFetchBackoff = 100 * time.Millisecond
	maxFetchBackoff = 5 * time.Second
)

// messageReader is the subset of *kafka.Reader used by KafkaRelay.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaRelay reads events from a topic in a consumer group and emits each to a sink.
type KafkaRelay struct {
	reader  messageReader
	emitter telemetry.EventEmitter
	logger  *zap.Logger
}

// NewKafkaRelay returns a relay consuming topic as groupID. Returns nil when brokers or topic
// are empty.
func NewKafkaRelay(brokers []string, topic, groupID string, emitter telemetry.EventEmitter, logger *zap.Logger) *KafkaRelay {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
	return newRelay(reader, emitter, logger)
}

func newRelay(reader messageReader, emitter telemetry.EventEmitter, logger *zap.Logger) *KafkaRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaRelay{reader: reader, emitter: emitter, logger: logger}
}

// Run relays until ctx is cancelled or the reader is closed. Malformed messages and sink
// failures are logged and committed so one bad event cannot stall the partition. Fetch errors
// are retried with backoff.
func (r *KafkaRelay) Run(ctx context.Context) error {
	backoff := minFetchBackoff
	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				r.logger.Info("kafka reader closed")
				return nil
			}
			r.logger.Warn("kafka fetch failed", zap.Duration("retry_in", backoff), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxFetchBackoff)
			continue
		}
		backoff = minFetchBackoff
		r.relay(ctx, msg)
		if err := r.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			r.logger.Warn("kafka commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (r *KafkaRelay) relay(ctx context.Context, msg kafka.Message) {
	var event telemetry.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil || event.Type == "" {
		r.logger.Warn("skipping malformed event",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
		)
		return
	}
	emitCtx, cancel := context.WithTimeout(ctx, emitTimeout)
	defer cancel()
	if err := r.emitter.Emit(emitCtx, &event); err != nil {
		r.logger.Warn("relay emit failed",
			zap.String("event_type", event.Type),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
}

// Close closes the Kafka reader.
func (r *KafkaRelay) Close() error {
	if r == nil || r.reader == nil {
		return nil
	}
	return r.reader.Close()
}
