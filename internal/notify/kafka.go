package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/metrics"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes events as JSON to a single topic, keyed by listing (or bond)
// so a consumer sees one listing's events in order.
type Kafka struct {
	w      messageWriter
	topic  string
	logger *slog.Logger
}

// NewKafka returns an async producer. Delivery errors surface through the
// completion callback, not through Publish.
func NewKafka(brokers []string, topic string, logger *slog.Logger) *Kafka {
	k := &Kafka{topic: topic, logger: logger}
	k.w = &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		Compression:            kafka.Gzip,
		MaxAttempts:            5,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
		BatchTimeout:           20 * time.Millisecond,
		Async:                  true,
		Completion:             k.completed,
	}
	return k
}

func (k *Kafka) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Key()),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		metrics.EventPublishFailures.WithLabelValues("kafka").Inc()
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (k *Kafka) completed(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	metrics.EventPublishFailures.WithLabelValues("kafka").Add(float64(len(msgs)))
	k.logger.Warn("kafka delivery failed", "topic", k.topic, "messages", len(msgs), "error", err)
}

// Close flushes pending messages.
func (k *Kafka) Close() error {
	return k.w.Close()
}
