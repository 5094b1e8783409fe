package backend

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/apiforge-io/apiforge/core"
	"github.com/apiforge-io/apiforge/core/logger"
)

// Notification is the audit event emitted after every successful write.
type Notification struct {
	Entity    string         `json:"entity"`
	Operation core.Operation `json:"operation"`
	RecordID  string         `json:"record_id"`
	Actor     string         `json:"actor"`
	Timestamp string         `json:"timestamp"`
}

// Notifier receives audit notifications. Delivery failures never fail the
// originating request; the backend logs and moves on.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// KafkaNotifier publishes audit notifications as JSON messages, keyed by
// entity so one entity's events stay ordered within a partition.
type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafkaNotifier creates a notifier writing to the given topic.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
	}
}

// Notify implements Notifier.
func (k *KafkaNotifier) Notify(ctx context.Context, notification Notification) error {
	value, err := json.Marshal(notification)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(notification.Entity),
		Value: value,
	})
}

// Close flushes and closes the underlying writer.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}

// logNotifier is the fallback when no broker is configured.
type logNotifier struct{}

func (logNotifier) Notify(ctx context.Context, notification Notification) error {
	logger.FromContext(ctx).Debugf("audit: %s %s %s by %s",
		notification.Operation, notification.Entity, notification.RecordID, notification.Actor)
	return nil
}

func (b *Backend) notify(ctx context.Context, entity string, operation core.Operation, id, actor string) {
	notification := Notification{
		Entity:    entity,
		Operation: operation,
		RecordID:  id,
		Actor:     actor,
		Timestamp: nowStamp(),
	}
	if err := b.notifier.Notify(ctx, notification); err != nil {
		logger.FromContext(ctx).Warnf("audit notification failed: %s", err)
	}
}
