// Package kafka publishes mutation notifications to a Kafka topic.
package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/tinyapi/core"
	"github.com/relabs-tech/tinyapi/core/logger"
)

// Notifier implements core.Notifier on top of a Kafka topic. One
// message per mutation, keyed by resource and action so all events of
// one resource land in the same partition.
type Notifier struct {
	writer *kafka.Writer
}

// NewNotifier creates a notifier publishing to topic via the given
// brokers.
func NewNotifier(brokers []string, topic string) *Notifier {
	return &Notifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 100 * time.Millisecond,
		},
	}
}

// Notify publishes one mutation event. Errors are logged and dropped,
// the mutation itself is already committed.
func (n *Notifier) Notify(resource string, action core.Action, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(resource + "." + string(action)),
		Value: payload,
	})
	if err != nil {
		logger.Default().WithError(err).Errorln("cannot publish notification for", resource)
	}
}

// Close flushes and closes the underlying writer.
func (n *Notifier) Close() error {
	return n.writer.Close()
}
