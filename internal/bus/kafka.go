package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes to Kafka with one synchronous writer. Messages are hashed on
// their key, so every event of a group lands on the same partition in order.
type Kafka struct {
	writer kafkaWriter
}

// NewKafka creates a Kafka publisher. The topic is taken from each message.
func NewKafka(brokers []string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}
	return &Kafka{writer: w}, nil
}

// Publish writes msg and waits for all in-sync replicas to acknowledge it.
func (k *Kafka) Publish(ctx context.Context, msg Message) error {
	km := kafka.Message{
		Topic: msg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Value,
	}
	for name, value := range msg.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: name, Value: []byte(value)})
	}
	if err := k.writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("kafka write %s: %w", msg.Topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
