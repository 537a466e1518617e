package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/segmentio/kafka-go"
)

const kafkaWriteTimeout = 2 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher streams ride events to a Kafka topic for auditing, keyed by ride id
type KafkaPublisher struct {
	writer messageWriter
	logger *logger.Logger
}

// NewKafkaPublisher creates a publisher writing to topic
func NewKafkaPublisher(brokers []string, topic string, logger *logger.Logger) *KafkaPublisher {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaPublisher{writer: w, logger: logger}
}

// Publish writes one event
func (k *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
	defer cancel()

	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.RideID),
		Value: payload,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(e.Kind)},
		},
	})
}

// Handle is a Bus handler; write failures are logged because the change is already committed
func (k *KafkaPublisher) Handle(ctx context.Context, e Event) {
	if err := k.Publish(ctx, e); err != nil {
		k.logger.Warn("Failed to write ride event to kafka",
			logger.RideID(e.RideID),
			logger.String("event_kind", string(e.Kind)),
			logger.Err(err),
		)
	}
}

// Close flushes and closes the writer
func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
