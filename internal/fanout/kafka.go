package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// KafkaWriter is the part of *kafka.Writer the transport uses.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaTransport writes envelopes to a kafka topic, keyed by entity id so
// one entity's events stay ordered within a partition. The topic is the
// subscription's endpoint or the configured default.
type KafkaTransport struct {
	writer       KafkaWriter
	defaultTopic string
	now          func() time.Time
}

// NewKafkaWriter builds a writer for brokers. The topic is set per message.
func NewKafkaWriter(cfg models.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: 10 * time.Second,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// NewKafkaTransport creates a kafka transport over w.
func NewKafkaTransport(w KafkaWriter, defaultTopic string) *KafkaTransport {
	if defaultTopic == "" {
		defaultTopic = "areg.events"
	}
	return &KafkaTransport{writer: w, defaultTopic: defaultTopic, now: time.Now}
}

func (t *KafkaTransport) Method() models.DeliveryMethod { return models.DeliveryKafka }

func (t *KafkaTransport) topic(sub *models.Subscription) string {
	if sub.Endpoint != "" {
		return sub.Endpoint
	}
	return t.defaultTopic
}

func (t *KafkaTransport) Deliver(ctx context.Context, sub *models.Subscription, e *models.Event) error {
	now := t.now()
	body, err := json.Marshal(newEnvelope(sub, e, now))
	if err != nil {
		return Permanent(fmt.Errorf("encoding kafka envelope: %w", err))
	}
	topic := t.topic(sub)
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(e.EntityID),
		Value: body,
		Time:  now,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "event-type", Value: []byte(e.Type)},
			{Key: "subscription-id", Value: []byte(sub.ID)},
		},
	}
	if err := t.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing to kafka topic %s: %w", topic, err)
	}
	return nil
}

func (t *KafkaTransport) Close() error {
	return t.writer.Close()
}
