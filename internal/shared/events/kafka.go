package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer is satisfied by *kafkax.Producer.
type Producer interface {
	Produce(ctx context.Context, msg kafka.Message, timeout time.Duration) error
	Close() error
}

// KafkaPublisher writes envelopes to one topic keyed by aggregate id, so the
// events of one activity stay ordered within a partition.
type KafkaPublisher struct {
	producer Producer
	timeout  time.Duration
}

func NewKafkaPublisher(p Producer, timeout time.Duration) *KafkaPublisher {
	return &KafkaPublisher{producer: p, timeout: timeout}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Envelope) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.AggregateID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.EventType)},
			{Key: "event_id", Value: []byte(e.EventID)},
		},
	}
	if err := p.producer.Produce(ctx, msg, p.timeout); err != nil {
		return fmt.Errorf("kafka produce %s: %w", e.EventType, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.producer.Close() }
