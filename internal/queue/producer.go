package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer publishes access grant messages to the Kafka topic read by the
// Telegram and LMS provisioners.
type Producer struct {
	w *kafka.Writer
}

// NewProducer keys messages by order and channel so every grant of one
// order lands on one partition. RequireAll waits for the ISR.
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func (p *Producer) Close() error { return p.w.Close() }

// Publish writes one access grant. The record is keyed by msg.Key(), the
// order id plus channel, so redeliveries of one grant stay on one partition
// and consumers can drop the repeats by key. The channel also travels as a
// header for consumers that route without decoding the value.
func (p *Producer) Publish(ctx context.Context, msg AccessGrantMessage) error {
	rec, err := grantRecord(msg)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, rec)
}

func grantRecord(msg AccessGrantMessage) (kafka.Message, error) {
	if err := msg.Validate(); err != nil {
		return kafka.Message{}, fmt.Errorf("access grant %s: %w", msg.Key(), err)
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:     []byte(msg.Key()),
		Value:   b,
		Headers: []kafka.Header{{Key: "channel", Value: []byte(msg.Channel)}},
	}, nil
}
