package queue

import (
	"context"
	"encoding/json"
	"time"

	"club_billing/internal/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Ingester stores inbound provider events.
type Ingester interface {
	Ingest(ctx context.Context, ev model.InboundEvent, source string) (model.ReconcileQueueItem, bool, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads polled provider events from Kafka. They take the same
// path as webhook deliveries.
type Consumer struct {
	r   messageReader
	in  Ingester
	log *zap.Logger

	newBackOff func() backoff.BackOff
}

func NewConsumer(brokers []string, topic, groupID string, in Ingester, log *zap.Logger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		in:         in,
		log:        log,
		newBackOff: ingestBackOff,
	}
}

// ingestBackOff never gives up; only shutdown ends the retries.
func ingestBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func (c *Consumer) Close() error { return c.r.Close() }

// Run ingests messages in offset order. A message that cannot be stored is
// retried until it is, and nothing after it is fetched or committed
// meanwhile.
func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			return
		}
		if err := c.ingest(ctx, m); err != nil {
			return
		}
		if err := c.r.CommitMessages(ctx, m); err != nil {
			c.log.Warn("commit payment event", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

func (c *Consumer) ingest(ctx context.Context, m kafka.Message) error {
	op := func() error { return c.Handle(ctx, m.Value) }
	notify := func(err error, wait time.Duration) {
		c.log.Error("payment event ingest failed",
			zap.Int64("offset", m.Offset),
			zap.Duration("retry_in", wait),
			zap.Error(err))
	}
	return backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify)
}

// Handle ingests one raw message. Malformed or invalid payloads are logged
// and skipped; only storage failures are returned.
func (c *Consumer) Handle(ctx context.Context, value []byte) error {
	var ev model.InboundEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		c.log.Warn("payment event unmarshal", zap.Error(err))
		return nil
	}
	if err := ev.Validate(); err != nil {
		c.log.Warn("payment event rejected",
			zap.String("provider_event_id", ev.ProviderEventID), zap.Error(err))
		return nil
	}

	_, dup, err := c.in.Ingest(ctx, ev, model.SourcePoll)
	if err != nil {
		return err
	}
	if dup {
		c.log.Debug("payment event already known", zap.String("provider_event_id", ev.ProviderEventID))
	}
	return nil
}
