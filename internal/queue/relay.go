package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher is where the relay forwards stream entries.
type Publisher interface {
	Publish(ctx context.Context, msg AccessGrantMessage) error
}

// Relay forwards the grant outbox stream to Kafka. An entry is acked only
// after it was published; on failure it stays pending and is retried.
type Relay struct {
	rdb *rd.Client
	pub Publisher
	log *zap.Logger

	stream   string
	group    string
	consumer string
}

func NewRelay(rdb *rd.Client, pub Publisher, stream, group, consumer string, log *zap.Logger) *Relay {
	return &Relay{
		rdb:      rdb,
		pub:      pub,
		log:      log,
		stream:   stream,
		group:    group,
		consumer: consumer,
	}
}

func (r *Relay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		r.log.Error("relay ensure group", zap.Error(err))
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.Drain(ctx, 2*time.Second); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			r.log.Warn("relay drain", zap.Error(err))
			time.Sleep(300 * time.Millisecond)
		}
	}
}

// Drain handles this consumer's pending entries first, then new ones,
// blocking up to block for new entries. It returns how many were acked.
func (r *Relay) Drain(ctx context.Context, block time.Duration) (int, error) {
	msgs, err := r.readGroup(ctx, "0", 0)
	if err != nil {
		return 0, fmt.Errorf("read pending: %w", err)
	}
	if len(msgs) == 0 {
		msgs, err = r.readGroup(ctx, ">", block)
		if err != nil {
			return 0, fmt.Errorf("read new: %w", err)
		}
	}

	acked := 0
	for _, xm := range msgs {
		if err := r.processOne(ctx, xm); err != nil {
			return acked, fmt.Errorf("message %s: %w", xm.ID, err)
		}
		acked++
	}
	return acked, nil
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	if block == 0 {
		// go-redis treats a zero Block as "wait forever"
		block = -1
	}
	streams, err := r.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    16,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 16)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	msg, err := parseGrantEvent(xm.Values)
	if err != nil {
		// a malformed entry would block the stream forever
		r.log.Warn("relay dropped malformed entry", zap.String("id", xm.ID), zap.Error(err))
		return r.ackAndDelete(ctx, xm.ID)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pub.Publish(pubCtx, msg); err != nil {
		return err
	}
	return r.ackAndDelete(ctx, xm.ID)
}

func (r *Relay) ackAndDelete(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func parseGrantEvent(values map[string]any) (AccessGrantMessage, error) {
	var msg AccessGrantMessage
	fields := []struct {
		name string
		dst  *string
	}{
		{"order_id", &msg.OrderID},
		{"entitlement_id", &msg.EntitlementID},
		{"user_id", &msg.UserID},
		{"product_id", &msg.ProductID},
		{"channel", &msg.Channel},
	}
	for _, f := range fields {
		v, err := getStreamString(values, f.name)
		if err != nil {
			return AccessGrantMessage{}, err
		}
		*f.dst = v
	}

	endStr, err := getStreamString(values, "access_end_at")
	if err != nil {
		return AccessGrantMessage{}, err
	}
	msg.AccessEndAt, err = time.Parse(time.RFC3339, endStr)
	if err != nil {
		return AccessGrantMessage{}, fmt.Errorf("invalid access_end_at %q", endStr)
	}

	if err := msg.Validate(); err != nil {
		return AccessGrantMessage{}, err
	}
	return msg, nil
}

func getStreamString(values map[string]any, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
