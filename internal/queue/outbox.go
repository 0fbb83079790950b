package queue

import (
	"context"
	"time"

	ierr "club_billing/internal/errors"
	rediskey "club_billing/pkg/redis"

	rd "github.com/redis/go-redis/v9"
)

const grantOnceTTL = 30 * 24 * time.Hour

// Outbox appends access grant requests to a Redis stream. The Relay moves
// them to Kafka. Each (order, channel) pair is emitted at most once.
type Outbox struct {
	rdb    *rd.Client
	stream string
}

func NewOutbox(rdb *rd.Client, stream string) *Outbox {
	return &Outbox{rdb: rdb, stream: stream}
}

// Emit appends msg unless it was emitted before. It reports whether the
// message was appended by this call.
func (o *Outbox) Emit(ctx context.Context, msg AccessGrantMessage) (bool, error) {
	if err := msg.Validate(); err != nil {
		return false, ierr.WithError(err).Mark(ierr.ErrValidation)
	}

	onceKey := rediskey.GrantOnceKey(msg.OrderID, msg.Channel)
	first, err := rediskey.MarkOnce(ctx, o.rdb, onceKey, grantOnceTTL)
	if err != nil {
		return false, err
	}
	if !first {
		return false, nil
	}

	err = o.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: o.stream,
		Values: map[string]any{
			"order_id":       msg.OrderID,
			"entitlement_id": msg.EntitlementID,
			"user_id":        msg.UserID,
			"product_id":     msg.ProductID,
			"channel":        msg.Channel,
			"access_end_at":  msg.AccessEndAt.UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		// let a later grant try again
		_ = rediskey.Unmark(ctx, o.rdb, onceKey)
		return false, err
	}
	return true, nil
}
