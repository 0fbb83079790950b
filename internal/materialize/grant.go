package materialize

import (
	"context"
	"time"

	ierr "club_billing/internal/errors"
	"club_billing/internal/model"
	"club_billing/internal/queue"
	"club_billing/internal/trackingkey"
)

// GrantRequest is an operator's explicit access grant for a paid order.
type GrantRequest struct {
	OrderID             string     `json:"order_id"`
	CustomAccessDays    *int       `json:"custom_access_days"`
	CustomAccessStartAt *time.Time `json:"custom_access_start_at"`
	ExtendFromCurrent   bool       `json:"extend_from_current"`
	GrantTelegram       bool       `json:"grant_telegram"`
	GrantLMS            bool       `json:"grant_getcourse"`
}

// GrantAccess applies req to the entitlement of the order's (user, product)
// and queues the requested side effects. Side effect failures are reported
// in the result and leave the entitlement in place.
func (m *Materializer) GrantAccess(ctx context.Context, req GrantRequest) (Result, error) {
	if req.CustomAccessDays != nil && *req.CustomAccessDays <= 0 {
		return Result{}, ierr.NewError("custom_access_days must be positive").Mark(ierr.ErrValidation)
	}

	order, err := m.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		return Result{}, err
	}

	release, err := m.locker.Acquire(ctx, trackingLockName(trackingkey.Parse(order.TrackingKey)), m.opts.LockTTL)
	if err != nil {
		return Result{}, err
	}
	defer release(context.WithoutCancel(ctx))

	// re-read under the lock
	if order, err = m.store.GetOrder(ctx, req.OrderID); err != nil {
		return Result{}, err
	}
	if order.Status != model.OrderPaid {
		return Result{}, ierr.NewErrorf("order %s is %s", order.ID, order.Status).
			WithHint("access can only be granted for paid orders").
			Mark(ierr.ErrInvalidOperation)
	}
	if order.UserID == nil || *order.UserID == "" {
		return Result{}, ierr.NewErrorf("order %s has no linked contact", order.ID).Mark(ierr.ErrContactNotLinked)
	}

	p := grantParams{
		requestedStart:    req.CustomAccessStartAt,
		extendFromCurrent: req.ExtendFromCurrent,
	}
	if req.CustomAccessDays != nil {
		p.days = *req.CustomAccessDays
	}
	g, err := m.grant(ctx, order, p)
	if err != nil {
		return Result{}, err
	}

	var channels []string
	if req.GrantTelegram {
		channels = append(channels, queue.ChannelTelegram)
	}
	if req.GrantLMS {
		channels = append(channels, queue.ChannelLMS)
	}
	return Result{
		Order:       order,
		Entitlement: g.ent,
		Outcome:     OutcomeGranted,
		Retroactive: g.retroactive,
		GrantErrors: m.emit(ctx, order, g.ent, channels),
	}, nil
}
