// Package materialize turns confirmed payments into paid orders and
// entitlement access.
package materialize

import (
	"context"
	"strings"
	"time"

	"club_billing/internal/entitlement"
	ierr "club_billing/internal/errors"
	"club_billing/internal/lock"
	"club_billing/internal/model"
	"club_billing/internal/queue"
	"club_billing/internal/store"
	"club_billing/internal/trackingkey"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GrantEmitter queues an access grant side effect. It reports false when
// the grant had already been emitted.
type GrantEmitter interface {
	Emit(ctx context.Context, msg queue.AccessGrantMessage) (bool, error)
}

// Resolution says what a payment buys. It comes from a plan mapping or
// from an operator picking a fallback product.
type Resolution struct {
	ProductID string
	TariffID  *string
	OfferID   *string
	// ProfileID links the order to a user when it has none.
	ProfileID string
}

type Outcome string

const (
	// OutcomeCreated means a new paid order was created.
	OutcomeCreated Outcome = "created"
	// OutcomeMarkedPaid means an existing unpaid order was flipped to paid.
	OutcomeMarkedPaid Outcome = "marked_paid"
	// OutcomeRepaired means the order was already paid but its access had
	// not been granted yet.
	OutcomeRepaired Outcome = "repaired"
	// OutcomeAlreadyMaterialized is the idempotent no-op.
	OutcomeAlreadyMaterialized Outcome = "already_materialized"
	// OutcomeGranted is an operator grant on an existing paid order.
	OutcomeGranted Outcome = "granted"
)

type Result struct {
	Order       *model.Order
	Entitlement *model.Entitlement
	Outcome     Outcome
	Retroactive bool
	// GrantErrors lists side effects that could not be queued. They never
	// roll the entitlement back.
	GrantErrors []string
}

type Options struct {
	LockTTL                time.Duration
	GrantTelegramOnPayment bool
}

type Materializer struct {
	store  *store.Store
	locker lock.Locker
	grants GrantEmitter
	opts   Options
	log    *zap.Logger

	Now func() time.Time
}

func New(s *store.Store, locker lock.Locker, grants GrantEmitter, opts Options, log *zap.Logger) *Materializer {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	return &Materializer{
		store:  s,
		locker: locker,
		grants: grants,
		opts:   opts,
		log:    log,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Materialize makes sure the payment behind item has a paid order and that
// the order's access is granted. It is safe to call any number of times,
// concurrently, for the same tracking key.
//
// On ierr.ErrContactNotLinked the order is paid but has no user; the
// returned Result still carries the order.
func (m *Materializer) Materialize(ctx context.Context, item model.ReconcileQueueItem, res Resolution) (Result, error) {
	key := trackingkey.Parse(item.TrackingKey)
	if !key.Valid {
		m.log.Warn("invalid tracking key, using best-effort link id",
			zap.String("tracking_key", item.TrackingKey),
			zap.String("provider_event_id", item.ProviderEventID))
	}

	release, err := m.locker.Acquire(ctx, trackingLockName(key), m.opts.LockTTL)
	if err != nil {
		return Result{}, err
	}
	defer release(context.WithoutCancel(ctx))

	if res.ProfileID == "" {
		res.ProfileID = item.ProfileID
	}

	order, outcome, err := m.ensurePaidOrder(ctx, key, item, res)
	if err != nil {
		return Result{}, err
	}
	result := Result{Order: order, Outcome: outcome}

	if order.EntitlementID != nil {
		return result, nil
	}
	if outcome == OutcomeAlreadyMaterialized {
		result.Outcome = OutcomeRepaired
	}

	if order.UserID == nil || *order.UserID == "" {
		if res.ProfileID == "" {
			return result, ierr.NewErrorf("order %s has no linked contact", order.ID).
				WithHint("materialize the item again with a profile id").
				Mark(ierr.ErrContactNotLinked)
		}
		if err := m.store.LinkOrderContact(ctx, order.ID, res.ProfileID); err != nil {
			return result, err
		}
		order.UserID = &res.ProfileID
	}

	start := item.OccurredAt
	g, err := m.grant(ctx, order, grantParams{
		requestedStart:    &start,
		extendFromCurrent: true,
		subscriptionID:    item.SubscriptionID,
	})
	if err != nil {
		return result, err
	}
	result.Entitlement = g.ent
	result.Retroactive = g.retroactive

	channels := []string{}
	if m.opts.GrantTelegramOnPayment {
		channels = append(channels, queue.ChannelTelegram)
	}
	result.GrantErrors = m.emit(ctx, order, g.ent, channels)
	return result, nil
}

// ensurePaidOrder finds or creates the single order of key and makes sure
// it is paid.
func (m *Materializer) ensurePaidOrder(ctx context.Context, key trackingkey.Key, item model.ReconcileQueueItem, res Resolution) (*model.Order, Outcome, error) {
	order, err := m.store.FindOrderForKey(ctx, key)
	if err != nil && !ierr.IsNotFound(err) {
		return nil, "", err
	}

	if order == nil {
		order = m.newOrder(key, item, res)
		err = m.store.CreateOrder(ctx, order)
		if err == nil {
			m.log.Info("order materialized",
				zap.String("order_id", order.ID),
				zap.String("tracking_key", order.TrackingKey),
				zap.String("provider_event_id", item.ProviderEventID))
			return order, OutcomeCreated, nil
		}
		if !ierr.Is(err, ierr.ErrDuplicateMaterialization) {
			return nil, "", err
		}
		// another writer won; continue with its order
		if order, err = m.store.FindOrderForKey(ctx, key); err != nil {
			return nil, "", err
		}
	}

	if order.Status == model.OrderPaid {
		return order, OutcomeAlreadyMaterialized, nil
	}

	if order.TariffID == nil && res.ProductID == order.ProductID {
		order.TariffID = res.TariffID
	}
	if order.OfferID == nil && res.ProductID == order.ProductID {
		order.OfferID = res.OfferID
	}
	if (order.UserID == nil || *order.UserID == "") && res.ProfileID != "" {
		order.UserID = &res.ProfileID
	}
	changed, err := m.store.MarkOrderPaid(ctx, order, item.OccurredAt)
	if err != nil {
		return nil, "", err
	}
	if !changed {
		order, err = m.store.GetOrder(ctx, order.ID)
		if err != nil {
			return nil, "", err
		}
		return order, OutcomeAlreadyMaterialized, nil
	}
	paidAt := item.OccurredAt
	order.Status = model.OrderPaid
	order.PaidAt = &paidAt
	return order, OutcomeMarkedPaid, nil
}

func (m *Materializer) newOrder(key trackingkey.Key, item model.ReconcileQueueItem, res Resolution) *model.Order {
	id := uuid.NewString()
	if key.Kind == trackingkey.KindOrder && key.Valid && len(key.OrderID) <= 36 {
		id = key.OrderID
	}
	paidAt := item.OccurredAt
	o := &model.Order{
		ID:          id,
		CreatedAt:   item.OccurredAt,
		OrderNumber: "CB" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12]),
		TrackingKey: key.String(),
		ProductID:   res.ProductID,
		TariffID:    res.TariffID,
		OfferID:     res.OfferID,
		Status:      model.OrderPaid,
		Amount:      item.Amount,
		Currency:    item.Currency,
		PaidAt:      &paidAt,
	}
	if res.ProfileID != "" {
		profile := res.ProfileID
		o.UserID = &profile
	}
	return o
}

type grantParams struct {
	days              int
	requestedStart    *time.Time
	extendFromCurrent bool
	subscriptionID    string
}

type granted struct {
	ent         *model.Entitlement
	retroactive bool
}

// grant computes the window for order and saves the entitlement of its
// (user, product) under a lock on that pair. A concurrent first grant for
// the same pair is retried once against the winner's row.
func (m *Materializer) grant(ctx context.Context, order *model.Order, p grantParams) (granted, error) {
	tariff, err := m.tariffFor(ctx, order)
	if err != nil {
		return granted{}, err
	}
	if p.days <= 0 {
		p.days = tariff.AccessDays
	}

	release, err := m.locker.Acquire(ctx, entitlementLockName(*order.UserID, order.ProductID), m.opts.LockTTL)
	if err != nil {
		return granted{}, err
	}
	defer release(context.WithoutCancel(ctx))

	var g granted
	for attempt := 0; attempt < 2; attempt++ {
		g, err = m.applyWindow(ctx, order, tariff, p)
		if err == nil || !ierr.Is(err, ierr.ErrAlreadyExists) {
			break
		}
	}
	return g, err
}

func (m *Materializer) applyWindow(ctx context.Context, order *model.Order, tariff *model.Tariff, p grantParams) (granted, error) {
	now := m.Now()
	var w entitlement.Window
	e, err := m.store.ApplyGrant(ctx, *order.UserID, order.ProductID, order.ID, now, func(existing *model.Entitlement) (*model.Entitlement, error) {
		var err error
		w, err = entitlement.ComputeWindow(existing, p.days, p.requestedStart, p.extendFromCurrent, now)
		if err != nil {
			return nil, ierr.WithError(err).Mark(ierr.ErrValidation)
		}

		e := existing
		if e == nil {
			e = &model.Entitlement{
				ID:        uuid.NewString(),
				UserID:    *order.UserID,
				ProductID: order.ProductID,
			}
		}

		continuous := existing != nil && existing.Status == model.EntitlementActive &&
			!w.Start.Before(existing.AccessStartAt) && !w.Start.After(existing.AccessEndAt)
		if !continuous {
			e.AccessStartAt = w.Start
		}
		e.AccessEndAt = w.End
		e.Status = model.EntitlementActive
		e.TariffID = &tariff.ID
		e.OrderID = &order.ID
		e.RetroactiveGrant = w.Retroactive
		if p.subscriptionID != "" {
			sub := p.subscriptionID
			e.ProviderSubscriptionID = &sub
		}
		e.ChargeAttempts = 0
		e.RenewalBlockedReason = ""
		e.AutoRenew = tariff.Recurring
		if tariff.Recurring {
			next := w.End
			e.NextChargeAt = &next
		} else {
			e.NextChargeAt = nil
		}
		return e, nil
	})
	if err != nil {
		return granted{}, err
	}
	order.EntitlementID = &e.ID
	order.AccessGrantedAt = &now

	if w.Retroactive {
		m.log.Info("retroactive grant",
			zap.String("entitlement_id", e.ID),
			zap.String("order_id", order.ID),
			zap.Time("access_start_at", w.Start))
	}
	return granted{ent: e, retroactive: w.Retroactive}, nil
}

func (m *Materializer) tariffFor(ctx context.Context, order *model.Order) (*model.Tariff, error) {
	if order.TariffID != nil && *order.TariffID != "" {
		return m.store.GetTariff(ctx, *order.TariffID)
	}
	return m.store.DefaultTariff(ctx, order.ProductID)
}

func (m *Materializer) emit(ctx context.Context, order *model.Order, e *model.Entitlement, channels []string) []string {
	var failed []string
	for _, ch := range channels {
		_, err := m.grants.Emit(ctx, queue.AccessGrantMessage{
			OrderID:       order.ID,
			EntitlementID: e.ID,
			UserID:        e.UserID,
			ProductID:     e.ProductID,
			Channel:       ch,
			AccessEndAt:   e.AccessEndAt,
		})
		if err != nil {
			m.log.Error("access grant not queued",
				zap.String("order_id", order.ID),
				zap.String("channel", ch),
				zap.Error(err))
			failed = append(failed, ch+": "+err.Error())
		}
	}
	return failed
}

func trackingLockName(key trackingkey.Key) string {
	return "tracking:" + key.String()
}

// entitlementLockName serializes grants to one (user, product) across
// tracking keys.
func entitlementLockName(userID, productID string) string {
	return "entitlement:" + userID + ":" + productID
}
