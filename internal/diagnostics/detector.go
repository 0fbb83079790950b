// Package diagnostics finds records that need an operator: stuck queue
// items, money without access, orphaned provider subscriptions, disagreeing
// mappings and charges whose outcome is unknown. Every check is read-only.
package diagnostics

import (
	"context"
	"time"

	ierr "club_billing/internal/errors"
	"club_billing/internal/model"
	"club_billing/internal/provider"
	"club_billing/internal/store"
	"club_billing/internal/trackingkey"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100

	timedOutLookback = 90 * 24 * time.Hour
)

// ClampLimit bounds a requested page size.
func ClampLimit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	return min(n, MaxLimit)
}

// Subscriptions is the provider side of the orphan check.
type Subscriptions interface {
	ListSubscriptions(ctx context.Context) ([]provider.Subscription, error)
	CancelSubscription(ctx context.Context, id string) error
}

type Detector struct {
	store *store.Store
	subs  Subscriptions
	log   *zap.Logger

	Now func() time.Time
}

func NewDetector(s *store.Store, subs Subscriptions, log *zap.Logger) *Detector {
	return &Detector{
		store: s,
		subs:  subs,
		log:   log,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

type StuckReport struct {
	Total  int64                      `json:"total"`
	Groups []store.StuckGroup         `json:"groups"`
	Items  []model.ReconcileQueueItem `json:"items"`
}

// Stuck summarizes link-keyed items that are not processed.
func (d *Detector) Stuck(ctx context.Context, limit int) (StuckReport, error) {
	groups, err := d.store.StuckSummary(ctx)
	if err != nil {
		return StuckReport{}, err
	}
	items, err := d.store.ListStuck(ctx, ClampLimit(limit))
	if err != nil {
		return StuckReport{}, err
	}
	return StuckReport{
		Total:  lo.SumBy(groups, func(g store.StuckGroup) int64 { return g.Count }),
		Groups: groups,
		Items:  items,
	}, nil
}

// UnmaterializedRow is a succeeded payment with no paid order. Order is nil
// when no order exists at all.
type UnmaterializedRow struct {
	Item  model.ReconcileQueueItem `json:"item"`
	Order *model.Order             `json:"order"`
}

type UnmaterializedReport struct {
	Total int64               `json:"total"`
	Rows  []UnmaterializedRow `json:"rows"`
}

// UnmaterializedMoney lists money received without access granted. The
// implicated orders are fetched with one batched query.
func (d *Detector) UnmaterializedMoney(ctx context.Context, limit int) (UnmaterializedReport, error) {
	items, total, err := d.store.ListUnmaterialized(ctx, ClampLimit(limit))
	if err != nil {
		return UnmaterializedReport{}, err
	}

	keys := lo.Uniq(lo.Map(items, func(it model.ReconcileQueueItem, _ int) string { return it.CanonicalKey }))
	var ids []string
	for _, it := range items {
		if it.MatchedOrderID != nil {
			ids = append(ids, *it.MatchedOrderID)
		}
		if it.TrackingKind == trackingkey.KindOrder {
			ids = append(ids, it.TrackingRef)
		}
	}
	orders, err := d.store.OrdersByKeysOrIDs(ctx, keys, lo.Uniq(ids))
	if err != nil {
		return UnmaterializedReport{}, err
	}
	idx := indexOrders(orders)

	rows := make([]UnmaterializedRow, 0, len(items))
	for _, it := range items {
		rows = append(rows, UnmaterializedRow{Item: it, Order: idx.find(it)})
	}
	return UnmaterializedReport{Total: total, Rows: rows}, nil
}

type orderIndex struct {
	byKey, byID, byNumber map[string]*model.Order
}

func indexOrders(orders []model.Order) orderIndex {
	idx := orderIndex{
		byKey:    make(map[string]*model.Order, len(orders)),
		byID:     make(map[string]*model.Order, len(orders)),
		byNumber: make(map[string]*model.Order, len(orders)),
	}
	for i := range orders {
		o := &orders[i]
		idx.byKey[o.TrackingKey] = o
		idx.byID[o.ID] = o
		idx.byNumber[o.OrderNumber] = o
	}
	return idx
}

func (x orderIndex) find(it model.ReconcileQueueItem) *model.Order {
	if o, ok := x.byKey[it.CanonicalKey]; ok {
		return o
	}
	if it.MatchedOrderID != nil {
		if o, ok := x.byID[*it.MatchedOrderID]; ok {
			return o
		}
	}
	if it.TrackingKind == trackingkey.KindOrder {
		if o, ok := x.byID[it.TrackingRef]; ok {
			return o
		}
		if o, ok := x.byNumber[it.TrackingRef]; ok {
			return o
		}
	}
	return nil
}

type OrphanReport struct {
	Total         int                     `json:"total"`
	Subscriptions []provider.Subscription `json:"subscriptions"`
}

// OrphanSubscriptions lists provider subscriptions that no entitlement
// references, directly or through the order of their tracking key.
func (d *Detector) OrphanSubscriptions(ctx context.Context, limit int) (OrphanReport, error) {
	subs, err := d.subs.ListSubscriptions(ctx)
	if err != nil {
		return OrphanReport{}, err
	}
	if len(subs) == 0 {
		return OrphanReport{Subscriptions: []provider.Subscription{}}, nil
	}

	keys := make([]string, 0, len(subs))
	var refs []string
	for _, sub := range subs {
		if sub.TrackingKey == "" {
			continue
		}
		k := trackingkey.Parse(sub.TrackingKey)
		keys = append(keys, k.String())
		if k.Kind == trackingkey.KindOrder {
			refs = append(refs, k.OrderID)
		}
	}
	orders, err := d.store.OrdersByKeysOrIDs(ctx, lo.Uniq(keys), lo.Uniq(refs))
	if err != nil {
		return OrphanReport{}, err
	}
	idx := indexOrders(orders)

	subOrder := make(map[string]string, len(subs))
	for _, sub := range subs {
		if sub.TrackingKey == "" {
			continue
		}
		k := trackingkey.Parse(sub.TrackingKey)
		lookup := model.ReconcileQueueItem{CanonicalKey: k.String(), TrackingKind: k.Kind, TrackingRef: k.Ref()}
		if o := idx.find(lookup); o != nil {
			subOrder[sub.ID] = o.ID
		}
	}

	linkedSubs, linkedOrders, err := d.store.EntitlementRefs(ctx,
		lo.Map(subs, func(s provider.Subscription, _ int) string { return s.ID }),
		lo.Uniq(lo.Values(subOrder)))
	if err != nil {
		return OrphanReport{}, err
	}

	orphans := lo.Filter(subs, func(s provider.Subscription, _ int) bool {
		if linkedSubs[s.ID] {
			return false
		}
		orderID, ok := subOrder[s.ID]
		return !ok || !linkedOrders[orderID]
	})
	return OrphanReport{
		Total:         len(orphans),
		Subscriptions: lo.Slice(orphans, 0, ClampLimit(limit)),
	}, nil
}

// CancelOrphan cancels a provider subscription. Internal records are never
// touched; a subscription an entitlement still uses is refused.
func (d *Detector) CancelOrphan(ctx context.Context, id string) error {
	linked, _, err := d.store.EntitlementRefs(ctx, []string{id}, nil)
	if err != nil {
		return err
	}
	if linked[id] {
		return ierr.NewErrorf("subscription %s is linked to an entitlement", id).
			WithHint("only orphaned subscriptions can be cancelled here").
			Mark(ierr.ErrInvalidOperation)
	}
	if err := d.subs.CancelSubscription(ctx, id); err != nil {
		return err
	}
	d.log.Info("orphan subscription cancelled at provider", zap.String("subscription_id", id))
	return nil
}

func (d *Detector) MismatchedMappings(ctx context.Context, limit int) ([]store.MismatchedMapping, error) {
	return d.store.ListMismatchedMappings(ctx, ClampLimit(limit))
}

// TimedOutCharges lists recent charges that timed out and were not followed
// by a success, so an upstream charge can be matched by hand.
func (d *Detector) TimedOutCharges(ctx context.Context, limit int) ([]model.ChargeAttempt, error) {
	return d.store.ListTimedOutCharges(ctx, d.Now().Add(-timedOutLookback), ClampLimit(limit))
}
