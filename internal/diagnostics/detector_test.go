package diagnostics

import (
	"context"
	"testing"
	"time"

	ierr "club_billing/internal/errors"
	"club_billing/internal/model"
	"club_billing/internal/provider"
	"club_billing/internal/status"
	"club_billing/internal/store"
	"club_billing/internal/testutil"
	"club_billing/internal/trackingkey"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSubs struct {
	subs      []provider.Subscription
	cancelled []string
}

func (f *fakeSubs) ListSubscriptions(context.Context) ([]provider.Subscription, error) {
	return f.subs, nil
}

func (f *fakeSubs) CancelSubscription(_ context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

var now = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newDetector(t *testing.T, subs *fakeSubs) (*Detector, *store.Store) {
	s := testutil.NewStore(t)
	d := NewDetector(s, subs, zap.NewNop())
	d.Now = func() time.Time { return now }
	return d, s
}

func insertItem(t *testing.T, s *store.Store, key string, st status.Normalized, ps model.ProcessingStatus) model.ReconcileQueueItem {
	k := trackingkey.Parse(key)
	item := model.ReconcileQueueItem{
		ID:               uuid.NewString(),
		ProviderEventID:  uuid.NewString(),
		TrackingKey:      key,
		TrackingKind:     k.Kind,
		TrackingRef:      k.Ref(),
		CanonicalKey:     k.String(),
		RawStatus:        string(st),
		StatusNormalized: st,
		ProcessingStatus: ps,
		Amount:           decimal.NewFromInt(990),
		Currency:         "RUB",
		OccurredAt:       now.Add(-time.Hour),
	}
	got, created, err := s.InsertQueueItem(context.Background(), &item)
	require.NoError(t, err)
	require.True(t, created)
	return got
}

func insertOrder(t *testing.T, s *store.Store, id string, st model.OrderStatus) model.Order {
	o := model.Order{
		ID:          id,
		OrderNumber: "CB" + id,
		TrackingKey: trackingkey.Format(trackingkey.KindOrder, id),
		ProductID:   uuid.NewString(),
		Status:      st,
		Amount:      decimal.NewFromInt(990),
		Currency:    "RUB",
	}
	require.NoError(t, s.CreateOrder(context.Background(), &o))
	return o
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-3))
	assert.Equal(t, 7, ClampLimit(7))
	assert.Equal(t, MaxLimit, ClampLimit(500))
}

func TestStuckCountsOnlyUnprocessedLinkItems(t *testing.T) {
	d, s := newDetector(t, &fakeSubs{})
	insertItem(t, s, "link:pl_a", status.Succeeded, model.ProcessingPending)
	insertItem(t, s, "link:pl_b", status.Succeeded, model.ProcessingError)
	insertItem(t, s, "link:pl_c", status.Succeeded, model.ProcessingNeedsMapping)
	insertItem(t, s, "link:pl_d", status.Succeeded, model.ProcessingProcessed)
	insertItem(t, s, "link:order:ORD-1", status.Succeeded, model.ProcessingError)
	insertItem(t, s, "ORD-2", status.Succeeded, model.ProcessingError)

	rep, err := d.Stuck(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(4), rep.Total)
	assert.Len(t, rep.Groups, 4)
	assert.Len(t, rep.Items, 2)
	for _, it := range rep.Items {
		assert.NotEqual(t, "ORD-2", it.TrackingKey)
	}
}

func TestUnmaterializedMoney(t *testing.T) {
	d, s := newDetector(t, &fakeSubs{})
	insertOrder(t, s, "ORD-5", model.OrderPending)
	insertOrder(t, s, "ORD-6", model.OrderPaid)

	orphan := insertItem(t, s, "link:pl_nobody", status.Succeeded, model.ProcessingError)
	pending := insertItem(t, s, "link:order:ORD-5", status.Succeeded, model.ProcessingError)
	insertItem(t, s, "link:order:ORD-6", status.Succeeded, model.ProcessingProcessed)
	insertItem(t, s, "link:pl_declined", status.Failed, model.ProcessingProcessed)

	rep, err := d.UnmaterializedMoney(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rep.Total)
	require.Len(t, rep.Rows, 2)

	byItem := map[string]UnmaterializedRow{}
	for _, r := range rep.Rows {
		byItem[r.Item.ID] = r
	}
	assert.Nil(t, byItem[orphan.ID].Order)
	require.NotNil(t, byItem[pending.ID].Order)
	assert.Equal(t, model.OrderPending, byItem[pending.ID].Order.Status)
}

func TestOrphanSubscriptionsAndCancel(t *testing.T) {
	subs := &fakeSubs{subs: []provider.Subscription{
		{ID: "S-1", TrackingKey: "link:pl_one", Status: "active"},
		{ID: "S-2", TrackingKey: "link:order:ORD-2", Status: "active"},
		{ID: "S-99", TrackingKey: "link:pl_gone", Status: "active"},
	}}
	d, s := newDetector(t, subs)
	ctx := context.Background()

	insertOrder(t, s, "ORD-2", model.OrderPaid)
	ents := []model.Entitlement{
		{ID: uuid.NewString(), UserID: "u1", ProductID: "p1", ProviderSubscriptionID: testutil.Ptr("S-1"),
			Status: model.EntitlementActive, AccessStartAt: now, AccessEndAt: now.AddDate(0, 1, 0)},
		{ID: uuid.NewString(), UserID: "u2", ProductID: "p1", OrderID: testutil.Ptr("ORD-2"),
			Status: model.EntitlementActive, AccessStartAt: now, AccessEndAt: now.AddDate(0, 1, 0)},
	}
	for i := range ents {
		require.NoError(t, s.SaveEntitlement(ctx, &ents[i]))
	}

	rep, err := d.OrphanSubscriptions(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Total)
	require.Len(t, rep.Subscriptions, 1)
	assert.Equal(t, "S-99", rep.Subscriptions[0].ID)

	require.NoError(t, d.CancelOrphan(ctx, "S-99"))
	assert.Equal(t, []string{"S-99"}, subs.cancelled)

	for _, e := range ents {
		got, err := s.GetEntitlement(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, model.EntitlementActive, got.Status)
		assert.True(t, got.AccessEndAt.Equal(e.AccessEndAt))
	}
}

func TestCancelOrphanRefusesLinkedSubscription(t *testing.T) {
	subs := &fakeSubs{}
	d, s := newDetector(t, subs)
	ent := model.Entitlement{ID: uuid.NewString(), UserID: "u1", ProductID: "p1",
		ProviderSubscriptionID: testutil.Ptr("S-1"), Status: model.EntitlementActive,
		AccessStartAt: now, AccessEndAt: now.AddDate(0, 1, 0)}
	require.NoError(t, s.SaveEntitlement(context.Background(), &ent))

	err := d.CancelOrphan(context.Background(), "S-1")
	require.Error(t, err)
	assert.True(t, ierr.Is(err, ierr.ErrInvalidOperation))
	assert.Empty(t, subs.cancelled)
}

func TestTimedOutCharges(t *testing.T) {
	d, s := newDetector(t, &fakeSubs{})
	ctx := context.Background()
	attempt := func(ent string, at time.Time, ok bool, code string) {
		require.NoError(t, s.CreateChargeAttempt(ctx, &model.ChargeAttempt{
			ID: uuid.NewString(), EntitlementID: ent, AttemptedAt: at, PeriodEnd: now,
			Succeeded: ok, ErrorCode: code, IdempotencyKey: uuid.NewString(),
		}))
	}

	attempt("e1", now.Add(-24*time.Hour), false, ierr.ErrCodeProviderTimeout)
	attempt("e2", now.Add(-48*time.Hour), false, ierr.ErrCodeProviderTimeout)
	attempt("e2", now.Add(-47*time.Hour), true, "")
	attempt("e3", now.AddDate(0, 0, -120), false, ierr.ErrCodeProviderTimeout)
	attempt("e4", now.Add(-time.Hour), false, ierr.ErrCodeProviderRejected)

	list, err := d.TimedOutCharges(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "e1", list[0].EntitlementID)
}
