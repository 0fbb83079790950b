package planmap

import (
	"context"
	"testing"

	ierr "club_billing/internal/errors"
	"club_billing/internal/model"
	"club_billing/internal/status"
	"club_billing/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResolveFoldsCaseAndCachesMiss(t *testing.T) {
	s := testutil.NewStore(t)
	m := NewMapper(s, zap.NewNop())
	ctx := context.Background()

	res, err := m.Resolve(ctx, "Standard Monthly")
	require.NoError(t, err)
	assert.False(t, res.Found)

	require.NoError(t, m.Upsert(ctx, &model.PlanMapping{
		ProviderPlanTitle: "Standard Monthly",
		ProductID:         "P1",
		TariffID:          testutil.Ptr("T1"),
		AutoCreateOrder:   true,
		Active:            true,
	}))

	res, err = m.Resolve(ctx, "  standard MONTHLY")
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, "P1", res.ProductID)
	assert.Equal(t, "T1", *res.TariffID)
}

func TestResolveIgnoresInactive(t *testing.T) {
	s := testutil.NewStore(t)
	m := NewMapper(s, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, &model.PlanMapping{ProviderPlanTitle: "Old", ProductID: "P1", Active: false}))
	res, err := m.Resolve(ctx, "Old")
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestUpsertValidates(t *testing.T) {
	m := NewMapper(testutil.NewStore(t), zap.NewNop())
	err := m.Upsert(context.Background(), &model.PlanMapping{ProviderPlanTitle: "x"})
	assert.True(t, ierr.IsValidation(err))
}

func TestApplyToOrder(t *testing.T) {
	s := testutil.NewStore(t)
	m := NewMapper(s, zap.NewNop())
	ctx := context.Background()
	cat := testutil.SeedCatalog(t, s, "Club", 30)

	order := &model.Order{ID: "ORD-1", OrderNumber: "1", TrackingKey: "link:order:ORD-1", ProductID: "wrong", Status: model.OrderPaid}
	require.NoError(t, s.CreateOrder(ctx, order))

	_, err := m.ApplyToOrder(ctx, "ORD-1")
	assert.True(t, ierr.IsNotFound(err))

	_, _, err = s.InsertQueueItem(ctx, &model.ReconcileQueueItem{
		ID:               uuid.NewString(),
		ProviderEventID:  "evt-1",
		TrackingKey:      "link:order:ORD-1",
		CanonicalKey:     "link:order:ORD-1",
		StatusNormalized: status.Succeeded,
		ProcessingStatus: model.ProcessingProcessed,
		PlanTitle:        "Standard Monthly",
		PlanTitleKey:     "standard monthly",
		MatchedOrderID:   testutil.Ptr("ORD-1"),
		OccurredAt:       testutil.Day(2025, 2, 1),
	})
	require.NoError(t, err)

	_, err = m.ApplyToOrder(ctx, "ORD-1")
	assert.True(t, ierr.IsMappingNotFound(err))

	require.NoError(t, m.Upsert(ctx, &model.PlanMapping{
		ProviderPlanTitle: "Standard Monthly", ProductID: cat.Product.ID, TariffID: &cat.Tariff.ID, Active: true,
	}))
	got, err := m.ApplyToOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, cat.Product.ID, got.ProductID)
	assert.Equal(t, cat.Tariff.ID, *got.TariffID)
}
