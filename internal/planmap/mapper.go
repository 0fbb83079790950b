// Package planmap resolves provider plan titles to internal products.
package planmap

import (
	"context"
	"time"

	ierr "club_billing/internal/errors"
	"club_billing/internal/model"
	"club_billing/internal/store"

	goCache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	defaultExpiration = 5 * time.Minute
	cleanupInterval   = 10 * time.Minute
)

// Resolution is the outcome of a title lookup. Found is false when no
// active mapping exists; that is a normal outcome, not an error.
type Resolution struct {
	Found           bool
	TitleKey        string
	ProductID       string
	TariffID        *string
	OfferID         *string
	AutoCreateOrder bool
}

// Mapper caches active mappings in memory. Misses are cached too, so a
// flood of events for an unmapped plan does not hit the database.
type Mapper struct {
	store *store.Store
	cache *goCache.Cache
	log   *zap.Logger
}

func NewMapper(s *store.Store, log *zap.Logger) *Mapper {
	return &Mapper{
		store: s,
		cache: goCache.New(defaultExpiration, cleanupInterval),
		log:   log,
	}
}

// Resolve looks up the mapping for a provider plan title.
func (m *Mapper) Resolve(ctx context.Context, planTitle string) (Resolution, error) {
	key := model.PlanTitleKey(planTitle)
	if key == "" {
		return Resolution{}, nil
	}
	if v, ok := m.cache.Get(key); ok {
		return v.(Resolution), nil
	}

	pm, err := m.store.GetMapping(ctx, key)
	if err != nil {
		if ierr.IsNotFound(err) {
			res := Resolution{TitleKey: key}
			m.cache.SetDefault(key, res)
			return res, nil
		}
		return Resolution{}, err
	}

	res := Resolution{
		Found:           true,
		TitleKey:        key,
		ProductID:       pm.ProductID,
		TariffID:        pm.TariffID,
		OfferID:         pm.OfferID,
		AutoCreateOrder: pm.AutoCreateOrder,
	}
	m.cache.SetDefault(key, res)
	return res, nil
}

// Upsert writes a mapping and drops its cached resolution.
func (m *Mapper) Upsert(ctx context.Context, pm *model.PlanMapping) error {
	if pm.ProviderPlanTitle == "" || pm.ProductID == "" {
		return ierr.NewError("provider_plan_title and product_id are required").Mark(ierr.ErrValidation)
	}
	if err := m.store.UpsertMapping(ctx, pm); err != nil {
		return err
	}
	m.cache.Delete(pm.TitleKey)
	m.log.Info("plan mapping saved",
		zap.String("title", pm.ProviderPlanTitle),
		zap.String("product_id", pm.ProductID),
		zap.Bool("active", pm.Active))
	return nil
}

func (m *Mapper) List(ctx context.Context) ([]model.PlanMapping, error) {
	return m.store.ListMappings(ctx)
}

// ApplyToOrder rewrites product, tariff and offer of an existing order from
// the mapping of the plan it was paid through.
func (m *Mapper) ApplyToOrder(ctx context.Context, orderID string) (*model.Order, error) {
	item, err := m.store.LatestMatchedItem(ctx, orderID)
	if err != nil {
		return nil, err
	}
	res, err := m.Resolve(ctx, item.PlanTitle)
	if err != nil {
		return nil, err
	}
	if !res.Found {
		return nil, ierr.NewErrorf("no active mapping for plan %q", item.PlanTitle).
			WithHint("create a plan mapping first").
			Mark(ierr.ErrMappingNotFound)
	}
	if err := m.store.SetOrderProduct(ctx, orderID, res.ProductID, res.TariffID, res.OfferID); err != nil {
		return nil, err
	}
	m.log.Info("mapping applied to order",
		zap.String("order_id", orderID),
		zap.String("plan", item.PlanTitle),
		zap.String("product_id", res.ProductID))
	return m.store.GetOrder(ctx, orderID)
}

// Mismatches reports orders whose product or tariff disagrees with the
// active mapping of their plan. Nothing is corrected here.
func (m *Mapper) Mismatches(ctx context.Context, limit int) ([]store.MismatchedMapping, error) {
	return m.store.ListMismatchedMappings(ctx, limit)
}
