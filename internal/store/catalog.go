package store

import (
	"context"
	"errors"
	"time"

	ierr "club_billing/internal/errors"
	"club_billing/internal/model"

	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) CreateProduct(ctx context.Context, p *model.Product) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return dbErr(err, "create product")
	}
	return nil
}

func (s *Store) CreateTariff(ctx context.Context, t *model.Tariff) error {
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return dbErr(err, "create tariff")
	}
	return nil
}

func (s *Store) GetTariff(ctx context.Context, id string) (*model.Tariff, error) {
	var t model.Tariff
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, dbErr(err, "tariff")
	}
	return &t, nil
}

// DefaultTariff returns the earliest tariff of a product.
func (s *Store) DefaultTariff(ctx context.Context, productID string) (*model.Tariff, error) {
	var t model.Tariff
	err := s.db.WithContext(ctx).Where("product_id = ?", productID).Order("created_at").First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ierr.WithError(err).
				WithHintf("product %s has no tariff", productID).
				Mark(ierr.ErrValidation)
		}
		return nil, dbErr(err, "default tariff")
	}
	return &t, nil
}

func (s *Store) CreatePaymentMethod(ctx context.Context, pm *model.PaymentMethod) error {
	if err := s.db.WithContext(ctx).Create(pm).Error; err != nil {
		return dbErr(err, "create payment method")
	}
	return nil
}

func (s *Store) GetPaymentMethod(ctx context.Context, id string) (*model.PaymentMethod, error) {
	var pm model.PaymentMethod
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&pm).Error; err != nil {
		return nil, dbErr(err, "payment method")
	}
	return &pm, nil
}

// GetMapping returns the active mapping for a folded title key.
func (s *Store) GetMapping(ctx context.Context, titleKey string) (*model.PlanMapping, error) {
	var m model.PlanMapping
	err := s.db.WithContext(ctx).Where("title_key = ? AND active = ?", titleKey, true).First(&m).Error
	if err != nil {
		return nil, dbErr(err, "plan mapping")
	}
	return &m, nil
}

// UpsertMapping writes m, replacing any mapping with the same title key.
func (s *Store) UpsertMapping(ctx context.Context, m *model.PlanMapping) error {
	m.TitleKey = model.PlanTitleKey(m.ProviderPlanTitle)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "title_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider_plan_title", "product_id", "tariff_id", "offer_id", "auto_create_order", "active", "updated_at",
		}),
	}).Create(m).Error
	if err != nil {
		return dbErr(err, "upsert plan mapping")
	}
	return nil
}

func (s *Store) ListMappings(ctx context.Context) ([]model.PlanMapping, error) {
	var list []model.PlanMapping
	if err := s.db.WithContext(ctx).Order("title_key").Find(&list).Error; err != nil {
		return nil, dbErr(err, "list plan mappings")
	}
	return list, nil
}

func (s *Store) CreateChargeAttempt(ctx context.Context, a *model.ChargeAttempt) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return dbErr(err, "create charge attempt")
	}
	return nil
}

func (s *Store) ListChargeAttempts(ctx context.Context, entitlementID string) ([]model.ChargeAttempt, error) {
	var list []model.ChargeAttempt
	err := s.db.WithContext(ctx).Where("entitlement_id = ?", entitlementID).Order("attempted_at").Find(&list).Error
	if err != nil {
		return nil, dbErr(err, "list charge attempts")
	}
	return list, nil
}

// ListTimedOutCharges returns timed-out attempts that no later successful
// attempt on the same entitlement superseded.
func (s *Store) ListTimedOutCharges(ctx context.Context, since time.Time, limit int) ([]model.ChargeAttempt, error) {
	later := s.db.Table("charge_attempts AS later").
		Select("1").
		Where("later.entitlement_id = charge_attempts.entitlement_id").
		Where("later.succeeded = ?", true).
		Where("later.attempted_at > charge_attempts.attempted_at")

	var list []model.ChargeAttempt
	err := s.db.WithContext(ctx).
		Where("error_code = ?", ierr.ErrCodeProviderTimeout).
		Where("attempted_at >= ?", since).
		Where("NOT EXISTS (?)", later).
		Order("attempted_at").
		Limit(limit).
		Find(&list).Error
	if err != nil {
		return nil, dbErr(err, "list timed out charges")
	}
	return lo.UniqBy(list, func(a model.ChargeAttempt) string { return a.IdempotencyKey }), nil
}

// LatestChargeAttempt returns the newest attempt on an entitlement, or nil.
func (s *Store) LatestChargeAttempt(ctx context.Context, entitlementID string) (*model.ChargeAttempt, error) {
	var list []model.ChargeAttempt
	err := s.db.WithContext(ctx).
		Where("entitlement_id = ?", entitlementID).
		Order("attempted_at DESC").
		Limit(1).
		Find(&list).Error
	if err != nil {
		return nil, dbErr(err, "latest charge attempt")
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// CountChargeAttempts counts attempts made for one billing period.
func (s *Store) CountChargeAttempts(ctx context.Context, entitlementID string, periodEnd time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.ChargeAttempt{}).
		Where("entitlement_id = ? AND period_end = ?", entitlementID, periodEnd).
		Count(&n).Error
	if err != nil {
		return 0, dbErr(err, "count charge attempts")
	}
	return n, nil
}
