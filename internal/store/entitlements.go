package store

import (
	"context"
	"errors"
	"time"

	ierr "club_billing/internal/errors"
	"club_billing/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) GetEntitlement(ctx context.Context, id string) (*model.Entitlement, error) {
	var e model.Entitlement
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		return nil, dbErr(err, "entitlement")
	}
	return &e, nil
}

// FindEntitlement returns the entitlement of a user for a product, or nil.
func (s *Store) FindEntitlement(ctx context.Context, userID, productID string) (*model.Entitlement, error) {
	var e model.Entitlement
	err := s.db.WithContext(ctx).Where("user_id = ? AND product_id = ?", userID, productID).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr(err, "find entitlement")
	}
	return &e, nil
}

// SaveEntitlement creates e when it has no CreatedAt yet and updates it
// otherwise. A concurrent first grant for the same (user, product) surfaces
// as ierr.ErrAlreadyExists.
func (s *Store) SaveEntitlement(ctx context.Context, e *model.Entitlement) error {
	if err := e.Validate(); err != nil {
		return ierr.WithError(err).Mark(ierr.ErrValidation)
	}
	var err error
	if e.CreatedAt.IsZero() {
		err = s.db.WithContext(ctx).Create(e).Error
	} else {
		err = s.db.WithContext(ctx).Save(e).Error
	}
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return ierr.WithError(err).Mark(ierr.ErrAlreadyExists)
	}
	return dbErr(err, "save entitlement")
}

// ListDueRenewals returns entitlements whose charge is due and that are not
// claimed by another run. Entitlements that exhausted their attempts or are
// blocked on their payment method wait for an operator or a new method.
func (s *Store) ListDueRenewals(ctx context.Context, now time.Time, maxAttempts, limit int) ([]model.Entitlement, error) {
	var list []model.Entitlement
	err := s.db.WithContext(ctx).
		Where("auto_renew = ?", true).
		Where("status IN ?", []model.EntitlementStatus{model.EntitlementActive, model.EntitlementTrial, model.EntitlementPastDue}).
		Where("next_charge_at IS NOT NULL AND next_charge_at <= ?", now).
		Where("charge_attempts < ?", maxAttempts).
		Where("renewal_blocked_reason = ?", "").
		Where("(claimed_until IS NULL OR claimed_until < ?)", now).
		Order("next_charge_at").
		Limit(limit).
		Find(&list).Error
	if err != nil {
		return nil, dbErr(err, "list due renewals")
	}
	return list, nil
}

// ClaimEntitlement takes the renewal claim on id until the given time. It
// returns false when a live claim is held by someone else.
func (s *Store) ClaimEntitlement(ctx context.Context, id, token string, now, until time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.Entitlement{}).
		Where("id = ?", id).
		Where("(claimed_until IS NULL OR claimed_until < ?)", now).
		Updates(map[string]any{"claim_token": token, "claimed_until": until})
	if res.Error != nil {
		return false, dbErr(res.Error, "claim entitlement")
	}
	return res.RowsAffected == 1, nil
}

// FinishClaim applies updates and drops the claim, provided token still
// holds it. It returns false when the claim was lost.
func (s *Store) FinishClaim(ctx context.Context, id, token string, updates map[string]any) (bool, error) {
	all := map[string]any{"claim_token": "", "claimed_until": nil}
	for k, v := range updates {
		all[k] = v
	}
	res := s.db.WithContext(ctx).Model(&model.Entitlement{}).
		Where("id = ? AND claim_token = ?", id, token).
		Updates(all)
	if res.Error != nil {
		return false, dbErr(res.Error, "finish entitlement claim")
	}
	return res.RowsAffected == 1, nil
}

// ReplacePaymentMethod attaches a new method, resets the attempt counter and
// makes the entitlement due now.
func (s *Store) ReplacePaymentMethod(ctx context.Context, entitlementID, paymentMethodID string, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.Entitlement{}).
		Where("id = ?", entitlementID).
		Updates(map[string]any{
			"payment_method_id":      paymentMethodID,
			"charge_attempts":        0,
			"renewal_blocked_reason": "",
			"next_charge_at":         now,
		})
	if res.Error != nil {
		return dbErr(res.Error, "replace payment method")
	}
	if res.RowsAffected == 0 {
		return ierr.NewErrorf("entitlement %s not found", entitlementID).Mark(ierr.ErrNotFound)
	}
	return nil
}

// EntitlementRefs reports which provider subscription ids and order ids are
// referenced by any entitlement, in one query.
func (s *Store) EntitlementRefs(ctx context.Context, subscriptionIDs, orderIDs []string) (subs map[string]bool, orders map[string]bool, err error) {
	subs = make(map[string]bool)
	orders = make(map[string]bool)
	if len(subscriptionIDs) == 0 && len(orderIDs) == 0 {
		return subs, orders, nil
	}
	if subscriptionIDs == nil {
		subscriptionIDs = []string{}
	}
	if orderIDs == nil {
		orderIDs = []string{}
	}

	var rows []struct {
		ProviderSubscriptionID *string
		OrderID                *string
	}
	err = s.db.WithContext(ctx).Model(&model.Entitlement{}).
		Select("provider_subscription_id, order_id").
		Where("provider_subscription_id IN ? OR order_id IN ?", subscriptionIDs, orderIDs).
		Scan(&rows).Error
	if err != nil {
		return nil, nil, dbErr(err, "entitlement refs")
	}
	for _, r := range rows {
		if r.ProviderSubscriptionID != nil {
			subs[*r.ProviderSubscriptionID] = true
		}
		if r.OrderID != nil {
			orders[*r.OrderID] = true
		}
	}
	return subs, orders, nil
}

// GrantFunc builds the entitlement a grant leaves behind from the current
// row of its (user, product), which is nil before the first grant.
type GrantFunc func(current *model.Entitlement) (*model.Entitlement, error)

// ApplyGrant re-reads the entitlement of (userID, productID) inside a
// transaction, stores what build makes of it and records on the order that
// its access was granted. Only grant columns are written; a renewal claim
// held on the row survives the grant.
func (s *Store) ApplyGrant(ctx context.Context, userID, productID, orderID string, at time.Time, build GrantFunc) (*model.Entitlement, error) {
	var (
		e        *model.Entitlement
		buildErr error
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row model.Entitlement
		var current *model.Entitlement
		err := forUpdate(tx).Where("user_id = ? AND product_id = ?", userID, productID).First(&row).Error
		switch {
		case err == nil:
			current = &row
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		if e, buildErr = build(current); buildErr != nil {
			return buildErr
		}
		if buildErr = e.Validate(); buildErr != nil {
			buildErr = ierr.WithError(buildErr).Mark(ierr.ErrValidation)
			return buildErr
		}

		if current == nil {
			err = tx.Create(e).Error
		} else {
			err = tx.Model(&model.Entitlement{}).Where("id = ?", current.ID).Updates(grantColumns(e)).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&model.Order{}).
			Where("id = ?", orderID).
			Updates(map[string]any{"entitlement_id": e.ID, "access_granted_at": at}).Error
	})
	switch {
	case err == nil:
		return e, nil
	case buildErr != nil:
		return nil, buildErr
	case isUniqueViolation(err):
		return nil, ierr.WithError(err).Mark(ierr.ErrAlreadyExists)
	}
	return nil, dbErr(err, "apply grant")
}

// grantColumns leaves out the payment method, the last charge error and the
// claim marker, which belong to the renewal side.
func grantColumns(e *model.Entitlement) map[string]any {
	return map[string]any{
		"tariff_id":                e.TariffID,
		"order_id":                 e.OrderID,
		"provider_subscription_id": e.ProviderSubscriptionID,
		"status":                   e.Status,
		"access_start_at":          e.AccessStartAt,
		"access_end_at":            e.AccessEndAt,
		"retroactive_grant":        e.RetroactiveGrant,
		"auto_renew":               e.AutoRenew,
		"next_charge_at":           e.NextChargeAt,
		"charge_attempts":          e.ChargeAttempts,
		"renewal_blocked_reason":   e.RenewalBlockedReason,
	}
}

// CompleteRenewal extends the entitlement from its current end, as stored at
// commit time, and drops the claim, provided token still holds it. It
// returns the new end and false when the claim was lost.
func (s *Store) CompleteRenewal(ctx context.Context, id, token string, extend func(end time.Time) time.Time) (time.Time, bool, error) {
	var end time.Time
	claimed := true
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row model.Entitlement
		err := forUpdate(tx).Where("id = ? AND claim_token = ?", id, token).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			claimed = false
			return nil
		}
		if err != nil {
			return err
		}
		end = extend(row.AccessEndAt)
		return tx.Model(&model.Entitlement{}).
			Where("id = ? AND claim_token = ?", id, token).
			Updates(map[string]any{
				"access_end_at":          end,
				"next_charge_at":         end,
				"charge_attempts":        0,
				"status":                 model.EntitlementActive,
				"last_charge_error":      "",
				"renewal_blocked_reason": "",
				"claim_token":            "",
				"claimed_until":          nil,
			}).Error
	})
	if err != nil {
		return time.Time{}, false, dbErr(err, "complete renewal")
	}
	return end, claimed, nil
}

// forUpdate locks the rows read by tx where the database supports it.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}
