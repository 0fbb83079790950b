package store

import (
	"context"
	"time"

	ierr "club_billing/internal/errors"
	"club_billing/internal/model"
	"club_billing/internal/trackingkey"
)

// FindOrderForKey looks an order up by decoded tracking key. A direct
// tracking_key match wins; order keys also match by id or order number.
func (s *Store) FindOrderForKey(ctx context.Context, key trackingkey.Key) (*model.Order, error) {
	var orders []model.Order
	q := s.db.WithContext(ctx).Where("tracking_key = ?", key.String())
	if key.Kind == trackingkey.KindOrder {
		q = q.Or("id = ?", key.OrderID).Or("order_number = ?", key.OrderID)
	}
	if err := q.Limit(3).Find(&orders).Error; err != nil {
		return nil, dbErr(err, "find order")
	}
	if len(orders) == 0 {
		return nil, ierr.NewErrorf("no order for tracking key %s", key.String()).Mark(ierr.ErrNotFound)
	}
	for i := range orders {
		if orders[i].TrackingKey == key.String() {
			return &orders[i], nil
		}
	}
	return &orders[0], nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&o).Error; err != nil {
		return nil, dbErr(err, "order")
	}
	return &o, nil
}

// CreateOrder inserts o. A tracking key conflict is reported as
// ierr.ErrDuplicateMaterialization so the caller can re-read the winner.
func (s *Store) CreateOrder(ctx context.Context, o *model.Order) error {
	err := s.db.WithContext(ctx).Create(o).Error
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return ierr.WithError(err).
			WithHintf("order for %s already exists", o.TrackingKey).
			Mark(ierr.ErrDuplicateMaterialization)
	}
	return dbErr(err, "create order")
}

// MarkOrderPaid flips a not-yet-paid order to paid. It reports whether this
// call made the change.
func (s *Store) MarkOrderPaid(ctx context.Context, o *model.Order, paidAt time.Time) (bool, error) {
	updates := map[string]any{
		"status":  model.OrderPaid,
		"paid_at": paidAt,
	}
	if o.TariffID != nil {
		updates["tariff_id"] = *o.TariffID
	}
	if o.OfferID != nil {
		updates["offer_id"] = *o.OfferID
	}
	if o.UserID != nil {
		updates["user_id"] = *o.UserID
	}
	res := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND status <> ?", o.ID, model.OrderPaid).
		Updates(updates)
	if res.Error != nil {
		return false, dbErr(res.Error, "mark order paid")
	}
	return res.RowsAffected == 1, nil
}

// LinkOrderContact sets the user of an order that has none.
func (s *Store) LinkOrderContact(ctx context.Context, orderID, userID string) error {
	err := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND (user_id IS NULL OR user_id = '')", orderID).
		Update("user_id", userID).Error
	if err != nil {
		return dbErr(err, "link order contact")
	}
	return nil
}

// SetOrderProduct overwrites product and tariff of an order.
func (s *Store) SetOrderProduct(ctx context.Context, orderID, productID string, tariffID, offerID *string) error {
	res := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]any{
			"product_id": productID,
			"tariff_id":  tariffID,
			"offer_id":   offerID,
		})
	if res.Error != nil {
		return dbErr(res.Error, "set order product")
	}
	if res.RowsAffected == 0 {
		return ierr.NewErrorf("order %s not found", orderID).Mark(ierr.ErrNotFound)
	}
	return nil
}

// OrdersByKeysOrIDs fetches every order matching any of the canonical keys,
// ids or order numbers in one query.
func (s *Store) OrdersByKeysOrIDs(ctx context.Context, keys, ids []string) ([]model.Order, error) {
	if len(keys) == 0 && len(ids) == 0 {
		return nil, nil
	}
	q := s.db.WithContext(ctx).Model(&model.Order{})
	switch {
	case len(keys) > 0 && len(ids) > 0:
		q = q.Where("tracking_key IN ? OR id IN ? OR order_number IN ?", keys, ids, ids)
	case len(keys) > 0:
		q = q.Where("tracking_key IN ?", keys)
	default:
		q = q.Where("id IN ? OR order_number IN ?", ids, ids)
	}

	var orders []model.Order
	if err := q.Find(&orders).Error; err != nil {
		return nil, dbErr(err, "batch orders")
	}
	return orders, nil
}
