package store

import (
	"context"
	"errors"
	"time"

	ierr "club_billing/internal/errors"
	"club_billing/internal/model"
	"club_billing/internal/status"

	"gorm.io/gorm"
)

// InsertQueueItem stores a new event. When provider_event_id is already
// known the stored item is returned with created=false.
func (s *Store) InsertQueueItem(ctx context.Context, item *model.ReconcileQueueItem) (model.ReconcileQueueItem, bool, error) {
	err := s.db.WithContext(ctx).Create(item).Error
	if err == nil {
		return *item, true, nil
	}
	if !isUniqueViolation(err) {
		return model.ReconcileQueueItem{}, false, dbErr(err, "insert queue item")
	}

	var existing model.ReconcileQueueItem
	if err := s.db.WithContext(ctx).Where("provider_event_id = ?", item.ProviderEventID).First(&existing).Error; err != nil {
		return model.ReconcileQueueItem{}, false, dbErr(err, "queue item")
	}
	return existing, false, nil
}

func (s *Store) GetQueueItem(ctx context.Context, id string) (model.ReconcileQueueItem, error) {
	var item model.ReconcileQueueItem
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error; err != nil {
		return model.ReconcileQueueItem{}, dbErr(err, "queue item")
	}
	return item, nil
}

// ListProcessable returns pending items whose provider status is settled
// enough to act on, oldest first.
func (s *Store) ListProcessable(ctx context.Context, limit int) ([]model.ReconcileQueueItem, error) {
	var items []model.ReconcileQueueItem
	err := s.db.WithContext(ctx).
		Where("processing_status = ?", model.ProcessingPending).
		Where("status_normalized IN ?", []status.Normalized{status.Succeeded, status.Failed, status.Cancelled, status.Refunded}).
		Order("created_at").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, dbErr(err, "list processable queue items")
	}
	return items, nil
}

// ListByPlanTitle returns items in the given processing status for a plan title.
func (s *Store) ListByPlanTitle(ctx context.Context, titleKey string, ps model.ProcessingStatus, limit int) ([]model.ReconcileQueueItem, error) {
	var items []model.ReconcileQueueItem
	err := s.db.WithContext(ctx).
		Where("plan_title_key = ? AND processing_status = ?", titleKey, ps).
		Order("created_at").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, dbErr(err, "list queue items by plan")
	}
	return items, nil
}

// QueueUpdate is a processing outcome applied with compare-and-swap on the
// current processing status.
type QueueUpdate struct {
	Status         model.ProcessingStatus
	MatchedOrderID *string
	LastError      *string
	CountAttempt   bool
	AttemptedAt    time.Time
}

// TransitionQueueItem applies u only when the item is still in from. It
// returns false when another writer moved the item first.
func (s *Store) TransitionQueueItem(ctx context.Context, id string, from model.ProcessingStatus, u QueueUpdate) (bool, error) {
	updates := map[string]any{
		"processing_status": u.Status,
		"last_attempted_at": u.AttemptedAt,
	}
	if u.MatchedOrderID != nil {
		updates["matched_order_id"] = *u.MatchedOrderID
	}
	if u.LastError != nil {
		updates["last_error"] = *u.LastError
	}
	if u.CountAttempt {
		updates["attempt_count"] = gorm.Expr("attempt_count + 1")
	}

	res := s.db.WithContext(ctx).Model(&model.ReconcileQueueItem{}).
		Where("id = ? AND processing_status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, dbErr(res.Error, "transition queue item")
	}
	return res.RowsAffected == 1, nil
}

// StuckGroup is one row of the stuck summary.
type StuckGroup struct {
	TrackingKind     string                 `json:"tracking_kind"`
	ProcessingStatus model.ProcessingStatus `json:"processing_status"`
	Count            int64                  `json:"count"`
}

var stuckStatuses = []model.ProcessingStatus{model.ProcessingPending, model.ProcessingError, model.ProcessingNeedsMapping}

// StuckSummary groups link-keyed items that have not been processed.
func (s *Store) StuckSummary(ctx context.Context) ([]StuckGroup, error) {
	var groups []StuckGroup
	err := s.db.WithContext(ctx).Model(&model.ReconcileQueueItem{}).
		Select("tracking_kind, processing_status, COUNT(*) AS count").
		Where("tracking_key LIKE ?", "link:%").
		Where("processing_status IN ?", stuckStatuses).
		Group("tracking_kind, processing_status").
		Order("tracking_kind, processing_status").
		Scan(&groups).Error
	if err != nil {
		return nil, dbErr(err, "stuck summary")
	}
	return groups, nil
}

// ListStuck returns the stuck link-keyed items, oldest first.
func (s *Store) ListStuck(ctx context.Context, limit int) ([]model.ReconcileQueueItem, error) {
	var items []model.ReconcileQueueItem
	err := s.db.WithContext(ctx).
		Where("tracking_key LIKE ?", "link:%").
		Where("processing_status IN ?", stuckStatuses).
		Order("created_at").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, dbErr(err, "list stuck items")
	}
	return items, nil
}

// unmaterialized selects succeeded items that no paid order covers.
func (s *Store) unmaterialized(ctx context.Context) *gorm.DB {
	paid := s.db.Model(&model.Order{}).
		Select("1").
		Where("orders.status = ?", model.OrderPaid).
		Where("(orders.tracking_key = reconcile_queue.canonical_key" +
			" OR orders.id = reconcile_queue.matched_order_id" +
			" OR (reconcile_queue.tracking_kind = 'order' AND (orders.id = reconcile_queue.tracking_ref OR orders.order_number = reconcile_queue.tracking_ref)))")

	return s.db.WithContext(ctx).Model(&model.ReconcileQueueItem{}).
		Where("reconcile_queue.status_normalized = ?", status.Succeeded).
		Where("NOT EXISTS (?)", paid)
}

// ListUnmaterialized returns succeeded items without a paid order and the
// total number of such items.
func (s *Store) ListUnmaterialized(ctx context.Context, limit int) ([]model.ReconcileQueueItem, int64, error) {
	var total int64
	if err := s.unmaterialized(ctx).Count(&total).Error; err != nil {
		return nil, 0, dbErr(err, "count unmaterialized")
	}

	var items []model.ReconcileQueueItem
	if err := s.unmaterialized(ctx).Order("reconcile_queue.created_at").Limit(limit).Find(&items).Error; err != nil {
		return nil, 0, dbErr(err, "list unmaterialized")
	}
	return items, total, nil
}

// MismatchedMapping is an order whose product/tariff disagrees with the
// active mapping of the plan it was paid through.
type MismatchedMapping struct {
	OrderID           string  `json:"order_id"`
	OrderNumber       string  `json:"order_number"`
	OrderProductID    string  `json:"order_product_id"`
	OrderTariffID     *string `json:"order_tariff_id"`
	ProviderPlanTitle string  `json:"provider_plan_title"`
	MappedProductID   string  `json:"mapped_product_id"`
	MappedTariffID    *string `json:"mapped_tariff_id"`
}

func (s *Store) ListMismatchedMappings(ctx context.Context, limit int) ([]MismatchedMapping, error) {
	var rows []MismatchedMapping
	err := s.db.WithContext(ctx).Table("orders").
		Distinct("orders.id AS order_id, orders.order_number, orders.product_id AS order_product_id, orders.tariff_id AS order_tariff_id,"+
			" plan_mappings.provider_plan_title, plan_mappings.product_id AS mapped_product_id, plan_mappings.tariff_id AS mapped_tariff_id").
		Joins("JOIN reconcile_queue ON reconcile_queue.matched_order_id = orders.id").
		Joins("JOIN plan_mappings ON plan_mappings.title_key = reconcile_queue.plan_title_key").
		Where("plan_mappings.active = ?", true).
		Where("(orders.product_id <> plan_mappings.product_id OR COALESCE(orders.tariff_id, '') <> COALESCE(plan_mappings.tariff_id, ''))").
		Order("orders.id").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, dbErr(err, "list mismatched mappings")
	}
	return rows, nil
}

// LatestMatchedItem returns the most recent queue item matched to orderID.
func (s *Store) LatestMatchedItem(ctx context.Context, orderID string) (model.ReconcileQueueItem, error) {
	var item model.ReconcileQueueItem
	err := s.db.WithContext(ctx).
		Where("matched_order_id = ?", orderID).
		Order("created_at DESC").
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.ReconcileQueueItem{}, ierr.WithError(err).
				WithHintf("no queue item is matched to order %s", orderID).
				Mark(ierr.ErrNotFound)
		}
		return model.ReconcileQueueItem{}, dbErr(err, "matched queue item")
	}
	return item, nil
}
