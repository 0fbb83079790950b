package reconcile

import (
	"context"

	ierr "club_billing/internal/errors"
	"club_billing/internal/materialize"
	"club_billing/internal/model"
	"club_billing/internal/status"
	"club_billing/internal/store"

	"go.uber.org/zap"
)

// MaterializeRequest is an operator's explicit materialization of a queue
// item with a chosen product, used when no mapping applies.
type MaterializeRequest struct {
	QueueItemID string  `json:"queue_item_id" binding:"required"`
	ProfileID   string  `json:"profile_id"`
	ProductID   string  `json:"product_id" binding:"required"`
	TariffID    *string `json:"tariff_id"`
	OfferID     *string `json:"offer_id"`
}

// BulkResult is the per-item outcome of BulkMaterialize.
type BulkResult struct {
	QueueItemID string              `json:"queue_item_id"`
	OrderID     string              `json:"order_id,omitempty"`
	Outcome     materialize.Outcome `json:"outcome,omitempty"`
	Error       string              `json:"error,omitempty"`
	Code        string              `json:"code,omitempty"`
}

// Requeue moves an error item back to pending for the next sweep.
func (p *Processor) Requeue(ctx context.Context, id string) (model.ReconcileQueueItem, error) {
	item, err := p.store.GetQueueItem(ctx, id)
	if err != nil {
		return item, err
	}
	if item.ProcessingStatus != model.ProcessingError {
		return item, ierr.NewErrorf("queue item %s is %s", id, item.ProcessingStatus).
			WithHint("only items in error can be requeued").
			Mark(ierr.ErrInvalidOperation)
	}
	item, err = p.operatorApply(ctx, item, store.QueueUpdate{Status: model.ProcessingPending})
	if err != nil {
		return item, err
	}
	p.Nudge()
	return item, nil
}

// ApplyMapping resolves the item's plan with the current mappings and
// materializes it. The mapping's auto_create_order flag does not apply to
// this explicit action.
func (p *Processor) ApplyMapping(ctx context.Context, id string) (model.ReconcileQueueItem, error) {
	item, err := p.store.GetQueueItem(ctx, id)
	if err != nil {
		return item, err
	}
	if err := checkMaterializable(item); err != nil {
		return item, err
	}

	res, err := p.mapper.Resolve(ctx, item.PlanTitle)
	if err != nil {
		return item, err
	}
	if !res.Found {
		return item, ierr.NewErrorf("no active mapping for plan %q", item.PlanTitle).
			WithHint("create a mapping or materialize with a fallback product").
			Mark(ierr.ErrMappingNotFound)
	}

	item, _, err = p.operatorMaterialize(ctx, item, fromMapping(res))
	return item, err
}

// MaterializeManual materializes one item with the operator's product.
func (p *Processor) MaterializeManual(ctx context.Context, req MaterializeRequest) (materialize.Result, error) {
	if req.ProductID == "" {
		return materialize.Result{}, ierr.NewError("product_id is required").Mark(ierr.ErrValidation)
	}
	item, err := p.store.GetQueueItem(ctx, req.QueueItemID)
	if err != nil {
		return materialize.Result{}, err
	}
	if err := checkMaterializable(item); err != nil {
		return materialize.Result{}, err
	}

	_, out, err := p.operatorMaterialize(ctx, item, materialize.Resolution{
		ProductID: req.ProductID,
		TariffID:  req.TariffID,
		OfferID:   req.OfferID,
		ProfileID: req.ProfileID,
	})
	return out, err
}

// BulkMaterialize runs MaterializeManual for every request independently.
func (p *Processor) BulkMaterialize(ctx context.Context, reqs []MaterializeRequest) []BulkResult {
	results := make([]BulkResult, 0, len(reqs))
	for _, req := range reqs {
		r := BulkResult{QueueItemID: req.QueueItemID}
		out, err := p.MaterializeManual(ctx, req)
		if out.Order != nil {
			r.OrderID = out.Order.ID
		}
		if err != nil {
			r.Error = describe(err)
			r.Code = ierr.Code(err)
		} else {
			r.Outcome = out.Outcome
		}
		results = append(results, r)
	}
	return results
}

// ReprocessPlan applies the current mapping to every item waiting on the
// given plan title. It returns how many items were processed.
func (p *Processor) ReprocessPlan(ctx context.Context, planTitle string) (int, error) {
	items, err := p.store.ListByPlanTitle(ctx, model.PlanTitleKey(planTitle), model.ProcessingNeedsMapping, p.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, item := range items {
		after, err := p.ApplyMapping(ctx, item.ID)
		if err != nil {
			p.log.Warn("reprocess after mapping failed",
				zap.String("provider_event_id", item.ProviderEventID),
				zap.Error(err))
			continue
		}
		if after.ProcessingStatus == model.ProcessingProcessed {
			done++
		}
	}
	return done, nil
}

func checkMaterializable(item model.ReconcileQueueItem) error {
	if item.StatusNormalized != status.Succeeded {
		return ierr.NewErrorf("queue item %s has payment status %s", item.ID, item.StatusNormalized).
			WithHint("only succeeded payments can be materialized").
			Mark(ierr.ErrInvalidOperation)
	}
	return nil
}

// operatorMaterialize materializes item and records the outcome. Processed
// items are materialized again, which is a no-op unless access is missing.
func (p *Processor) operatorMaterialize(ctx context.Context, item model.ReconcileQueueItem, res materialize.Resolution) (model.ReconcileQueueItem, materialize.Result, error) {
	out, err := p.mat.Materialize(ctx, item, res)
	if err != nil {
		if item.ProcessingStatus != model.ProcessingProcessed && !ierr.IsLockBusy(err) {
			u := store.QueueUpdate{
				Status:       model.ProcessingError,
				LastError:    ptr(describe(err)),
				CountAttempt: true,
			}
			if out.Order != nil {
				u.MatchedOrderID = &out.Order.ID
			}
			if after, uerr := p.operatorApply(ctx, item, u); uerr == nil {
				item = after
			}
		}
		return item, out, err
	}

	p.log.Info("queue item materialized by operator",
		zap.String("provider_event_id", item.ProviderEventID),
		zap.String("order_id", out.Order.ID),
		zap.String("outcome", string(out.Outcome)))

	if item.ProcessingStatus == model.ProcessingProcessed {
		return item, out, nil
	}
	item, err = p.operatorApply(ctx, item, store.QueueUpdate{
		Status:         model.ProcessingProcessed,
		MatchedOrderID: &out.Order.ID,
		LastError:      ptr(""),
	})
	return item, out, err
}

func (p *Processor) operatorApply(ctx context.Context, item model.ReconcileQueueItem, u store.QueueUpdate) (model.ReconcileQueueItem, error) {
	if !item.ProcessingStatus.CanOperatorTransition(u.Status) {
		return item, ierr.NewErrorf("queue item %s cannot move from %s to %s", item.ID, item.ProcessingStatus, u.Status).
			Mark(ierr.ErrInvalidOperation)
	}
	return p.apply(ctx, item, u)
}
