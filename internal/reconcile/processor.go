// Package reconcile drives reconciliation queue items through their state
// machine: ingest, resolve the plan, materialize, record the outcome.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	ierr "club_billing/internal/errors"
	"club_billing/internal/materialize"
	"club_billing/internal/model"
	"club_billing/internal/planmap"
	"club_billing/internal/status"
	"club_billing/internal/store"
	"club_billing/internal/trackingkey"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	causeAutoCreateDisabled = "auto order creation disabled"
	maxCauseLen             = 1024
)

type Options struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

// Processor is safe to run concurrently with itself: every transition is a
// compare-and-swap on the item's processing status and materialization is
// serialized per tracking key.
type Processor struct {
	store  *store.Store
	mapper *planmap.Mapper
	mat    *materialize.Materializer
	opts   Options
	log    *zap.Logger
	nudge  chan struct{}

	Now func() time.Time
}

func NewProcessor(s *store.Store, mapper *planmap.Mapper, mat *materialize.Materializer, opts Options, log *zap.Logger) *Processor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Processor{
		store:  s,
		mapper: mapper,
		mat:    mat,
		opts:   opts,
		log:    log,
		nudge:  make(chan struct{}, 1),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Ingest stores an inbound event as a pending queue item. A redelivered
// provider_event_id returns the stored item with duplicate=true.
func (p *Processor) Ingest(ctx context.Context, ev model.InboundEvent, source string) (model.ReconcileQueueItem, bool, error) {
	if err := ev.Validate(); err != nil {
		return model.ReconcileQueueItem{}, false, ierr.WithError(err).Mark(ierr.ErrValidation)
	}

	key := trackingkey.Parse(ev.TrackingKey)
	if !key.Valid {
		p.log.Warn("invalid tracking key",
			zap.String("provider_event_id", ev.ProviderEventID),
			zap.String("tracking_key", ev.TrackingKey),
			zap.String("code", ierr.ErrCodeInvalidTrackingKey))
	}
	normalized, known := status.Normalize(ev.RawStatus)
	if !known {
		p.log.Warn("unknown provider status, kept as pending",
			zap.String("provider_event_id", ev.ProviderEventID),
			zap.String("raw_status", ev.RawStatus))
	}

	item := &model.ReconcileQueueItem{
		ID:               uuid.NewString(),
		ProviderEventID:  ev.ProviderEventID,
		TrackingKey:      ev.TrackingKey,
		TrackingKind:     key.Kind,
		TrackingRef:      key.Ref(),
		CanonicalKey:     key.String(),
		RawStatus:        ev.RawStatus,
		StatusNormalized: normalized,
		ProcessingStatus: model.ProcessingPending,
		PlanTitle:        ev.PlanTitle,
		PlanTitleKey:     model.PlanTitleKey(ev.PlanTitle),
		Amount:           ev.Amount,
		Currency:         strings.ToUpper(ev.Currency),
		OccurredAt:       ev.OccurredAt.UTC(),
		Source:           source,
		ProfileID:        ev.ProfileID,
		SubscriptionID:   ev.SubscriptionID,
	}
	stored, created, err := p.store.InsertQueueItem(ctx, item)
	if err != nil {
		return model.ReconcileQueueItem{}, false, err
	}
	if created {
		p.log.Info("payment event queued",
			zap.String("provider_event_id", stored.ProviderEventID),
			zap.String("tracking_key", stored.TrackingKey),
			zap.String("status", string(stored.StatusNormalized)),
			zap.String("source", source))
		p.Nudge()
	}
	return stored, !created, nil
}

// Nudge asks the worker for an immediate sweep.
func (p *Processor) Nudge() {
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

// Run sweeps on every tick and every nudge until ctx is done.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.nudge:
		}
		sum, err := p.ProcessPending(ctx)
		if err != nil {
			p.log.Error("queue sweep failed", zap.Error(err))
			continue
		}
		if sum.Total() > 0 {
			p.log.Info("queue sweep",
				zap.Int("processed", sum.Processed),
				zap.Int("needs_mapping", sum.NeedsMapping),
				zap.Int("errors", sum.Errors),
				zap.Int("retrying", sum.Retrying))
		}
	}
}

// Summary counts the outcomes of one sweep.
type Summary struct {
	Processed    int `json:"processed"`
	NeedsMapping int `json:"needs_mapping"`
	Errors       int `json:"errors"`
	Retrying     int `json:"retrying"`
}

func (s Summary) Total() int {
	return s.Processed + s.NeedsMapping + s.Errors + s.Retrying
}

// ProcessPending handles one batch of processable items. A failing item
// never stops the others; only failing to list the batch is returned.
func (p *Processor) ProcessPending(ctx context.Context) (Summary, error) {
	items, err := p.store.ListProcessable(ctx, p.opts.BatchSize)
	if err != nil {
		return Summary{}, err
	}

	var sum Summary
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		after, err := p.handle(ctx, item)
		if err != nil {
			p.log.Error("queue item not updated",
				zap.String("provider_event_id", item.ProviderEventID),
				zap.Error(err))
			continue
		}
		switch after.ProcessingStatus {
		case model.ProcessingProcessed:
			sum.Processed++
		case model.ProcessingNeedsMapping:
			sum.NeedsMapping++
		case model.ProcessingError:
			sum.Errors++
		case model.ProcessingPending:
			if after.AttemptCount > item.AttemptCount {
				sum.Retrying++
			}
		}
	}
	return sum, nil
}

// Process handles one item by id. Processed items are returned unchanged.
func (p *Processor) Process(ctx context.Context, id string) (model.ReconcileQueueItem, error) {
	item, err := p.store.GetQueueItem(ctx, id)
	if err != nil {
		return model.ReconcileQueueItem{}, err
	}
	return p.handle(ctx, item)
}

func (p *Processor) handle(ctx context.Context, item model.ReconcileQueueItem) (model.ReconcileQueueItem, error) {
	if item.ProcessingStatus != model.ProcessingPending {
		return item, nil
	}

	switch {
	case item.StatusNormalized.IsTerminalNonEvent():
		return p.transition(ctx, item, store.QueueUpdate{Status: model.ProcessingProcessed})
	case item.StatusNormalized != status.Succeeded:
		return item, nil
	}

	res, err := p.mapper.Resolve(ctx, item.PlanTitle)
	if err != nil {
		return p.fail(ctx, item, nil, err)
	}
	if !res.Found {
		p.log.Info("no plan mapping",
			zap.String("provider_event_id", item.ProviderEventID),
			zap.String("plan_title", item.PlanTitle))
		return p.transition(ctx, item, store.QueueUpdate{
			Status:    model.ProcessingNeedsMapping,
			LastError: ptr(fmt.Sprintf("no plan mapping for %q", item.PlanTitle)),
		})
	}
	if !res.AutoCreateOrder {
		return p.transition(ctx, item, store.QueueUpdate{
			Status:    model.ProcessingNeedsMapping,
			LastError: ptr(causeAutoCreateDisabled),
		})
	}

	out, err := p.mat.Materialize(ctx, item, fromMapping(res))
	if err != nil {
		return p.fail(ctx, item, out.Order, err)
	}
	return p.transition(ctx, item, store.QueueUpdate{
		Status:         model.ProcessingProcessed,
		MatchedOrderID: &out.Order.ID,
		LastError:      ptr(""),
	})
}

// fail records a processing failure. A paid order whose access could not be
// granted stays pending so the next sweep repairs it, until MaxAttempts.
func (p *Processor) fail(ctx context.Context, item model.ReconcileQueueItem, order *model.Order, cause error) (model.ReconcileQueueItem, error) {
	if ierr.IsLockBusy(cause) {
		p.log.Debug("tracking key busy, skipped",
			zap.String("provider_event_id", item.ProviderEventID))
		return item, nil
	}

	u := store.QueueUpdate{
		Status:       model.ProcessingError,
		LastError:    ptr(describe(cause)),
		CountAttempt: true,
	}
	if order != nil {
		u.MatchedOrderID = &order.ID
		partial := order.Status == model.OrderPaid && !ierr.Is(cause, ierr.ErrContactNotLinked)
		if partial && item.AttemptCount+1 < p.opts.MaxAttempts {
			u.Status = model.ProcessingPending
		}
	}

	p.log.Warn("queue item failed",
		zap.String("provider_event_id", item.ProviderEventID),
		zap.String("tracking_key", item.TrackingKey),
		zap.String("next_status", string(u.Status)),
		zap.String("code", ierr.Code(cause)),
		zap.Error(cause))
	return p.transition(ctx, item, u)
}

func (p *Processor) transition(ctx context.Context, item model.ReconcileQueueItem, u store.QueueUpdate) (model.ReconcileQueueItem, error) {
	if !item.ProcessingStatus.CanTransition(u.Status) {
		return item, ierr.NewErrorf("queue item %s cannot move from %s to %s", item.ID, item.ProcessingStatus, u.Status).
			Mark(ierr.ErrInvalidOperation)
	}
	return p.apply(ctx, item, u)
}

func (p *Processor) apply(ctx context.Context, item model.ReconcileQueueItem, u store.QueueUpdate) (model.ReconcileQueueItem, error) {
	u.AttemptedAt = p.Now()
	ok, err := p.store.TransitionQueueItem(ctx, item.ID, item.ProcessingStatus, u)
	if err != nil {
		return item, err
	}
	if !ok {
		p.log.Debug("queue item moved by another worker", zap.String("provider_event_id", item.ProviderEventID))
	}
	return p.store.GetQueueItem(ctx, item.ID)
}

func fromMapping(res planmap.Resolution) materialize.Resolution {
	return materialize.Resolution{
		ProductID: res.ProductID,
		TariffID:  res.TariffID,
		OfferID:   res.OfferID,
	}
}

// describe renders err with its hints for operators.
func describe(err error) string {
	msg := err.Error()
	if hint := ierr.Hint(err); hint != "" {
		msg = msg + " (" + strings.ReplaceAll(hint, "\n", "; ") + ")"
	}
	if len(msg) > maxCauseLen {
		msg = msg[:maxCauseLen]
	}
	return msg
}

func ptr[T any](v T) *T {
	return &v
}
