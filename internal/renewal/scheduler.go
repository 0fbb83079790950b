// Package renewal charges auto-renewing entitlements when they come due.
package renewal

import (
	"context"
	"fmt"
	"time"

	"club_billing/internal/entitlement"
	ierr "club_billing/internal/errors"
	"club_billing/internal/idempotency"
	"club_billing/internal/model"
	"club_billing/internal/provider"
	"club_billing/internal/store"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Charger debits a saved payment method at the provider.
type Charger interface {
	Charge(ctx context.Context, req provider.ChargeRequest) (provider.ChargeResult, error)
}

type Options struct {
	Interval      time.Duration
	MaxAttempts   int
	Backoff       time.Duration
	ClaimTTL      time.Duration
	ChargeTimeout time.Duration
	BatchSize     int
}

type Outcome string

const (
	OutcomeCharged Outcome = "charged"
	OutcomeFailed  Outcome = "failed"
	OutcomePastDue Outcome = "past_due"
	OutcomeBlocked Outcome = "blocked"
	OutcomeSkipped Outcome = "skipped"
)

// Scheduler runs renewals. Each entitlement is claimed with a timed
// compare-and-swap marker before the provider is called, so overlapping
// runs never charge the same entitlement twice. Nothing is locked while the
// provider call is in flight; the claim simply expires if the run dies.
type Scheduler struct {
	store   *store.Store
	charger Charger
	keys    *idempotency.Generator
	opts    Options
	log     *zap.Logger

	Now func() time.Time
}

func NewScheduler(s *store.Store, charger Charger, opts Options, log *zap.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 24 * time.Hour
	}
	if opts.ChargeTimeout <= 0 {
		opts.ChargeTimeout = 15 * time.Second
	}
	if opts.ClaimTTL <= opts.ChargeTimeout {
		opts.ClaimTTL = 4 * opts.ChargeTimeout
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	return &Scheduler{
		store:   s,
		charger: charger,
		keys:    idempotency.NewGenerator(),
		opts:    opts,
		log:     log,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		sum, err := s.Tick(ctx)
		if err != nil {
			s.log.Error("renewal tick failed", zap.Error(err))
			continue
		}
		if len(sum) > 0 {
			s.log.Info("renewal tick", zap.Any("outcomes", sum))
		}
	}
}

// Tick charges every due entitlement once. One entitlement failing never
// stops the others.
func (s *Scheduler) Tick(ctx context.Context) (map[Outcome]int, error) {
	due, err := s.store.ListDueRenewals(ctx, s.Now(), s.opts.MaxAttempts, s.opts.BatchSize)
	if err != nil {
		return nil, err
	}
	sum := make(map[Outcome]int)
	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		out, err := s.renew(ctx, e.ID, false)
		if err != nil && out == "" {
			s.log.Error("renewal failed",
				zap.String("entitlement_id", e.ID),
				zap.Error(err))
			continue
		}
		sum[out]++
	}
	return sum, nil
}

// ChargeNow runs the renewal state machine for one entitlement outside the
// schedule. Attempts count the same way as scheduled ones.
func (s *Scheduler) ChargeNow(ctx context.Context, entitlementID string) (Outcome, error) {
	return s.renew(ctx, entitlementID, true)
}

// ReplacePaymentMethod attaches pm to the entitlement, resets its attempt
// counter and makes it due immediately.
func (s *Scheduler) ReplacePaymentMethod(ctx context.Context, entitlementID, paymentMethodID string) error {
	e, err := s.store.GetEntitlement(ctx, entitlementID)
	if err != nil {
		return err
	}
	pm, err := s.store.GetPaymentMethod(ctx, paymentMethodID)
	if err != nil {
		return err
	}
	if pm.UserID != e.UserID {
		return ierr.NewErrorf("payment method %s belongs to another user", pm.ID).Mark(ierr.ErrValidation)
	}
	if pm.Status != model.PaymentMethodActive {
		return ierr.NewErrorf("payment method %s is %s", pm.ID, pm.Status).Mark(ierr.ErrPaymentMethodInactive)
	}
	if err := s.store.ReplacePaymentMethod(ctx, entitlementID, paymentMethodID, s.Now()); err != nil {
		return err
	}
	s.log.Info("payment method replaced",
		zap.String("entitlement_id", entitlementID),
		zap.String("payment_method_id", paymentMethodID))
	return nil
}

// renew claims, charges and records one entitlement. A non-empty outcome
// with an error means the outcome was recorded and err explains it.
func (s *Scheduler) renew(ctx context.Context, id string, manual bool) (Outcome, error) {
	now := s.Now()
	token := uuid.NewString()
	claimed, err := s.store.ClaimEntitlement(ctx, id, token, now, now.Add(s.opts.ClaimTTL))
	if err != nil {
		return "", err
	}
	if !claimed {
		if manual {
			if _, err := s.store.GetEntitlement(ctx, id); err != nil {
				return "", err
			}
			return "", ierr.NewErrorf("entitlement %s is being renewed", id).Mark(ierr.ErrLockBusy)
		}
		return OutcomeSkipped, nil
	}

	e, err := s.store.GetEntitlement(ctx, id)
	if err != nil {
		s.release(ctx, id, token)
		return "", err
	}
	if err := s.eligible(e, now, manual); err != nil {
		s.release(ctx, id, token)
		if manual {
			return "", err
		}
		return OutcomeSkipped, nil
	}

	pm, reason, err := s.paymentMethod(ctx, e)
	if err != nil {
		s.release(ctx, id, token)
		return "", err
	}
	if reason != "" {
		s.log.Warn("renewal blocked on payment method",
			zap.String("entitlement_id", e.ID),
			zap.String("reason", reason))
		if _, err := s.store.FinishClaim(ctx, id, token, map[string]any{"renewal_blocked_reason": reason}); err != nil {
			return "", err
		}
		return OutcomeBlocked, ierr.NewErrorf("renewal of %s blocked: %s", e.ID, reason).Mark(ierr.ErrPaymentMethodInactive)
	}

	tariff, err := s.tariff(ctx, e)
	if err != nil {
		s.release(ctx, id, token)
		return "", err
	}
	key, err := s.idempotencyKey(ctx, e, manual)
	if err != nil {
		s.release(ctx, id, token)
		return "", err
	}

	chargeCtx, cancel := context.WithTimeout(ctx, s.opts.ChargeTimeout)
	res, chargeErr := s.charger.Charge(chargeCtx, provider.ChargeRequest{
		PaymentMethodToken: pm.ProviderToken,
		Amount:             tariff.Price,
		Currency:           tariff.Currency,
		Description:        fmt.Sprintf("%s renewal", tariff.Name),
		IdempotencyKey:     key,
	})
	cancel()

	attempt := &model.ChargeAttempt{
		ID:               uuid.NewString(),
		EntitlementID:    e.ID,
		AttemptedAt:      s.Now(),
		PeriodEnd:        e.AccessEndAt,
		Succeeded:        chargeErr == nil,
		IdempotencyKey:   key,
		ProviderChargeID: res.ID,
		Amount:           tariff.Price,
		Manual:           manual,
	}
	if chargeErr != nil {
		attempt.ErrorCode = ierr.Code(chargeErr)
	}
	if err := s.store.CreateChargeAttempt(ctx, attempt); err != nil {
		s.log.Error("charge attempt not recorded",
			zap.String("entitlement_id", e.ID),
			zap.String("idempotency_key", key),
			zap.Error(err))
	}

	if chargeErr == nil {
		return s.succeed(ctx, e, tariff, token, res)
	}
	return s.failCharge(ctx, e, token, chargeErr)
}

func (s *Scheduler) eligible(e *model.Entitlement, now time.Time, manual bool) error {
	if !e.Status.Renewable() {
		return ierr.NewErrorf("entitlement %s is %s", e.ID, e.Status).Mark(ierr.ErrInvalidOperation)
	}
	if manual {
		return nil
	}
	if !e.AutoRenew || e.NextChargeAt == nil || e.NextChargeAt.After(now) || e.ChargeAttempts >= s.opts.MaxAttempts || e.RenewalBlockedReason != "" {
		return ierr.NewErrorf("entitlement %s is not due", e.ID).Mark(ierr.ErrInvalidOperation)
	}
	return nil
}

// paymentMethod returns the method to charge, or a blocked reason.
func (s *Scheduler) paymentMethod(ctx context.Context, e *model.Entitlement) (*model.PaymentMethod, string, error) {
	if e.PaymentMethodID == nil || *e.PaymentMethodID == "" {
		return nil, model.BlockedNoPaymentMethod, nil
	}
	pm, err := s.store.GetPaymentMethod(ctx, *e.PaymentMethodID)
	if err != nil {
		if ierr.IsNotFound(err) {
			return nil, model.BlockedNoPaymentMethod, nil
		}
		return nil, "", err
	}
	if pm.Status != model.PaymentMethodActive {
		return nil, model.BlockedPaymentMethodInactive, nil
	}
	return pm, "", nil
}

func (s *Scheduler) tariff(ctx context.Context, e *model.Entitlement) (*model.Tariff, error) {
	if e.TariffID != nil && *e.TariffID != "" {
		return s.store.GetTariff(ctx, *e.TariffID)
	}
	return s.store.DefaultTariff(ctx, e.ProductID)
}

// idempotencyKey is stable per entitlement, period and attempt. After a
// timeout the previous key is reused, so if the provider did charge, the
// retry returns that charge instead of taking the money twice.
func (s *Scheduler) idempotencyKey(ctx context.Context, e *model.Entitlement, manual bool) (string, error) {
	last, err := s.store.LatestChargeAttempt(ctx, e.ID)
	if err != nil {
		return "", err
	}
	if last != nil && last.ErrorCode == ierr.ErrCodeProviderTimeout && last.PeriodEnd.Equal(e.AccessEndAt) {
		return last.IdempotencyKey, nil
	}

	scope := idempotency.ScopeRenewal
	if manual {
		scope = idempotency.ScopeManualCharge
	}
	attempts, err := s.store.CountChargeAttempts(ctx, e.ID, e.AccessEndAt)
	if err != nil {
		return "", err
	}
	return s.keys.GenerateKey(scope, map[string]any{
		"entitlement_id": e.ID,
		"period_end":     e.AccessEndAt.UTC().Format(time.RFC3339),
		"attempt":        attempts,
	}), nil
}

func (s *Scheduler) succeed(ctx context.Context, e *model.Entitlement, tariff *model.Tariff, token string, res provider.ChargeResult) (Outcome, error) {
	// extend from the stored end; a grant may have moved it during the charge
	end, ok, err := s.store.CompleteRenewal(ctx, e.ID, token, func(current time.Time) time.Time {
		return entitlement.AddDays(current, tariff.AccessDays)
	})
	if err != nil {
		return "", err
	}
	if !ok {
		// the provider took the money; the row must be fixed by hand
		s.log.Error("renewal charged but claim was lost",
			zap.String("entitlement_id", e.ID),
			zap.String("provider_charge_id", res.ID))
		return OutcomeCharged, ierr.NewErrorf("claim on %s expired during the charge", e.ID).Mark(ierr.ErrLockBusy)
	}
	s.log.Info("renewal charged",
		zap.String("entitlement_id", e.ID),
		zap.String("provider_charge_id", res.ID),
		zap.Time("access_end_at", end))
	return OutcomeCharged, nil
}

func (s *Scheduler) failCharge(ctx context.Context, e *model.Entitlement, token string, cause error) (Outcome, error) {
	attempts := e.ChargeAttempts + 1
	updates := map[string]any{
		"charge_attempts":   attempts,
		"last_charge_error": truncate(cause.Error(), 255),
	}
	out := OutcomeFailed
	if attempts >= s.opts.MaxAttempts {
		updates["status"] = model.EntitlementPastDue
		out = OutcomePastDue
	} else {
		updates["next_charge_at"] = s.Now().Add(s.retryDelay(attempts))
	}

	if _, err := s.store.FinishClaim(ctx, e.ID, token, updates); err != nil {
		return "", err
	}
	s.log.Warn("renewal charge failed",
		zap.String("entitlement_id", e.ID),
		zap.Int("charge_attempts", attempts),
		zap.String("code", ierr.Code(cause)),
		zap.String("outcome", string(out)),
		zap.Error(cause))
	return out, cause
}

// retryDelay doubles the base backoff for every failed attempt.
func (s *Scheduler) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.Backoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 16 * s.opts.Backoff
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (s *Scheduler) release(ctx context.Context, id, token string) {
	if _, err := s.store.FinishClaim(ctx, id, token, nil); err != nil {
		s.log.Warn("renewal claim not released", zap.String("entitlement_id", id), zap.Error(err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
