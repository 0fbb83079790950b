package renewal

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	ierr "club_billing/internal/errors"
	"club_billing/internal/model"
	"club_billing/internal/provider"
	"club_billing/internal/store"
	"club_billing/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCharger struct {
	mu   sync.Mutex
	reqs []provider.ChargeRequest
	errs []error
	// during runs while the charge is in flight
	during func()
}

func (f *fakeCharger) Charge(_ context.Context, req provider.ChargeRequest) (provider.ChargeResult, error) {
	if f.during != nil {
		f.during()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return provider.ChargeResult{}, err
		}
	}
	return provider.ChargeResult{ID: "ch_" + uuid.NewString()[:8], Status: provider.ChargeSucceeded}, nil
}

func (f *fakeCharger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func declined() error {
	return ierr.NewError("card declined").Mark(ierr.ErrProviderRejected)
}

func timedOut() error {
	return ierr.NewError("deadline exceeded").Mark(ierr.ErrProviderTimeout)
}

type fixture struct {
	store   *store.Store
	clock   *testutil.Clock
	charger *fakeCharger
	sched   *Scheduler
	ent     *model.Entitlement
	end     time.Time
}

func newFixture(t *testing.T, withMethod bool) *fixture {
	ctx := context.Background()
	s := testutil.NewStore(t)
	cat := testutil.SeedCatalog(t, s, "Club", 30)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	f := &fixture{
		store:   s,
		clock:   testutil.NewClock(now),
		charger: &fakeCharger{},
		end:     now,
	}

	e := &model.Entitlement{
		ID:            uuid.NewString(),
		UserID:        "user-1",
		ProductID:     cat.Product.ID,
		TariffID:      &cat.Tariff.ID,
		Status:        model.EntitlementActive,
		AccessStartAt: now.AddDate(0, 0, -30),
		AccessEndAt:   now,
		AutoRenew:     true,
		NextChargeAt:  &now,
	}
	if withMethod {
		pm := &model.PaymentMethod{ID: uuid.NewString(), UserID: "user-1", ProviderToken: "tok_1", Last4: "4242", Status: model.PaymentMethodActive}
		require.NoError(t, s.CreatePaymentMethod(ctx, pm))
		e.PaymentMethodID = &pm.ID
	}
	require.NoError(t, s.SaveEntitlement(ctx, e))
	f.ent = e

	f.sched = NewScheduler(s, f.charger, Options{MaxAttempts: 3, Backoff: 24 * time.Hour, ChargeTimeout: time.Second}, zap.NewNop())
	f.sched.Now = f.clock.Now
	return f
}

func (f *fixture) reload(t *testing.T) *model.Entitlement {
	e, err := f.store.GetEntitlement(context.Background(), f.ent.ID)
	require.NoError(t, err)
	return e
}

func TestTickChargesDueEntitlement(t *testing.T) {
	f := newFixture(t, true)

	sum, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum[OutcomeCharged])

	e := f.reload(t)
	want := f.end.AddDate(0, 0, 30)
	assert.True(t, e.AccessEndAt.Equal(want))
	assert.True(t, e.NextChargeAt.Equal(want))
	assert.Equal(t, 0, e.ChargeAttempts)
	assert.Equal(t, model.EntitlementActive, e.Status)
	assert.Empty(t, e.ClaimToken)

	require.Len(t, f.charger.reqs, 1)
	assert.Equal(t, "tok_1", f.charger.reqs[0].PaymentMethodToken)
	assert.True(t, strings.HasPrefix(f.charger.reqs[0].IdempotencyKey, "renewal-"))

	attempts, err := f.store.ListChargeAttempts(context.Background(), e.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Succeeded)

	// not due again until the new period ends
	sum, err = f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sum)
	assert.Equal(t, 1, f.charger.calls())
}

func TestRetryBoundEndsInPastDue(t *testing.T) {
	f := newFixture(t, true)
	f.charger.errs = []error{declined(), declined(), declined(), declined()}
	ctx := context.Background()

	_, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	e := f.reload(t)
	assert.Equal(t, 1, e.ChargeAttempts)
	assert.Equal(t, model.EntitlementActive, e.Status)
	assert.True(t, e.NextChargeAt.Equal(f.clock.Now().Add(24*time.Hour)))

	f.clock.Advance(24 * time.Hour)
	_, err = f.sched.Tick(ctx)
	require.NoError(t, err)
	e = f.reload(t)
	assert.Equal(t, 2, e.ChargeAttempts)
	assert.True(t, e.NextChargeAt.Equal(f.clock.Now().Add(48*time.Hour)))

	f.clock.Advance(48 * time.Hour)
	sum, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum[OutcomePastDue])

	e = f.reload(t)
	assert.Equal(t, 3, e.ChargeAttempts)
	assert.Equal(t, model.EntitlementPastDue, e.Status)
	assert.True(t, e.AccessEndAt.Equal(f.end), "access end never moves on failure")

	f.clock.Advance(30 * 24 * time.Hour)
	_, err = f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, f.charger.calls())

	keys := map[string]bool{}
	for _, r := range f.charger.reqs {
		keys[r.IdempotencyKey] = true
	}
	assert.Len(t, keys, 3)
}

func TestBlockedWithoutPaymentMethod(t *testing.T) {
	f := newFixture(t, false)

	sum, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum[OutcomeBlocked])
	assert.Zero(t, f.charger.calls())

	e := f.reload(t)
	assert.Equal(t, 0, e.ChargeAttempts)
	assert.Equal(t, model.BlockedNoPaymentMethod, e.RenewalBlockedReason)
	assert.Empty(t, e.ClaimToken)
}

func TestBlockedEntitlementDoesNotHoldUpBatch(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.sched = NewScheduler(f.store, f.charger, Options{MaxAttempts: 3, Backoff: 24 * time.Hour, ChargeTimeout: time.Second, BatchSize: 1}, zap.NewNop())
	f.sched.Now = f.clock.Now

	// due an hour before the healthy one and without a payment method
	earlier := f.clock.Now().Add(-time.Hour)
	blocked := &model.Entitlement{
		ID:            uuid.NewString(),
		UserID:        "user-2",
		ProductID:     f.ent.ProductID,
		TariffID:      f.ent.TariffID,
		Status:        model.EntitlementActive,
		AccessStartAt: earlier.AddDate(0, 0, -30),
		AccessEndAt:   earlier,
		AutoRenew:     true,
		NextChargeAt:  &earlier,
	}
	require.NoError(t, f.store.SaveEntitlement(ctx, blocked))

	total := make(map[Outcome]int)
	for i := 0; i < 3; i++ {
		sum, err := f.sched.Tick(ctx)
		require.NoError(t, err)
		for out, n := range sum {
			total[out] += n
		}
	}
	assert.Equal(t, 1, total[OutcomeBlocked])
	assert.Equal(t, 1, total[OutcomeCharged])
	assert.Equal(t, 1, f.charger.calls())
	assert.True(t, f.reload(t).AccessEndAt.After(f.end))

	got, err := f.store.GetEntitlement(ctx, blocked.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BlockedNoPaymentMethod, got.RenewalBlockedReason)
}

func TestBlockedOnInactivePaymentMethod(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.store.DB().Model(&model.PaymentMethod{}).
		Where("id = ?", *f.ent.PaymentMethodID).
		Update("status", model.PaymentMethodExpired).Error)

	out, err := f.sched.ChargeNow(context.Background(), f.ent.ID)
	assert.Equal(t, OutcomeBlocked, out)
	assert.True(t, ierr.Is(err, ierr.ErrPaymentMethodInactive))
	assert.Zero(t, f.charger.calls())
	assert.Equal(t, model.BlockedPaymentMethodInactive, f.reload(t).RenewalBlockedReason)
}

func TestTimeoutReusesIdempotencyKey(t *testing.T) {
	f := newFixture(t, true)
	f.charger.errs = []error{timedOut(), nil}
	ctx := context.Background()

	out, err := f.sched.ChargeNow(ctx, f.ent.ID)
	assert.Equal(t, OutcomeFailed, out)
	assert.True(t, ierr.Is(err, ierr.ErrProviderTimeout))

	f.clock.Advance(time.Minute)
	out, err = f.sched.ChargeNow(ctx, f.ent.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCharged, out)

	require.Len(t, f.charger.reqs, 2)
	assert.Equal(t, f.charger.reqs[0].IdempotencyKey, f.charger.reqs[1].IdempotencyKey)

	attempts, err := f.store.ListChargeAttempts(ctx, f.ent.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, ierr.ErrCodeProviderTimeout, attempts[0].ErrorCode)
	assert.True(t, attempts[0].Manual)
}

func TestClaimedEntitlementIsNotChargedTwice(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	now := f.clock.Now()
	ok, err := f.store.ClaimEntitlement(ctx, f.ent.ID, "other-run", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	sum, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum[OutcomeCharged])
	assert.Zero(t, f.charger.calls())

	_, err = f.sched.ChargeNow(ctx, f.ent.ID)
	assert.True(t, ierr.IsLockBusy(err))
}

func TestConcurrentTicksChargeOnce(t *testing.T) {
	f := newFixture(t, true)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.sched.Tick(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.charger.calls())
}

func TestRenewalKeepsGrantMadeDuringCharge(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	granted := f.end.AddDate(0, 0, 10)
	f.charger.during = func() {
		require.NoError(t, f.store.DB().Model(&model.Entitlement{}).
			Where("id = ?", f.ent.ID).
			Update("access_end_at", granted).Error)
	}

	out, err := f.sched.ChargeNow(ctx, f.ent.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCharged, out)

	e := f.reload(t)
	assert.True(t, e.AccessEndAt.Equal(granted.AddDate(0, 0, 30)))
	assert.True(t, e.NextChargeAt.Equal(e.AccessEndAt))
	assert.Empty(t, e.ClaimToken)
}

func TestReplacePaymentMethodResetsAttempts(t *testing.T) {
	f := newFixture(t, true)
	f.charger.errs = []error{declined(), declined(), declined()}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = f.sched.ChargeNow(ctx, f.ent.ID)
	}
	require.Equal(t, model.EntitlementPastDue, f.reload(t).Status)

	other := &model.PaymentMethod{ID: uuid.NewString(), UserID: "user-2", ProviderToken: "tok_x", Status: model.PaymentMethodActive}
	require.NoError(t, f.store.CreatePaymentMethod(ctx, other))
	assert.True(t, ierr.IsValidation(f.sched.ReplacePaymentMethod(ctx, f.ent.ID, other.ID)))

	pm := &model.PaymentMethod{ID: uuid.NewString(), UserID: "user-1", ProviderToken: "tok_2", Status: model.PaymentMethodActive}
	require.NoError(t, f.store.CreatePaymentMethod(ctx, pm))
	require.NoError(t, f.sched.ReplacePaymentMethod(ctx, f.ent.ID, pm.ID))

	e := f.reload(t)
	assert.Equal(t, 0, e.ChargeAttempts)
	assert.True(t, e.NextChargeAt.Equal(f.clock.Now()))

	sum, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum[OutcomeCharged])
	e = f.reload(t)
	assert.Equal(t, model.EntitlementActive, e.Status)
	assert.Equal(t, "tok_2", f.charger.reqs[len(f.charger.reqs)-1].PaymentMethodToken)
}

func TestChargeNowRejectsCancelled(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.store.DB().Model(&model.Entitlement{}).
		Where("id = ?", f.ent.ID).
		Update("status", model.EntitlementCancelled).Error)

	_, err := f.sched.ChargeNow(context.Background(), f.ent.ID)
	assert.True(t, ierr.Is(err, ierr.ErrInvalidOperation))
	assert.Empty(t, f.reload(t).ClaimToken)
}

func TestRetryDelayDoubles(t *testing.T) {
	s := NewScheduler(nil, nil, Options{Backoff: time.Hour}, zap.NewNop())
	assert.Equal(t, time.Hour, s.retryDelay(1))
	assert.Equal(t, 2*time.Hour, s.retryDelay(2))
	assert.Equal(t, 4*time.Hour, s.retryDelay(3))
}
