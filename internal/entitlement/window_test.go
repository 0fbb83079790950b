package entitlement

import (
	"testing"
	"time"

	"club_billing/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func active(end time.Time) *model.Entitlement {
	return &model.Entitlement{
		Status:        model.EntitlementActive,
		AccessStartAt: end.AddDate(0, -1, 0),
		AccessEndAt:   end,
	}
}

func TestExtensionScenario(t *testing.T) {
	w, err := ComputeWindow(active(day(2025, 3, 1)), 30, nil, true, day(2025, 2, 15))
	require.NoError(t, err)

	assert.Equal(t, day(2025, 3, 1), w.Start)
	assert.Equal(t, day(2025, 3, 31), w.End)
	assert.False(t, w.Retroactive)
}

func TestExtensionIgnoresNow(t *testing.T) {
	end := day(2025, 6, 10)
	for now := day(2025, 1, 1); now.Before(end); now = now.Add(13 * time.Hour) {
		for _, days := range []int{1, 7, 30, 365} {
			w, err := ComputeWindow(active(end), days, nil, true, now)
			require.NoError(t, err)
			assert.Equal(t, end.AddDate(0, 0, days), w.End, "now=%s days=%d", now, days)
		}
	}
}

func TestExtensionWinsOverRequestedStart(t *testing.T) {
	requested := day(2025, 1, 1)
	w, err := ComputeWindow(active(day(2025, 3, 1)), 10, &requested, true, day(2025, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, day(2025, 3, 1), w.Start)
}

func TestNoExtensionAnchorsOnRequestedOrNow(t *testing.T) {
	now := day(2025, 2, 15)
	requested := day(2025, 2, 10)

	for _, existing := range []*model.Entitlement{nil, active(day(2025, 3, 1)), active(day(2024, 12, 1))} {
		w, err := ComputeWindow(existing, 30, nil, false, now)
		require.NoError(t, err)
		assert.Equal(t, now, w.Start)
		assert.Equal(t, day(2025, 3, 17), w.End)

		w, err = ComputeWindow(existing, 30, &requested, false, now)
		require.NoError(t, err)
		assert.Equal(t, requested, w.Start)
		assert.True(t, w.Retroactive)
	}
}

func TestExpiredEntitlementRestartsFromNow(t *testing.T) {
	now := day(2025, 2, 15)
	w, err := ComputeWindow(active(day(2025, 2, 1)), 30, nil, true, now)
	require.NoError(t, err)
	assert.Equal(t, now, w.Start)
}

func TestInactiveFutureEndIsUsedAsFallbackAnchor(t *testing.T) {
	now := day(2025, 2, 15)
	pastDue := active(day(2025, 2, 20))
	pastDue.Status = model.EntitlementPastDue

	w, err := ComputeWindow(pastDue, 5, nil, true, now)
	require.NoError(t, err)
	assert.Equal(t, day(2025, 2, 20), w.Start)

	requested := day(2025, 2, 16)
	w, err = ComputeWindow(pastDue, 5, &requested, true, now)
	require.NoError(t, err)
	assert.Equal(t, requested, w.Start)
}

func TestCalendarDaysAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	start := time.Date(2025, 3, 20, 9, 0, 0, 0, loc)
	w, err := ComputeWindow(nil, 30, &start, false, start)
	require.NoError(t, err)

	assert.Equal(t, time.Date(2025, 4, 19, 9, 0, 0, 0, loc), w.End)
	assert.NotEqual(t, start.Add(30*24*time.Hour), w.End)
}

func TestRejectsNonPositiveDays(t *testing.T) {
	_, err := ComputeWindow(nil, 0, nil, false, day(2025, 1, 1))
	assert.Error(t, err)
}

func TestDeterministic(t *testing.T) {
	now := day(2025, 2, 15)
	existing := active(day(2025, 3, 1))
	a, _ := ComputeWindow(existing, 30, nil, true, now)
	b, _ := ComputeWindow(existing, 30, nil, true, now)
	assert.Equal(t, a, b)
	assert.Equal(t, day(2025, 3, 1), existing.AccessEndAt)
}
