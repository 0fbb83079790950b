// Package entitlement computes access windows for grants and renewals.
package entitlement

import (
	"fmt"
	"time"

	"club_billing/internal/model"
)

// Window is a computed access window.
type Window struct {
	Start time.Time
	End   time.Time
	// Retroactive is set when Start is before now. It is informational:
	// past-dated grants are valid but must be visible to operators.
	Retroactive bool
}

// ComputeWindow returns the access window for a grant of tariffDays.
//
// With extendFromCurrent and an active existing entitlement that has not
// ended yet, the new window starts exactly where the current one ends.
// Without extendFromCurrent the window anchors on requestedStart, or now.
// Otherwise it anchors on requestedStart, then a still-running existing end,
// then now. Days are added on the calendar in the start's location.
func ComputeWindow(existing *model.Entitlement, tariffDays int, requestedStart *time.Time, extendFromCurrent bool, now time.Time) (Window, error) {
	if tariffDays <= 0 {
		return Window{}, fmt.Errorf("tariff days must be positive, got %d", tariffDays)
	}

	var start time.Time
	switch {
	case extendFromCurrent && existing != nil && existing.Status == model.EntitlementActive && existing.AccessEndAt.After(now):
		start = existing.AccessEndAt
	case requestedStart != nil:
		start = *requestedStart
	case extendFromCurrent && existing != nil && existing.AccessEndAt.After(now):
		start = existing.AccessEndAt
	default:
		start = now
	}

	return Window{
		Start:       start,
		End:         AddDays(start, tariffDays),
		Retroactive: start.Before(now),
	}, nil
}

// AddDays adds calendar days, keeping the wall-clock time in t's location.
func AddDays(t time.Time, days int) time.Time {
	return t.AddDate(0, 0, days)
}
