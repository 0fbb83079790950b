package model

import (
	"testing"
	"time"

	"club_billing/internal/status"

	"github.com/stretchr/testify/assert"
)

func TestProcessorTransitionsMoveForwardOnly(t *testing.T) {
	tests := []struct {
		from, to ProcessingStatus
		want     bool
	}{
		{ProcessingPending, ProcessingProcessed, true},
		{ProcessingPending, ProcessingNeedsMapping, true},
		{ProcessingPending, ProcessingError, true},
		{ProcessingNeedsMapping, ProcessingError, true},
		{ProcessingNeedsMapping, ProcessingProcessed, false},
		{ProcessingProcessed, ProcessingPending, false},
		{ProcessingProcessed, ProcessingError, false},
		{ProcessingError, ProcessingPending, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestOperatorTransitions(t *testing.T) {
	assert.True(t, ProcessingNeedsMapping.CanOperatorTransition(ProcessingProcessed))
	assert.True(t, ProcessingError.CanOperatorTransition(ProcessingPending))
	assert.False(t, ProcessingProcessed.CanOperatorTransition(ProcessingPending))
}

func TestStuck(t *testing.T) {
	q := ReconcileQueueItem{StatusNormalized: status.Succeeded, ProcessingStatus: ProcessingError}
	assert.True(t, q.Stuck())
	q.ProcessingStatus = ProcessingProcessed
	assert.False(t, q.Stuck())
	q = ReconcileQueueItem{StatusNormalized: status.Failed, ProcessingStatus: ProcessingPending}
	assert.False(t, q.Stuck())
}

func TestEntitlementValidate(t *testing.T) {
	start := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 30)
	after := end.Add(time.Hour)

	ok := Entitlement{Status: EntitlementActive, AccessStartAt: start, AccessEndAt: end, AutoRenew: true, NextChargeAt: &end}
	assert.NoError(t, ok.Validate())

	empty := ok
	empty.AccessEndAt = start
	assert.Error(t, empty.Validate())

	unscheduled := ok
	unscheduled.NextChargeAt = nil
	assert.Error(t, unscheduled.Validate())

	late := ok
	late.NextChargeAt = &after
	assert.Error(t, late.Validate())

	retrying := late
	retrying.ChargeAttempts = 1
	assert.NoError(t, retrying.Validate())
}

func TestPlanTitleKey(t *testing.T) {
	assert.Equal(t, "standard monthly", PlanTitleKey("  Standard Monthly "))
}

func TestInboundEventValidate(t *testing.T) {
	valid := func() InboundEvent {
		return InboundEvent{
			ProviderEventID: "evt-1",
			TrackingKey:     "link:order:ORD-1",
			RawStatus:       "successful",
			Currency:        "RUB",
			OccurredAt:      time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC),
		}
	}

	tests := []struct {
		name    string
		mutate  func(*InboundEvent)
		wantErr bool
	}{
		{"valid", func(*InboundEvent) {}, false},
		{"no currency", func(e *InboundEvent) { e.Currency = "" }, false},
		{"missing event id", func(e *InboundEvent) { e.ProviderEventID = "" }, true},
		{"missing tracking key", func(e *InboundEvent) { e.TrackingKey = "" }, true},
		{"missing status", func(e *InboundEvent) { e.RawStatus = "" }, true},
		{"missing time", func(e *InboundEvent) { e.OccurredAt = time.Time{} }, true},
		{"bad currency", func(e *InboundEvent) { e.Currency = "RUBL" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := valid()
			tt.mutate(&ev)
			if tt.wantErr {
				assert.Error(t, ev.Validate())
			} else {
				assert.NoError(t, ev.Validate())
			}
		})
	}
}
