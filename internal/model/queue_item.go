package model

import (
	"time"

	"club_billing/internal/status"
	"club_billing/internal/trackingkey"

	"github.com/shopspring/decimal"
)

// ProcessingStatus is the reconciliation state of a queue item.
type ProcessingStatus string

const (
	ProcessingPending      ProcessingStatus = "pending"
	ProcessingNeedsMapping ProcessingStatus = "pending_needs_mapping"
	ProcessingProcessed    ProcessingStatus = "processed"
	ProcessingError        ProcessingStatus = "error"
)

// CanTransition reports whether the processor may move an item from s to
// next. Processed is final. Error and needs-mapping are left only through
// operator actions, which use CanOperatorTransition.
func (s ProcessingStatus) CanTransition(next ProcessingStatus) bool {
	switch s {
	case ProcessingPending:
		return next == ProcessingNeedsMapping || next == ProcessingProcessed || next == ProcessingError || next == ProcessingPending
	case ProcessingNeedsMapping:
		return next == ProcessingError
	}
	return false
}

// CanOperatorTransition covers the explicit remediation actions.
func (s ProcessingStatus) CanOperatorTransition(next ProcessingStatus) bool {
	switch s {
	case ProcessingPending, ProcessingNeedsMapping:
		return next == ProcessingProcessed || next == ProcessingError || next == ProcessingNeedsMapping
	case ProcessingError:
		return next == ProcessingPending || next == ProcessingProcessed || next == ProcessingError
	}
	return false
}

// Event sources.
const (
	SourceWebhook = "webhook"
	SourcePoll    = "poll"
)

// ReconcileQueueItem is one inbound provider event. Rows are never deleted.
type ReconcileQueueItem struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProviderEventID string           `gorm:"size:128;uniqueIndex;not null" json:"provider_event_id"`
	TrackingKey     string           `gorm:"size:255;index;not null" json:"tracking_key"`
	TrackingKind    trackingkey.Kind `gorm:"size:16;index:idx_queue_kind_status" json:"tracking_kind"`
	TrackingRef     string           `gorm:"size:255;index" json:"tracking_ref"`
	// CanonicalKey is the re-encoded key used to match orders.
	CanonicalKey string `gorm:"size:255;index;not null" json:"canonical_key"`

	RawStatus        string            `gorm:"size:64" json:"raw_status"`
	StatusNormalized status.Normalized `gorm:"size:16;index;not null" json:"status_normalized"`
	ProcessingStatus ProcessingStatus  `gorm:"size:32;index:idx_queue_kind_status;not null" json:"processing_status"`

	PlanTitle    string          `gorm:"size:255" json:"plan_title"`
	PlanTitleKey string          `gorm:"size:255;index" json:"-"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,2)" json:"amount"`
	Currency     string          `gorm:"size:8" json:"currency"`
	OccurredAt   time.Time       `gorm:"not null" json:"occurred_at"`
	Source       string          `gorm:"size:16" json:"source"`

	ProfileID      string `gorm:"size:36" json:"profile_id,omitempty"`
	SubscriptionID string `gorm:"size:128;index" json:"subscription_id,omitempty"`

	MatchedOrderID  *string    `gorm:"size:36;index" json:"matched_order_id"`
	AttemptCount    int        `gorm:"not null;default:0" json:"attempt_count"`
	LastAttemptedAt *time.Time `json:"last_attempted_at"`
	// LastError keeps the cause of the latest failure for operators.
	LastError string `gorm:"size:1024" json:"last_error"`
}

func (ReconcileQueueItem) TableName() string { return "reconcile_queue" }

// Stuck reports money confirmed by the provider that has not been processed.
func (q ReconcileQueueItem) Stuck() bool {
	return q.StatusNormalized == status.Succeeded && q.ProcessingStatus != ProcessingProcessed
}
