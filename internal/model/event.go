package model

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// InboundEvent is a provider payment event as delivered by webhook or by a
// reconciliation poll. Both sources use this shape.
type InboundEvent struct {
	ProviderEventID string          `json:"provider_event_id" validate:"required,max=128"`
	TrackingKey     string          `json:"tracking_key" validate:"required,max=255"`
	RawStatus       string          `json:"raw_status" validate:"required,max=64"`
	PlanTitle       string          `json:"plan_title" validate:"max=255"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency" validate:"omitempty,len=3"`
	OccurredAt      time.Time       `json:"occurred_at" validate:"required"`

	// Optional. Set when the checkout was opened for a known profile or
	// the payment belongs to a provider subscription.
	ProfileID      string `json:"profile_id,omitempty" validate:"max=36"`
	SubscriptionID string `json:"subscription_id,omitempty" validate:"max=128"`
}

func (e InboundEvent) Validate() error {
	return validate.Struct(e)
}
