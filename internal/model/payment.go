package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethodStatus string

const (
	PaymentMethodActive  PaymentMethodStatus = "active"
	PaymentMethodExpired PaymentMethodStatus = "expired"
	PaymentMethodRevoked PaymentMethodStatus = "revoked"
)

// PaymentMethod is a saved card token at the provider.
type PaymentMethod struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID        string              `gorm:"size:36;index;not null" json:"user_id"`
	ProviderToken string              `gorm:"size:255;not null" json:"-"`
	Last4         string              `gorm:"size:4" json:"last4"`
	Status        PaymentMethodStatus `gorm:"size:16;not null" json:"status"`
}

func (PaymentMethod) TableName() string { return "payment_methods" }

// ChargeAttempt is one renewal charge, successful or not.
type ChargeAttempt struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	EntitlementID string    `gorm:"size:36;index;not null" json:"entitlement_id"`
	AttemptedAt   time.Time `gorm:"not null" json:"attempted_at"`
	// PeriodEnd is the access_end_at the charge was meant to extend.
	PeriodEnd time.Time `gorm:"not null" json:"period_end"`

	Succeeded        bool            `gorm:"not null" json:"succeeded"`
	ErrorCode        string          `gorm:"size:64" json:"error_code"`
	IdempotencyKey   string          `gorm:"size:128;index" json:"idempotency_key"`
	ProviderChargeID string          `gorm:"size:128" json:"provider_charge_id"`
	Amount           decimal.Decimal `gorm:"type:decimal(20,2)" json:"amount"`
	Manual           bool            `gorm:"not null;default:false" json:"manual"`
}

func (ChargeAttempt) TableName() string { return "charge_attempts" }
