package model

import (
	"fmt"
	"time"
)

type EntitlementStatus string

const (
	EntitlementTrial     EntitlementStatus = "trial"
	EntitlementActive    EntitlementStatus = "active"
	EntitlementPastDue   EntitlementStatus = "past_due"
	EntitlementCancelled EntitlementStatus = "cancelled"
)

// Renewable reports statuses the renewal scheduler charges.
func (s EntitlementStatus) Renewable() bool {
	return s == EntitlementActive || s == EntitlementTrial || s == EntitlementPastDue
}

// Blocked reasons recorded when a renewal is skipped without an attempt.
const (
	BlockedNoPaymentMethod       = "no_payment_method"
	BlockedPaymentMethodInactive = "payment_method_inactive"
)

// Entitlement is a time-boxed grant of product access. There is one row per
// (user, product); cancelled is the tombstone and rows are never deleted.
type Entitlement struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID                 string            `gorm:"size:36;not null;uniqueIndex:idx_entitlement_user_product" json:"user_id"`
	ProductID              string            `gorm:"size:36;not null;uniqueIndex:idx_entitlement_user_product" json:"product_id"`
	TariffID               *string           `gorm:"size:36" json:"tariff_id"`
	OrderID                *string           `gorm:"size:36;index" json:"order_id"`
	ProviderSubscriptionID *string           `gorm:"size:128;index" json:"provider_subscription_id"`
	Status                 EntitlementStatus `gorm:"size:16;index;not null" json:"status"`

	AccessStartAt time.Time `gorm:"not null" json:"access_start_at"`
	AccessEndAt   time.Time `gorm:"not null" json:"access_end_at"`
	// RetroactiveGrant marks windows that started before they were granted.
	RetroactiveGrant bool `gorm:"not null;default:false" json:"retroactive_grant"`

	AutoRenew            bool       `gorm:"not null;default:false" json:"auto_renew"`
	NextChargeAt         *time.Time `gorm:"index" json:"next_charge_at"`
	ChargeAttempts       int        `gorm:"not null;default:0" json:"charge_attempts"`
	PaymentMethodID      *string    `gorm:"size:36" json:"payment_method_id"`
	RenewalBlockedReason string     `gorm:"size:64" json:"renewal_blocked_reason"`
	LastChargeError      string     `gorm:"size:255" json:"last_charge_error"`

	// Claim marker taken by a renewal run before it calls the provider.
	ClaimToken   string     `gorm:"size:36" json:"-"`
	ClaimedUntil *time.Time `json:"-"`
}

func (Entitlement) TableName() string { return "entitlements" }

// Validate checks the window and the renewal schedule. The schedule bound
// only applies while no retry is in flight; retries back off past the end.
func (e Entitlement) Validate() error {
	if !e.AccessEndAt.After(e.AccessStartAt) {
		return fmt.Errorf("access_end_at %s must be after access_start_at %s", e.AccessEndAt, e.AccessStartAt)
	}
	if e.Status == EntitlementActive && e.AutoRenew {
		if e.NextChargeAt == nil {
			return fmt.Errorf("next_charge_at must be set for an auto-renewing active entitlement")
		}
		if e.ChargeAttempts == 0 && e.NextChargeAt.After(e.AccessEndAt) {
			return fmt.Errorf("next_charge_at %s is after access_end_at %s", e.NextChargeAt, e.AccessEndAt)
		}
	}
	return nil
}
