package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderPartial   OrderStatus = "partial"
	OrderCancelled OrderStatus = "cancelled"
)

// Order is an internal purchase record. TrackingKey holds the canonical
// encoded key and is unique, so at most one order exists per key.
type Order struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderNumber string      `gorm:"size:64;uniqueIndex;not null" json:"order_number"`
	TrackingKey string      `gorm:"size:255;uniqueIndex;not null" json:"tracking_key"`
	UserID      *string     `gorm:"size:36;index" json:"user_id"`
	ProductID   string      `gorm:"size:36;index;not null" json:"product_id"`
	TariffID    *string     `gorm:"size:36" json:"tariff_id"`
	OfferID     *string     `gorm:"size:36" json:"offer_id"`
	Status      OrderStatus `gorm:"size:16;index;not null" json:"status"`

	Amount   decimal.Decimal `gorm:"type:decimal(20,2)" json:"amount"`
	Currency string          `gorm:"size:8" json:"currency"`
	PaidAt   *time.Time      `json:"paid_at"`

	// Set once the paid order has been turned into entitlement access.
	EntitlementID   *string    `gorm:"size:36" json:"entitlement_id"`
	AccessGrantedAt *time.Time `json:"access_granted_at"`
}

func (Order) TableName() string { return "orders" }
