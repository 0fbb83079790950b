package model

import (
	"strings"
	"time"
)

// PlanMapping links a provider plan label to an internal product/tariff/offer.
// TitleKey is the case-folded title and the primary key, so there is at most
// one mapping per title.
type PlanMapping struct {
	TitleKey  string    `gorm:"primaryKey;size:255" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProviderPlanTitle string  `gorm:"size:255;not null" json:"provider_plan_title"`
	ProductID         string  `gorm:"size:36;not null" json:"product_id"`
	TariffID          *string `gorm:"size:36" json:"tariff_id"`
	OfferID           *string `gorm:"size:36" json:"offer_id"`
	AutoCreateOrder   bool    `gorm:"not null" json:"auto_create_order"`
	Active            bool    `gorm:"not null" json:"active"`
}

func (PlanMapping) TableName() string { return "plan_mappings" }

// PlanTitleKey folds a provider plan title for lookup.
func PlanTitleKey(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}
