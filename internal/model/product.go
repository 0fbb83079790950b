package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a club product access can be granted to.
type Product struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name string `gorm:"size:128;not null" json:"name"`
}

func (Product) TableName() string { return "products" }

// Tariff is a priced plan of a product. AccessDays is both the length of a
// first grant and the renewal billing period.
type Tariff struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProductID  string          `gorm:"size:36;index;not null" json:"product_id"`
	Name       string          `gorm:"size:128;not null" json:"name"`
	AccessDays int             `gorm:"not null" json:"access_days"`
	Price      decimal.Decimal `gorm:"type:decimal(20,2)" json:"price"`
	Currency   string          `gorm:"size:8" json:"currency"`
	Recurring  bool            `gorm:"not null;default:false" json:"recurring"`
}

func (Tariff) TableName() string { return "tariffs" }
