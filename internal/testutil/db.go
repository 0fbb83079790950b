// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"club_billing/internal/model"
	"club_billing/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewStore opens a private in-memory sqlite database with the schema
// migrated. A single connection keeps concurrent tests deterministic.
func NewStore(t *testing.T) *store.Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, store.Migrate(context.Background(), db))
	return store.New(db)
}

// Catalog is a seeded product with one 30-day tariff.
type Catalog struct {
	Product model.Product
	Tariff  model.Tariff
}

// SeedCatalog creates a product and a recurring tariff of days length.
func SeedCatalog(t *testing.T, s *store.Store, name string, days int) Catalog {
	t.Helper()
	ctx := context.Background()

	p := model.Product{ID: uuid.NewString(), Name: name}
	require.NoError(t, s.CreateProduct(ctx, &p))

	tr := model.Tariff{
		ID:         uuid.NewString(),
		ProductID:  p.ID,
		Name:       fmt.Sprintf("%s %dd", name, days),
		AccessDays: days,
		Price:      decimal.NewFromInt(990),
		Currency:   "RUB",
		Recurring:  true,
	}
	require.NoError(t, s.CreateTariff(ctx, &tr))
	return Catalog{Product: p, Tariff: tr}
}

// Clock is a settable time source.
type Clock struct {
	T time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{T: t.UTC()}
}

func (c *Clock) Now() time.Time { return c.T }

func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// Day returns midnight UTC of the given date.
func Day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
