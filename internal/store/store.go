// Package store is the gorm persistence layer of the reconciliation core.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	ierr "club_billing/internal/errors"
	"club_billing/internal/model"
	"club_billing/internal/status"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps a gorm handle with the queries the core needs.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for wiring and tests.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Open connects to driver ("sqlite" or "postgres") and migrates the schema.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, ierr.NewErrorf("unsupported db driver %q", driver).Mark(ierr.ErrValidation)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}
	if err := Migrate(context.Background(), db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates tables and rewrites historical status aliases to their
// canonical value so only one success vocabulary remains on disk.
func Migrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(model.All()...); err != nil {
		return err
	}
	return New(db).NormalizeStoredStatuses(ctx)
}

// NormalizeStoredStatuses folds every non-canonical status_normalized value.
func (s *Store) NormalizeStoredStatuses(ctx context.Context) error {
	for _, n := range []status.Normalized{status.Pending, status.Succeeded, status.Failed, status.Refunded, status.Cancelled} {
		aliases := make([]string, 0)
		for _, a := range status.Aliases(n) {
			if a != string(n) {
				aliases = append(aliases, a)
			}
		}
		err := s.db.WithContext(ctx).Model(&model.ReconcileQueueItem{}).
			Where("status_normalized IN ?", aliases).
			Update("status_normalized", n).Error
		if err != nil {
			return dbErr(err, "normalize stored statuses")
		}
	}
	return nil
}

// isUniqueViolation detects unique constraint conflicts across drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique")
}

func notFound(err error, what string) error {
	return ierr.WithError(err).WithHintf("%s not found", what).Mark(ierr.ErrNotFound)
}

func dbErr(err error, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound(err, op)
	}
	return ierr.WithError(err).WithMessage(op).Mark(ierr.ErrDatabase)
}
