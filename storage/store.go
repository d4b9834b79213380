// Package storage owns all persistent state of the hub: participants,
// equivalents, trust lines, debts, transactions, prepare locks, and the
// audit trail. One logical operation maps to one database transaction; the
// database is the synchronization barrier between operations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store wraps the hub database.
type Store struct {
	db *gorm.DB
}

// Open connects to Postgres, applies the schema and returns the store.
func Open(databaseURL string) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("storage: database url must be configured")
	}
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an already-open gorm handle. Tests use this with an
// in-memory sqlite database.
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for read-only service wiring.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn inside one database transaction. Rollback on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// IsPostgres reports whether the store runs on the postgres dialect.
// Advisory locks and FOR UPDATE degrade to no-ops elsewhere; test databases
// are single-writer so the serialization they provide is preserved.
func (s *Store) IsPostgres() bool {
	return s.db.Dialector.Name() == "postgres"
}

// AcquireSegmentLocks takes the advisory lock for every key, in sorted
// order, inside the supplied transaction. Sorted acquisition is the single
// ordering discipline that keeps concurrent multi-segment prepares
// deadlock-free; capacity is only ever evaluated under these locks.
func AcquireSegmentLocks(tx *gorm.DB, keys []int64) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	sorted := append([]int64(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var last int64
	for i, key := range sorted {
		if i > 0 && key == last {
			continue
		}
		last = key
		if err := tx.Exec(`SELECT pg_advisory_xact_lock(?)`, key).Error; err != nil {
			return fmt.Errorf("storage: advisory lock %d: %w", key, err)
		}
	}
	return nil
}

// ForUpdate returns the row-locking clause on postgres and a pass-through
// otherwise.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() != "postgres" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// RetrySerialization reruns fn up to attempts times when the database
// reports a serialization failure or deadlock. Other errors pass through.
func RetrySerialization(attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !isSerializationFailure(err) {
			return err
		}
		time.Sleep(time.Duration(i+1) * 25 * time.Millisecond)
	}
	return err
}

func isSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	// Postgres SQLSTATE 40001 (serialization_failure) and 40P01 (deadlock).
	return strings.Contains(msg, "40001") ||
		strings.Contains(msg, "40P01") ||
		strings.Contains(msg, "deadlock detected") ||
		strings.Contains(msg, "could not serialize")
}
