// Package store is the persistence gateway: connection management,
// transactions, typed finders for every entity, and the error taxonomy the
// managers branch on.
package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"go.uber.org/zap"

	"github.com/anthropics/agent-factory/internal/config"
	"github.com/anthropics/agent-factory/internal/retry"
)

// Store wraps the database handle and exposes the typed finders defined in
// the sibling files.
type Store struct {
	queries
	db     *sqlx.DB
	logger *zap.Logger
}

// queries carries the typed finders. It runs against either the root handle
// or a transaction, so Store and Tx share one implementation.
type queries struct {
	ext sqlx.ExtContext
}

// New wraps an existing database handle. Open is the production path; this
// exists for callers that manage the connection themselves, tests included.
func New(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{queries: queries{ext: db}, db: db, logger: logger}
}

// Open connects to Postgres, applies pool limits, and verifies the
// connection, retrying while the database comes up.
func Open(ctx context.Context, cfg config.DatabaseConfig, retryCfg config.RetryConfig, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	opts := retry.DefaultOptions(retryCfg)
	opts.Classifier = retry.ClassifyPostgres
	if err := retry.Do(ctx, opts, func() error { return db.PingContext(ctx) }); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("database connected",
		zap.Int("maxOpenConns", cfg.MaxOpenConns))

	return &Store{queries: queries{ext: db}, db: db, logger: logger}, nil
}

// Close releases the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx exposes the typed finders inside a transaction. The handle is only
// valid until the Transaction callback returns.
type Tx struct {
	queries
}

// Transaction runs fn in a transaction: commit when fn returns nil, rollback
// on error or panic.
func (s *Store) Transaction(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{queries{ext: tx}}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// execAffected runs an UPDATE/DELETE and reports whether any row changed.
// Guarded transitions use this: zero rows means the row moved out from under
// the caller and the transition is a no-op.
func (q queries) execAffected(ctx context.Context, op, stmt string, args ...any) (bool, error) {
	res, err := q.ext.ExecContext(ctx, stmt, args...)
	if err != nil {
		return false, wrap(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap(err, op)
	}
	return n > 0, nil
}
