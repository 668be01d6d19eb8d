package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/anthropics/agent-factory/internal/retry"
)

var (
	// ErrNotFound reports a missing row
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a violated uniqueness constraint
	ErrConflict = errors.New("conflict")
)

// uniqueViolation is the Postgres code for a violated unique constraint
const uniqueViolation = "23505"

// wrap maps driver errors onto the package sentinels while keeping the
// original message in the chain for logs.
func wrap(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case IsUniqueViolation(err):
		return fmt.Errorf("%s: %v: %w", op, err, ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsUniqueViolation reports whether err is a Postgres unique_violation
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// IsRetryable reports whether the error is a transient infrastructure
// failure the caller may retry.
func IsRetryable(err error) bool {
	return retry.ClassifyPostgres(err) == retry.Retryable
}
