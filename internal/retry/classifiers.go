package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/docker/docker/errdefs"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// ClassifyPostgres classifies errors from the relational store
func ClassifyPostgres(err error) ErrorType {
	if err == nil {
		return Permanent
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Permanent
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) {
		return Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08": // connection exception
			return Retryable
		case "40": // transaction rollback: serialization failure, deadlock
			return Retryable
		case "57": // operator intervention: shutdown, crash recovery
			return Retryable
		case "53": // insufficient resources
			return RateLimited
		}
		return Permanent
	}

	return Permanent
}

// ClassifyRedis classifies errors from the KV store. A missing key is not an
// infrastructure failure and must never be retried.
func ClassifyRedis(err error) ErrorType {
	if err == nil || errors.Is(err, redis.Nil) {
		return Permanent
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Permanent
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) {
		return Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}

	msg := strings.ToUpper(err.Error())
	if strings.Contains(msg, "LOADING") ||
		strings.Contains(msg, "READONLY") ||
		strings.Contains(msg, "CLUSTERDOWN") ||
		strings.Contains(msg, "TRYAGAIN") {
		return Retryable
	}
	if strings.Contains(msg, "BUSY") || strings.Contains(msg, "MAXMEMORY") {
		return RateLimited
	}

	return Permanent
}

// ClassifyDocker classifies errors from the sandbox runtime. An open circuit
// breaker counts as rate limiting so spawn attempts back off instead of
// hammering a failing daemon.
func ClassifyDocker(err error) ErrorType {
	if err == nil {
		return Permanent
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return RateLimited
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Permanent
	}
	if errdefs.IsNotFound(err) || errdefs.IsInvalidParameter(err) ||
		errdefs.IsConflict(err) || errdefs.IsForbidden(err) || errdefs.IsUnauthorized(err) {
		return Permanent
	}
	if errdefs.IsUnavailable(err) || errdefs.IsSystem(err) || errdefs.IsDeadline(err) {
		return Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "cannot connect to the docker daemon") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "i/o timeout") {
		return Retryable
	}

	return Permanent
}
