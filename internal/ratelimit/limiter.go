// Package ratelimit guards fleet growth with three independent gates:
// active-worker capacity, a cooldown since the previous spawn, and a daily
// iteration budget. Capacity is always derived from the database so a crashed
// process can never leak a slot; the cooldown clock and the budget counter
// live in Redis so every factory process shares them.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/anthropics/agent-factory/internal/config"
)

// Redis key suffixes, namespaced under the configured prefix.
const (
	lastSpawnKey  = "rate:last_spawn"       // unix millis of the latest spawn
	iterationsKey = "rate:daily_iterations" // iterations charged today
	resetDateKey  = "rate:daily_reset_date" // UTC date the counter belongs to
)

const dateLayout = "2006-01-02"

// Reason names the gate that denied a spawn.
type Reason string

const (
	ReasonCapacity Reason = "at_capacity"
	ReasonCooldown Reason = "cooldown"
	ReasonBudget   Reason = "daily_budget_exhausted"
)

// Decision is the outcome of a spawn check. Reason is set only on denial.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// ActiveCounter reports how many workers currently hold a fleet slot.
type ActiveCounter interface {
	CountActiveWorkers(ctx context.Context) (int, error)
}

// Limiter applies the fleet limits. Limits can be swapped at runtime via
// SetLimits; everything else is immutable after construction.
type Limiter struct {
	counter ActiveCounter
	rdb     *redis.Client
	prefix  string
	logger  *zap.Logger

	mu     sync.RWMutex
	limits config.LimitsConfig

	now func() time.Time
}

// New builds a limiter over the shared Redis client and the store-backed
// worker counter.
func New(counter ActiveCounter, rdb *redis.Client, cfg config.RedisConfig, limits config.LimitsConfig, logger *zap.Logger) *Limiter {
	return &Limiter{
		counter: counter,
		rdb:     rdb,
		prefix:  cfg.KeyPrefix,
		logger:  logger.Named("ratelimit"),
		limits:  limits,
		now:     time.Now,
	}
}

func (l *Limiter) key(suffix string) string {
	return l.prefix + ":" + suffix
}

// Limits returns the limits currently in force.
func (l *Limiter) Limits() config.LimitsConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limits
}

// SetLimits swaps the limits at runtime, typically after a config reload.
func (l *Limiter) SetLimits(limits config.LimitsConfig) {
	l.mu.Lock()
	l.limits = limits
	l.mu.Unlock()

	l.logger.Info("limits updated",
		zap.Int("maxWorkers", limits.MaxWorkers),
		zap.Int("dailyBudget", limits.DailyBudget),
		zap.Duration("cooldown", limits.Cooldown))
}

// CanSpawn checks capacity, cooldown, and budget in that order. Any error
// denies the spawn: losing sight of a gate must never let the fleet grow
// past it.
func (l *Limiter) CanSpawn(ctx context.Context) (Decision, error) {
	limits := l.Limits()

	active, err := l.counter.CountActiveWorkers(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("count active workers: %w", err)
	}
	if active >= limits.MaxWorkers {
		return Decision{Reason: ReasonCapacity}, nil
	}

	cooling, err := l.onCooldown(ctx, limits.Cooldown)
	if err != nil {
		return Decision{}, fmt.Errorf("check spawn cooldown: %w", err)
	}
	if cooling {
		return Decision{Reason: ReasonCooldown}, nil
	}

	used, err := l.iterationsToday(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("check daily budget: %w", err)
	}
	if used >= int64(limits.DailyBudget) {
		return Decision{Reason: ReasonBudget}, nil
	}

	return Decision{Allowed: true}, nil
}

// RecordSpawn stamps the cooldown clock. Callers invoke it only after the
// spawn is committed so a failed attempt does not hold the fleet back.
func (l *Limiter) RecordSpawn(ctx context.Context) error {
	if err := l.rdb.Set(ctx, l.key(lastSpawnKey), l.now().UnixMilli(), 0).Err(); err != nil {
		return fmt.Errorf("record spawn time: %w", err)
	}
	return nil
}

// RecordIteration charges one iteration against today's budget. The rollover
// check runs first so the first heartbeat after midnight starts a fresh
// counter instead of inflating yesterday's.
func (l *Limiter) RecordIteration(ctx context.Context) error {
	if _, err := l.iterationsToday(ctx); err != nil {
		return fmt.Errorf("roll over daily budget: %w", err)
	}
	if err := l.rdb.Incr(ctx, l.key(iterationsKey)).Err(); err != nil {
		return fmt.Errorf("record iteration: %w", err)
	}
	return nil
}

// RecordWorkerDone acknowledges a worker leaving the fleet. Capacity is
// recounted from the database on every check, so there is no counter to
// decrement; the hook keeps the release explicit and observable.
func (l *Limiter) RecordWorkerDone(workerID string) {
	l.logger.Debug("fleet slot released", zap.String("workerId", workerID))
}

// Status is a point-in-time snapshot of every gate.
type Status struct {
	ActiveWorkers   int   `json:"activeWorkers"`
	MaxWorkers      int   `json:"maxWorkers"`
	IterationsToday int64 `json:"iterationsToday"`
	DailyBudget     int   `json:"dailyBudget"`
}

// Status reads the current value of each gate for status reporting.
func (l *Limiter) Status(ctx context.Context) (Status, error) {
	limits := l.Limits()

	active, err := l.counter.CountActiveWorkers(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("count active workers: %w", err)
	}
	used, err := l.iterationsToday(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("read daily budget: %w", err)
	}

	return Status{
		ActiveWorkers:   active,
		MaxWorkers:      limits.MaxWorkers,
		IterationsToday: used,
		DailyBudget:     limits.DailyBudget,
	}, nil
}

// onCooldown reports whether the latest spawn is newer than the cooldown
// window. A missing or mangled timestamp counts as no cooldown; it must not
// wedge spawning forever.
func (l *Limiter) onCooldown(ctx context.Context, cooldown time.Duration) (bool, error) {
	if cooldown <= 0 {
		return false, nil
	}

	raw, err := l.rdb.Get(ctx, l.key(lastSpawnKey)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		l.logger.Warn("discarding unparseable last-spawn timestamp", zap.String("value", raw))
		return false, nil
	}

	return l.now().Sub(time.UnixMilli(ms)) < cooldown, nil
}

// iterationsToday returns the budget counter, resetting it first when the
// stored reset date is not today (UTC).
func (l *Limiter) iterationsToday(ctx context.Context) (int64, error) {
	today := l.now().UTC().Format(dateLayout)

	stored, err := l.rdb.Get(ctx, l.key(resetDateKey)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	if stored != today {
		pipe := l.rdb.TxPipeline()
		pipe.Set(ctx, l.key(resetDateKey), today, 0)
		pipe.Set(ctx, l.key(iterationsKey), 0, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, err
		}
		l.logger.Info("daily iteration budget reset", zap.String("date", today))
		return 0, nil
	}

	used, err := l.rdb.Get(ctx, l.key(iterationsKey)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return used, nil
}
