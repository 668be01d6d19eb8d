// Package metrics computes the read-side factory rollups. The aggregator
// answers /api/metrics straight from the tables on every call; nothing here
// caches, so the numbers are as fresh as the store.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/agent-factory/internal/model"
	"github.com/anthropics/agent-factory/internal/ratelimit"
	"github.com/anthropics/agent-factory/internal/store"
)

// FactoryMetrics is the dashboard rollup for one point in time. Today means
// since UTC midnight.
type FactoryMetrics struct {
	ActiveWorkers     int     `json:"activeWorkers"`
	QueuedItems       int     `json:"queuedItems"`
	CompletedToday    int     `json:"completedToday"`
	FailedToday       int     `json:"failedToday"`
	IterationsToday   int64   `json:"iterationsToday"`
	DailyBudget       int     `json:"dailyBudget"`
	AvgCompletionTime float64 `json:"avgCompletionTime"`
	SuccessRate       float64 `json:"successRate"`
}

// Aggregator gathers FactoryMetrics from the store and the rate limiter.
type Aggregator struct {
	store   *store.Store
	limiter *ratelimit.Limiter
	now     func() time.Time
}

// NewAggregator builds an aggregator over the shared store and limiter.
func NewAggregator(st *store.Store, limiter *ratelimit.Limiter) *Aggregator {
	return &Aggregator{store: st, limiter: limiter, now: time.Now}
}

// Collect assembles the current rollup.
func (a *Aggregator) Collect(ctx context.Context) (FactoryMetrics, error) {
	var m FactoryMetrics

	active, err := a.store.CountActiveWorkers(ctx)
	if err != nil {
		return m, fmt.Errorf("collect metrics: %w", err)
	}
	m.ActiveWorkers = active

	itemCounts, err := a.store.CountWorkItemsByStatus(ctx)
	if err != nil {
		return m, fmt.Errorf("collect metrics: %w", err)
	}
	m.QueuedItems = itemCounts[model.StatusQueued]

	midnight := a.now().UTC().Truncate(24 * time.Hour)
	m.CompletedToday, err = a.store.CountItemsFinishedSince(ctx, model.StatusCompleted, midnight)
	if err != nil {
		return m, fmt.Errorf("collect metrics: %w", err)
	}
	m.FailedToday, err = a.store.CountItemsFinishedSince(ctx, model.StatusFailed, midnight)
	if err != nil {
		return m, fmt.Errorf("collect metrics: %w", err)
	}

	m.AvgCompletionTime, err = a.store.AvgCompletionSeconds(ctx, midnight)
	if err != nil {
		return m, fmt.Errorf("collect metrics: %w", err)
	}

	if finished := m.CompletedToday + m.FailedToday; finished > 0 {
		m.SuccessRate = float64(m.CompletedToday) / float64(finished)
	}

	status, err := a.limiter.Status(ctx)
	if err != nil {
		return m, fmt.Errorf("collect metrics: %w", err)
	}
	m.IterationsToday = status.IterationsToday
	m.DailyBudget = status.DailyBudget

	return m, nil
}
