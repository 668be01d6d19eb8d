package metrics

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/anthropics/agent-factory/internal/config"
	"github.com/anthropics/agent-factory/internal/ratelimit"
	"github.com/anthropics/agent-factory/internal/store"
)

func newTestAggregator(t *testing.T) (*Aggregator, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.New(sqlx.NewDb(db, "postgres"), zap.NewNop())

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.DefaultConfig()
	limiter := ratelimit.New(st, client, cfg.Redis, cfg.Limits, zap.NewNop())

	return NewAggregator(st, limiter), mock, mr
}

func countRows(n int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"count"}).AddRow(n)
}

func TestCollectAssemblesRollup(t *testing.T) {
	agg, mock, mr := newTestAggregator(t)

	mock.ExpectQuery("COUNT\\(\\*\\) FROM workers").WillReturnRows(countRows(2))
	mock.ExpectQuery("FROM work_items GROUP BY status").WillReturnRows(
		sqlmock.NewRows([]string{"status", "count"}).
			AddRow("queued", 4).
			AddRow("in_progress", 2))
	mock.ExpectQuery("COUNT\\(\\*\\) FROM work_items").WillReturnRows(countRows(3)) // completed today
	mock.ExpectQuery("COUNT\\(\\*\\) FROM work_items").WillReturnRows(countRows(1)) // failed today
	mock.ExpectQuery("AVG\\(EXTRACT").WillReturnRows(
		sqlmock.NewRows([]string{"coalesce"}).AddRow(120.5))
	// limiter.Status re-counts active workers
	mock.ExpectQuery("COUNT\\(\\*\\) FROM workers").WillReturnRows(countRows(2))

	mr.Set("factory:rate:daily_reset_date", "1999-01-01") // stale date forces a rollover to 0

	m, err := agg.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, m.ActiveWorkers)
	assert.Equal(t, 4, m.QueuedItems)
	assert.Equal(t, 3, m.CompletedToday)
	assert.Equal(t, 1, m.FailedToday)
	assert.Equal(t, 120.5, m.AvgCompletionTime)
	assert.Equal(t, 0.75, m.SuccessRate)
	assert.EqualValues(t, 0, m.IterationsToday)
	assert.Equal(t, config.DefaultConfig().Limits.DailyBudget, m.DailyBudget)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCollectSuccessRateZeroWhenNothingFinished(t *testing.T) {
	agg, mock, _ := newTestAggregator(t)

	mock.ExpectQuery("COUNT\\(\\*\\) FROM workers").WillReturnRows(countRows(0))
	mock.ExpectQuery("FROM work_items GROUP BY status").WillReturnRows(
		sqlmock.NewRows([]string{"status", "count"}))
	mock.ExpectQuery("COUNT\\(\\*\\) FROM work_items").WillReturnRows(countRows(0))
	mock.ExpectQuery("COUNT\\(\\*\\) FROM work_items").WillReturnRows(countRows(0))
	mock.ExpectQuery("AVG\\(EXTRACT").WillReturnRows(
		sqlmock.NewRows([]string{"coalesce"}).AddRow(0.0))
	mock.ExpectQuery("COUNT\\(\\*\\) FROM workers").WillReturnRows(countRows(0))

	m, err := agg.Collect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, m.SuccessRate)
	assert.Zero(t, m.QueuedItems)
}

func TestCollectSurfacesStoreFailure(t *testing.T) {
	agg, mock, _ := newTestAggregator(t)

	mock.ExpectQuery("COUNT\\(\\*\\) FROM workers").WillReturnError(assert.AnError)

	_, err := agg.Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collect metrics")
}
