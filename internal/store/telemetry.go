package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/anthropics/agent-factory/internal/model"
)

// InsertWorkerMetric appends one iteration sample
func (q queries) InsertWorkerMetric(ctx context.Context, m *model.WorkerMetric) error {
	const stmt = `
		INSERT INTO worker_metrics (id, worker_id, work_item_id, iteration, tokens_in,
			tokens_out, duration_seconds, files_modified, tests_run, tests_passed,
			tests_failed, test_status, timestamp)
		VALUES (:id, :worker_id, :work_item_id, :iteration, :tokens_in,
			:tokens_out, :duration_seconds, :files_modified, :tests_run, :tests_passed,
			:tests_failed, :test_status, :timestamp)`
	_, err := sqlx.NamedExecContext(ctx, q.ext, stmt, m)
	return wrap(err, "insert worker metric")
}

// MetricsForItem returns the iteration samples recorded for a work item
func (q queries) MetricsForItem(ctx context.Context, workItemID string) ([]model.WorkerMetric, error) {
	metrics := []model.WorkerMetric{}
	err := sqlx.SelectContext(ctx, q.ext, &metrics,
		`SELECT id, worker_id, work_item_id, iteration, tokens_in, tokens_out,
			duration_seconds, files_modified, tests_run, tests_passed, tests_failed,
			test_status, timestamp
		 FROM worker_metrics WHERE work_item_id = $1 ORDER BY timestamp ASC`, workItemID)
	if err != nil {
		return nil, wrap(err, "metrics for item")
	}
	return metrics, nil
}

// InsertLearning appends one learning record
func (q queries) InsertLearning(ctx context.Context, l *model.Learning) error {
	const stmt = `
		INSERT INTO learnings (id, worker_id, work_item_id, repo, spec, content,
			embedding, created_at)
		VALUES (:id, :worker_id, :work_item_id, :repo, :spec, :content,
			:embedding, :created_at)`
	_, err := sqlx.NamedExecContext(ctx, q.ext, stmt, l)
	return wrap(err, "insert learning")
}

// RecentLearnings returns the newest learnings for a repo, or across all
// repos when repo is empty.
func (q queries) RecentLearnings(ctx context.Context, repo string, limit int) ([]model.Learning, error) {
	learnings := []model.Learning{}
	var err error
	if repo != "" {
		err = sqlx.SelectContext(ctx, q.ext, &learnings,
			`SELECT id, worker_id, work_item_id, repo, spec, content, embedding, created_at
			 FROM learnings WHERE repo = $1 ORDER BY created_at DESC LIMIT $2`, repo, limit)
	} else {
		err = sqlx.SelectContext(ctx, q.ext, &learnings,
			`SELECT id, worker_id, work_item_id, repo, spec, content, embedding, created_at
			 FROM learnings ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, wrap(err, "recent learnings")
	}
	return learnings, nil
}

// CountItemsFinishedSince counts work items that reached the given terminal
// status at or after the cutoff.
func (q queries) CountItemsFinishedSince(ctx context.Context, status model.Status, since time.Time) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, q.ext, &n,
		`SELECT COUNT(*) FROM work_items WHERE status = $1 AND completed_at >= $2`,
		status, since)
	if err != nil {
		return 0, wrap(err, "count finished items")
	}
	return n, nil
}

// AvgCompletionSeconds averages queue-to-done wall time over items completed
// since the cutoff. Zero when nothing completed.
func (q queries) AvgCompletionSeconds(ctx context.Context, since time.Time) (float64, error) {
	var avg float64
	err := sqlx.GetContext(ctx, q.ext, &avg,
		`SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - created_at))), 0)
		 FROM work_items WHERE status = $1 AND completed_at >= $2`,
		model.StatusCompleted, since)
	if err != nil {
		return 0, wrap(err, "avg completion seconds")
	}
	return avg, nil
}
