package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/anthropics/agent-factory/internal/model"
)

const workItemColumns = `id, repo, branch, spec, description, priority, status, worker_id,
	iteration, max_iterations, retry_count, next_retry_at, created_at, updated_at,
	completed_at, error, pr_url, metadata, type`

// InsertWorkItem persists a new work item
func (q queries) InsertWorkItem(ctx context.Context, item *model.WorkItem) error {
	const stmt = `
		INSERT INTO work_items (id, repo, branch, spec, description, priority, status,
			worker_id, iteration, max_iterations, retry_count, next_retry_at,
			created_at, updated_at, completed_at, error, pr_url, metadata, type)
		VALUES (:id, :repo, :branch, :spec, :description, :priority, :status,
			:worker_id, :iteration, :max_iterations, :retry_count, :next_retry_at,
			:created_at, :updated_at, :completed_at, :error, :pr_url, :metadata, :type)`
	_, err := sqlx.NamedExecContext(ctx, q.ext, stmt, item)
	return wrap(err, "insert work item")
}

// GetWorkItem fetches one work item by id
func (q queries) GetWorkItem(ctx context.Context, id string) (*model.WorkItem, error) {
	var item model.WorkItem
	err := sqlx.GetContext(ctx, q.ext, &item,
		`SELECT `+workItemColumns+` FROM work_items WHERE id = $1`, id)
	if err != nil {
		return nil, wrap(err, "get work item")
	}
	return &item, nil
}

// ListWorkItems returns items in dispatch order, optionally filtered by status
func (q queries) ListWorkItems(ctx context.Context, status *model.Status) ([]model.WorkItem, error) {
	items := []model.WorkItem{}
	var err error
	if status != nil {
		err = sqlx.SelectContext(ctx, q.ext, &items,
			`SELECT `+workItemColumns+` FROM work_items WHERE status = $1
			 ORDER BY priority DESC, created_at ASC, id ASC`, *status)
	} else {
		err = sqlx.SelectContext(ctx, q.ext, &items,
			`SELECT `+workItemColumns+` FROM work_items
			 ORDER BY priority DESC, created_at ASC, id ASC`)
	}
	if err != nil {
		return nil, wrap(err, "list work items")
	}
	return items, nil
}

// ClaimNextWorkItem atomically selects the highest-priority, oldest eligible
// queued item and moves it to assigned. Selection and update are a single
// statement so concurrent dispatchers can never double-claim; SKIP LOCKED
// makes racing claimers pick different rows instead of blocking. Returns nil
// when no item is eligible.
func (q queries) ClaimNextWorkItem(ctx context.Context) (*model.WorkItem, error) {
	const stmt = `
		UPDATE work_items SET status = $1, updated_at = now()
		WHERE id = (
			SELECT id FROM work_items
			WHERE status = $2 AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + workItemColumns

	var item model.WorkItem
	err := sqlx.GetContext(ctx, q.ext, &item, stmt, model.StatusAssigned, model.StatusQueued)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(err, "claim next work item")
	}
	return &item, nil
}

// MarkWorkItemCancelled moves a pre-dispatch item to cancelled. Returns false
// when the item is not in a cancellable status.
func (q queries) MarkWorkItemCancelled(ctx context.Context, id string) (bool, error) {
	const stmt = `
		UPDATE work_items
		SET status = $2, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ($3, $4)`
	return q.execAffected(ctx, "cancel work item", stmt, id,
		model.StatusCancelled, model.StatusPendingGeneration, model.StatusQueued)
}

// AttachWorkItemSpec writes the generated spec and branch back and releases
// the item into the queue, all in one statement.
func (q queries) AttachWorkItemSpec(ctx context.Context, id, spec, branch string) (bool, error) {
	const stmt = `
		UPDATE work_items
		SET spec = $2, branch = $3, status = $4, updated_at = now()
		WHERE id = $1 AND status = $5`
	return q.execAffected(ctx, "attach work item spec", stmt, id, spec, branch,
		model.StatusQueued, model.StatusPendingGeneration)
}

// AssignWorkItemWorker points the item at its live worker
func (q queries) AssignWorkItemWorker(ctx context.Context, id, workerID string) (bool, error) {
	const stmt = `
		UPDATE work_items SET worker_id = $2, updated_at = now()
		WHERE id = $1 AND status IN ($3, $4)`
	return q.execAffected(ctx, "assign work item worker", stmt, id, workerID,
		model.StatusAssigned, model.StatusInProgress)
}

// TouchWorkItemProgress moves an assigned item to in_progress and mirrors the
// worker's iteration count, clamped to the item's own budget so a misreporting
// worker cannot push it past max_iterations. Idempotent for items already in
// progress.
func (q queries) TouchWorkItemProgress(ctx context.Context, id string, iteration int) (bool, error) {
	const stmt = `
		UPDATE work_items
		SET status = $2, iteration = LEAST($3, max_iterations), updated_at = now()
		WHERE id = $1 AND status IN ($4, $5)`
	return q.execAffected(ctx, "touch work item progress", stmt, id,
		model.StatusInProgress, iteration, model.StatusAssigned, model.StatusInProgress)
}

// CompleteWorkItem finishes a dispatched item. Clears the worker reference:
// worker_id is only set while a live worker owns the item.
func (q queries) CompleteWorkItem(ctx context.Context, id string, prURL *string) (bool, error) {
	const stmt = `
		UPDATE work_items
		SET status = $2, pr_url = $3, worker_id = NULL, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ($4, $5)`
	return q.execAffected(ctx, "complete work item", stmt, id,
		model.StatusCompleted, prURL, model.StatusAssigned, model.StatusInProgress)
}

// FailWorkItem finishes a dispatched item with its last error
func (q queries) FailWorkItem(ctx context.Context, id, errMsg string) (bool, error) {
	const stmt = `
		UPDATE work_items
		SET status = $2, error = $3, worker_id = NULL, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ($4, $5)`
	return q.execAffected(ctx, "fail work item", stmt, id,
		model.StatusFailed, errMsg, model.StatusAssigned, model.StatusInProgress)
}

// RequeueWorkItem returns a dispatched item to the queue for another attempt,
// recording the failure and gating re-dispatch behind nextRetryAt.
func (q queries) RequeueWorkItem(ctx context.Context, id, errMsg string, nextRetryAt time.Time) (bool, error) {
	const stmt = `
		UPDATE work_items
		SET status = $2, worker_id = NULL, retry_count = retry_count + 1,
			next_retry_at = $3, error = $4, updated_at = now()
		WHERE id = $1 AND status IN ($5, $6)`
	return q.execAffected(ctx, "requeue work item", stmt, id,
		model.StatusQueued, nextRetryAt, errMsg, model.StatusAssigned, model.StatusInProgress)
}

// CountWorkItemsByStatus returns row counts grouped by status
func (q queries) CountWorkItemsByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows := []struct {
		Status model.Status `db:"status"`
		Count  int          `db:"count"`
	}{}
	err := sqlx.SelectContext(ctx, q.ext, &rows,
		`SELECT status, COUNT(*) AS count FROM work_items GROUP BY status`)
	if err != nil {
		return nil, wrap(err, "count work items")
	}

	counts := make(map[model.Status]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
