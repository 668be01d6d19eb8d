package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/anthropics/agent-factory/internal/model"
)

const workerColumns = `id, work_item_id, status, iteration, last_heartbeat, started_at,
	completed_at, container_id, error`

// InsertWorker persists a new worker row. A second live worker for the same
// work item violates the partial unique index and surfaces ErrConflict.
func (q queries) InsertWorker(ctx context.Context, w *model.Worker) error {
	const stmt = `
		INSERT INTO workers (id, work_item_id, status, iteration, last_heartbeat,
			started_at, completed_at, container_id, error)
		VALUES (:id, :work_item_id, :status, :iteration, :last_heartbeat,
			:started_at, :completed_at, :container_id, :error)`
	_, err := sqlx.NamedExecContext(ctx, q.ext, stmt, w)
	return wrap(err, "insert worker")
}

// GetWorker fetches one worker by id
func (q queries) GetWorker(ctx context.Context, id string) (*model.Worker, error) {
	var w model.Worker
	err := sqlx.GetContext(ctx, q.ext, &w,
		`SELECT `+workerColumns+` FROM workers WHERE id = $1`, id)
	if err != nil {
		return nil, wrap(err, "get worker")
	}
	return &w, nil
}

// ActiveWorkerForItem returns the live worker owning a work item, or
// ErrNotFound when none exists.
func (q queries) ActiveWorkerForItem(ctx context.Context, workItemID string) (*model.Worker, error) {
	var w model.Worker
	err := sqlx.GetContext(ctx, q.ext, &w,
		`SELECT `+workerColumns+` FROM workers
		 WHERE work_item_id = $1 AND status IN ($2, $3)`,
		workItemID, model.WorkerStarting, model.WorkerRunning)
	if err != nil {
		return nil, wrap(err, "active worker for item")
	}
	return &w, nil
}

// ListWorkers returns all workers, newest first
func (q queries) ListWorkers(ctx context.Context) ([]model.Worker, error) {
	workers := []model.Worker{}
	err := sqlx.SelectContext(ctx, q.ext, &workers,
		`SELECT `+workerColumns+` FROM workers ORDER BY started_at DESC, id ASC`)
	if err != nil {
		return nil, wrap(err, "list workers")
	}
	return workers, nil
}

// CountActiveWorkers counts live workers straight from the table. The rate
// limiter depends on this being derived, never cached: a counter would drift
// across crashes and kill paths.
func (q queries) CountActiveWorkers(ctx context.Context) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, q.ext, &n,
		`SELECT COUNT(*) FROM workers WHERE status IN ($1, $2)`,
		model.WorkerStarting, model.WorkerRunning)
	if err != nil {
		return 0, wrap(err, "count active workers")
	}
	return n, nil
}

// StaleWorkers returns live workers whose heartbeat is older than threshold
func (q queries) StaleWorkers(ctx context.Context, threshold time.Duration) ([]model.Worker, error) {
	workers := []model.Worker{}
	err := sqlx.SelectContext(ctx, q.ext, &workers,
		`SELECT `+workerColumns+` FROM workers
		 WHERE status IN ($1, $2) AND last_heartbeat < now() - make_interval(secs => $3)
		 ORDER BY last_heartbeat ASC`,
		model.WorkerStarting, model.WorkerRunning, threshold.Seconds())
	if err != nil {
		return nil, wrap(err, "stale workers")
	}
	return workers, nil
}

// TouchWorkerHeartbeat records a heartbeat on a live worker, promoting
// starting to running. Returns false when the worker is already terminal.
func (q queries) TouchWorkerHeartbeat(ctx context.Context, id string, iteration int) (bool, error) {
	const stmt = `
		UPDATE workers SET status = $2, iteration = $3, last_heartbeat = now()
		WHERE id = $1 AND status IN ($4, $5)`
	return q.execAffected(ctx, "touch worker heartbeat", stmt, id,
		model.WorkerRunning, iteration, model.WorkerStarting, model.WorkerRunning)
}

// MarkWorkerRunning promotes a live worker to running without changing its
// iteration, used when the container registers.
func (q queries) MarkWorkerRunning(ctx context.Context, id string) (bool, error) {
	const stmt = `
		UPDATE workers SET status = $2, last_heartbeat = now()
		WHERE id = $1 AND status IN ($3, $4)`
	return q.execAffected(ctx, "mark worker running", stmt, id,
		model.WorkerRunning, model.WorkerStarting, model.WorkerRunning)
}

// FinishWorker applies a terminal status to a live worker. Terminal statuses
// are sticky: a second application affects zero rows and returns false.
func (q queries) FinishWorker(ctx context.Context, id string, status model.WorkerStatus, errMsg *string) (bool, error) {
	const stmt = `
		UPDATE workers SET status = $2, error = $3, completed_at = now()
		WHERE id = $1 AND status IN ($4, $5)`
	return q.execAffected(ctx, "finish worker", stmt, id,
		status, errMsg, model.WorkerStarting, model.WorkerRunning)
}

// SetWorkerContainer records the sandbox container backing the worker
func (q queries) SetWorkerContainer(ctx context.Context, id, containerID string) error {
	_, err := q.ext.ExecContext(ctx,
		`UPDATE workers SET container_id = $2 WHERE id = $1`, id, containerID)
	return wrap(err, "set worker container")
}

// DeleteWorker removes a worker row. Only the spawn rollback path uses this;
// everywhere else worker rows are history and must survive.
func (q queries) DeleteWorker(ctx context.Context, id string) error {
	_, err := q.ext.ExecContext(ctx, `DELETE FROM workers WHERE id = $1`, id)
	return wrap(err, "delete worker")
}

// CountWorkersByStatus returns row counts grouped by status
func (q queries) CountWorkersByStatus(ctx context.Context) (map[model.WorkerStatus]int, error) {
	rows := []struct {
		Status model.WorkerStatus `db:"status"`
		Count  int                `db:"count"`
	}{}
	err := sqlx.SelectContext(ctx, q.ext, &rows,
		`SELECT status, COUNT(*) AS count FROM workers GROUP BY status`)
	if err != nil {
		return nil, wrap(err, "count workers")
	}

	counts := make(map[model.WorkerStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
