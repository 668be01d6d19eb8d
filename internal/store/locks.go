package store

import (
	"context"

	"github.com/lib/pq"

	"github.com/jmoiron/sqlx"

	"github.com/anthropics/agent-factory/internal/model"
)

// TryInsertLock attempts to take a path lock for a worker. The UNIQUE
// constraint on file_path is the mutual-exclusion primitive: the insert does
// nothing on conflict, and the return value reports whether this call won
// the row.
func (q queries) TryInsertLock(ctx context.Context, id, workerID, path string) (bool, error) {
	const stmt = `
		INSERT INTO file_locks (id, worker_id, file_path, acquired_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (file_path) DO NOTHING`
	return q.execAffected(ctx, "insert file lock", stmt, id, workerID, path)
}

// LockHolder returns the lock row for a path, or ErrNotFound when unlocked
func (q queries) LockHolder(ctx context.Context, path string) (*model.FileLock, error) {
	var lock model.FileLock
	err := sqlx.GetContext(ctx, q.ext, &lock,
		`SELECT id, worker_id, file_path, acquired_at FROM file_locks WHERE file_path = $1`, path)
	if err != nil {
		return nil, wrap(err, "get lock holder")
	}
	return &lock, nil
}

// LocksForWorker returns every lock a worker holds
func (q queries) LocksForWorker(ctx context.Context, workerID string) ([]model.FileLock, error) {
	locks := []model.FileLock{}
	err := sqlx.SelectContext(ctx, q.ext, &locks,
		`SELECT id, worker_id, file_path, acquired_at FROM file_locks
		 WHERE worker_id = $1 ORDER BY file_path ASC`, workerID)
	if err != nil {
		return nil, wrap(err, "locks for worker")
	}
	return locks, nil
}

// DeleteLocks releases the named paths, touching only rows the worker owns
func (q queries) DeleteLocks(ctx context.Context, workerID string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	_, err := q.ext.ExecContext(ctx,
		`DELETE FROM file_locks WHERE worker_id = $1 AND file_path = ANY($2)`,
		workerID, pq.Array(paths))
	return wrap(err, "delete file locks")
}

// DeleteAllLocks releases everything the worker holds, returning the count
// for logging
func (q queries) DeleteAllLocks(ctx context.Context, workerID string) (int64, error) {
	res, err := q.ext.ExecContext(ctx,
		`DELETE FROM file_locks WHERE worker_id = $1`, workerID)
	if err != nil {
		return 0, wrap(err, "delete all file locks")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap(err, "delete all file locks")
	}
	return n, nil
}
