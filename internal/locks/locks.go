// Package locks serializes file writes across workers with advisory,
// path-keyed locks stored in the file_locks table. The UNIQUE constraint on
// file_path is the single source of truth; this service only layers
// idempotent re-acquisition and bookkeeping on top.
package locks

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anthropics/agent-factory/internal/model"
	"github.com/anthropics/agent-factory/internal/store"
)

// Service arbitrates file locks between workers
type Service struct {
	store  *store.Store
	logger *zap.Logger
}

func NewService(st *store.Store, logger *zap.Logger) *Service {
	return &Service{store: st, logger: logger.Named("locks")}
}

// Result reports the per-path outcome of an Acquire call. Acquired paths stay
// acquired even when others are blocked; the worker decides whether to
// release them or proceed with the subset.
type Result struct {
	Acquired []string `json:"acquired"`
	Blocked  []string `json:"blocked"`
}

// AllAcquired reports whether every requested path was taken
func (r Result) AllAcquired() bool {
	return len(r.Blocked) == 0
}

// Acquire attempts to lock each path for the worker. Concurrent acquirers of
// the same path deterministically produce one winner; everyone else sees the
// path in Blocked.
func (s *Service) Acquire(ctx context.Context, workerID string, paths []string) (Result, error) {
	res := Result{Acquired: []string{}, Blocked: []string{}}
	for _, path := range paths {
		acquired, err := s.acquirePath(ctx, workerID, path)
		if err != nil {
			return res, err
		}
		if acquired {
			res.Acquired = append(res.Acquired, path)
		} else {
			res.Blocked = append(res.Blocked, path)
			s.logger.Debug("lock contention",
				zap.String("path", path),
				zap.String("workerId", workerID))
		}
	}
	return res, nil
}

// acquirePath runs one insert that does nothing on conflict, then reads the
// holder: losing to ourselves is an idempotent re-acquisition. A holder that
// vanished between insert and read was released in the window, so one more
// insert settles it either way.
func (s *Service) acquirePath(ctx context.Context, workerID, path string) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		won, err := s.store.TryInsertLock(ctx, uuid.NewString(), workerID, path)
		if err != nil {
			return false, err
		}
		if won {
			return true, nil
		}

		holder, err := s.store.LockHolder(ctx, path)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		return holder.WorkerID == workerID, nil
	}
	return false, nil
}

// Release frees the named paths, touching only rows the worker owns. Paths
// held by other workers or not held at all are ignored.
func (s *Service) Release(ctx context.Context, workerID string, paths []string) error {
	return s.store.DeleteLocks(ctx, workerID, paths)
}

// ReleaseAll frees everything the worker holds. Every terminal worker
// transition calls this.
func (s *Service) ReleaseAll(ctx context.Context, workerID string) error {
	n, err := s.store.DeleteAllLocks(ctx, workerID)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Debug("released locks",
			zap.String("workerId", workerID),
			zap.Int64("count", n))
	}
	return nil
}

// ForWorker lists the locks a worker currently holds
func (s *Service) ForWorker(ctx context.Context, workerID string) ([]model.FileLock, error) {
	return s.store.LocksForWorker(ctx, workerID)
}

// Holder returns the lock row for a path, or store.ErrNotFound when free
func (s *Service) Holder(ctx context.Context, path string) (*model.FileLock, error) {
	return s.store.LockHolder(ctx, path)
}
