// Package worker owns the worker lifecycle: spawning containers against
// claimed work items, registering live containers, absorbing their progress
// reports, and driving every terminal transition's side effects (lock
// release, fleet-slot notification, item routing) exactly once.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anthropics/agent-factory/internal/config"
	"github.com/anthropics/agent-factory/internal/locks"
	"github.com/anthropics/agent-factory/internal/model"
	"github.com/anthropics/agent-factory/internal/queue"
	"github.com/anthropics/agent-factory/internal/ratelimit"
	"github.com/anthropics/agent-factory/internal/sandbox"
	"github.com/anthropics/agent-factory/internal/store"
)

var (
	// ErrWorkerNotActive rejects reports from workers that already reached a
	// terminal status. In-flight calls arriving after a kill land here; the
	// container takes the rejection as its signal to exit.
	ErrWorkerNotActive = errors.New("worker is not active")
	// ErrItemNotDispatched rejects registration against items the dispatcher
	// has not handed out.
	ErrItemNotDispatched = errors.New("work item is not dispatched")
)

// Manager coordinates worker lifecycle operations.
type Manager struct {
	store   *store.Store
	queue   *queue.Manager
	locks   *locks.Service
	limiter *ratelimit.Limiter
	runtime sandbox.Runtime
	cfg     *config.Config
	logger  *zap.Logger
}

// NewManager wires the worker manager over its collaborators.
func NewManager(st *store.Store, qm *queue.Manager, lockSvc *locks.Service,
	limiter *ratelimit.Limiter, runtime sandbox.Runtime, cfg *config.Config,
	logger *zap.Logger) *Manager {
	return &Manager{
		store:   st,
		queue:   qm,
		locks:   lockSvc,
		limiter: limiter,
		runtime: runtime,
		cfg:     cfg,
		logger:  logger.Named("worker"),
	}
}

// HasCapacity applies the fleet gates. The decision carries the denial reason
// so the supervisor can log and count why dispatch stopped.
func (m *Manager) HasCapacity(ctx context.Context) (ratelimit.Decision, error) {
	return m.limiter.CanSpawn(ctx)
}

// Spawn starts a worker for a claimed item: worker row and item back-reference
// in one transaction, then the container. A container that never starts rolls
// the whole spawn back; the row must not leak.
func (m *Manager) Spawn(ctx context.Context, item *model.WorkItem) (*model.Worker, error) {
	now := time.Now().UTC()
	w := &model.Worker{
		ID:            uuid.NewString(),
		WorkItemID:    item.ID,
		Status:        model.WorkerStarting,
		LastHeartbeat: now,
		StartedAt:     now,
	}

	err := m.store.Transaction(ctx, func(tx *store.Tx) error {
		if err := tx.InsertWorker(ctx, w); err != nil {
			return err
		}
		assigned, err := tx.AssignWorkItemWorker(ctx, item.ID, w.ID)
		if err != nil {
			return err
		}
		if !assigned {
			return fmt.Errorf("work item %s is no longer dispatched", item.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	// Stamp the cooldown once the row is committed; a sick container runtime
	// should pace the loop rather than let it hammer the daemon.
	if err := m.limiter.RecordSpawn(ctx); err != nil {
		m.logger.Warn("record spawn time", zap.Error(err))
	}

	spec, err := m.containerSpec(w.ID, item)
	if err != nil {
		m.rollbackSpawn(ctx, w.ID, item.ID, err)
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	containerID, err := m.runtime.Create(ctx, spec)
	if err != nil {
		m.rollbackSpawn(ctx, w.ID, item.ID, err)
		return nil, fmt.Errorf("spawn worker: %w", err)
	}

	if err := m.store.SetWorkerContainer(ctx, w.ID, containerID); err != nil {
		// The container is up and will register; only the kill path loses
		// its handle. Surface loudly and move on.
		m.logger.Error("record container id",
			zap.Error(err), zap.String("workerId", w.ID))
	}
	w.ContainerID = &containerID

	m.logger.Info("worker spawned",
		zap.String("workerId", w.ID),
		zap.String("workItemId", item.ID),
		zap.String("type", string(item.Type)))
	return w, nil
}

// containerSpec assembles the sandbox spec for an item: image by work type,
// identity and callback coordinates through the environment.
func (m *Manager) containerSpec(workerID string, item *model.WorkItem) (sandbox.Spec, error) {
	itemJSON, err := json.Marshal(item)
	if err != nil {
		return sandbox.Spec{}, fmt.Errorf("encode work item: %w", err)
	}

	image := m.cfg.Sandbox.ExecutionImage
	if item.Type == model.TypeVerification {
		image = m.cfg.Sandbox.VerificationImage
	}

	return sandbox.Spec{
		WorkerID: workerID,
		Image:    image,
		Env: []string{
			"FACTORY_URL=" + m.cfg.Server.BaseURL,
			"WORKER_ID=" + workerID,
			"WORK_ITEM=" + string(itemJSON),
			"WORKER_TOKEN=" + m.cfg.Server.AuthToken,
		},
	}, nil
}

// rollbackSpawn undoes a spawn whose container never started: delete the
// worker row and send the item back to the queue, in one transaction.
func (m *Manager) rollbackSpawn(ctx context.Context, workerID, itemID string, cause error) {
	reason := "spawn failed: " + cause.Error()
	err := m.store.Transaction(ctx, func(tx *store.Tx) error {
		if err := tx.DeleteWorker(ctx, workerID); err != nil {
			return err
		}
		item, err := tx.GetWorkItem(ctx, itemID)
		if err != nil {
			return err
		}
		delay := queue.RequeueBackoff(item.RetryCount + 1)
		_, err = tx.RequeueWorkItem(ctx, itemID, reason, time.Now().UTC().Add(delay))
		return err
	})
	if err != nil {
		m.logger.Error("spawn rollback failed",
			zap.Error(err),
			zap.String("workerId", workerID),
			zap.String("workItemId", itemID))
		return
	}
	m.logger.Warn("spawn rolled back",
		zap.String("workerId", workerID),
		zap.String("workItemId", itemID),
		zap.String("reason", reason))
}

// Register binds a live container to its work item. The active worker for the
// item is reused and promoted to running; an item without one (externally
// started containers, or a row lost to a spawn rollback) gets a fresh row.
func (m *Manager) Register(ctx context.Context, workItemID string) (*model.Worker, *model.WorkItem, error) {
	item, err := m.store.GetWorkItem(ctx, workItemID)
	if err != nil {
		return nil, nil, err
	}
	if item.Status != model.StatusAssigned && item.Status != model.StatusInProgress {
		return nil, nil, fmt.Errorf("%w: item status is %s", ErrItemNotDispatched, item.Status)
	}

	w, err := m.store.ActiveWorkerForItem(ctx, workItemID)
	switch {
	case err == nil:
		promoted, err := m.store.MarkWorkerRunning(ctx, w.ID)
		if err != nil {
			return nil, nil, err
		}
		if !promoted {
			// Killed between the lookup and the promotion.
			return nil, nil, fmt.Errorf("%w: worker reached a terminal status", ErrWorkerNotActive)
		}
		w.Status = model.WorkerRunning
		m.logger.Info("worker registered",
			zap.String("workerId", w.ID), zap.String("workItemId", workItemID))
		return w, item, nil
	case errors.Is(err, store.ErrNotFound):
		return m.adoptWorker(ctx, item)
	default:
		return nil, nil, err
	}
}

// adoptWorker creates a running worker row for a container the factory has no
// record of. Losing the insert race to a concurrent register falls back to
// the winner's row.
func (m *Manager) adoptWorker(ctx context.Context, item *model.WorkItem) (*model.Worker, *model.WorkItem, error) {
	now := time.Now().UTC()
	w := &model.Worker{
		ID:            uuid.NewString(),
		WorkItemID:    item.ID,
		Status:        model.WorkerRunning,
		LastHeartbeat: now,
		StartedAt:     now,
	}

	err := m.store.InsertWorker(ctx, w)
	if errors.Is(err, store.ErrConflict) {
		existing, lookupErr := m.store.ActiveWorkerForItem(ctx, item.ID)
		if lookupErr != nil {
			return nil, nil, lookupErr
		}
		return existing, item, nil
	}
	if err != nil {
		return nil, nil, err
	}

	if _, err := m.store.AssignWorkItemWorker(ctx, item.ID, w.ID); err != nil {
		return nil, nil, err
	}

	m.logger.Info("worker adopted",
		zap.String("workerId", w.ID), zap.String("workItemId", item.ID))
	return w, item, nil
}

// HealthCheck returns every active worker whose heartbeat went stale.
func (m *Manager) HealthCheck(ctx context.Context) ([]model.Worker, error) {
	return m.store.StaleWorkers(ctx, m.cfg.Supervisor.StaleThreshold)
}

// Get fetches one worker.
func (m *Manager) Get(ctx context.Context, id string) (*model.Worker, error) {
	return m.store.GetWorker(ctx, id)
}

// List returns all workers, newest first.
func (m *Manager) List(ctx context.Context) ([]model.Worker, error) {
	return m.store.ListWorkers(ctx)
}

// Stats is the worker-fleet rollup for status reporting.
type Stats struct {
	Total    int                        `json:"total"`
	Active   int                        `json:"active"`
	ByStatus map[model.WorkerStatus]int `json:"byStatus"`
}

// GetStats counts workers by status.
func (m *Manager) GetStats(ctx context.Context) (Stats, error) {
	counts, err := m.store.CountWorkersByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{ByStatus: counts}
	for status, n := range counts {
		stats.Total += n
		if status.Active() {
			stats.Active += n
		}
	}
	return stats, nil
}
