package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/anthropics/agent-factory/internal/locks"
	"github.com/anthropics/agent-factory/internal/model"
)

// HeartbeatRequest is the periodic liveness report from a worker.
type HeartbeatRequest struct {
	Iteration int    `json:"iteration"`
	Activity  string `json:"activity,omitempty"`
}

// Heartbeat records liveness and progress. The first heartbeat promotes the
// worker to running and its item to in_progress; heartbeats from terminal
// workers are rejected so a killed container learns to exit.
func (m *Manager) Heartbeat(ctx context.Context, workerID string, req HeartbeatRequest) (*model.Worker, error) {
	w, err := m.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if w.Status.Terminal() {
		return nil, fmt.Errorf("%w: worker is %s", ErrWorkerNotActive, w.Status)
	}

	alive, err := m.store.TouchWorkerHeartbeat(ctx, workerID, req.Iteration)
	if err != nil {
		return nil, err
	}
	if !alive {
		return nil, fmt.Errorf("%w: worker reached a terminal status", ErrWorkerNotActive)
	}

	// Mirror progress into the item. Zero rows is fine: the item may already
	// be settled (a cancel issued mid-flight is accepted and absorbed here).
	if _, err := m.store.TouchWorkItemProgress(ctx, w.WorkItemID, req.Iteration); err != nil {
		m.logger.Error("mirror heartbeat into work item",
			zap.Error(err), zap.String("workItemId", w.WorkItemID))
	}

	// Budget recording is best-effort: heartbeats keep workers alive even
	// when Redis is down.
	if err := m.limiter.RecordIteration(ctx); err != nil {
		m.logger.Warn("record iteration", zap.Error(err))
	}

	if req.Activity != "" {
		m.logger.Debug("worker activity",
			zap.String("workerId", workerID),
			zap.Int("iteration", req.Iteration),
			zap.String("activity", req.Activity))
	}

	w.Status = model.WorkerRunning
	w.Iteration = req.Iteration
	w.LastHeartbeat = time.Now().UTC()
	return w, nil
}

// LockFiles acquires path locks on behalf of an active worker.
func (m *Manager) LockFiles(ctx context.Context, workerID string, paths []string) (locks.Result, error) {
	w, err := m.store.GetWorker(ctx, workerID)
	if err != nil {
		return locks.Result{}, err
	}
	if !w.Status.Active() {
		return locks.Result{}, fmt.Errorf("%w: worker is %s", ErrWorkerNotActive, w.Status)
	}
	return m.locks.Acquire(ctx, workerID, paths)
}

// UnlockFiles releases the named paths. Releasing is allowed in any worker
// status; it only ever frees rows the worker owns.
func (m *Manager) UnlockFiles(ctx context.Context, workerID string, paths []string) error {
	if _, err := m.store.GetWorker(ctx, workerID); err != nil {
		return err
	}
	return m.locks.Release(ctx, workerID, paths)
}

// MetricReport is one per-iteration telemetry sample in a completion payload.
type MetricReport struct {
	Iteration     int     `json:"iteration"`
	TokensIn      int64   `json:"tokensIn"`
	TokensOut     int64   `json:"tokensOut"`
	Duration      float64 `json:"duration"`
	FilesModified int     `json:"filesModified"`
	TestsRun      int     `json:"testsRun"`
	TestsPassed   int     `json:"testsPassed"`
	TestsFailed   int     `json:"testsFailed"`
	TestStatus    string  `json:"testStatus"`
}

// LearningReport is a free-form insight submitted at completion.
type LearningReport struct {
	Content   string    `json:"content"`
	Embedding []float64 `json:"embedding,omitempty"`
}

// CompleteRequest is the worker's final success report.
type CompleteRequest struct {
	PRURL     string           `json:"prUrl"`
	Metrics   []MetricReport   `json:"metrics"`
	Learnings []LearningReport `json:"learnings"`
}

// Complete finishes a worker successfully and completes its item.
func (m *Manager) Complete(ctx context.Context, workerID string, req CompleteRequest) (*model.Worker, error) {
	w, err := m.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}

	won, err := m.finish(ctx, w, model.WorkerCompleted, nil)
	if err != nil {
		return nil, err
	}
	if !won {
		// A retry of a completion whose earlier call won the worker update
		// but died before the item settled must re-drive the routing, not
		// be rejected. queue.Complete is a no-op once the item is terminal.
		same, err := m.settledAs(ctx, w, model.WorkerCompleted)
		if err != nil {
			return nil, err
		}
		if !same {
			return nil, fmt.Errorf("%w: worker is %s", ErrWorkerNotActive, w.Status)
		}
	}

	var prURL *string
	if req.PRURL != "" {
		prURL = &req.PRURL
	}
	if err := m.queue.Complete(ctx, w.WorkItemID, prURL); err != nil {
		return nil, err
	}

	if won {
		m.appendTelemetry(ctx, w, req.Metrics, req.Learnings)
	}

	w.Status = model.WorkerCompleted
	return w, nil
}

// FailRequest is the worker's final failure report.
type FailRequest struct {
	Error     string `json:"error"`
	Iteration int    `json:"iteration"`
}

// Fail finishes a worker as failed and routes its item to requeue-or-fail.
func (m *Manager) Fail(ctx context.Context, workerID string, req FailRequest) (*model.Worker, error) {
	errMsg := req.Error
	if errMsg == "" {
		errMsg = "worker reported failure"
	}
	return m.finishAndRoute(ctx, workerID, model.WorkerFailed, errMsg, req.Iteration)
}

// StuckRequest reports a worker that cannot make progress.
type StuckRequest struct {
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
}

// Stuck finishes a worker as stuck. The item is routed like a failure: the
// worker is abandoned, the work may still succeed on a fresh attempt.
func (m *Manager) Stuck(ctx context.Context, workerID string, req StuckRequest) (*model.Worker, error) {
	reason := req.Reason
	if reason == "" {
		reason = "worker reported stuck"
	}
	return m.finishAndRoute(ctx, workerID, model.WorkerStuck, reason, req.Attempts)
}

// Kill stops a worker from outside: the reaper on stale heartbeats, or an
// operator. The container is stopped first, best-effort, so a live agent
// cannot race the transition with further progress. Killing an
// already-terminal worker is a no-op.
func (m *Manager) Kill(ctx context.Context, workerID, reason string) (*model.Worker, error) {
	w, err := m.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}

	if w.ContainerID != nil {
		if err := m.runtime.Stop(ctx, *w.ContainerID); err != nil {
			m.logger.Warn("stop container",
				zap.Error(err), zap.String("workerId", workerID))
		}
	}

	if reason == "" {
		reason = "killed by operator"
	}
	won, err := m.finish(ctx, w, model.WorkerKilled, &reason)
	if err != nil {
		return nil, err
	}
	if !won {
		// Lost to another kill: re-drive the routing in case the earlier
		// call died before the item settled. Lost to the worker's own
		// terminal report: that path routes the item, nothing to do.
		same, err := m.settledAs(ctx, w, model.WorkerKilled)
		if err != nil {
			return nil, err
		}
		if !same {
			return w, nil
		}
	}

	if err := m.routeFailedItem(ctx, w, reason); err != nil {
		return nil, err
	}
	w.Status = model.WorkerKilled
	return w, nil
}

// finishAndRoute is the shared fail/stuck path: terminal transition, then
// requeue-or-fail the item using the latest reported iteration.
func (m *Manager) finishAndRoute(ctx context.Context, workerID string,
	status model.WorkerStatus, reason string, reportedIteration int) (*model.Worker, error) {
	w, err := m.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}

	won, err := m.finish(ctx, w, status, &reason)
	if err != nil {
		return nil, err
	}
	if !won {
		same, err := m.settledAs(ctx, w, status)
		if err != nil {
			return nil, err
		}
		if !same {
			return nil, fmt.Errorf("%w: worker is %s", ErrWorkerNotActive, w.Status)
		}
	}

	if reportedIteration > w.Iteration {
		w.Iteration = reportedIteration
	}
	if err := m.routeFailedItem(ctx, w, reason); err != nil {
		return nil, err
	}

	w.Status = status
	return w, nil
}

// settledAs reports whether a worker that lost the guarded terminal update
// lost to the same status the caller asked for. True means an earlier attempt
// at this transition won the worker row but may have died before settling the
// item, so the caller re-drives the item routing instead of rejecting.
// w.Status is refreshed to the stored value.
func (m *Manager) settledAs(ctx context.Context, w *model.Worker, status model.WorkerStatus) (bool, error) {
	if !w.Status.Terminal() {
		fresh, err := m.store.GetWorker(ctx, w.ID)
		if err != nil {
			return false, err
		}
		w.Status = fresh.Status
	}
	return w.Status == status, nil
}

// finish applies a terminal status. Exactly the call that wins the guarded
// update runs the side effects: locks released, fleet slot returned.
func (m *Manager) finish(ctx context.Context, w *model.Worker, status model.WorkerStatus, errMsg *string) (bool, error) {
	won, err := m.store.FinishWorker(ctx, w.ID, status, errMsg)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}

	if err := m.locks.ReleaseAll(ctx, w.ID); err != nil {
		m.logger.Error("release locks",
			zap.Error(err), zap.String("workerId", w.ID))
	}
	m.limiter.RecordWorkerDone(w.ID)

	m.logger.Info("worker finished",
		zap.String("workerId", w.ID),
		zap.String("status", string(status)))
	return true, nil
}

// routeFailedItem decides the item's fate after its worker died: back to the
// queue while iteration and retry budgets remain, terminally failed
// otherwise.
func (m *Manager) routeFailedItem(ctx context.Context, w *model.Worker, reason string) error {
	item, err := m.store.GetWorkItem(ctx, w.WorkItemID)
	if err != nil {
		return err
	}
	// A re-driven routing must never touch an item a later worker owns.
	if item.WorkerID != nil && *item.WorkerID != w.ID {
		return nil
	}

	if w.Iteration > item.Iteration {
		item.Iteration = w.Iteration
	}
	if item.RetriesLeft(m.limiter.Limits().MaxRetries) {
		return m.queue.Requeue(ctx, item.ID, reason)
	}
	return m.queue.Fail(ctx, item.ID, reason)
}

// appendTelemetry stores the completion payload's metric samples and
// learnings. Telemetry is append-only bookkeeping; failures are logged, never
// surfaced to the worker.
func (m *Manager) appendTelemetry(ctx context.Context, w *model.Worker,
	metrics []MetricReport, learnings []LearningReport) {
	now := time.Now().UTC()

	for _, r := range metrics {
		metric := &model.WorkerMetric{
			ID:            uuid.NewString(),
			WorkerID:      w.ID,
			WorkItemID:    w.WorkItemID,
			Iteration:     r.Iteration,
			TokensIn:      r.TokensIn,
			TokensOut:     r.TokensOut,
			Duration:      r.Duration,
			FilesModified: r.FilesModified,
			TestsRun:      r.TestsRun,
			TestsPassed:   r.TestsPassed,
			TestsFailed:   r.TestsFailed,
			TestStatus:    r.TestStatus,
			Timestamp:     now,
		}
		if err := m.store.InsertWorkerMetric(ctx, metric); err != nil {
			m.logger.Error("append worker metric",
				zap.Error(err), zap.String("workerId", w.ID))
		}
	}

	if len(learnings) == 0 {
		return
	}
	item, err := m.store.GetWorkItem(ctx, w.WorkItemID)
	if err != nil {
		m.logger.Error("load work item for learnings",
			zap.Error(err), zap.String("workItemId", w.WorkItemID))
		return
	}
	for _, l := range learnings {
		learning := &model.Learning{
			ID:         uuid.NewString(),
			WorkerID:   w.ID,
			WorkItemID: w.WorkItemID,
			Repo:       item.Repo,
			Spec:       item.Spec,
			Content:    l.Content,
			Embedding:  pq.Float64Array(l.Embedding),
			CreatedAt:  now,
		}
		if err := m.store.InsertLearning(ctx, learning); err != nil {
			m.logger.Error("append learning",
				zap.Error(err), zap.String("workerId", w.ID))
		}
	}
}
