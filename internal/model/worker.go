package model

import "time"

// WorkerStatus represents the lifecycle state of a worker
type WorkerStatus string

const (
	WorkerStarting  WorkerStatus = "starting"
	WorkerRunning   WorkerStatus = "running"
	WorkerCompleted WorkerStatus = "completed"
	WorkerFailed    WorkerStatus = "failed"
	WorkerStuck     WorkerStatus = "stuck"
	WorkerKilled    WorkerStatus = "killed"
)

// Active reports whether the worker still owns its work item
func (s WorkerStatus) Active() bool {
	return s == WorkerStarting || s == WorkerRunning
}

// Terminal reports whether the status is final. Terminal statuses are sticky:
// no transition leaves them.
func (s WorkerStatus) Terminal() bool {
	switch s {
	case WorkerCompleted, WorkerFailed, WorkerStuck, WorkerKilled:
		return true
	}
	return false
}

// Worker is one sandboxed execution of an agent pursuing a work item
type Worker struct {
	ID            string       `db:"id" json:"id"`
	WorkItemID    string       `db:"work_item_id" json:"workItemId"`
	Status        WorkerStatus `db:"status" json:"status"`
	Iteration     int          `db:"iteration" json:"iteration"`
	LastHeartbeat time.Time    `db:"last_heartbeat" json:"lastHeartbeat"`
	StartedAt     time.Time    `db:"started_at" json:"startedAt"`
	CompletedAt   *time.Time   `db:"completed_at" json:"completedAt,omitempty"`
	ContainerID   *string      `db:"container_id" json:"containerId,omitempty"`
	Error         *string      `db:"error" json:"error,omitempty"`
}

// Stale reports whether the last heartbeat is older than the threshold
func (w *Worker) Stale(now time.Time, threshold time.Duration) bool {
	return w.Status.Active() && now.Sub(w.LastHeartbeat) > threshold
}
