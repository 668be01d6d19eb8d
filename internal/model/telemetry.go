package model

import (
	"time"

	"github.com/lib/pq"
)

// WorkerMetric is one per-iteration telemetry sample reported by a worker.
// Rows are append-only.
type WorkerMetric struct {
	ID            string    `db:"id" json:"id"`
	WorkerID      string    `db:"worker_id" json:"workerId"`
	WorkItemID    string    `db:"work_item_id" json:"workItemId"`
	Iteration     int       `db:"iteration" json:"iteration"`
	TokensIn      int64     `db:"tokens_in" json:"tokensIn"`
	TokensOut     int64     `db:"tokens_out" json:"tokensOut"`
	Duration      float64   `db:"duration_seconds" json:"duration"`
	FilesModified int       `db:"files_modified" json:"filesModified"`
	TestsRun      int       `db:"tests_run" json:"testsRun"`
	TestsPassed   int       `db:"tests_passed" json:"testsPassed"`
	TestsFailed   int       `db:"tests_failed" json:"testsFailed"`
	TestStatus    string    `db:"test_status" json:"testStatus,omitempty"`
	Timestamp     time.Time `db:"timestamp" json:"timestamp"`
}

// Learning is a free-form insight recorded when a worker completes, optionally
// carrying an embedding for similarity search. Rows are append-only.
type Learning struct {
	ID         string          `db:"id" json:"id"`
	WorkerID   string          `db:"worker_id" json:"workerId"`
	WorkItemID string          `db:"work_item_id" json:"workItemId"`
	Repo       string          `db:"repo" json:"repo"`
	Spec       string          `db:"spec" json:"spec"`
	Content    string          `db:"content" json:"content"`
	Embedding  pq.Float64Array `db:"embedding" json:"embedding,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"createdAt"`
}
