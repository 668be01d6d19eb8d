// Package model defines the persistent entities of the factory and the
// state-machine vocabulary shared by the queue and worker managers.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a work item
type Status string

const (
	StatusPendingGeneration Status = "pending_generation"
	StatusQueued            Status = "queued"
	StatusAssigned          Status = "assigned"
	StatusInProgress        Status = "in_progress"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
)

// Terminal reports whether the status is final for a work item
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Cancellable reports whether a cancel request is permitted from this status.
// Items already handed to a worker must be killed, not cancelled.
func (s Status) Cancellable() bool {
	return s == StatusPendingGeneration || s == StatusQueued
}

// Valid reports whether the status is a known work-item status
func (s Status) Valid() bool {
	switch s {
	case StatusPendingGeneration, StatusQueued, StatusAssigned,
		StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// WorkType selects the pipeline a work item runs through
type WorkType string

const (
	TypeExecution    WorkType = "execution"
	TypeVerification WorkType = "verification"
)

// ParseWorkType validates a work type string, defaulting empty to execution
func ParseWorkType(s string) (WorkType, error) {
	switch WorkType(s) {
	case "":
		return TypeExecution, nil
	case TypeExecution, TypeVerification:
		return WorkType(s), nil
	}
	return "", fmt.Errorf("unknown work type %q", s)
}

// Priority orders queued work items. It is persisted as its integer rank so
// the dispatch query can sort without a CASE expression.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRanks = map[Priority]int{
	PriorityLow:      0,
	PriorityMedium:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// ParsePriority validates a priority string, defaulting empty to medium
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityMedium, nil
	}
	p := Priority(s)
	if _, ok := priorityRanks[p]; !ok {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// Rank returns the numeric rank used for queue ordering
func (p Priority) Rank() int {
	return priorityRanks[p]
}

func priorityFromRank(rank int) Priority {
	for p, r := range priorityRanks {
		if r == rank {
			return p
		}
	}
	return PriorityMedium
}

// Value stores the priority as its integer rank
func (p Priority) Value() (driver.Value, error) {
	if _, ok := priorityRanks[p]; !ok {
		return nil, fmt.Errorf("unknown priority %q", p)
	}
	return int64(p.Rank()), nil
}

// Scan restores a priority from its stored integer rank
func (p *Priority) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*p = priorityFromRank(int(v))
		return nil
	case []byte:
		var rank int
		if _, err := fmt.Sscanf(string(v), "%d", &rank); err != nil {
			return fmt.Errorf("scan priority: %w", err)
		}
		*p = priorityFromRank(rank)
		return nil
	}
	return fmt.Errorf("scan priority: unsupported type %T", src)
}

// Metadata is the free-form JSON bag attached to a work item
type Metadata map[string]any

// Value serializes the metadata for a JSONB column
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan restores metadata from a JSONB column
func (m *Metadata) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan metadata: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}

// WorkItem is a unit of code-change work described by a spec
type WorkItem struct {
	ID            string     `db:"id" json:"id"`
	Repo          string     `db:"repo" json:"repo"`
	Branch        string     `db:"branch" json:"branch"`
	Spec          string     `db:"spec" json:"spec"`
	Description   string     `db:"description" json:"description,omitempty"`
	Priority      Priority   `db:"priority" json:"priority"`
	Status        Status     `db:"status" json:"status"`
	WorkerID      *string    `db:"worker_id" json:"workerId,omitempty"`
	Iteration     int        `db:"iteration" json:"iteration"`
	MaxIterations int        `db:"max_iterations" json:"maxIterations"`
	RetryCount    int        `db:"retry_count" json:"retryCount"`
	NextRetryAt   *time.Time `db:"next_retry_at" json:"nextRetryAt,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updatedAt"`
	CompletedAt   *time.Time `db:"completed_at" json:"completedAt,omitempty"`
	Error         *string    `db:"error" json:"error,omitempty"`
	PRURL         *string    `db:"pr_url" json:"prUrl,omitempty"`
	Metadata      Metadata   `db:"metadata" json:"metadata,omitempty"`
	Type          WorkType   `db:"type" json:"type"`
}

// RetriesLeft reports whether another dispatch attempt is permitted
func (w *WorkItem) RetriesLeft(maxRetries int) bool {
	return w.Iteration < w.MaxIterations && w.RetryCount < maxRetries
}
