// Package queue owns the work-item state machine. Every item transition in
// the factory flows through the Manager here, so the guarded single-statement
// updates in the store stay the only way state changes.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anthropics/agent-factory/internal/model"
	"github.com/anthropics/agent-factory/internal/store"
)

// DefaultMaxIterations caps a worker's generate-verify loop when the request
// does not say otherwise.
const DefaultMaxIterations = 10

// branchPrefix namespaces auto-generated work branches.
const branchPrefix = "agent-factory/"

var (
	// ErrInvalidRequest marks a request rejected before touching the store.
	ErrInvalidRequest = errors.New("invalid work request")
	// ErrNotCancellable is returned for items already dispatched or finished.
	// Dispatched items are stopped by killing their worker instead.
	ErrNotCancellable = errors.New("work item is not in a cancellable status")
	// ErrNotAwaitingSpec is returned when a spec arrives for an item that is
	// not waiting on generation.
	ErrNotAwaitingSpec = errors.New("work item is not awaiting spec generation")
)

// Manager coordinates work-item lifecycle operations.
type Manager struct {
	store  *store.Store
	logger *zap.Logger
}

// NewManager builds a queue manager over the store.
func NewManager(st *store.Store, logger *zap.Logger) *Manager {
	return &Manager{store: st, logger: logger.Named("queue")}
}

// AddRequest is the operator-facing payload for enqueueing work.
type AddRequest struct {
	Repo          string         `json:"repo"`
	Branch        string         `json:"branch"`
	Spec          string         `json:"spec"`
	Description   string         `json:"description"`
	Priority      string         `json:"priority"`
	MaxIterations int            `json:"maxIterations"`
	Type          string         `json:"type"`
	Metadata      model.Metadata `json:"metadata"`
}

// Add validates the request, applies defaults, and persists the item. Items
// arriving with a spec go straight to queued; items with only a description
// wait in pending_generation until a spec is attached.
func (m *Manager) Add(ctx context.Context, req AddRequest) (*model.WorkItem, error) {
	if req.Repo == "" {
		return nil, fmt.Errorf("%w: repo is required", ErrInvalidRequest)
	}
	if req.Spec == "" && req.Description == "" {
		return nil, fmt.Errorf("%w: spec or description is required", ErrInvalidRequest)
	}
	if req.MaxIterations < 0 {
		return nil, fmt.Errorf("%w: maxIterations must not be negative", ErrInvalidRequest)
	}

	priority, err := model.ParsePriority(req.Priority)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	workType, err := model.ParseWorkType(req.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	maxIterations := req.MaxIterations
	if maxIterations == 0 {
		maxIterations = DefaultMaxIterations
	}

	id := uuid.NewString()
	branch := req.Branch
	if branch == "" {
		branch = branchPrefix + id[:8]
	}

	status := model.StatusQueued
	if req.Spec == "" {
		status = model.StatusPendingGeneration
	}

	now := time.Now().UTC()
	item := &model.WorkItem{
		ID:            id,
		Repo:          req.Repo,
		Branch:        branch,
		Spec:          req.Spec,
		Description:   req.Description,
		Priority:      priority,
		Status:        status,
		MaxIterations: maxIterations,
		CreatedAt:     now,
		UpdatedAt:     now,
		Metadata:      req.Metadata,
		Type:          workType,
	}

	if err := m.store.InsertWorkItem(ctx, item); err != nil {
		return nil, err
	}

	m.logger.Info("work item enqueued",
		zap.String("id", id),
		zap.String("repo", req.Repo),
		zap.String("status", string(status)),
		zap.String("priority", string(priority)))
	return item, nil
}

// Get fetches one work item.
func (m *Manager) Get(ctx context.Context, id string) (*model.WorkItem, error) {
	return m.store.GetWorkItem(ctx, id)
}

// List returns items in dispatch order. An empty filter returns everything.
func (m *Manager) List(ctx context.Context, statusFilter string) ([]model.WorkItem, error) {
	if statusFilter == "" {
		return m.store.ListWorkItems(ctx, nil)
	}
	status := model.Status(statusFilter)
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, statusFilter)
	}
	return m.store.ListWorkItems(ctx, &status)
}

// Cancel moves a pre-dispatch item to cancelled and returns it. Items that a
// worker already owns return ErrNotCancellable; missing items return
// store.ErrNotFound.
func (m *Manager) Cancel(ctx context.Context, id string) (*model.WorkItem, error) {
	cancelled, err := m.store.MarkWorkItemCancelled(ctx, id)
	if err != nil {
		return nil, err
	}

	item, err := m.store.GetWorkItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return nil, fmt.Errorf("%w: status %s", ErrNotCancellable, item.Status)
	}

	m.logger.Info("work item cancelled", zap.String("id", id))
	return item, nil
}

// AttachSpec writes a generated spec back to a pending item and releases it
// into the queue. An empty branch keeps the one chosen at enqueue time.
func (m *Manager) AttachSpec(ctx context.Context, id, spec, branch string) (*model.WorkItem, error) {
	if spec == "" {
		return nil, fmt.Errorf("%w: spec is required", ErrInvalidRequest)
	}

	item, err := m.store.GetWorkItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if branch == "" {
		branch = item.Branch
	}

	attached, err := m.store.AttachWorkItemSpec(ctx, id, spec, branch)
	if err != nil {
		return nil, err
	}
	if !attached {
		return nil, fmt.Errorf("%w: status %s", ErrNotAwaitingSpec, item.Status)
	}

	m.logger.Info("spec attached, item queued", zap.String("id", id))
	return m.store.GetWorkItem(ctx, id)
}

// GetNext claims the next dispatchable item, or nil when the queue has
// nothing eligible. The claim is a single row-locked statement, so concurrent
// callers receive distinct items.
func (m *Manager) GetNext(ctx context.Context) (*model.WorkItem, error) {
	item, err := m.store.ClaimNextWorkItem(ctx)
	if err != nil {
		return nil, err
	}
	if item != nil {
		m.logger.Debug("work item claimed",
			zap.String("id", item.ID),
			zap.String("priority", string(item.Priority)))
	}
	return item, nil
}

// Requeue returns a dispatched item to the queue after a worker failure,
// gating re-dispatch behind an exponential backoff. A no-op when another
// transition already settled the item.
func (m *Manager) Requeue(ctx context.Context, id, reason string) error {
	item, err := m.store.GetWorkItem(ctx, id)
	if err != nil {
		return err
	}

	delay := RequeueBackoff(item.RetryCount + 1)
	requeued, err := m.store.RequeueWorkItem(ctx, id, reason, time.Now().UTC().Add(delay))
	if err != nil {
		return err
	}
	if !requeued {
		m.logger.Debug("requeue skipped, item already settled",
			zap.String("id", id), zap.String("status", string(item.Status)))
		return nil
	}

	m.logger.Info("work item requeued",
		zap.String("id", id),
		zap.Int("retryCount", item.RetryCount+1),
		zap.Duration("backoff", delay),
		zap.String("reason", reason))
	return nil
}

// Complete finishes a dispatched item. A no-op when the item is already
// terminal, so double completion reports are harmless.
func (m *Manager) Complete(ctx context.Context, id string, prURL *string) error {
	completed, err := m.store.CompleteWorkItem(ctx, id, prURL)
	if err != nil {
		return err
	}
	if !completed {
		m.logger.Debug("completion skipped, item already settled", zap.String("id", id))
		return nil
	}

	m.logger.Info("work item completed", zap.String("id", id))
	return nil
}

// Fail terminally fails a dispatched item. A no-op when the item is already
// terminal.
func (m *Manager) Fail(ctx context.Context, id, reason string) error {
	failed, err := m.store.FailWorkItem(ctx, id, reason)
	if err != nil {
		return err
	}
	if !failed {
		m.logger.Debug("failure skipped, item already settled", zap.String("id", id))
		return nil
	}

	m.logger.Info("work item failed", zap.String("id", id), zap.String("reason", reason))
	return nil
}

// Counts returns work-item counts grouped by status.
func (m *Manager) Counts(ctx context.Context) (map[model.Status]int, error) {
	return m.store.CountWorkItemsByStatus(ctx)
}

// Requeue backoff bounds.
const (
	requeueBackoffBase = time.Minute
	requeueBackoffMax  = 30 * time.Minute
)

// RequeueBackoff returns the dispatch delay for the given retry count: one
// minute doubling per retry, capped at thirty minutes.
func RequeueBackoff(retryCount int) time.Duration {
	shift := retryCount - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 5 {
		return requeueBackoffMax
	}
	delay := requeueBackoffBase << shift
	if delay > requeueBackoffMax {
		delay = requeueBackoffMax
	}
	return delay
}
