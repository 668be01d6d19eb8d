package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/anthropics/agent-factory/internal/model"
)

var workItemCols = []string{
	"id", "repo", "branch", "spec", "description", "priority", "status", "worker_id",
	"iteration", "max_iterations", "retry_count", "next_retry_at", "created_at",
	"updated_at", "completed_at", "error", "pr_url", "metadata", "type",
}

func workItemRow(id string, status model.Status, priority int64) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(workItemCols).AddRow(
		id, "octo/widgets", "agent-factory/"+id, "add a flag", "", priority, status, nil,
		0, 10, 0, nil, now, now, nil, nil, nil, nil, "execution",
	)
}

func TestClaimNextWorkItem(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("UPDATE work_items SET status").
		WithArgs(model.StatusAssigned, model.StatusQueued).
		WillReturnRows(workItemRow("item-1", model.StatusAssigned, 2))

	item, err := s.ClaimNextWorkItem(context.Background())
	if err != nil {
		t.Fatalf("ClaimNextWorkItem: %v", err)
	}
	if item == nil || item.ID != "item-1" {
		t.Fatalf("item = %+v, want item-1", item)
	}
	if item.Status != model.StatusAssigned {
		t.Errorf("status = %q, want assigned", item.Status)
	}
	if item.Priority != model.PriorityHigh {
		t.Errorf("priority = %q, want high", item.Priority)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestClaimNextWorkItemEmptyQueue(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("UPDATE work_items SET status").
		WillReturnError(sql.ErrNoRows)

	item, err := s.ClaimNextWorkItem(context.Background())
	if err != nil {
		t.Fatalf("ClaimNextWorkItem: %v", err)
	}
	if item != nil {
		t.Errorf("item = %+v, want nil on empty queue", item)
	}
}

func TestGetWorkItemNotFound(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("FROM work_items WHERE id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetWorkItem(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMarkWorkItemCancelled(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"cancellable item", 1, true},
		{"already dispatched", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newTestStore(t)
			mock.ExpectExec("UPDATE work_items").
				WithArgs("item-1", model.StatusCancelled, model.StatusPendingGeneration, model.StatusQueued).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			got, err := s.MarkWorkItemCancelled(context.Background(), "item-1")
			if err != nil {
				t.Fatalf("MarkWorkItemCancelled: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequeueWorkItemGuardsStatus(t *testing.T) {
	s, mock := newTestStore(t)
	retryAt := time.Now().Add(time.Minute)

	mock.ExpectExec("UPDATE work_items").
		WithArgs("item-1", model.StatusQueued, retryAt, "agent crashed",
			model.StatusAssigned, model.StatusInProgress).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.RequeueWorkItem(context.Background(), "item-1", "agent crashed", retryAt)
	if err != nil || !ok {
		t.Fatalf("RequeueWorkItem = %v, %v; want true, nil", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestTouchWorkItemProgressClampsIteration(t *testing.T) {
	s, mock := newTestStore(t)

	// The mirrored count is clamped to max_iterations in the statement, so an
	// inflated report cannot push the item past its budget.
	mock.ExpectExec("iteration = LEAST").
		WithArgs("item-1", model.StatusInProgress, 99,
			model.StatusAssigned, model.StatusInProgress).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.TouchWorkItemProgress(context.Background(), "item-1", 99)
	if err != nil || !ok {
		t.Fatalf("TouchWorkItemProgress = %v, %v; want true, nil", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAttachWorkItemSpec(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec("UPDATE work_items").
		WithArgs("item-1", "generated spec", "agent-factory/item-1",
			model.StatusQueued, model.StatusPendingGeneration).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.AttachWorkItemSpec(context.Background(), "item-1", "generated spec", "agent-factory/item-1")
	if err != nil {
		t.Fatalf("AttachWorkItemSpec: %v", err)
	}
	if ok {
		t.Error("expected false when item is not pending_generation")
	}
}

func TestCountWorkItemsByStatus(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("queued", 3).
			AddRow("completed", 7))

	counts, err := s.CountWorkItemsByStatus(context.Background())
	if err != nil {
		t.Fatalf("CountWorkItemsByStatus: %v", err)
	}
	if counts[model.StatusQueued] != 3 || counts[model.StatusCompleted] != 7 {
		t.Errorf("counts = %v", counts)
	}
}
