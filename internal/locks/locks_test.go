package locks

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/anthropics/agent-factory/internal/store"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.New(sqlx.NewDb(db, "postgres"), zap.NewNop())
	return NewService(st, zap.NewNop()), mock
}

func lockRowWithTime(workerID, path string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "worker_id", "file_path", "acquired_at"}).
		AddRow("lock-1", workerID, path, time.Now())
}

func TestAcquireWinsFreshPath(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec("INSERT INTO file_locks").
		WithArgs(sqlmock.AnyArg(), "w1", "src/a.go").
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := svc.Acquire(context.Background(), "w1", []string{"src/a.go"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !res.AllAcquired() || len(res.Acquired) != 1 || res.Acquired[0] != "src/a.go" {
		t.Errorf("result = %+v, want src/a.go acquired", res)
	}
}

func TestAcquireIsIdempotentForHolder(t *testing.T) {
	svc, mock := newTestService(t)

	// Insert loses to an existing row, but the row is ours.
	mock.ExpectExec("INSERT INTO file_locks").
		WithArgs(sqlmock.AnyArg(), "w1", "src/a.go").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM file_locks WHERE file_path").
		WithArgs("src/a.go").
		WillReturnRows(lockRowWithTime("w1", "src/a.go"))

	res, err := svc.Acquire(context.Background(), "w1", []string{"src/a.go"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !res.AllAcquired() {
		t.Errorf("re-acquisition should report acquired, got %+v", res)
	}
}

func TestAcquireReportsBlockedPaths(t *testing.T) {
	svc, mock := newTestService(t)

	// First path free, second held by another worker.
	mock.ExpectExec("INSERT INTO file_locks").
		WithArgs(sqlmock.AnyArg(), "w2", "a.go").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO file_locks").
		WithArgs(sqlmock.AnyArg(), "w2", "b.go").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM file_locks WHERE file_path").
		WithArgs("b.go").
		WillReturnRows(lockRowWithTime("w1", "b.go"))

	res, err := svc.Acquire(context.Background(), "w2", []string{"a.go", "b.go"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if res.AllAcquired() {
		t.Fatal("expected a blocked path")
	}
	if len(res.Acquired) != 1 || res.Acquired[0] != "a.go" {
		t.Errorf("acquired = %v, want [a.go]", res.Acquired)
	}
	if len(res.Blocked) != 1 || res.Blocked[0] != "b.go" {
		t.Errorf("blocked = %v, want [b.go]", res.Blocked)
	}
}

func TestAcquireRetriesReleasedWindow(t *testing.T) {
	svc, mock := newTestService(t)

	// Insert loses, holder already gone: the lock was released between the
	// two statements, so a second insert wins.
	mock.ExpectExec("INSERT INTO file_locks").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM file_locks WHERE file_path").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO file_locks").
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := svc.Acquire(context.Background(), "w1", []string{"src/a.go"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !res.AllAcquired() {
		t.Errorf("expected acquisition after retry, got %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestReleaseTouchesOnlyNamedPaths(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec("DELETE FROM file_locks WHERE worker_id").
		WithArgs("w1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := svc.Release(context.Background(), "w1", []string{"a.go", "b.go"}); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestReleaseAll(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec("DELETE FROM file_locks WHERE worker_id").
		WithArgs("w1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	if err := svc.ReleaseAll(context.Background(), "w1"); err != nil {
		t.Fatalf("ReleaseAll: %v", err)
	}
}
