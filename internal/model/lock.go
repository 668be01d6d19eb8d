package model

import "time"

// FileLock is an exclusive advisory write lock on a single path. The UNIQUE
// constraint on file_path is the mutual-exclusion primitive; the struct only
// mirrors the row.
type FileLock struct {
	ID         string    `db:"id" json:"id"`
	WorkerID   string    `db:"worker_id" json:"workerId"`
	FilePath   string    `db:"file_path" json:"filePath"`
	AcquiredAt time.Time `db:"acquired_at" json:"acquiredAt"`
}
