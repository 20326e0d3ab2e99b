package store

import (
	"context"
	"encoding/json"
	"time"
)

// TaskRun is one persisted outcome of a task within a batch run.
type TaskRun struct {
	ID              int64
	RunID           string
	TaskID          string
	Status          string
	RemoteTaskID    string
	RemoteSessionID string
	Result          string
	Error           string
	Credits         float64
	StartTime       *time.Time
	EndTime         *time.Time
	StatusHistory   json.RawMessage
	RecordedAt      time.Time
}

// TaskRunStore persists task run history.
type TaskRunStore interface {
	// SaveBatch stores all runs atomically.
	SaveBatch(ctx context.Context, runs []TaskRun) error

	// ListByTask returns the runs of a task, newest first. It returns
	// ErrTaskRunNotFound when the task has no history.
	ListByTask(ctx context.Context, taskID string, limit int) ([]TaskRun, error)

	// ListByRun returns every task outcome recorded for a batch run.
	ListByRun(ctx context.Context, runID string) ([]TaskRun, error)
}
