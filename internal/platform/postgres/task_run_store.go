package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/phrazzld/flowbatch/internal/platform/logger"
	"github.com/phrazzld/flowbatch/internal/store"
)

// TaskRunStore implements store.TaskRunStore on the task_runs table.
type TaskRunStore struct {
	db *sql.DB
}

var _ store.TaskRunStore = (*TaskRunStore)(nil)

// NewTaskRunStore creates a TaskRunStore over db.
func NewTaskRunStore(db *sql.DB) *TaskRunStore {
	return &TaskRunStore{db: db}
}

const insertTaskRun = `
	INSERT INTO task_runs (
		run_id, task_id, status, remote_task_id, remote_session_id,
		result, error, credits, start_time, end_time, status_history
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

const selectTaskRun = `
	SELECT id, run_id, task_id, status, remote_task_id, remote_session_id,
		result, error, credits, start_time, end_time, status_history, recorded_at
	FROM task_runs
`

// SaveBatch inserts runs in a single transaction.
func (s *TaskRunStore) SaveBatch(ctx context.Context, runs []store.TaskRun) error {
	if len(runs) == 0 {
		return nil
	}
	for i := range runs {
		if runs[i].TaskID == "" || runs[i].RunID == "" {
			return fmt.Errorf("%w: task run needs a task id and a run id", store.ErrInvalidEntity)
		}
	}

	return store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, insertTaskRun)
		if err != nil {
			return fmt.Errorf("failed to prepare task run insert: %w", MapError(err))
		}
		defer func() { _ = stmt.Close() }()

		for _, r := range runs {
			history := r.StatusHistory
			if len(history) == 0 {
				history = []byte("[]")
			}
			_, err := stmt.ExecContext(ctx,
				r.RunID, r.TaskID, r.Status, r.RemoteTaskID, r.RemoteSessionID,
				r.Result, r.Error, r.Credits, r.StartTime, r.EndTime, string(history))
			if err != nil {
				logger.FromContext(ctx).Error("failed to save task run",
					"task_id", r.TaskID,
					"run_id", r.RunID,
					"error", err)
				return fmt.Errorf("failed to save task run: %w", MapError(err))
			}
		}
		return nil
	})
}

// ListByTask returns the runs of taskID, newest first. A non-positive limit
// returns every run.
func (s *TaskRunStore) ListByTask(ctx context.Context, taskID string, limit int) ([]store.TaskRun, error) {
	query := selectTaskRun + ` WHERE task_id = $1 ORDER BY recorded_at DESC, id DESC`
	args := []any{taskID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	runs, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, store.ErrTaskRunNotFound
	}
	return runs, nil
}

// ListByRun returns every task outcome recorded for runID.
func (s *TaskRunStore) ListByRun(ctx context.Context, runID string) ([]store.TaskRun, error) {
	return s.query(ctx, selectTaskRun+` WHERE run_id = $1 ORDER BY id ASC`, runID)
}

func (s *TaskRunStore) query(ctx context.Context, query string, args ...any) ([]store.TaskRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		logger.FromContext(ctx).Error("failed to query task runs", "error", err)
		return nil, fmt.Errorf("failed to query task runs: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var runs []store.TaskRun
	for rows.Next() {
		var r store.TaskRun
		var start, end sql.NullTime
		var history []byte
		if err := rows.Scan(&r.ID, &r.RunID, &r.TaskID, &r.Status, &r.RemoteTaskID,
			&r.RemoteSessionID, &r.Result, &r.Error, &r.Credits, &start, &end,
			&history, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task run row: %w", err)
		}
		if start.Valid {
			r.StartTime = &start.Time
		}
		if end.Valid {
			r.EndTime = &end.Time
		}
		r.StatusHistory = history
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task run rows: %w", err)
	}
	return runs, nil
}
