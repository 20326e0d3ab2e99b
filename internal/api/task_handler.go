package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/phrazzld/flowbatch/internal/api/shared"
	"github.com/phrazzld/flowbatch/internal/platform/logger"
	"github.com/phrazzld/flowbatch/internal/store"
	"github.com/phrazzld/flowbatch/internal/task"
	"github.com/phrazzld/flowbatch/internal/taskfile"
)

// Tasks is the part of the dispatcher used by TaskHandler.
type Tasks interface {
	Add(ctx context.Context, records ...*task.Record) error
	Snapshot(ctx context.Context) ([]*task.Record, error)
	Task(ctx context.Context, id string) (*task.Record, error)
	Cancel(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) error
	RetryFailed(ctx context.Context) (int, error)
	Remove(ctx context.Context, id string) error
	UpdateRow(ctx context.Context, id, column, value string) error
}

// TaskHandler serves the per-task endpoints.
type TaskHandler struct {
	tasks   Tasks
	history store.TaskRunStore
	logger  *slog.Logger
}

// NewTaskHandler creates a TaskHandler. history may be nil, in which case
// the history endpoint answers 404.
func NewTaskHandler(tasks Tasks, history store.TaskRunStore, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for TaskHandler")
	}
	return &TaskHandler{
		tasks:   tasks,
		history: history,
		logger:  logger.With(slog.String("component", "task_handler")),
	}
}

// TaskListResponse is the body of GET /api/tasks.
type TaskListResponse struct {
	Tasks []*task.Record `json:"tasks"`
	Total int            `json:"total"`
}

// ListTasks handles GET /api/tasks. An optional status query parameter
// filters the list.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	status := task.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Unknown status filter")
		return
	}

	records, err := h.tasks.Snapshot(r.Context())
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	out := make([]*task.Record, 0, len(records))
	for _, rec := range records {
		if status == "" || rec.Status == status {
			out = append(out, rec)
		}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, TaskListResponse{Tasks: out, Total: len(out)})
}

// AddTasksResponse is the body of POST /api/tasks.
type AddTasksResponse struct {
	IDs []string `json:"ids"`
}

// AddTasks handles POST /api/tasks. The body uses the task file format.
func (h *TaskHandler) AddTasks(w http.ResponseWriter, r *http.Request) {
	body, err := shared.ReadBody(r)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	records, err := taskfile.Parse("request body", body)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid task definitions", err)
		return
	}
	if len(records) == 0 {
		shared.RespondWithError(w, r, http.StatusBadRequest, "No tasks defined")
		return
	}

	if err := h.tasks.Add(r.Context(), records...); err != nil {
		HandleAPIError(w, r, err)
		return
	}

	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	logger.FromContext(r.Context()).Info("tasks added", "count", len(ids))
	shared.RespondWithJSON(w, r, http.StatusCreated, AddTasksResponse{IDs: ids})
}

// GetTask handles GET /api/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	rec, err := h.tasks.Task(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, rec)
}

// CancelTask handles POST /api/tasks/{id}/cancel.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "cancel", h.tasks.Cancel)
}

// RetryTask handles POST /api/tasks/{id}/retry.
func (h *TaskHandler) RetryTask(w http.ResponseWriter, r *http.Request) {
	h.act(w, r, "retry", h.tasks.Retry)
}

// DeleteTask handles DELETE /api/tasks/{id}.
func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.tasks.Remove(r.Context(), id); err != nil {
		HandleAPIError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Info("task removed", "task_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// act applies fn to the task named in the path and responds with its new state.
func (h *TaskHandler) act(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		HandleAPIError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Info("task action applied", "action", action, "task_id", id)

	rec, err := h.tasks.Task(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, rec)
}

// RetryFailedResponse is the body of POST /api/tasks/retry-failed.
type RetryFailedResponse struct {
	Reset int `json:"reset"`
}

// RetryFailed handles POST /api/tasks/retry-failed.
func (h *TaskHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.tasks.RetryFailed(r.Context())
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, RetryFailedResponse{Reset: n})
}

// UpdateRowRequest is the body of PATCH /api/tasks/{id}/row.
type UpdateRowRequest struct {
	Column string `json:"column" validate:"required"`
	Value  string `json:"value"`
}

// UpdateRow handles PATCH /api/tasks/{id}/row.
func (h *TaskHandler) UpdateRow(w http.ResponseWriter, r *http.Request) {
	var req UpdateRowRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "column is required", err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.tasks.UpdateRow(r.Context(), id, req.Column, req.Value); err != nil {
		HandleAPIError(w, r, err)
		return
	}

	rec, err := h.tasks.Task(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, rec)
}

// TaskRunResponse is one entry of GET /api/tasks/{id}/history.
type TaskRunResponse struct {
	RunID           string    `json:"run_id"`
	Status          string    `json:"status"`
	RemoteTaskID    string    `json:"remote_task_id,omitempty"`
	RemoteSessionID string    `json:"remote_session_id,omitempty"`
	Result          string    `json:"result,omitempty"`
	Error           string    `json:"error,omitempty"`
	Credits         float64   `json:"credits"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// historyLimit caps the runs returned by GET /api/tasks/{id}/history.
const historyLimit = 50

// TaskHistory handles GET /api/tasks/{id}/history.
func (h *TaskHandler) TaskHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		shared.RespondWithError(w, r, http.StatusNotFound, "Run history is not enabled")
		return
	}

	runs, err := h.history.ListByTask(r.Context(), chi.URLParam(r, "id"), historyLimit)
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}

	out := make([]TaskRunResponse, len(runs))
	for i, run := range runs {
		out[i] = TaskRunResponse{
			RunID:           run.RunID,
			Status:          run.Status,
			RemoteTaskID:    run.RemoteTaskID,
			RemoteSessionID: run.RemoteSessionID,
			Result:          run.Result,
			Error:           run.Error,
			Credits:         run.Credits,
			RecordedAt:      run.RecordedAt,
		}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, out)
}
