package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/phrazzld/flowbatch/internal/api/shared"
	"github.com/phrazzld/flowbatch/internal/platform/logger"
	"github.com/phrazzld/flowbatch/internal/task"
)

// Batch is the part of the dispatcher used by BatchHandler.
type Batch interface {
	Begin(ctx context.Context) (<-chan *task.Summary, error)
	Halt(ctx context.Context) error
	Running(ctx context.Context) (bool, error)
	Summary(ctx context.Context) (*task.Summary, error)
	Done() <-chan struct{}
}

// BatchHandler serves the batch run endpoints.
type BatchHandler struct {
	batch  Batch
	logger *slog.Logger
}

// NewBatchHandler creates a BatchHandler.
func NewBatchHandler(batch Batch, logger *slog.Logger) *BatchHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for BatchHandler")
	}
	return &BatchHandler{
		batch:  batch,
		logger: logger.With(slog.String("component", "batch_handler")),
	}
}

// RunResponse is the body of POST /api/batch/run without wait.
type RunResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the body of GET /api/batch/status.
type StatusResponse struct {
	Running bool          `json:"running"`
	Summary *task.Summary `json:"summary"`
}

// StartRun handles POST /api/batch/run. With ?wait=true the handler blocks
// until the run ends and returns its summary; otherwise it answers 202.
func (h *BatchHandler) StartRun(w http.ResponseWriter, r *http.Request) {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))

	reply, err := h.batch.Begin(r.Context())
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Info("batch run started over API", "wait", wait)

	if !wait {
		go h.awaitRun(reply)
		shared.RespondWithJSON(w, r, http.StatusAccepted, RunResponse{Status: "started"})
		return
	}

	select {
	case summary := <-reply:
		shared.RespondWithJSON(w, r, http.StatusOK, summary)
	case <-h.batch.Done():
		HandleAPIError(w, r, task.ErrDispatcherStopped)
	case <-r.Context().Done():
		// the client went away; the run carries on
		go h.awaitRun(reply)
	}
}

func (h *BatchHandler) awaitRun(reply <-chan *task.Summary) {
	select {
	case summary := <-reply:
		h.logger.Info("batch run finished",
			"run_id", summary.RunID,
			"halted", summary.Halted,
			"total", summary.Total,
			"elapsed", summary.Elapsed)
	case <-h.batch.Done():
	}
}

// StopRun handles POST /api/batch/stop.
func (h *BatchHandler) StopRun(w http.ResponseWriter, r *http.Request) {
	if err := h.batch.Halt(r.Context()); err != nil {
		HandleAPIError(w, r, err)
		return
	}
	h.Status(w, r)
}

// GetSummary handles GET /api/batch/summary.
func (h *BatchHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.batch.Summary(r.Context())
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, summary)
}

// Status handles GET /api/batch/status.
func (h *BatchHandler) Status(w http.ResponseWriter, r *http.Request) {
	running, err := h.batch.Running(r.Context())
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	summary, err := h.batch.Summary(r.Context())
	if err != nil {
		HandleAPIError(w, r, err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, StatusResponse{Running: running, Summary: summary})
}
