// Package history persists the outcome of every finalized task so that past
// batch runs can be inspected after the process exits.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/flowbatch/internal/events"
	"github.com/phrazzld/flowbatch/internal/store"
)

var (
	// ErrQueueFull is returned by HandleEvent when the write queue is full.
	// The event is dropped.
	ErrQueueFull = errors.New("history queue is full")

	// ErrRecorderClosed is returned by HandleEvent after Close.
	ErrRecorderClosed = errors.New("history recorder is closed")
)

// Config holds recorder settings.
type Config struct {
	// QueueSize bounds the number of outcomes waiting to be written
	QueueSize int

	// BatchSize is the maximum number of outcomes written per transaction
	BatchSize int

	// FlushInterval forces a write of a partial batch
	FlushInterval time.Duration

	// WriteTimeout bounds each store call
	WriteTimeout time.Duration
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:     256,
		BatchSize:     32,
		FlushInterval: time.Second,
		WriteTimeout:  10 * time.Second,
	}
}

// Recorder is an events.EventHandler that writes finalized tasks to a
// store.TaskRunStore from a single background worker.
type Recorder struct {
	store  store.TaskRunStore
	config Config
	logger *slog.Logger

	queue chan store.TaskRun
	wg    sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	started bool
}

var _ events.EventHandler = (*Recorder)(nil)

// NewRecorder creates a recorder. Call Start before emitting events.
func NewRecorder(st store.TaskRunStore, cfg Config, logger *slog.Logger) *Recorder {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	return &Recorder{
		store:  st,
		config: cfg,
		logger: logger.With("component", "history"),
		queue:  make(chan store.TaskRun, cfg.QueueSize),
	}
}

// Start launches the writer goroutine. It is a no-op when already started.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true

	r.wg.Add(1)
	go r.worker()
	r.logger.Info("history recorder started",
		"queue_size", r.config.QueueSize,
		"batch_size", r.config.BatchSize)
}

// taskSnapshot is the subset of the task_finalized payload that is stored.
type taskSnapshot struct {
	ID              string          `json:"id"`
	Status          string          `json:"status"`
	RemoteTaskID    string          `json:"remote_task_id"`
	RemoteSessionID string          `json:"remote_session_id"`
	Result          string          `json:"result"`
	Error           string          `json:"error"`
	Credits         float64         `json:"credits"`
	StartTime       *time.Time      `json:"start_time"`
	EndTime         *time.Time      `json:"end_time"`
	StatusHistory   json.RawMessage `json:"status_history"`
}

// HandleEvent enqueues task_finalized events and ignores everything else.
// It never blocks.
func (r *Recorder) HandleEvent(_ context.Context, event *events.ProgressEvent) error {
	if event == nil || event.Kind != events.KindTaskFinalized {
		return nil
	}

	var snap taskSnapshot
	if err := event.UnmarshalPayload(&snap); err != nil {
		return fmt.Errorf("failed to decode finalized task %s: %w", event.TaskID, err)
	}
	if snap.ID == "" {
		snap.ID = event.TaskID
	}
	if snap.Status == "" {
		snap.Status = event.Status
	}

	run := store.TaskRun{
		RunID:           event.RunID,
		TaskID:          snap.ID,
		Status:          snap.Status,
		RemoteTaskID:    snap.RemoteTaskID,
		RemoteSessionID: snap.RemoteSessionID,
		Result:          snap.Result,
		Error:           snap.Error,
		Credits:         snap.Credits,
		StartTime:       snap.StartTime,
		EndTime:         snap.EndTime,
		StatusHistory:   snap.StatusHistory,
		RecordedAt:      event.CreatedAt,
	}
	if run.RunID == "" {
		run.RunID = "unscheduled"
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRecorderClosed
	}
	select {
	case r.queue <- run:
		return nil
	default:
		r.logger.Warn("dropping task outcome, history queue is full",
			"task_id", run.TaskID,
			"run_id", run.RunID)
		return ErrQueueFull
	}
}

// Close stops accepting events and waits until queued outcomes are written
// or ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	started := r.started
	r.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("history recorder stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("history recorder did not drain: %w", ctx.Err())
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]store.TaskRun, 0, r.config.BatchSize)
	for {
		select {
		case run, ok := <-r.queue:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, run)
			if len(batch) >= r.config.BatchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *Recorder) flush(batch []store.TaskRun) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()

	if err := r.store.SaveBatch(ctx, batch); err != nil {
		r.logger.Error("failed to write task history",
			"count", len(batch),
			"error", err)
		return
	}
	r.logger.Debug("task history written", "count", len(batch))
}
