package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/flowbatch/internal/events"
	"github.com/phrazzld/flowbatch/internal/store"
)

// memoryStore is an in-memory store.TaskRunStore.
type memoryStore struct {
	mu      sync.Mutex
	runs    []store.TaskRun
	batches int
	SaveFn  func(runs []store.TaskRun) error
}

func (m *memoryStore) SaveBatch(_ context.Context, runs []store.TaskRun) error {
	if m.SaveFn != nil {
		if err := m.SaveFn(runs); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, runs...)
	m.batches++
	return nil
}

func (m *memoryStore) ListByTask(_ context.Context, taskID string, _ int) ([]store.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.TaskRun
	for _, r := range m.runs {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, store.ErrTaskRunNotFound
	}
	return out, nil
}

func (m *memoryStore) ListByRun(_ context.Context, runID string) ([]store.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.TaskRun
	for _, r := range m.runs {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func finalized(t *testing.T, runID, taskID, status string) *events.ProgressEvent {
	t.Helper()
	ev, err := events.NewProgressEvent(events.KindTaskFinalized, map[string]any{
		"id":                  taskID,
		"status":              status,
		"remote_task_id":      "remote-" + taskID,
		"result":              "ok",
		"credits":             1.25,
		"status_history":      []map[string]any{{"status": "queued"}, {"status": status}},
		"processed_event_ids": []string{},
	})
	require.NoError(t, err)
	ev.RunID = runID
	ev.TaskID = taskID
	ev.Status = status
	return ev
}

func TestRecorder_WritesFinalizedTasks(t *testing.T) {
	t.Parallel()

	st := &memoryStore{}
	rec := NewRecorder(st, Config{BatchSize: 2, FlushInterval: 10 * time.Millisecond}, testLogger())
	rec.Start()
	ctx := context.Background()

	require.NoError(t, rec.HandleEvent(ctx, finalized(t, "run-1", "t1", "done")))
	require.NoError(t, rec.HandleEvent(ctx, finalized(t, "run-1", "t2", "failed")))
	require.NoError(t, rec.HandleEvent(ctx, finalized(t, "", "t3", "skipped")))

	progress, err := events.NewProgressEvent(events.KindTaskUpdated, nil)
	require.NoError(t, err)
	require.NoError(t, rec.HandleEvent(ctx, progress), "other kinds are ignored")

	require.NoError(t, rec.Close(ctx))
	require.Equal(t, 3, st.count())

	runs, err := st.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "t1", runs[0].TaskID)
	assert.Equal(t, "done", runs[0].Status)
	assert.Equal(t, "remote-t1", runs[0].RemoteTaskID)
	assert.Equal(t, 1.25, runs[0].Credits)
	assert.JSONEq(t, `[{"status":"queued"},{"status":"done"}]`, string(runs[0].StatusHistory))

	unscheduled, err := st.ListByRun(ctx, "unscheduled")
	require.NoError(t, err)
	assert.Len(t, unscheduled, 1)
}

func TestRecorder_FlushesPartialBatchOnInterval(t *testing.T) {
	t.Parallel()

	st := &memoryStore{}
	rec := NewRecorder(st, Config{BatchSize: 100, FlushInterval: 5 * time.Millisecond}, testLogger())
	rec.Start()
	t.Cleanup(func() { _ = rec.Close(context.Background()) })

	require.NoError(t, rec.HandleEvent(context.Background(), finalized(t, "run-1", "t1", "done")))

	assert.Eventually(t, func() bool { return st.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRecorder_QueueFull(t *testing.T) {
	t.Parallel()

	rec := NewRecorder(&memoryStore{}, Config{QueueSize: 1}, testLogger())
	ctx := context.Background()

	// not started, so nothing drains the queue
	require.NoError(t, rec.HandleEvent(ctx, finalized(t, "run-1", "t1", "done")))
	assert.ErrorIs(t, rec.HandleEvent(ctx, finalized(t, "run-1", "t2", "done")), ErrQueueFull)

	require.NoError(t, rec.Close(ctx))
	assert.ErrorIs(t, rec.HandleEvent(ctx, finalized(t, "run-1", "t3", "done")), ErrRecorderClosed)
	assert.NoError(t, rec.Close(ctx), "close is idempotent")
}

func TestRecorder_StoreErrorsAreLogged(t *testing.T) {
	t.Parallel()

	var attempts int
	var mu sync.Mutex
	st := &memoryStore{SaveFn: func([]store.TaskRun) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return errors.New("connection lost")
		}
		return nil
	}}
	rec := NewRecorder(st, Config{BatchSize: 1}, testLogger())
	rec.Start()
	ctx := context.Background()

	require.NoError(t, rec.HandleEvent(ctx, finalized(t, "run-1", "t1", "done")))
	require.NoError(t, rec.HandleEvent(ctx, finalized(t, "run-1", "t2", "done")))
	require.NoError(t, rec.Close(ctx))

	assert.Equal(t, 1, st.count(), "the failed batch is dropped, later batches still land")
}

func TestRecorder_BadPayload(t *testing.T) {
	t.Parallel()

	rec := NewRecorder(&memoryStore{}, Config{}, testLogger())
	ev := &events.ProgressEvent{Kind: events.KindTaskFinalized, TaskID: "t1", Payload: []byte("{")}

	assert.Error(t, rec.HandleEvent(context.Background(), ev))
}

func TestRecorder_CloseTimesOut(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	st := &memoryStore{SaveFn: func([]store.TaskRun) error {
		<-block
		return nil
	}}
	rec := NewRecorder(st, Config{BatchSize: 1}, testLogger())
	rec.Start()
	defer close(block)

	require.NoError(t, rec.HandleEvent(context.Background(), finalized(t, "run-1", "t1", "done")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rec.Close(ctx), context.DeadlineExceeded)
}
