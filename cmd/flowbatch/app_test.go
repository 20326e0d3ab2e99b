package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/flowbatch/internal/config"
	"github.com/phrazzld/flowbatch/internal/task"
)

func testConfig(baseURL, outDir string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: "debug", StatusAddr: "127.0.0.1:0"},
		Remote: config.RemoteConfig{
			BaseURL:        baseURL,
			FlowID:         "flow-1",
			WorkspaceID:    "ws-1",
			RequestTimeout: 5 * time.Second,
		},
		Batch: config.BatchConfig{
			Parallelism:        3,
			ExecutionMode:      "singleton",
			TaskTimeoutSeconds: 4,
			TimeoutPolicy:      "retry",
			PollInterval:       10 * time.Millisecond,
		},
		Output: config.OutputConfig{
			WriteEnabled: outDir != "",
			Sink:         "file",
			Dir:          outDir,
		},
		History: config.HistoryConfig{QueueSize: 16},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDispatcherConfig(t *testing.T) {
	cfg := testConfig("http://localhost", "out")
	cfg.Output.OverwriteExisting = true

	got := dispatcherConfig(cfg)

	assert.Equal(t, task.Config{
		FlowID:            "flow-1",
		WorkspaceID:       "ws-1",
		Parallelism:       3,
		ExecutionMode:     task.ModeSingleton,
		TaskTimeout:       4 * time.Second,
		TimeoutPolicy:     task.TimeoutRetry,
		PollInterval:      10 * time.Millisecond,
		WriteOutput:       true,
		OverwriteExisting: true,
	}, got)
}

func TestNewApplication(t *testing.T) {
	t.Run("file sink without database", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "results")
		app, err := newApplication(context.Background(), testConfig("http://localhost:1", dir), discardLogger())
		require.NoError(t, err)
		defer app.cleanup()

		assert.Nil(t, app.db)
		assert.Nil(t, app.recorder)
		assert.Nil(t, app.taskRuns)
		assert.NotNil(t, app.artifacts)
		assert.NotNil(t, app.metrics)
		assert.Equal(t, task.ModeSingleton, app.dispatcher.Config().ExecutionMode)
	})

	t.Run("output disabled", func(t *testing.T) {
		app, err := newApplication(context.Background(), testConfig("http://localhost:1", ""), discardLogger())
		require.NoError(t, err)
		defer app.cleanup()

		assert.Nil(t, app.artifacts)
	})

	t.Run("postgres sink without database", func(t *testing.T) {
		cfg := testConfig("http://localhost:1", "")
		cfg.Output.WriteEnabled = true
		cfg.Output.Sink = "postgres"
		cfg.Database.URL = ""

		_, err := newApplication(context.Background(), cfg, discardLogger())

		require.Error(t, err)
	})

	t.Run("invalid remote url", func(t *testing.T) {
		_, err := newApplication(context.Background(), testConfig("ftp://flows", ""), discardLogger())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create flow API client")
	})
}

func TestApplication_Router(t *testing.T) {
	srv := newFakeFlowServer(t)
	app, err := newApplication(context.Background(), testConfig(srv.URL+"/api", ""), discardLogger())
	require.NoError(t, err)
	defer app.cleanup()

	require.NoError(t, app.dispatcher.Add(context.Background(), task.NewRecord(task.Fields{{Name: "q", Value: "a"}}, "")))
	_, err = app.dispatcher.Run(context.Background())
	require.NoError(t, err)

	router := app.router()

	t.Run("tasks", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Tasks []map[string]any `json:"tasks"`
			Total int              `json:"total"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.Tasks, 1)
		assert.Equal(t, 1, body.Total)
		assert.Equal(t, "done", body.Tasks[0]["status"])
	})

	t.Run("metrics reflect finalized tasks", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `flowbatch_tasks_finalized_total{status="done"} 1`)
	})
}

func TestScheduledRun(t *testing.T) {
	srv := newFakeFlowServer(t)
	app, err := newApplication(context.Background(), testConfig(srv.URL+"/api", ""), discardLogger())
	require.NoError(t, err)
	defer app.cleanup()

	ctx := context.Background()
	require.NoError(t, app.dispatcher.Add(ctx,
		task.NewRecord(task.Fields{{Name: "q", Value: "ok"}}, ""),
		task.NewRecord(task.Fields{{Name: "q", Value: "fail"}}, ""),
	))

	var out strings.Builder
	app.scheduledRun(ctx, &out)
	assert.Contains(t, out.String(), "done     1")
	assert.Contains(t, out.String(), "failed   1")
	assert.EqualValues(t, 2, srv.invocations.Load())

	// The next tick resubmits both tasks
	out.Reset()
	app.scheduledRun(ctx, &out)
	assert.Contains(t, out.String(), "done     1")
	assert.Contains(t, out.String(), "failed   1")
	assert.EqualValues(t, 4, srv.invocations.Load())

	t.Run("cancelled context does nothing", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		out.Reset()
		app.scheduledRun(cancelled, &out)
		assert.Empty(t, out.String())
		assert.EqualValues(t, 4, srv.invocations.Load())
	})
}

func TestScheduledRun_RunInProgress(t *testing.T) {
	srv := newFakeFlowServer(t)
	app, err := newApplication(context.Background(), testConfig(srv.URL+"/api", ""), discardLogger())
	require.NoError(t, err)
	defer app.cleanup()

	ctx := context.Background()
	finished := task.NewRecord(task.Fields{{Name: "q", Value: "ok"}}, "")
	require.NoError(t, app.dispatcher.Add(ctx, finished))
	_, err = app.dispatcher.Run(ctx)
	require.NoError(t, err)

	before, err := app.dispatcher.Task(ctx, finished.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusDone, before.Status)

	require.NoError(t, app.dispatcher.Add(ctx, task.NewRecord(task.Fields{{Name: "q", Value: "hold"}}, "")))
	reply, err := app.dispatcher.Begin(ctx)
	require.NoError(t, err)

	var out strings.Builder
	app.scheduledRun(ctx, &out)

	after, err := app.dispatcher.Task(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, after.Status)
	assert.Equal(t, before.RemoteTaskID, after.RemoteTaskID)
	assert.Equal(t, "answer to ok", after.Result)
	assert.Empty(t, out.String())

	srv.release.Store(true)
	select {
	case summary := <-reply:
		assert.Equal(t, 2, summary.Counts[task.StatusDone])
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	assert.EqualValues(t, 2, srv.invocations.Load(), "the finished task is not resubmitted")
}

func TestCronParser(t *testing.T) {
	for _, expr := range []string{"*/5 * * * *", "0 3 * * 1-5", "@hourly", "@every 90s"} {
		_, err := cronParser.Parse(expr)
		assert.NoError(t, err, expr)
	}
	for _, expr := range []string{"", "* * *", "0 0 0 * * *", "sometimes"} {
		_, err := cronParser.Parse(expr)
		assert.Error(t, err, expr)
	}
}
