package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/fatih/color"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFlowServer answers like the remote flow service: inputs with q=fail
// are accepted as pending and fail on their first status check, inputs with
// q=hold stay pending until release is set, everything else succeeds on
// submission.
type fakeFlowServer struct {
	*httptest.Server
	invocations atomic.Int64
	checks      atomic.Int64
	release     atomic.Bool
}

func newFakeFlowServer(t *testing.T) *fakeFlowServer {
	t.Helper()
	f := &fakeFlowServer{}

	r := chi.NewRouter()
	r.Post("/api/flows/{flowID}/invoke", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Input map[string]string `json:"input"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		id := fmt.Sprintf("job-%d", f.invocations.Add(1))

		w.Header().Set("Content-Type", "application/json")
		if body.Input["q"] == "hold" {
			_, _ = fmt.Fprintf(w, `{"id":"hold-%s","status":"PENDING"}`, id)
			return
		}
		if body.Input["q"] == "fail" {
			_, _ = fmt.Fprintf(w, `{"id":%q,"status":"PENDING"}`, id)
			return
		}
		_, _ = fmt.Fprintf(w, `{"id":%q,"status":"SUCCESS","result":%q,"credits":1.5}`, id, "answer to "+body.Input["q"])
	})
	r.Get("/api/flows/{flowID}/tasks/{taskID}", func(w http.ResponseWriter, r *http.Request) {
		f.checks.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if strings.HasPrefix(chi.URLParam(r, "taskID"), "hold-") {
			if f.release.Load() {
				_, _ = w.Write([]byte(`{"status":"SUCCESS","result":"released"}`))
			} else {
				_, _ = w.Write([]byte(`{"status":"PENDING"}`))
			}
			return
		}
		_, _ = w.Write([]byte(`{"status":"FAILED","errorMessage":"remote rejected input"}`))
	})

	f.Server = httptest.NewServer(r)
	t.Cleanup(f.Close)
	return f
}

// testEnv points the configuration at srv and isolates the working directory.
func testEnv(t *testing.T, srv *fakeFlowServer) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("FLOWBATCH_REMOTE_BASE_URL", srv.URL+"/api")
	t.Setenv("FLOWBATCH_REMOTE_FLOW_ID", "flow-1")
	t.Setenv("FLOWBATCH_BATCH_PARALLELISM", "2")
	t.Setenv("FLOWBATCH_BATCH_POLL_INTERVAL", "10ms")
	t.Setenv("FLOWBATCH_SERVER_LOG_LEVEL", "debug")
	return dir
}

func writeTaskFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// execute runs the root command with args and returns stdout and the log output.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	color.NoColor = true

	var out, logs bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&logs)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), logs.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd()

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.ElementsMatch(t, []string{"run", "serve", "schedule", "migrate", "version"}, names)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
}

func TestVersionCmd(t *testing.T) {
	out, _, err := execute(t, "version")

	require.NoError(t, err)
	assert.Equal(t, "flowbatch version dev\n", out)
}

func TestRunCmd(t *testing.T) {
	t.Run("runs the batch and writes results", func(t *testing.T) {
		srv := newFakeFlowServer(t)
		dir := testEnv(t, srv)
		t.Setenv("FLOWBATCH_OUTPUT_WRITE_ENABLED", "true")
		t.Setenv("FLOWBATCH_OUTPUT_DIR", filepath.Join(dir, "results"))

		writeTaskFile(t, dir, "tasks/a.yaml", `
tasks:
  - id: one
    input: {q: first}
    output: one.txt
  - id: two
    input: {q: second}
`)
		writeTaskFile(t, dir, "tasks/b.yaml", `
tasks:
  - id: three
    input: {q: third}
    output: nested/three.txt
`)

		out, logs, err := execute(t, "run", "--tasks", "tasks/*.yaml")

		require.NoError(t, err, logs)
		assert.Contains(t, out, "total    3")
		assert.Contains(t, out, "done     3")
		assert.Contains(t, out, "credits  4.50")
		assert.NotContains(t, out, "Failures")
		assert.EqualValues(t, 3, srv.invocations.Load())

		content, err := os.ReadFile(filepath.Join(dir, "results", "one.txt"))
		require.NoError(t, err)
		assert.Equal(t, "answer to first", string(content))
		content, err = os.ReadFile(filepath.Join(dir, "results", "nested", "three.txt"))
		require.NoError(t, err)
		assert.Equal(t, "answer to third", string(content))
	})

	t.Run("existing results are skipped", func(t *testing.T) {
		srv := newFakeFlowServer(t)
		dir := testEnv(t, srv)
		t.Setenv("FLOWBATCH_OUTPUT_WRITE_ENABLED", "true")
		t.Setenv("FLOWBATCH_OUTPUT_DIR", "out")

		writeTaskFile(t, dir, "out/one.txt", "already there")
		writeTaskFile(t, dir, "tasks.yaml", `
tasks:
  - id: one
    input: {q: first}
    output: one.txt
  - id: two
    input: {q: second}
    output: two.txt
`)

		out, logs, err := execute(t, "run", "-t", "tasks.yaml")

		require.NoError(t, err, logs)
		assert.Contains(t, out, "done     1")
		assert.Contains(t, out, "skipped  1")
		assert.EqualValues(t, 1, srv.invocations.Load())

		content, err := os.ReadFile(filepath.Join(dir, "out", "one.txt"))
		require.NoError(t, err)
		assert.Equal(t, "already there", string(content))
	})

	t.Run("failed tasks make the command fail", func(t *testing.T) {
		srv := newFakeFlowServer(t)
		dir := testEnv(t, srv)

		writeTaskFile(t, dir, "tasks.yaml", `
tasks:
  - id: good
    input: {q: fine}
  - id: bad
    input: {q: fail}
`)

		out, logs, err := execute(t, "run", "--tasks", "tasks.yaml")

		require.Error(t, err)
		assert.ErrorIs(t, err, errTasksFailed)
		assert.Contains(t, err.Error(), "1 of 2")
		assert.Contains(t, out, "failed   1")
		assert.Contains(t, out, "bad: remote rejected input")
		assert.GreaterOrEqual(t, srv.checks.Load(), int64(1))
		assert.Contains(t, logs, "dispatcher")
	})

	t.Run("tasks flag is required", func(t *testing.T) {
		_, _, err := execute(t, "run")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tasks")
	})

	t.Run("invalid task file fails before any submission", func(t *testing.T) {
		srv := newFakeFlowServer(t)
		dir := testEnv(t, srv)
		writeTaskFile(t, dir, "tasks.yaml", "tasks:\n  - output: x.txt\n")

		_, _, err := execute(t, "run", "--tasks", "tasks.yaml")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load tasks")
		assert.Zero(t, srv.invocations.Load())
	})

	t.Run("invalid log level flag", func(t *testing.T) {
		srv := newFakeFlowServer(t)
		dir := testEnv(t, srv)
		writeTaskFile(t, dir, "tasks.yaml", "tasks:\n  - input: {q: a}\n")

		_, _, err := execute(t, "run", "--tasks", "tasks.yaml", "--log-level", "loud")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid --log-level")
	})

	t.Run("configuration errors are reported", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("FLOWBATCH_REMOTE_BASE_URL", "")
		t.Setenv("FLOWBATCH_REMOTE_FLOW_ID", "")

		_, _, err := execute(t, "run", "--tasks", "tasks.yaml")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load configuration")
	})
}

func TestMigrateCmd(t *testing.T) {
	t.Run("rejects unknown commands", func(t *testing.T) {
		_, _, err := execute(t, "migrate", "sideways")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid argument")
	})

	t.Run("requires a database url", func(t *testing.T) {
		srv := newFakeFlowServer(t)
		testEnv(t, srv)

		_, _, err := execute(t, "migrate", "status")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "database.url is required")
	})
}

func TestScheduleCmd_Validation(t *testing.T) {
	srv := newFakeFlowServer(t)
	dir := testEnv(t, srv)
	writeTaskFile(t, dir, "tasks.yaml", "tasks:\n  - input: {q: a}\n")

	t.Run("missing cron expression", func(t *testing.T) {
		_, _, err := execute(t, "schedule", "--tasks", "tasks.yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no cron expression")
	})

	t.Run("invalid cron expression", func(t *testing.T) {
		_, _, err := execute(t, "schedule", "--tasks", "tasks.yaml", "--cron", "every tuesday")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid cron expression")
	})
}
