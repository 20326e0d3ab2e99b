package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/flowbatch/internal/events"
)

// ExecutionMode selects the remote invocation protocol.
type ExecutionMode string

// Supported execution modes
const (
	// ModeNormal invokes a one-shot job per task and polls its status.
	ModeNormal ExecutionMode = "normal"
	// ModeSingleton is ModeNormal with the remote at-most-once flag set.
	ModeSingleton ExecutionMode = "singleton"
	// ModeSession runs each task in its own session and consumes its event stream.
	ModeSession ExecutionMode = "withSession"
)

// Common errors returned by the Dispatcher
var (
	ErrDispatcherStopped    = errors.New("dispatcher is stopped")
	ErrDispatcherNotStarted = errors.New("dispatcher is not started")
	ErrRunInProgress        = errors.New("a batch run is already in progress")
)

// Config holds the scheduling options of a Dispatcher
type Config struct {
	// FlowID and WorkspaceID address the remote flow every task invokes
	FlowID      string
	WorkspaceID string

	// Parallelism is the number of tasks kept running at once
	Parallelism int

	// ExecutionMode selects the invocation protocol
	ExecutionMode ExecutionMode

	// TaskTimeout is converted into a status-check budget per task
	TaskTimeout time.Duration

	// TimeoutPolicy decides what happens when the budget is exhausted
	TimeoutPolicy TimeoutPolicy

	// PollInterval is the delay between two round-robin status checks
	PollInterval time.Duration

	// WriteOutput enables the artifact store for successful tasks
	WriteOutput bool

	// OverwriteExisting disables the pre-flight skip of existing artifacts
	OverwriteExisting bool
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		Parallelism:   5,
		ExecutionMode: ModeNormal,
		TaskTimeout:   10 * time.Minute,
		TimeoutPolicy: TimeoutMarkAsError,
		PollInterval:  2 * time.Second,
	}
}

// Summary describes the state of the batch when a run ends.
type Summary struct {
	RunID    string         `json:"run_id"`
	Started  time.Time      `json:"started"`
	Elapsed  time.Duration  `json:"elapsed"`
	Halted   bool           `json:"halted"`
	Total    int            `json:"total"`
	Counts   map[Status]int `json:"counts"`
	Credits  float64        `json:"credits"`
	Failures []string       `json:"failures,omitempty"`
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithEventEmitter publishes progress events through emitter.
func WithEventEmitter(emitter events.EventEmitter) Option {
	return func(d *Dispatcher) {
		d.emitter = emitter
	}
}

// Dispatcher submits task records to the remote flow service under a bounded
// concurrency budget and tracks them until they finish.
//
// All task state is owned by a single goroutine started by Start. Exported
// methods send commands to that goroutine and wait for it to apply them;
// remote calls run on their own goroutines and report back through a mailbox.
type Dispatcher struct {
	client    RemoteClient
	artifacts ArtifactStore
	emitter   events.EventEmitter
	config    Config
	logger    *slog.Logger

	maxAttempts int

	commands chan func()
	results  chan any

	// Lifecycle
	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}

	// Owner state, only touched by the loop goroutine
	ctx      context.Context
	records  map[string]*Record
	order    []string
	queue    *TaskQueue
	running  *runningSet
	inFlight map[string]struct{}
	run      *batchRun
	runSeq   uint64

	pendingWrites int
}

// NewDispatcher creates a dispatcher. artifacts may be nil when output writing
// is disabled.
func NewDispatcher(client RemoteClient, artifacts ArtifactStore, config Config, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	if client == nil {
		return nil, errors.New("remote client cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	defaults := DefaultConfig()
	if config.Parallelism <= 0 {
		logger.Warn("invalid parallelism specified, using default",
			"specified", config.Parallelism,
			"default", defaults.Parallelism)
		config.Parallelism = defaults.Parallelism
	}
	if config.ExecutionMode == "" {
		config.ExecutionMode = defaults.ExecutionMode
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = defaults.TaskTimeout
	}
	if config.TimeoutPolicy == "" {
		config.TimeoutPolicy = defaults.TimeoutPolicy
	}

	switch config.ExecutionMode {
	case ModeNormal, ModeSingleton, ModeSession:
	default:
		return nil, fmt.Errorf("unknown execution mode %q", config.ExecutionMode)
	}
	switch config.TimeoutPolicy {
	case TimeoutRetry, TimeoutMarkAsError:
	default:
		return nil, fmt.Errorf("unknown timeout policy %q", config.TimeoutPolicy)
	}
	if config.WriteOutput && artifacts == nil {
		return nil, errors.New("artifact store is required when output writing is enabled")
	}

	logger = logger.With("component", "dispatcher")
	d := &Dispatcher{
		client:      client,
		artifacts:   artifacts,
		config:      config,
		logger:      logger,
		maxAttempts: MaxAttempts(config.TaskTimeout, config.PollInterval),
		commands:    make(chan func()),
		results:     make(chan any, config.Parallelism*2),
		done:        make(chan struct{}),
		records:     make(map[string]*Record),
		queue:       NewTaskQueue(logger),
		running:     newRunningSet(),
		inFlight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config {
	return d.config
}

// Start launches the goroutine that owns the task table.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return errors.New("dispatcher already started")
	}
	select {
	case <-d.done:
		return ErrDispatcherStopped
	default:
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.ctx = loopCtx
	d.cancel = cancel
	d.started = true

	d.wg.Add(1)
	go d.loop(loopCtx)

	d.logger.Info("dispatcher started",
		"parallelism", d.config.Parallelism,
		"execution_mode", d.config.ExecutionMode,
		"poll_interval", d.config.PollInterval,
		"max_attempts", d.maxAttempts,
		"timeout_policy", d.config.TimeoutPolicy)
	return nil
}

// Stop halts any active run and shuts down the owner goroutine.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

// Done is closed once the owner goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// do runs fn on the owner goroutine and waits for it to return.
func (d *Dispatcher) do(ctx context.Context, fn func()) error {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return ErrDispatcherNotStarted
	}

	finished := make(chan struct{})
	cmd := func() {
		defer close(finished)
		fn()
	}

	select {
	case d.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrDispatcherStopped
	}

	<-finished
	return nil
}

// Add registers records with the batch. Records are copied; records without
// an id get one, records without a status start as waiting. When a run is in
// progress, waiting and pending records join the tail of its queue.
func (d *Dispatcher) Add(ctx context.Context, records ...*Record) error {
	var addErr error
	err := d.do(ctx, func() {
		addErr = d.addRecords(records)
	})
	if err != nil {
		return err
	}
	return addErr
}

// Run schedules every waiting or pending record and blocks until the batch is
// exhausted or halted. Records left queued by a halted run are resumed by
// polling their existing remote job; done records are never resubmitted.
//
// Cancelling ctx halts the run.
func (d *Dispatcher) Run(ctx context.Context) (*Summary, error) {
	reply, err := d.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return d.wait(ctx, reply)
}

// Rerun resets every done or failed record to waiting and then runs the
// batch like Run. Reset and start happen in one step on the owner goroutine:
// when a run is already in progress nothing is reset and ErrRunInProgress is
// returned. The int result is the number of records reset.
func (d *Dispatcher) Rerun(ctx context.Context) (*Summary, int, error) {
	reply := make(chan *Summary, 1)
	var (
		reset    int
		startErr error
	)
	if err := d.do(ctx, func() {
		if d.run != nil {
			startErr = ErrRunInProgress
			return
		}
		reset = d.resetFinished()
		startErr = d.startRun(reply)
	}); err != nil {
		return nil, 0, err
	}
	if startErr != nil {
		return nil, 0, startErr
	}

	summary, err := d.wait(ctx, reply)
	return summary, reset, err
}

// wait blocks until the run answering on reply ends. Cancelling ctx halts it.
func (d *Dispatcher) wait(ctx context.Context, reply <-chan *Summary) (*Summary, error) {
	select {
	case summary := <-reply:
		return summary, nil
	case <-ctx.Done():
		d.logger.Info("run context cancelled, halting batch")
		if err := d.do(context.Background(), d.haltRun); err != nil {
			return nil, ctx.Err()
		}
		select {
		case summary := <-reply:
			return summary, ctx.Err()
		case <-d.done:
			return nil, ctx.Err()
		}
	case <-d.done:
		return nil, ErrDispatcherStopped
	}
}

// Begin starts a batch run without waiting for it to end. The returned
// channel receives the summary once the run completes or is halted.
func (d *Dispatcher) Begin(ctx context.Context) (<-chan *Summary, error) {
	reply := make(chan *Summary, 1)
	var startErr error
	if err := d.do(ctx, func() {
		startErr = d.startRun(reply)
	}); err != nil {
		return nil, err
	}
	if startErr != nil {
		return nil, startErr
	}
	return reply, nil
}

// Halt stops the active run: nothing further is scheduled or polled and
// outstanding remote calls are cancelled. It is a no-op without an active run.
func (d *Dispatcher) Halt(ctx context.Context) error {
	return d.do(ctx, d.haltRun)
}

// Running reports whether a batch run is in progress.
func (d *Dispatcher) Running(ctx context.Context) (bool, error) {
	var active bool
	err := d.do(ctx, func() {
		active = d.run != nil
	})
	return active, err
}

// Cancel requests cooperative cancellation of a task. The task is failed
// when it is next dequeued for submission or, once started, at its next
// poll.
func (d *Dispatcher) Cancel(ctx context.Context, id string) error {
	var cancelErr error
	err := d.do(ctx, func() {
		cancelErr = d.cancelRecord(id)
	})
	if err != nil {
		return err
	}
	return cancelErr
}

// Retry resets a done or failed task to waiting. During a run the task joins
// the tail of the queue.
func (d *Dispatcher) Retry(ctx context.Context, id string) error {
	var retryErr error
	err := d.do(ctx, func() {
		retryErr = d.retryRecord(id)
	})
	if err != nil {
		return err
	}
	return retryErr
}

// RetryFailed resets every failed task and returns how many were reset.
func (d *Dispatcher) RetryFailed(ctx context.Context) (int, error) {
	var n int
	err := d.do(ctx, func() {
		for _, id := range d.order {
			if d.records[id].Status != StatusFailed {
				continue
			}
			if d.retryRecord(id) == nil {
				n++
			}
		}
	})
	return n, err
}

// Remove deletes a task from the batch. Started tasks cannot be removed.
func (d *Dispatcher) Remove(ctx context.Context, id string) error {
	var removeErr error
	err := d.do(ctx, func() {
		removeErr = d.removeRecord(id)
	})
	if err != nil {
		return err
	}
	return removeErr
}

// UpdateRow edits one column of a task's row data and regenerates its input.
// Started tasks cannot be edited.
func (d *Dispatcher) UpdateRow(ctx context.Context, id, column, value string) error {
	var updateErr error
	err := d.do(ctx, func() {
		r, ok := d.records[id]
		if !ok {
			updateErr = fmt.Errorf("%w: %s", ErrTaskNotFound, id)
			return
		}
		if d.isStarted(id) {
			updateErr = fmt.Errorf("%w: %s", ErrTaskRunning, id)
			return
		}
		r.updateRow(column, value)
		d.emitTask(events.KindTaskUpdated, r)
	})
	if err != nil {
		return err
	}
	return updateErr
}

// Snapshot returns copies of every record in insertion order.
func (d *Dispatcher) Snapshot(ctx context.Context) ([]*Record, error) {
	var out []*Record
	err := d.do(ctx, func() {
		out = make([]*Record, 0, len(d.order))
		for _, id := range d.order {
			out = append(out, d.records[id].Clone())
		}
	})
	return out, err
}

// Task returns a copy of one record.
func (d *Dispatcher) Task(ctx context.Context, id string) (*Record, error) {
	var out *Record
	err := d.do(ctx, func() {
		if r, ok := d.records[id]; ok {
			out = r.Clone()
		}
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return out, nil
}

// Summary reports the current state of the batch.
func (d *Dispatcher) Summary(ctx context.Context) (*Summary, error) {
	var out *Summary
	err := d.do(ctx, func() {
		out = d.summarize()
	})
	return out, err
}
