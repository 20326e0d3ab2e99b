package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/flowbatch/internal/events"
)

// SkipReason is the result recorded on a task whose artifact already exists.
const SkipReason = "File already exists"

var (
	errMissingTaskID    = errors.New("remote response did not include a task id")
	errMissingSessionID = errors.New("remote response did not include a session id")
)

// batchRun is the state of one Run call.
type batchRun struct {
	id      string
	gen     uint64
	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	reply   chan<- *Summary
}

// submitResult is posted by a submission goroutine.
type submitResult struct {
	gen       uint64
	taskID    string
	skipped   bool
	invoke    *InvokeResponse
	sessionID string
	err       error
}

// pollResult is posted by a status check goroutine.
type pollResult struct {
	gen    uint64
	taskID string
	status *StatusResponse
	page   *SessionPage
	err    error
}

// writeResult is posted once an artifact write returns.
type writeResult struct {
	gen    uint64
	taskID string
	name   string
	err    error
}

// loop is the owner goroutine. Every field marked as owner state is only
// read or written here.
func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	defer close(d.done)

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.haltRun()
			d.logger.Info("dispatcher stopped")
			return
		case cmd := <-d.commands:
			cmd()
		case res := <-d.results:
			d.handleResult(res)
		case <-ticker.C:
			d.pollNext()
		}
	}
}

// post hands a completion back to the owner goroutine.
func (d *Dispatcher) post(res any) {
	select {
	case d.results <- res:
	case <-d.done:
	}
}

func (d *Dispatcher) current(gen uint64) bool {
	return d.run != nil && d.run.gen == gen
}

func (d *Dispatcher) occupied() int {
	return d.running.Len() + len(d.inFlight)
}

func (d *Dispatcher) isStarted(id string) bool {
	if _, ok := d.inFlight[id]; ok {
		return true
	}
	if d.running.get(id) != nil {
		return true
	}
	return d.records[id].Status == StatusQueued
}

func (d *Dispatcher) addRecords(records []*Record) error {
	prepared := make([]*Record, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for _, in := range records {
		if in == nil {
			return errors.New("task record cannot be nil")
		}
		r := in.Clone()
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.Status == "" {
			r.Status = StatusWaiting
		}
		if err := r.Validate(); err != nil {
			return err
		}
		if _, ok := d.records[r.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, r.ID)
		}
		if _, ok := seen[r.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, r.ID)
		}
		seen[r.ID] = struct{}{}
		prepared = append(prepared, r)
	}

	for _, r := range prepared {
		d.records[r.ID] = r
		d.order = append(d.order, r.ID)
		if d.run != nil {
			d.schedule(r)
		}
	}
	d.logger.Info("tasks added", "count", len(prepared), "total", len(d.order))

	if d.run != nil {
		d.refill()
		d.checkComplete()
	}
	return nil
}

// schedule places a record into the active run: unstarted records join the
// queue tail, records already known remotely join the poll rotation.
func (d *Dispatcher) schedule(r *Record) {
	switch r.Status {
	case StatusWaiting, StatusPending:
		if err := d.queue.Enqueue(r.ID); err != nil {
			d.logger.Debug("task not enqueued", "task_id", r.ID, "error", err)
		}
	case StatusQueued:
		if d.running.get(r.ID) != nil {
			return
		}
		d.running.add(&runningEntry{
			taskID:   r.ID,
			remoteID: r.RemoteID(),
			session:  r.IsSession(),
		})
		d.logger.Info("resuming remote task",
			"task_id", r.ID,
			"remote_id", r.RemoteID())
	}
}

func (d *Dispatcher) startRun(reply chan<- *Summary) error {
	if d.run != nil {
		return ErrRunInProgress
	}

	d.runSeq++
	ctx, cancel := context.WithCancel(d.ctx)
	d.run = &batchRun{
		id:      uuid.New().String(),
		gen:     d.runSeq,
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		reply:   reply,
	}

	for _, id := range d.order {
		d.schedule(d.records[id])
	}

	d.logger.Info("batch run started",
		"run_id", d.run.id,
		"tasks", len(d.order),
		"queued", d.queue.Len(),
		"resumed", d.running.Len())
	d.emit(events.KindBatchStarted, nil, nil)

	d.refill()
	d.checkComplete()
	return nil
}

// haltRun stops scheduling and polling. Outstanding remote calls are
// cancelled and their results discarded; started records keep their remote
// identifiers so the next run can resume them.
func (d *Dispatcher) haltRun() {
	if d.run == nil {
		return
	}
	d.logger.Info("halting batch run",
		"run_id", d.run.id,
		"running", d.running.Len(),
		"in_flight", len(d.inFlight),
		"queued", d.queue.Len())

	for id := range d.inFlight {
		// Submissions that never returned an id are resubmitted next run.
		if r := d.records[id]; r != nil && r.Status != StatusQueued {
			r.StartTime = nil
		}
	}
	d.queue.Clear()
	d.running.clear()
	d.inFlight = make(map[string]struct{})
	d.pendingWrites = 0
	d.finishRun(true)
}

func (d *Dispatcher) finishRun(halted bool) {
	run := d.run
	summary := d.summarize()
	summary.RunID = run.id
	summary.Started = run.started
	summary.Elapsed = time.Since(run.started)
	summary.Halted = halted

	run.cancel()
	d.run = nil

	d.logger.Info("batch run finished",
		"run_id", run.id,
		"halted", halted,
		"elapsed", summary.Elapsed,
		"done", summary.Counts[StatusDone],
		"failed", summary.Counts[StatusFailed],
		"skipped", summary.Counts[StatusSkipped])

	event, err := events.NewProgressEvent(events.KindBatchFinished, summary)
	if err == nil {
		event.RunID = run.id
		d.publish(event)
	}

	run.reply <- summary
}

// checkComplete ends the run once nothing is left to submit, poll or write.
func (d *Dispatcher) checkComplete() {
	if d.run == nil {
		return
	}
	if d.queue.Len() > 0 || d.running.Len() > 0 || len(d.inFlight) > 0 || d.pendingWrites > 0 {
		return
	}
	d.finishRun(false)
}

// refill starts queued tasks until the concurrency budget is used up. Each
// round dispatches twice the free capacity because submissions that turn
// out skipped never occupy a slot.
func (d *Dispatcher) refill() {
	if d.run == nil {
		return
	}
	for d.occupied() < d.config.Parallelism && d.queue.Len() > 0 {
		round := 2 * (d.config.Parallelism - d.occupied())
		for i := 0; i < round; i++ {
			id, ok := d.queue.Dequeue()
			if !ok {
				break
			}
			d.submit(id)
		}
	}
}

// submit starts the remote execution of a dequeued record.
func (d *Dispatcher) submit(id string) {
	r, ok := d.records[id]
	if !ok || (r.Status != StatusWaiting && r.Status != StatusPending) {
		return
	}

	now := time.Now()
	if r.CancelRequested {
		if err := r.fail(CancelledByUser, "", now); err != nil {
			d.logger.Error("failed to cancel task", "task_id", id, "error", err)
			return
		}
		d.logger.Info("task cancelled before submission", "task_id", id)
		d.emitTask(events.KindTaskFinalized, r)
		return
	}

	r.StartTime = &now
	d.inFlight[id] = struct{}{}
	d.emitTask(events.KindTaskUpdated, r)

	go d.invoke(d.run.ctx, d.run.gen, id, r.Input.Clone(), r.OutputArtifactName)
}

func (d *Dispatcher) checksArtifacts(name string) bool {
	return d.config.WriteOutput && !d.config.OverwriteExisting && name != "" && d.artifacts != nil
}

// invoke runs on its own goroutine.
func (d *Dispatcher) invoke(ctx context.Context, gen uint64, id string, input Fields, artifact string) {
	res := &submitResult{gen: gen, taskID: id}
	defer func() { d.post(res) }()

	if d.checksArtifacts(artifact) {
		exists, err := d.artifacts.Exists(ctx, artifact)
		if err != nil {
			d.logger.Warn("artifact existence check failed, submitting anyway",
				"task_id", id,
				"artifact", artifact,
				"error", err)
		} else if exists {
			res.skipped = true
			return
		}
	}

	if d.config.ExecutionMode == ModeSession {
		sessionID, err := d.client.CreateSession(ctx, d.config.FlowID, d.config.WorkspaceID)
		if err != nil {
			res.err = err
			return
		}
		if sessionID == "" {
			return
		}
		res.sessionID = sessionID
		res.err = d.client.InvokeSession(ctx, sessionID, d.config.WorkspaceID, sessionMessage(input))
		return
	}

	res.invoke, res.err = d.client.Invoke(ctx, InvokeRequest{
		FlowID:      d.config.FlowID,
		WorkspaceID: d.config.WorkspaceID,
		Input:       input,
		Singleton:   d.config.ExecutionMode == ModeSingleton,
	})
}

func (d *Dispatcher) handleResult(res any) {
	switch res := res.(type) {
	case *submitResult:
		if !d.current(res.gen) {
			d.logger.Debug("dropping stale submission result", "task_id", res.taskID)
			return
		}
		delete(d.inFlight, res.taskID)
		d.handleSubmitResult(res)
	case *pollResult:
		if !d.current(res.gen) {
			d.logger.Debug("dropping stale poll result", "task_id", res.taskID)
			return
		}
		d.handlePollResult(res)
	case *writeResult:
		if res.err != nil {
			d.logger.Error("failed to write output artifact",
				"task_id", res.taskID,
				"artifact", res.name,
				"error", res.err)
		}
		if !d.current(res.gen) {
			return
		}
		d.pendingWrites--
	}
	d.refill()
	d.checkComplete()
}

func (d *Dispatcher) handleSubmitResult(res *submitResult) {
	r, ok := d.records[res.taskID]
	if !ok {
		return
	}
	now := time.Now()
	log := d.logger.With("task_id", r.ID)

	if res.skipped {
		if err := r.skip(SkipReason, now); err != nil {
			log.Error("failed to skip task", "error", err)
			return
		}
		log.Info("task skipped, artifact already exists", "artifact", r.OutputArtifactName)
		d.emitTask(events.KindTaskFinalized, r)
		return
	}

	if res.err != nil {
		d.finalizeFailed(r, fmt.Sprintf("submission failed: %v", res.err), "", now)
		log.Warn("task submission failed", "error", res.err)
		return
	}

	if d.config.ExecutionMode == ModeSession {
		if res.sessionID == "" {
			d.finalizeFailed(r, errMissingSessionID.Error(), "", now)
			log.Warn("session creation returned no id")
			return
		}
		if err := r.markStarted("", res.sessionID, now, ""); err != nil {
			log.Error("failed to record session", "error", err)
			return
		}
		d.running.add(&runningEntry{taskID: r.ID, remoteID: res.sessionID, session: true})
		log.Info("session started", "session_id", res.sessionID)
		d.emitTask(events.KindTaskUpdated, r)
		return
	}

	resp := res.invoke
	if resp == nil {
		d.finalizeFailed(r, errMissingTaskID.Error(), "", now)
		return
	}
	raw := rawJSON(resp)

	if resp.ID == "" {
		// Poll mode responses may already be terminal; nothing is left to poll.
		if resp.Status.Classify() != OutcomeRunning {
			d.applyTerminal(r, statusFromInvoke(resp), now)
			return
		}
		d.finalizeFailed(r, errMissingTaskID.Error(), raw, now)
		log.Warn("task submission returned no id")
		return
	}

	if err := r.markStarted(resp.ID, "", now, raw); err != nil {
		log.Error("failed to record remote task", "error", err)
		return
	}
	log.Info("task submitted", "remote_task_id", resp.ID, "status", resp.Status)

	if resp.Status.Classify() != OutcomeRunning {
		d.applyTerminal(r, statusFromInvoke(resp), now)
		return
	}
	d.running.add(&runningEntry{taskID: r.ID, remoteID: resp.ID})
	d.emitTask(events.KindTaskUpdated, r)
}

// applyTerminal finalizes a record from a terminal status answer that arrived
// with the submission itself.
func (d *Dispatcher) applyTerminal(r *Record, status *StatusResponse, at time.Time) {
	outcome, err := applyStatus(r, status, at)
	if err != nil {
		d.logger.Error("failed to apply status", "task_id", r.ID, "error", err)
		return
	}
	d.finalized(r, outcome)
}

func (d *Dispatcher) finalizeFailed(r *Record, reason, raw string, at time.Time) {
	if err := r.fail(reason, raw, at); err != nil {
		d.logger.Error("failed to fail task", "task_id", r.ID, "error", err)
		return
	}
	d.finalized(r, OutcomeFailed)
}

// finalized runs the bookkeeping shared by every terminal transition.
func (d *Dispatcher) finalized(r *Record, outcome Outcome) {
	d.running.remove(r.ID)
	d.logger.Info("task finalized",
		"task_id", r.ID,
		"status", r.Status,
		"remote_id", r.RemoteID(),
		"credits", r.Credits)
	d.emitTask(events.KindTaskFinalized, r)

	if outcome == OutcomeSucceeded {
		d.writeOutput(r)
	}
}

// writeOutput persists a successful result. Failures are logged and never
// change the task status.
func (d *Dispatcher) writeOutput(r *Record) {
	if !d.config.WriteOutput || r.OutputArtifactName == "" || d.run == nil {
		return
	}
	d.pendingWrites++
	gen, id, name, content := d.run.gen, r.ID, r.OutputArtifactName, r.Result
	go func() {
		err := d.artifacts.Write(d.ctx, name, content)
		d.post(&writeResult{gen: gen, taskID: id, name: name, err: err})
	}()
}

// pollNext issues the status check of the next task in the rotation.
func (d *Dispatcher) pollNext() {
	if d.run == nil {
		return
	}
	entry := d.running.advance()
	if entry == nil {
		return
	}
	r := d.records[entry.taskID]

	if r.CancelRequested {
		now := time.Now()
		if entry.session {
			if err := cancelSession(r, now); err != nil {
				d.logger.Error("failed to cancel session", "task_id", r.ID, "error", err)
				return
			}
			d.finalized(r, OutcomeFailed)
		} else {
			d.finalizeFailed(r, CancelledByUser, "", now)
		}
		d.logger.Info("task cancelled", "task_id", r.ID)
		d.refill()
		d.checkComplete()
		return
	}

	entry.attempts++
	entry.checking = true
	d.emit(events.KindPollChecked, r, nil)

	go d.check(d.run.ctx, d.run.gen, *entry)
}

// check runs on its own goroutine with a copy of the rotation entry.
func (d *Dispatcher) check(ctx context.Context, gen uint64, entry runningEntry) {
	res := &pollResult{gen: gen, taskID: entry.taskID}
	if entry.session {
		res.page, res.err = d.client.PollSession(ctx, entry.remoteID, d.config.WorkspaceID, entry.cursor)
	} else {
		res.status, res.err = d.client.CheckStatus(ctx, d.config.FlowID, entry.remoteID, d.config.WorkspaceID)
	}
	d.post(res)
}

func (d *Dispatcher) handlePollResult(res *pollResult) {
	entry := d.running.get(res.taskID)
	r, ok := d.records[res.taskID]
	if entry == nil || !ok {
		return
	}
	entry.checking = false
	now := time.Now()
	log := d.logger.With("task_id", r.ID, "remote_id", entry.remoteID, "attempt", entry.attempts)

	if res.err != nil {
		log.Warn("status check failed", "error", res.err)
	} else {
		var outcome Outcome
		var err error
		if entry.session {
			if res.page == nil {
				res.page = &SessionPage{}
			}
			outcome, err = applySessionPage(r, res.page, now)
			entry.cursor = nextCursor(entry.cursor, res.page)
		} else if res.status != nil {
			outcome, err = applyStatus(r, res.status, now)
		}
		if err != nil {
			log.Error("failed to apply status check", "error", err)
			return
		}
		if outcome != OutcomeRunning {
			d.finalized(r, outcome)
			return
		}
		d.emitTask(events.KindTaskUpdated, r)
	}

	switch DecideTimeout(entry.attempts, d.maxAttempts, d.config.TimeoutPolicy) {
	case ActionRequeue:
		d.running.remove(r.ID)
		if err := r.requeue(now); err != nil {
			log.Error("failed to requeue task", "error", err)
			return
		}
		if err := d.queue.Enqueue(r.ID); err != nil {
			log.Error("failed to enqueue task", "error", err)
		}
		log.Info("task timed out, requeued", "max_attempts", d.maxAttempts)
		d.emitTask(events.KindTaskUpdated, r)
	case ActionFail:
		log.Info("task timed out", "max_attempts", d.maxAttempts)
		d.finalizeFailed(r, TimeoutMessage(d.config.TaskTimeout), "", now)
	}
}

func (d *Dispatcher) cancelRecord(id string) error {
	r, ok := d.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if r.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot cancel %s task", ErrInvalidTransition, r.Status)
	}
	r.CancelRequested = true
	d.logger.Info("task cancellation requested", "task_id", id, "status", r.Status)
	d.emitTask(events.KindTaskUpdated, r)
	return nil
}

func (d *Dispatcher) retryRecord(id string) error {
	r, ok := d.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if d.isStarted(id) {
		return fmt.Errorf("%w: %s", ErrTaskRunning, id)
	}
	if err := r.reset(time.Now()); err != nil {
		return err
	}
	d.logger.Info("task reset for retry", "task_id", id)
	d.emitTask(events.KindTaskUpdated, r)

	if d.run != nil {
		d.schedule(r)
		d.refill()
	}
	return nil
}

// resetFinished moves every done or failed record back to waiting. It must
// only be called between runs.
func (d *Dispatcher) resetFinished() int {
	n := 0
	for _, id := range d.order {
		if st := d.records[id].Status; st != StatusDone && st != StatusFailed {
			continue
		}
		if err := d.retryRecord(id); err != nil {
			d.logger.Warn("failed to reset task", "task_id", id, "error", err)
			continue
		}
		n++
	}
	return n
}

func (d *Dispatcher) removeRecord(id string) error {
	if _, ok := d.records[id]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if d.isStarted(id) {
		return fmt.Errorf("%w: %s", ErrTaskRunning, id)
	}
	d.queue.Remove(id)
	delete(d.records, id)
	for i, existing := range d.order {
		if existing == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	d.logger.Info("task removed", "task_id", id)
	d.checkComplete()
	return nil
}

func (d *Dispatcher) summarize() *Summary {
	s := &Summary{
		Total:  len(d.order),
		Counts: make(map[Status]int, len(Statuses)),
	}
	for _, status := range Statuses {
		s.Counts[status] = 0
	}
	for _, id := range d.order {
		r := d.records[id]
		s.Counts[r.Status]++
		s.Credits += r.Credits
		if r.Status == StatusFailed {
			s.Failures = append(s.Failures, fmt.Sprintf("%s: %s", r.ID, r.Error))
		}
	}
	if d.run != nil {
		s.RunID = d.run.id
		s.Started = d.run.started
		s.Elapsed = time.Since(d.run.started)
	}
	return s
}

// emitTask publishes a task event carrying a snapshot of the record.
func (d *Dispatcher) emitTask(kind events.Kind, r *Record) {
	d.emit(kind, r, r)
}

func (d *Dispatcher) emit(kind events.Kind, r *Record, payload any) {
	if d.emitter == nil {
		return
	}
	event, err := events.NewProgressEvent(kind, payload)
	if err != nil {
		d.logger.Error("failed to create progress event", "kind", kind, "error", err)
		return
	}
	if r != nil {
		event.TaskID = r.ID
		event.Status = string(r.Status)
	}
	d.publish(event)
}

func (d *Dispatcher) publish(event *events.ProgressEvent) {
	if d.emitter == nil {
		return
	}
	if d.run != nil {
		event.RunID = d.run.id
	}
	event.Running = d.running.Len()
	event.Queued = d.queue.Len()
	event.InFlight = len(d.inFlight)
	if err := d.emitter.EmitEvent(d.ctx, event); err != nil {
		d.logger.Warn("progress event handler failed", "kind", event.Kind, "error", err)
	}
}
