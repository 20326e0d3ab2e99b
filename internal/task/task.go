package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task record
type Status string

// Possible task status values
const (
	// StatusWaiting is a task that has never been started, or was reset by a retry.
	StatusWaiting Status = "waiting"
	// StatusPending is a task waiting to be resubmitted after a timeout.
	StatusPending Status = "pending"
	// StatusQueued is a task known to the remote service and being polled.
	StatusQueued Status = "queued"
	// StatusDone is a task that completed successfully.
	StatusDone Status = "done"
	// StatusFailed is a task that failed, timed out or was cancelled.
	StatusFailed Status = "failed"
	// StatusSkipped is a task whose output artifact already existed.
	StatusSkipped Status = "skipped"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusWaiting, StatusPending, StatusQueued, StatusDone, StatusFailed, StatusSkipped}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further scheduling happens for the status.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusSkipped
}

// Common errors returned when manipulating task records
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskRunning       = errors.New("task is running")
	ErrDuplicateTask     = errors.New("task already exists")
)

// transitions lists the allowed edges of the task state machine.
var transitions = map[Status][]Status{
	StatusWaiting: {StatusQueued, StatusDone, StatusFailed, StatusSkipped},
	StatusPending: {StatusQueued, StatusDone, StatusFailed, StatusSkipped},
	StatusQueued:  {StatusPending, StatusDone, StatusFailed},
	StatusDone:    {StatusWaiting},
	StatusFailed:  {StatusWaiting},
}

// CanTransition reports whether a record in status from may move to status to.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StatusEntry is one line of a record's audit log.
type StatusEntry struct {
	At          time.Time `json:"at"`
	Status      Status    `json:"status"`
	RawResponse string    `json:"raw_response,omitempty"`
}

// EventIDSet is the set of remote session event ids already applied to a record.
type EventIDSet map[string]struct{}

// Has reports whether id was already applied.
func (s EventIDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids in lexical order.
func (s EventIDSet) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarshalJSON encodes the set as a sorted array.
func (s EventIDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes an array of ids.
func (s *EventIDSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	set := make(EventIDSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	*s = set
	return nil
}

// Record is the state of one unit of work submitted to the remote flow.
//
// Records handed to a Dispatcher are copied; the dispatcher's copy is only
// mutated by its owner goroutine. Callers observe state through snapshots.
type Record struct {
	ID                 string        `json:"id" validate:"required"`
	Input              Fields        `json:"input"`
	RowData            Fields        `json:"row_data,omitempty"`
	OutputArtifactName string        `json:"output_artifact_name,omitempty"`
	Status             Status        `json:"status" validate:"required,oneof=waiting pending queued done failed skipped"`
	RemoteTaskID       string        `json:"remote_task_id,omitempty"`
	RemoteSessionID    string        `json:"remote_session_id,omitempty"`
	Result             string        `json:"result,omitempty"`
	Error              string        `json:"error,omitempty"`
	Credits            float64       `json:"credits"`
	RawOutput          string        `json:"raw_output,omitempty"`
	StartTime          *time.Time    `json:"start_time,omitempty"`
	EndTime            *time.Time    `json:"end_time,omitempty"`
	CancelRequested    bool          `json:"cancel_requested"`
	ProcessedEventIDs  EventIDSet    `json:"processed_event_ids,omitempty"`
	StatusHistory      []StatusEntry `json:"status_history,omitempty"`

	// events is the ordered session event log rendered into RawOutput.
	events []SessionEvent
}

// NewRecord creates a waiting record with a fresh id for the given input.
func NewRecord(input Fields, outputArtifactName string) *Record {
	return &Record{
		ID:                 uuid.New().String(),
		Input:              input.Clone(),
		OutputArtifactName: outputArtifactName,
		Status:             StatusWaiting,
	}
}

// NewRecordFromRow creates a waiting record whose input is derived from row data.
func NewRecordFromRow(row Fields, outputArtifactName string) *Record {
	r := NewRecord(row, outputArtifactName)
	r.RowData = row.Clone()
	return r
}

var recordValidator = validator.New()

// Validate checks the record's structural invariants.
func (r *Record) Validate() error {
	if err := recordValidator.Struct(r); err != nil {
		return fmt.Errorf("invalid task record: %w", err)
	}
	if r.Status == StatusQueued && r.RemoteTaskID == "" && r.RemoteSessionID == "" {
		return fmt.Errorf("invalid task record: queued task %s has no remote identifier", r.ID)
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.Input = r.Input.Clone()
	c.RowData = r.RowData.Clone()
	if r.StartTime != nil {
		t := *r.StartTime
		c.StartTime = &t
	}
	if r.EndTime != nil {
		t := *r.EndTime
		c.EndTime = &t
	}
	if r.ProcessedEventIDs != nil {
		c.ProcessedEventIDs = make(EventIDSet, len(r.ProcessedEventIDs))
		for id := range r.ProcessedEventIDs {
			c.ProcessedEventIDs[id] = struct{}{}
		}
	}
	if r.StatusHistory != nil {
		c.StatusHistory = make([]StatusEntry, len(r.StatusHistory))
		copy(c.StatusHistory, r.StatusHistory)
	}
	if r.events != nil {
		c.events = make([]SessionEvent, len(r.events))
		copy(c.events, r.events)
	}
	return &c
}

// IsSession reports whether the record runs over the session protocol.
func (r *Record) IsSession() bool {
	return r.RemoteSessionID != ""
}

// RemoteID returns the identifier used to poll the record.
func (r *Record) RemoteID() string {
	if r.RemoteSessionID != "" {
		return r.RemoteSessionID
	}
	return r.RemoteTaskID
}

// transition moves the record to status to, appending an audit entry.
func (r *Record) transition(to Status, at time.Time, raw string) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	r.appendHistory(at, raw)
	return nil
}

// appendHistory records the current status without changing it.
func (r *Record) appendHistory(at time.Time, raw string) {
	r.StatusHistory = append(r.StatusHistory, StatusEntry{
		At:          at,
		Status:      r.Status,
		RawResponse: raw,
	})
}

// clearRun resets everything a previous execution attempt left behind.
func (r *Record) clearRun() {
	r.RemoteTaskID = ""
	r.RemoteSessionID = ""
	r.StartTime = nil
	r.EndTime = nil
	r.Error = ""
}

// markStarted records the remote identifiers of a submission and enters queued.
func (r *Record) markStarted(remoteTaskID, remoteSessionID string, at time.Time, raw string) error {
	if remoteTaskID == "" && remoteSessionID == "" {
		return fmt.Errorf("%w: queued requires a remote identifier", ErrInvalidTransition)
	}
	prevTask, prevSession := r.RemoteTaskID, r.RemoteSessionID
	r.RemoteTaskID = remoteTaskID
	r.RemoteSessionID = remoteSessionID
	if err := r.transition(StatusQueued, at, raw); err != nil {
		r.RemoteTaskID, r.RemoteSessionID = prevTask, prevSession
		return err
	}
	return nil
}

// complete finalizes the record as done.
func (r *Record) complete(result string, credits float64, raw string, at time.Time) error {
	if err := r.transition(StatusDone, at, raw); err != nil {
		return err
	}
	r.Result = result
	r.Credits = credits
	r.RawOutput = raw
	r.Error = ""
	r.EndTime = &at
	return nil
}

// fail finalizes the record as failed.
func (r *Record) fail(reason, raw string, at time.Time) error {
	if err := r.transition(StatusFailed, at, raw); err != nil {
		return err
	}
	r.Error = reason
	if raw != "" {
		r.RawOutput = raw
	}
	r.EndTime = &at
	return nil
}

// skip finalizes the record as skipped without contacting the remote service.
func (r *Record) skip(reason string, at time.Time) error {
	if err := r.transition(StatusSkipped, at, ""); err != nil {
		return err
	}
	r.Result = reason
	r.EndTime = &at
	return nil
}

// requeue resets a timed-out record to pending so it can be resubmitted.
// The resubmission opens a new remote session whose event ids are scoped to
// it, so the previous session's event log is dropped as well.
func (r *Record) requeue(at time.Time) error {
	if err := r.transition(StatusPending, at, ""); err != nil {
		return err
	}
	r.clearRun()
	r.ProcessedEventIDs = nil
	r.events = nil
	r.RawOutput = ""
	return nil
}

// reset prepares a finished record to run again from scratch.
func (r *Record) reset(at time.Time) error {
	if err := r.transition(StatusWaiting, at, ""); err != nil {
		return err
	}
	r.clearRun()
	r.Result = ""
	r.Credits = 0
	r.RawOutput = ""
	r.CancelRequested = false
	r.ProcessedEventIDs = nil
	r.events = nil
	return nil
}

// updateRow edits one column of the row data and regenerates the input from it.
func (r *Record) updateRow(column, value string) {
	if r.RowData == nil {
		r.Input = r.Input.Set(column, value)
		return
	}
	r.RowData = r.RowData.Set(column, value)
	r.Input = r.RowData.Clone()
}
