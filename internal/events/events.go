package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what changed.
type Kind string

// Event kinds emitted by the dispatcher
const (
	KindBatchStarted  Kind = "batch_started"
	KindBatchFinished Kind = "batch_finished"
	KindTaskUpdated   Kind = "task_updated"
	KindTaskFinalized Kind = "task_finalized"
	KindPollChecked   Kind = "poll_checked"
)

// ProgressEvent is a change notification from the dispatcher.
// It carries counters for the batch as a whole and, for task events, a JSON
// snapshot of the task record so that handlers need no dependency on the
// task package.
type ProgressEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// Kind indicates what changed
	Kind Kind `json:"kind"`

	// RunID identifies the batch run the event belongs to, if any
	RunID string `json:"run_id,omitempty"`

	// TaskID and Status describe the task for task events
	TaskID string `json:"task_id,omitempty"`
	Status string `json:"status,omitempty"`

	// Running, Queued and InFlight are the scheduler counters after the change
	Running  int `json:"running"`
	Queued   int `json:"queued"`
	InFlight int `json:"in_flight"`

	// Payload contains the event-specific data serialized as JSON
	Payload json.RawMessage `json:"payload,omitempty"`

	// CreatedAt is the timestamp when the event was created
	CreatedAt time.Time `json:"created_at"`
}

// UnmarshalPayload decodes the event payload into the provided structure.
func (e *ProgressEvent) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// NewProgressEvent creates a new ProgressEvent with the specified kind and payload.
// A nil payload leaves Payload empty.
func NewProgressEvent(kind Kind, payload interface{}) (*ProgressEvent, error) {
	event := &ProgressEvent{
		ID:        uuid.New(),
		Kind:      kind,
		CreatedAt: time.Now(),
	}

	if payload != nil {
		payloadBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		event.Payload = payloadBytes
	}

	return event, nil
}

// EventHandler defines an interface for components that can handle events.
// Handlers are called on the dispatcher's goroutine and must not block.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *ProgressEvent) error
}

// EventHandlerFunc adapts an ordinary function to the EventHandler interface.
type EventHandlerFunc func(ctx context.Context, event *ProgressEvent) error

// HandleEvent calls f(ctx, event).
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event *ProgressEvent) error {
	return f(ctx, event)
}

// EventEmitter defines an interface for components that can emit events.
// This allows the dispatcher to publish events without direct knowledge of handlers.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	// Returns an error if the event cannot be emitted.
	EmitEvent(ctx context.Context, event *ProgressEvent) error
}
