package task

import (
	"context"
	"encoding/json"
	"strings"
)

// RemoteStatus is the status string reported by the remote flow service.
type RemoteStatus string

// Remote status vocabulary. The success family contains synonyms that are
// all treated as a successful completion.
const (
	RemotePending   RemoteStatus = "PENDING"
	RemoteSuccess   RemoteStatus = "SUCCESS"
	RemoteDone      RemoteStatus = "DONE"
	RemoteCompleted RemoteStatus = "COMPLETED"
	RemoteCached    RemoteStatus = "CACHED"
	RemoteFailed    RemoteStatus = "FAILED"
	RemoteError     RemoteStatus = "ERROR"
)

// Outcome is the scheduler's interpretation of a remote status.
type Outcome int

// Possible outcomes of a remote status
const (
	OutcomeRunning Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
)

// Classify maps a remote status onto an outcome. Unknown statuses are running.
func (s RemoteStatus) Classify() Outcome {
	switch RemoteStatus(strings.ToUpper(strings.TrimSpace(string(s)))) {
	case RemoteSuccess, RemoteDone, RemoteCompleted, RemoteCached:
		return OutcomeSucceeded
	case RemoteFailed, RemoteError:
		return OutcomeFailed
	default:
		return OutcomeRunning
	}
}

// InvokeRequest is the payload of a one-shot flow invocation.
type InvokeRequest struct {
	FlowID      string
	WorkspaceID string
	Input       Fields
	Singleton   bool
}

// InvokeResponse is the remote answer to an invocation.
type InvokeResponse struct {
	ID           string       `json:"id"`
	Status       RemoteStatus `json:"status"`
	Result       *string      `json:"result,omitempty"`
	ErrorMessage *string      `json:"errorMessage,omitempty"`
	Credits      *float64     `json:"credits,omitempty"`
}

// StatusResponse is the remote answer to a status check.
type StatusResponse struct {
	Status       RemoteStatus `json:"status"`
	Result       *string      `json:"result,omitempty"`
	ErrorMessage *string      `json:"errorMessage,omitempty"`
	Credits      *float64     `json:"credits,omitempty"`
}

// SessionEvent is one incremental event of a session stream.
type SessionEvent struct {
	EventID    string          `json:"eventId"`
	EventType  string          `json:"eventType"`
	ActionType string          `json:"actionType,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Credits    *float64        `json:"credits,omitempty"`
}

// SessionPage is one page of session events returned by a poll.
type SessionPage struct {
	Messages      []SessionEvent `json:"messages"`
	LastTimestamp *int64         `json:"lastTimestamp,omitempty"`
}

// RemoteClient abstracts the network protocol of the remote flow service.
// Implementations must be safe for concurrent use.
type RemoteClient interface {
	// Invoke starts a one-shot job for the given input.
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error)

	// CheckStatus reports the current status of a one-shot job.
	CheckStatus(ctx context.Context, flowID, taskID, workspaceID string) (*StatusResponse, error)

	// CreateSession opens a session and returns its identifier.
	CreateSession(ctx context.Context, flowID, workspaceID string) (string, error)

	// InvokeSession sends the task message into an open session.
	InvokeSession(ctx context.Context, sessionID, workspaceID, message string) error

	// PollSession returns the session events recorded after fromTimestamp.
	PollSession(ctx context.Context, sessionID, workspaceID string, fromTimestamp int64) (*SessionPage, error)
}

// ArtifactStore persists task results under an artifact name.
type ArtifactStore interface {
	// Exists reports whether an artifact is already stored under name.
	Exists(ctx context.Context, name string) (bool, error)

	// Write stores content under name, creating any missing parent structure
	// and replacing existing content.
	Write(ctx context.Context, name, content string) error
}
