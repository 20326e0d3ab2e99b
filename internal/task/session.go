package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

// Session event types with special meaning.
const (
	EventTypeAI     = "ai"
	EventTypeError  = "error"
	EventTypeSystem = "system"
)

// creditsScale converts the session protocol's micro-credits into credits.
const creditsScale = 1_000_000

// CancelledByUser is the error recorded on a task cancelled by the user.
const CancelledByUser = "cancelled by user"

// sessionMetadata holds the metadata fields the processor understands. The
// verbatim metadata is kept on the event itself.
type sessionMetadata struct {
	Message      string   `json:"message"`
	ErrorMessage string   `json:"errorMessage"`
	Credits      *float64 `json:"credits"`
}

func decodeMetadata(raw json.RawMessage) sessionMetadata {
	var meta sessionMetadata
	if len(raw) > 0 {
		// Metadata that is not an object carries no known fields.
		_ = json.Unmarshal(raw, &meta)
	}
	return meta
}

// normalizeCredits converts a raw session credit amount.
func normalizeCredits(raw float64) float64 {
	return math.Abs(raw) / creditsScale
}

// sessionMessage renders a task input as the single message sent to a session.
func sessionMessage(input Fields) string {
	if len(input) == 1 {
		return input[0].Value
	}
	data, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return string(data)
}

// nextCursor advances the session cursor to the server reported timestamp.
func nextCursor(current int64, page *SessionPage) int64 {
	if page == nil || page.LastTimestamp == nil {
		return current
	}
	return *page.LastTimestamp
}

// recordEvent appends an event to the record's log and refreshes RawOutput so
// partial progress is visible before completion.
func (r *Record) recordEvent(ev SessionEvent) {
	if r.ProcessedEventIDs == nil {
		r.ProcessedEventIDs = make(EventIDSet)
	}
	r.ProcessedEventIDs[eventKey(ev)] = struct{}{}
	r.events = append(r.events, ev)
	r.RawOutput = rawJSON(r.events)
}

// Events returns a copy of the session events applied to the record.
func (r *Record) Events() []SessionEvent {
	out := make([]SessionEvent, len(r.events))
	copy(out, r.events)
	return out
}

// eventKey identifies ev for deduplication: its remote id, or a digest of
// its content when the remote sent none.
func eventKey(ev SessionEvent) string {
	if ev.EventID != "" {
		return ev.EventID
	}
	data, err := json.Marshal(ev)
	if err != nil {
		data = []byte(ev.EventType + "\x00" + ev.ActionType + "\x00" + string(ev.Metadata))
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// applySessionPage ingests one page of session events into a queued record.
//
// Events already present in ProcessedEventIDs are ignored. Events without an
// id are keyed by their content. The first terminal
// event finalizes the record; anything after it in the same page is dropped.
func applySessionPage(r *Record, page *SessionPage, at time.Time) (Outcome, error) {
	for _, ev := range page.Messages {
		if r.ProcessedEventIDs.Has(eventKey(ev)) {
			continue
		}
		r.recordEvent(ev)

		switch {
		case ev.EventType == EventTypeAI:
			meta := decodeMetadata(ev.Metadata)
			credits := r.Credits
			switch {
			case ev.Credits != nil:
				credits = normalizeCredits(*ev.Credits)
			case meta.Credits != nil:
				credits = normalizeCredits(*meta.Credits)
			}
			result := meta.Message
			if result == "" {
				result = placeholderResult
			}
			if err := r.complete(result, credits, r.RawOutput, at); err != nil {
				return OutcomeSucceeded, err
			}
			return OutcomeSucceeded, nil

		case ev.EventType == EventTypeError || ev.ActionType == EventTypeError:
			meta := decodeMetadata(ev.Metadata)
			reason := meta.ErrorMessage
			if reason == "" {
				reason = meta.Message
			}
			if reason == "" {
				reason = "session reported an error"
			}
			if err := r.fail(reason, r.RawOutput, at); err != nil {
				return OutcomeFailed, err
			}
			return OutcomeFailed, nil
		}
	}

	r.appendHistory(at, rawJSON(page))
	return OutcomeRunning, nil
}

// cancelSession appends a synthetic system event for audit and finalizes the
// record as failed without waiting for the server.
func cancelSession(r *Record, at time.Time) error {
	meta, _ := json.Marshal(map[string]string{"message": CancelledByUser})
	r.recordEvent(SessionEvent{
		EventID:    "cancel-" + uuid.New().String(),
		EventType:  EventTypeSystem,
		ActionType: "cancelled",
		Metadata:   meta,
	})
	return r.fail(CancelledByUser, r.RawOutput, at)
}
