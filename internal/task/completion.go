package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Placeholders used when the remote service omits a payload.
const (
	placeholderResult = "Task completed without output"
	failedWithStatus  = "Task failed with status %s"
)

// statusFromInvoke views an invocation answer as a status check answer.
func statusFromInvoke(resp *InvokeResponse) *StatusResponse {
	return &StatusResponse{
		Status:       resp.Status,
		Result:       resp.Result,
		ErrorMessage: resp.ErrorMessage,
		Credits:      resp.Credits,
	}
}

// rawJSON serializes a remote response verbatim for diagnostics.
func rawJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(data)
}

// applyStatus applies a poll-mode status answer to a queued record.
//
// Terminal answers finalize the record. Pending or unrecognized statuses only
// append to the status history.
func applyStatus(r *Record, resp *StatusResponse, at time.Time) (Outcome, error) {
	raw := rawJSON(resp)

	switch resp.Status.Classify() {
	case OutcomeSucceeded:
		result := placeholderResult
		switch {
		case resp.Result != nil && *resp.Result != "":
			result = *resp.Result
		case resp.ErrorMessage != nil && *resp.ErrorMessage != "":
			result = *resp.ErrorMessage
		}
		var credits float64
		if resp.Credits != nil {
			credits = *resp.Credits
		}
		if err := r.complete(result, credits, raw, at); err != nil {
			return OutcomeSucceeded, err
		}
		return OutcomeSucceeded, nil

	case OutcomeFailed:
		reason := fmt.Sprintf(failedWithStatus, resp.Status)
		if resp.ErrorMessage != nil && *resp.ErrorMessage != "" {
			reason = *resp.ErrorMessage
		}
		if err := r.fail(reason, raw, at); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeFailed, nil

	default:
		r.appendHistory(at, raw)
		return OutcomeRunning, nil
	}
}
