package task

import (
	"fmt"
	"math"
	"time"
)

// TimeoutPolicy selects what happens to a task that exceeds its attempt budget.
type TimeoutPolicy string

// Supported timeout policies
const (
	// TimeoutRetry resets the task and appends it to the tail of the queue.
	TimeoutRetry TimeoutPolicy = "retry"
	// TimeoutMarkAsError finalizes the task as failed.
	TimeoutMarkAsError TimeoutPolicy = "markAsError"
)

// TimeoutAction is the decision taken for a polled task.
type TimeoutAction int

// Possible timeout decisions
const (
	// ActionContinue keeps polling the task.
	ActionContinue TimeoutAction = iota
	// ActionRequeue resets the task to pending and requeues it at the tail.
	ActionRequeue
	// ActionFail finalizes the task as failed.
	ActionFail
)

// String returns a log-friendly name for the action.
func (a TimeoutAction) String() string {
	switch a {
	case ActionRequeue:
		return "requeue"
	case ActionFail:
		return "fail"
	default:
		return "continue"
	}
}

// MaxAttempts converts a wall-clock timeout into a number of status checks.
// The result is never below one.
func MaxAttempts(timeout, pollInterval time.Duration) int {
	if pollInterval <= 0 {
		return 1
	}
	n := int(math.Round(float64(timeout) / float64(pollInterval)))
	if n < 1 {
		return 1
	}
	return n
}

// DecideTimeout is the pure timeout decision for a task that has been checked
// attemptCount times without reaching a terminal status.
func DecideTimeout(attemptCount, maxAttempts int, policy TimeoutPolicy) TimeoutAction {
	if attemptCount < maxAttempts {
		return ActionContinue
	}
	if policy == TimeoutRetry {
		return ActionRequeue
	}
	return ActionFail
}

// TimeoutMessage is the error recorded on a task finalized by timeout.
func TimeoutMessage(timeout time.Duration) string {
	return fmt.Sprintf("timed out after %d seconds", int(timeout.Round(time.Second)/time.Second))
}
