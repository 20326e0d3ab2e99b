package api

import (
	"errors"
	"net/http"

	"github.com/phrazzld/flowbatch/internal/api/shared"
	"github.com/phrazzld/flowbatch/internal/store"
	"github.com/phrazzld/flowbatch/internal/task"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// leaking their types to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, task.ErrTaskNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, task.ErrTaskRunning),
		errors.Is(err, task.ErrRunInProgress),
		errors.Is(err, task.ErrDuplicateTask):
		return http.StatusConflict

	case errors.Is(err, shared.ErrEmptyBody),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	case errors.Is(err, task.ErrDispatcherStopped),
		errors.Is(err, task.ErrDispatcherNotStarted),
		errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err.
func GetSafeErrorMessage(err error) string {
	switch {
	case err == nil:
		return "An unexpected error occurred"
	case errors.Is(err, task.ErrTaskNotFound):
		return "Task not found"
	case errors.Is(err, store.ErrNotFound):
		return "No history recorded"
	case errors.Is(err, task.ErrTaskRunning):
		return "Task is running"
	case errors.Is(err, task.ErrInvalidTransition):
		return "Task is not in a state that allows this action"
	case errors.Is(err, task.ErrRunInProgress):
		return "A batch run is already in progress"
	case errors.Is(err, task.ErrDuplicateTask):
		return "A task with this id already exists"
	case errors.Is(err, shared.ErrEmptyBody):
		return "Request body is required"
	case errors.Is(err, store.ErrUnavailable):
		return "History store is unavailable"
	case errors.Is(err, task.ErrDispatcherStopped),
		errors.Is(err, task.ErrDispatcherNotStarted):
		return "Dispatcher is not available"
	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError responds with the status and message derived from err.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error) {
	shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
}
