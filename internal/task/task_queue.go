package task

import (
	"errors"
	"fmt"
	"log/slog"
)

// Common errors returned by the TaskQueue
var (
	ErrAlreadyQueued = errors.New("task is already queued")
)

// TaskQueue is the FIFO of record ids waiting to be submitted.
//
// It is owned by the dispatcher goroutine and is not safe for concurrent use.
// Retried tasks are enqueued at the tail, behind every task that has not
// been started yet.
type TaskQueue struct {
	ids    []string
	queued map[string]struct{}
	logger *slog.Logger
}

// NewTaskQueue creates an empty task queue
func NewTaskQueue(logger *slog.Logger) *TaskQueue {
	return &TaskQueue{
		queued: make(map[string]struct{}),
		logger: logger,
	}
}

// Enqueue appends a task id to the tail of the queue
// Returns an error if the id is already waiting in the queue
func (q *TaskQueue) Enqueue(id string) error {
	if _, ok := q.queued[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, id)
	}

	q.ids = append(q.ids, id)
	q.queued[id] = struct{}{}
	q.logger.Debug("task enqueued",
		"task_id", id,
		"queue_len", len(q.ids))
	return nil
}

// Dequeue removes and returns the id at the head of the queue
func (q *TaskQueue) Dequeue() (string, bool) {
	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	q.ids[0] = ""
	q.ids = q.ids[1:]
	delete(q.queued, id)
	return id, true
}

// Remove drops id from the queue wherever it is
func (q *TaskQueue) Remove(id string) bool {
	if _, ok := q.queued[id]; !ok {
		return false
	}
	for i, queued := range q.ids {
		if queued == id {
			q.ids = append(q.ids[:i], q.ids[i+1:]...)
			break
		}
	}
	delete(q.queued, id)
	return true
}

// Contains reports whether id is waiting in the queue
func (q *TaskQueue) Contains(id string) bool {
	_, ok := q.queued[id]
	return ok
}

// Len returns the number of queued ids
func (q *TaskQueue) Len() int {
	return len(q.ids)
}

// IDs returns the queued ids from head to tail
func (q *TaskQueue) IDs() []string {
	out := make([]string, len(q.ids))
	copy(out, q.ids)
	return out
}

// Clear empties the queue
func (q *TaskQueue) Clear() {
	if len(q.ids) > 0 {
		q.logger.Info("task queue cleared", "dropped", len(q.ids))
	}
	q.ids = nil
	q.queued = make(map[string]struct{})
}
