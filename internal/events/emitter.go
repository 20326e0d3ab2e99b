package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrHandlerPanic is returned by EmitEvent when a handler panicked.
var ErrHandlerPanic = errors.New("event handler panicked")

// subscription is a handler together with the kinds it receives.
// An empty kind set receives every event.
type subscription struct {
	handler EventHandler
	kinds   map[Kind]struct{}
}

func (s subscription) wants(kind Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// InMemoryEventEmitter dispatches events synchronously to registered handlers
// on the emitting goroutine. Handlers must return quickly; a panic in one
// handler is recovered and does not prevent delivery to the others.
type InMemoryEventEmitter struct {
	subs   []subscription
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewInMemoryEventEmitter creates a new instance of InMemoryEventEmitter.
func NewInMemoryEventEmitter(logger *slog.Logger) *InMemoryEventEmitter {
	return &InMemoryEventEmitter{
		logger: logger.With("component", "event_emitter"),
	}
}

// RegisterHandler adds a handler that receives every event.
func (e *InMemoryEventEmitter) RegisterHandler(handler EventHandler) {
	e.RegisterHandlerFor(handler)
}

// RegisterHandlerFor adds a handler that only receives events of the given
// kinds. Without kinds it receives every event.
func (e *InMemoryEventEmitter) RegisterHandlerFor(handler EventHandler, kinds ...Kind) {
	sub := subscription{handler: handler}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, sub)
	e.logger.Debug("registered event handler",
		"handler_count", len(e.subs),
		"kinds", kinds)
}

// EmitEvent publishes the event to every interested handler. All handlers
// are called even when one fails; the first error is returned.
func (e *InMemoryEventEmitter) EmitEvent(ctx context.Context, event *ProgressEvent) error {
	e.mu.RLock()
	subs := make([]subscription, len(e.subs))
	copy(subs, e.subs)
	e.mu.RUnlock()

	var firstErr error
	for i, sub := range subs {
		if !sub.wants(event.Kind) {
			continue
		}
		if err := e.deliver(ctx, sub.handler, event); err != nil {
			e.logger.Error("handler failed to process event",
				"error", err,
				"handler_index", i,
				"event_id", event.ID,
				"event_kind", event.Kind,
				"task_id", event.TaskID)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *InMemoryEventEmitter) deliver(ctx context.Context, handler EventHandler, event *ProgressEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return handler.HandleEvent(ctx, event)
}

var _ EventEmitter = (*InMemoryEventEmitter)(nil)
