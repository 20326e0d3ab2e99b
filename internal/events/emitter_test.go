package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvent(t *testing.T, kind Kind) *ProgressEvent {
	t.Helper()
	event, err := NewProgressEvent(kind, map[string]string{"key": "value"})
	require.NoError(t, err)
	return event
}

func TestInMemoryEventEmitter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	t.Run("no handlers", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		assert.NoError(t, emitter.EmitEvent(ctx, newEvent(t, KindTaskUpdated)))
	})

	t.Run("every handler receives the event", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		handler1 := &MockEventHandler{}
		handler2 := &MockEventHandler{}
		emitter.RegisterHandler(handler1)
		emitter.RegisterHandler(handler2)

		event := newEvent(t, KindTaskUpdated)
		require.NoError(t, emitter.EmitEvent(ctx, event))

		assert.Equal(t, 1, handler1.HandledCount)
		assert.Equal(t, 1, handler2.HandledCount)
		assert.Same(t, event, handler1.LastEvent)
		assert.Same(t, event, handler2.LastEvent)
	})

	t.Run("kind filter", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		all := &MockEventHandler{}
		finalized := &MockEventHandler{}
		emitter.RegisterHandler(all)
		emitter.RegisterHandlerFor(finalized, KindTaskFinalized, KindBatchFinished)

		for _, kind := range []Kind{KindBatchStarted, KindTaskUpdated, KindTaskFinalized, KindPollChecked, KindBatchFinished} {
			require.NoError(t, emitter.EmitEvent(ctx, newEvent(t, kind)))
		}

		assert.Equal(t, 5, all.HandledCount)
		assert.Equal(t, 2, finalized.HandledCount)
		assert.Equal(t, KindBatchFinished, finalized.LastEvent.Kind)
	})

	t.Run("failing handler does not stop delivery", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		failing := &MockEventHandler{HandlerError: errors.New("handler error")}
		success := &MockEventHandler{}
		emitter.RegisterHandler(failing)
		emitter.RegisterHandler(success)

		err := emitter.EmitEvent(ctx, newEvent(t, KindTaskUpdated))

		assert.EqualError(t, err, "handler error")
		assert.Equal(t, 1, failing.HandledCount)
		assert.Equal(t, 1, success.HandledCount)
	})

	t.Run("panicking handler is recovered", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		emitter.RegisterHandler(EventHandlerFunc(func(context.Context, *ProgressEvent) error {
			panic("boom")
		}))
		after := &MockEventHandler{}
		emitter.RegisterHandler(after)

		var err error
		assert.NotPanics(t, func() {
			err = emitter.EmitEvent(ctx, newEvent(t, KindTaskUpdated))
		})

		assert.ErrorIs(t, err, ErrHandlerPanic)
		assert.Contains(t, err.Error(), "boom")
		assert.Equal(t, 1, after.HandledCount)
	})
}
