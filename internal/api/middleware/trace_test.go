package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/flowbatch/internal/api/shared"
	"github.com/phrazzld/flowbatch/internal/platform/logger"
)

func TestTraceMiddleware(t *testing.T) {
	log, buf := logger.GetTestLogger(t)

	var seen string
	handler := middleware.RequestID(NewTraceMiddleware(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = shared.GetTraceID(r.Context())
		logger.FromContext(r.Context()).Info("inside handler")
		w.WriteHeader(http.StatusAccepted)
	})))

	t.Run("generates a trace id", func(t *testing.T) {
		buf.Reset()
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/batch", nil))

		_, err := uuid.Parse(seen)
		require.NoError(t, err)
		assert.Equal(t, seen, rec.Header().Get(shared.TraceIDHeader))
		logger.AssertLogField(t, buf, "trace_id", seen)
		logger.AssertLogField(t, buf, "msg", "request completed")
		logger.AssertLogField(t, buf, "status", float64(http.StatusAccepted))
	})

	t.Run("reuses a caller trace id", func(t *testing.T) {
		buf.Reset()
		id := uuid.NewString()
		req := httptest.NewRequest(http.MethodGet, "/api/batch", nil)
		req.Header.Set(shared.TraceIDHeader, id)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, id, seen)
		assert.Equal(t, id, rec.Header().Get(shared.TraceIDHeader))
		logger.AssertLogField(t, buf, "msg", "inside handler")
	})
}
