// Package middleware contains HTTP middleware for the status API.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/phrazzld/flowbatch/internal/api/shared"
	"github.com/phrazzld/flowbatch/internal/platform/logger"
)

// NewTraceMiddleware assigns a trace ID to every request, reusing a valid
// X-Trace-ID header, and stores a logger carrying it in the request context.
// Completed requests are logged at DEBUG.
func NewTraceMiddleware(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := shared.WithTraceID(r.Context(), r.Header.Get(shared.TraceIDHeader))
			traceID := shared.GetTraceID(ctx)
			w.Header().Set(shared.TraceIDHeader, traceID)

			log := base.With("trace_id", traceID)
			ctx = logger.WithLogger(ctx, log)
			ctx = logger.WithRequestID(ctx, middleware.GetReqID(r.Context()))

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			log.Debug("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds())
		})
	}
}
