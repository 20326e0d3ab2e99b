package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	apiMiddleware "github.com/phrazzld/flowbatch/internal/api/middleware"
	"github.com/phrazzld/flowbatch/internal/api/shared"
	"github.com/phrazzld/flowbatch/internal/store"
)

// Dispatcher is everything the router needs from the task dispatcher.
type Dispatcher interface {
	Tasks
	Batch
}

// RouterConfig holds the dependencies of the status API.
type RouterConfig struct {
	Dispatcher Dispatcher
	// History is optional; without it the history endpoint answers 404
	History store.TaskRunStore
	// Metrics is optional; without it /metrics is not routed
	Metrics http.Handler
	Logger  *slog.Logger
}

// NewRouter builds the status API router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(cfg.Logger))

	tasks := NewTaskHandler(cfg.Dispatcher, cfg.History, cfg.Logger)
	batch := NewBatchHandler(cfg.Dispatcher, cfg.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", tasks.ListTasks)
			r.Post("/", tasks.AddTasks)
			r.Post("/retry-failed", tasks.RetryFailed)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", tasks.GetTask)
				r.Delete("/", tasks.DeleteTask)
				r.Post("/cancel", tasks.CancelTask)
				r.Post("/retry", tasks.RetryTask)
				r.Patch("/row", tasks.UpdateRow)
				r.Get("/history", tasks.TaskHistory)
			})
		})

		r.Route("/batch", func(r chi.Router) {
			r.Post("/run", batch.StartRun)
			r.Post("/stop", batch.StopRun)
			r.Get("/summary", batch.GetSummary)
			r.Get("/status", batch.Status)
		})
	})

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		shared.RespondWithError(w, r, http.StatusNotFound, "Not found")
	})

	return r
}
