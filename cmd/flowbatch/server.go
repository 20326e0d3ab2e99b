package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phrazzld/flowbatch/internal/api"
)

// shutdownTimeout bounds graceful shutdown of the status server.
const shutdownTimeout = 10 * time.Second

// router builds the status API over the application's dispatcher.
func (app *application) router() http.Handler {
	return api.NewRouter(api.RouterConfig{
		Dispatcher: app.dispatcher,
		History:    app.taskRuns,
		Metrics:    app.metrics.Handler(),
		Logger:     app.logger,
	})
}

// startHTTPServer serves the status API until ctx is cancelled or the process
// receives SIGINT or SIGTERM, then shuts the server down gracefully and halts
// any batch still running.
func (app *application) startHTTPServer(ctx context.Context, router http.Handler) error {
	server := &http.Server{
		Addr:              app.config.Server.StatusAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverCtx, cancelServer := context.WithCancel(ctx)
	defer cancelServer()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdownCh)

	serveErr := make(chan error, 1)
	go func() {
		app.logger.Info("starting status server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("status server failed", "error", err)
			serveErr <- err
			cancelServer()
		}
	}()

	select {
	case <-shutdownCh:
		app.logger.Info("shutting down status server")
	case <-serverCtx.Done():
		app.logger.Info("server context canceled, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := app.dispatcher.Halt(shutdownCtx); err != nil {
		app.logger.Warn("failed to halt batch run", "error", err)
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("status server shutdown failed", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("status server failed: %w", err)
	default:
	}

	app.logger.Info("status server shutdown completed")
	return nil
}
