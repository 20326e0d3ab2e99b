package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/flowbatch/internal/config"
	"github.com/phrazzld/flowbatch/internal/events"
	"github.com/phrazzld/flowbatch/internal/history"
	"github.com/phrazzld/flowbatch/internal/metrics"
	"github.com/phrazzld/flowbatch/internal/platform/filesink"
	"github.com/phrazzld/flowbatch/internal/platform/flowapi"
	"github.com/phrazzld/flowbatch/internal/platform/postgres"
	"github.com/phrazzld/flowbatch/internal/store"
	"github.com/phrazzld/flowbatch/internal/task"
)

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	// Configuration
	config *config.Config

	// Core services
	logger *slog.Logger
	db     *sql.DB

	// Remote flow service and output sink
	client    *flowapi.Client
	artifacts task.ArtifactStore

	// Run history, nil when disabled
	taskRuns store.TaskRunStore
	recorder *history.Recorder

	// Event system
	metrics      *metrics.Collector
	eventEmitter *events.InMemoryEventEmitter

	// Task handling
	dispatcher *task.Dispatcher
}

// newApplication creates a new application instance with all dependencies
// initialized and the dispatcher started. On error everything created so far
// is released.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
	}
	if err := app.init(ctx); err != nil {
		app.cleanup()
		return nil, err
	}
	return app, nil
}

func (app *application) init(ctx context.Context) error {
	cfg := app.config
	var err error

	if cfg.NeedsDatabase() {
		app.db, err = postgres.Open(ctx, cfg.Database.URL, app.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
	}

	app.client, err = flowapi.NewClient(flowapi.Config{
		BaseURL: cfg.Remote.BaseURL,
		APIKey:  cfg.Remote.APIKey,
		Timeout: cfg.Remote.RequestTimeout,
	}, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create flow API client: %w", err)
	}

	if cfg.Output.WriteEnabled {
		app.artifacts, err = app.newArtifactStore()
		if err != nil {
			return err
		}
	}

	// Event handlers are registered before the dispatcher emits anything
	app.eventEmitter = events.NewInMemoryEventEmitter(app.logger)
	app.metrics = metrics.NewCollector()
	app.eventEmitter.RegisterHandler(app.metrics)

	if cfg.History.Enabled {
		app.taskRuns = postgres.NewTaskRunStore(app.db)
		hcfg := history.DefaultConfig()
		hcfg.QueueSize = cfg.History.QueueSize
		app.recorder = history.NewRecorder(app.taskRuns, hcfg, app.logger)
		app.recorder.Start()
		app.eventEmitter.RegisterHandlerFor(app.recorder, events.KindTaskFinalized)
	}

	app.dispatcher, err = task.NewDispatcher(
		app.client,
		app.artifacts,
		dispatcherConfig(cfg),
		app.logger,
		task.WithEventEmitter(app.eventEmitter),
	)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	// The dispatcher lives until cleanup; runs are halted through their own contexts
	if err := app.dispatcher.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	return nil
}

func (app *application) newArtifactStore() (task.ArtifactStore, error) {
	switch app.config.Output.Sink {
	case "postgres":
		if app.db == nil {
			return nil, errors.New("postgres output sink requires database.url")
		}
		app.logger.Info("writing results to postgres")
		return postgres.NewArtifactStore(app.db), nil
	default:
		sink, err := filesink.New(app.config.Output.Dir, app.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create output directory sink: %w", err)
		}
		app.logger.Info("writing results to directory", "dir", sink.Dir())
		return sink, nil
	}
}

// dispatcherConfig translates the batch settings into dispatcher options.
func dispatcherConfig(cfg *config.Config) task.Config {
	return task.Config{
		FlowID:            cfg.Remote.FlowID,
		WorkspaceID:       cfg.Remote.WorkspaceID,
		Parallelism:       cfg.Batch.Parallelism,
		ExecutionMode:     task.ExecutionMode(cfg.Batch.ExecutionMode),
		TaskTimeout:       cfg.Batch.TaskTimeout(),
		TimeoutPolicy:     task.TimeoutPolicy(cfg.Batch.TimeoutPolicy),
		PollInterval:      cfg.Batch.PollInterval,
		WriteOutput:       cfg.Output.WriteEnabled,
		OverwriteExisting: cfg.Output.OverwriteExisting,
	}
}

// cleanup releases all resources held by the application. It is safe to call
// on a partially initialized application.
func (app *application) cleanup() {
	// Stop dispatcher first so no further events reach the recorder
	if app.dispatcher != nil {
		app.dispatcher.Stop()
	}

	if app.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := app.recorder.Close(ctx); err != nil {
			app.logger.Error("error draining run history", "error", err)
		}
		cancel()
	}

	// Close database connection
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}

	app.logger.Info("application shutdown completed")
}
