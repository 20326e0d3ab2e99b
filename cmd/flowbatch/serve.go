package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/phrazzld/flowbatch/internal/taskfile"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		patterns []string
		startNow bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API and run batches on request",
		Long: `Start the status API on server.status_addr. Tasks can be preloaded from task
files with --tasks and added later with POST /api/tasks. Runs are started
with POST /api/batch/run, or immediately with --run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), root, patterns, startNow, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringSliceVarP(&patterns, "tasks", "t", nil, "task files or glob patterns to preload")
	cmd.Flags().BoolVar(&startNow, "run", false, "start a batch run as soon as the server is up")
	return cmd
}

func serve(ctx context.Context, root *rootOptions, patterns []string, startNow bool, logOut io.Writer) error {
	cfg, log, err := root.setup(logOut)
	if err != nil {
		return err
	}

	app, err := newApplication(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.cleanup()

	if err := app.preload(ctx, patterns); err != nil {
		return err
	}

	if startNow {
		reply, err := app.dispatcher.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to start batch run: %w", err)
		}
		go func() {
			select {
			case summary := <-reply:
				log.Info("batch run finished",
					"run_id", summary.RunID,
					"halted", summary.Halted,
					"failed", len(summary.Failures))
			case <-app.dispatcher.Done():
			}
		}()
	}

	return app.startHTTPServer(ctx, app.router())
}

// preload adds the tasks of the given task files to the dispatcher.
func (app *application) preload(ctx context.Context, patterns []string) error {
	if len(patterns) == 0 {
		return nil
	}
	records, err := taskfile.Load(patterns)
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}
	if err := app.dispatcher.Add(ctx, records...); err != nil {
		return fmt.Errorf("failed to add tasks: %w", err)
	}
	app.logger.Info("tasks preloaded", "count", len(records))
	return nil
}
