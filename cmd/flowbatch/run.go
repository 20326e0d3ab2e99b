package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/phrazzld/flowbatch/internal/task"
	"github.com/phrazzld/flowbatch/internal/taskfile"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	var patterns []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a batch of tasks once and print a summary",
		Long: `Load every task from the given task files, run the batch to completion and
print a summary. The command exits non-zero when any task failed.

Interrupting the command halts the batch: nothing further is submitted and
outstanding remote calls are cancelled.`,
		Example: `  flowbatch run --tasks 'tasks/**/*.yaml'
  flowbatch run -t a.yaml -t b.yaml --log-level debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBatch(ctx, root, patterns, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringSliceVarP(&patterns, "tasks", "t", nil, "task files or glob patterns (repeatable)")
	_ = cmd.MarkFlagRequired("tasks")
	return cmd
}

// runBatch executes one batch end to end. Task files are parsed before any
// connection is opened so that a bad file fails fast.
func runBatch(ctx context.Context, root *rootOptions, patterns []string, out, logOut io.Writer) error {
	cfg, log, err := root.setup(logOut)
	if err != nil {
		return err
	}

	records, err := taskfile.Load(patterns)
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}
	log.Info("tasks loaded", "count", len(records), "patterns", patterns)

	app, err := newApplication(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.cleanup()

	if err := app.dispatcher.Add(ctx, records...); err != nil {
		return fmt.Errorf("failed to add tasks: %w", err)
	}

	summary, runErr := app.dispatcher.Run(ctx)
	if summary != nil {
		printSummary(out, summary)
	}
	if runErr != nil {
		return fmt.Errorf("batch run interrupted: %w", runErr)
	}
	return failureError(summary)
}

// failureError returns errTasksFailed when the summary counts failed tasks.
func failureError(summary *task.Summary) error {
	if summary == nil {
		return nil
	}
	if n := summary.Counts[task.StatusFailed]; n > 0 {
		return fmt.Errorf("%w: %d of %d", errTasksFailed, n, summary.Total)
	}
	return nil
}
