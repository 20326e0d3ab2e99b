package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/phrazzld/flowbatch/internal/task"
)

// cronParser accepts standard five-field expressions and descriptors such
// as @hourly or @every 15m.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func newScheduleCmd(root *rootOptions) *cobra.Command {
	var (
		patterns []string
		expr     string
		runNow   bool
		withHTTP bool
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Re-run a batch of tasks on a cron schedule",
		Long: `Load the given task files once and re-run the batch every time the cron
expression fires. Before each run, done and failed tasks are reset to waiting;
with output writing enabled, tasks whose result already exists are skipped.

A tick that fires while the previous run is still in progress is skipped.`,
		Example: `  flowbatch schedule --tasks 'tasks/*.yaml' --cron '0 * * * *'
  flowbatch schedule --tasks nightly.yaml --cron '@every 6h' --now --serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return schedule(ctx, root, scheduleOptions{
				patterns: patterns,
				expr:     expr,
				runNow:   runNow,
				withHTTP: withHTTP,
			}, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringSliceVarP(&patterns, "tasks", "t", nil, "task files or glob patterns (repeatable)")
	cmd.Flags().StringVar(&expr, "cron", "", "cron expression, overrides schedule.cron")
	cmd.Flags().BoolVar(&runNow, "now", false, "run once immediately before the first tick")
	cmd.Flags().BoolVar(&withHTTP, "serve", false, "also serve the status API")
	_ = cmd.MarkFlagRequired("tasks")
	return cmd
}

type scheduleOptions struct {
	patterns []string
	expr     string
	runNow   bool
	withHTTP bool
}

func schedule(ctx context.Context, root *rootOptions, opts scheduleOptions, out, logOut io.Writer) error {
	cfg, log, err := root.setup(logOut)
	if err != nil {
		return err
	}

	expr := opts.expr
	if expr == "" {
		expr = cfg.Schedule.Cron
	}
	if expr == "" {
		return errors.New("no cron expression: pass --cron or set schedule.cron")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	app, err := newApplication(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.cleanup()

	if err := app.preload(ctx, opts.patterns); err != nil {
		return err
	}

	cronLog := cronLogger{logger: log.With("component", "cron")}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := c.AddFunc(expr, func() { app.scheduledRun(ctx, out) }); err != nil {
		return fmt.Errorf("failed to schedule batch: %w", err)
	}

	if opts.runNow {
		app.scheduledRun(ctx, out)
	}

	c.Start()
	log.Info("batch scheduled", "cron", expr)

	var serveErr error
	if opts.withHTTP {
		serveErr = app.startHTTPServer(ctx, app.router())
	} else {
		<-ctx.Done()
	}

	// Stop prevents new ticks; the cancelled context halts a run in progress
	stopped := c.Stop()
	if err := app.dispatcher.Halt(context.Background()); err != nil {
		log.Warn("failed to halt batch run", "error", err)
	}
	<-stopped.Done()
	log.Info("scheduler stopped")
	return serveErr
}

// scheduledRun resets finished tasks and runs the batch once. A tick that
// finds a run in progress changes nothing.
func (app *application) scheduledRun(ctx context.Context, out io.Writer) {
	if ctx.Err() != nil {
		return
	}

	summary, reset, err := app.dispatcher.Rerun(ctx)
	if summary != nil {
		printSummary(out, summary)
	}
	switch {
	case errors.Is(err, task.ErrRunInProgress):
		app.logger.Warn("scheduled run skipped, a batch run is already in progress")
	case errors.Is(err, context.Canceled):
		app.logger.Info("scheduled batch run halted", "reset", reset)
	case err != nil:
		app.logger.Error("scheduled batch run ended with error", "error", err)
	default:
		app.logger.Info("scheduled batch run finished", "reset", reset)
	}
}

// cronLogger adapts cron's logger interface to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
