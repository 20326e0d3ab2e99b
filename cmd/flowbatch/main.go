// Package main implements the flowbatch command, which submits batches of
// tasks to a remote flow service and tracks them until they finish.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/phrazzld/flowbatch/internal/config"
	"github.com/phrazzld/flowbatch/internal/platform/logger"
)

// Version is set at build time.
var Version = "dev"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "flowbatch",
		Short: "Batch task scheduler for remote flows",
		Long: `flowbatch submits batches of tasks to a remote flow service, keeps a
bounded number of them running, polls them until they finish and writes
successful results to an output sink.

Configuration is read from flowbatch.yaml (or --config) and FLOWBATCH_*
environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path (YAML)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	cmd.AddCommand(
		newRunCmd(opts),
		newServeCmd(opts),
		newScheduleCmd(opts),
		newMigrateCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "flowbatch version %s\n", Version)
		},
	}
}

// setup loads the configuration and builds the process logger, which writes
// to logOut so that stdout stays reserved for command output.
func (o *rootOptions) setup(logOut io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if o.logLevel != "" {
		if _, ok := logger.ParseLevel(o.logLevel); !ok {
			return nil, nil, fmt.Errorf("invalid --log-level %q", o.logLevel)
		}
		cfg.Server.LogLevel = o.logLevel
	}

	log, err := logger.SetupWithWriter(cfg.Server, logOut)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	log.Info("configuration loaded",
		"log_level", cfg.Server.LogLevel,
		"flow_id", cfg.Remote.FlowID,
		"parallelism", cfg.Batch.Parallelism,
		"execution_mode", cfg.Batch.ExecutionMode)
	if cfg.Remote.APIKey != "" {
		log.Debug("remote configuration", "api_key_present", true)
	}
	return cfg, log, nil
}

// errTasksFailed is returned by commands whose batch finished with failures.
var errTasksFailed = errors.New("batch finished with failed tasks")
