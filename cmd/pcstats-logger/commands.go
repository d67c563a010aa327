package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skobkin/pcstats-logger/internal/app"
	"github.com/skobkin/pcstats-logger/internal/config"
	"github.com/skobkin/pcstats-logger/internal/pipeline"
	"github.com/skobkin/pcstats-logger/internal/version"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pcstats-logger",
		Short: "Periodically record host and GPU telemetry into a database",
		Long: `pcstats-logger samples CPU, memory, network and GPU telemetry at a fixed
interval and stores one host record and one record per GPU every cycle.

Configuration comes from the environment (and an optional .env file):
  APP_DATABASE_URL      postgres://... or sqlite:///path/to/stats.db
  APP_INTERVAL_SECONDS  seconds between cycles (default 10)
  APP_GPU_BACKEND       auto, nvidia, amdgpu or none

Running without a subcommand is the same as "pcstats-logger run".`,
		Version:      version.Current().String(),
		RunE:         runLoop,
		SilenceUsage: true,
	}

	cmd.AddCommand(runCommand())
	cmd.AddCommand(onceCommand())
	cmd.AddCommand(sampleCommand())
	cmd.AddCommand(versionCommand())

	return cmd
}

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "run",
		Short:        "Run collection cycles until interrupted",
		Args:         cobra.NoArgs,
		RunE:         runLoop,
		SilenceUsage: true,
	}
}

func onceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single cycle and print its report as JSON",
		Long: `Run one collect, validate and insert cycle and print the cycle report.

The command exits non-zero when no data could be collected. Records that
failed individually are listed in the report and do not fail the command.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReport(cmd, app.Once)
		},
		SilenceUsage: true,
	}
}

func sampleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sample",
		Short: "Run one cycle without writing to the database",
		Long: `Collect and validate once and print the report as JSON. Nothing is
persisted; insert counts show what a real cycle would have written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReport(cmd, app.Sample)
		},
		SilenceUsage: true,
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Current().String())
			return err
		},
	}
}

func runLoop(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", "version", version.Current().Version, "interval", cfg.Interval, "gpu_backend", cfg.GPU.Backend)
	if err := app.Run(ctx, logger, cfg); err != nil {
		logger.Error("application error", "err", err)
		return err
	}
	return nil
}

type reportFunc func(context.Context, *slog.Logger, config.Config) (pipeline.Report, error)

func runReport(cmd *cobra.Command, fn reportFunc) error {
	cfg, logger, err := setup(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, runErr := fn(ctx, logger, cfg)
	if runErr != nil && !report.NoData {
		logger.Error("cycle failed", "err", runErr)
		return runErr
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return runErr
}

// setup loads configuration and builds the logger. Configuration failures
// are logged through an error-level logger before being returned.
func setup(stderr io.Writer) (config.Config, *slog.Logger, error) {
	envFile, err := config.LoadEnvFile()
	if err != nil {
		return config.Config{}, nil, configFailure(stderr, err)
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, configFailure(stderr, err)
	}

	logger := newLogger(stderr, cfg)
	if envFile != "" {
		logger.Debug("loaded env file", "path", envFile)
	}
	return cfg, logger, nil
}

func configFailure(stderr io.Writer, err error) error {
	handler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelError})
	slog.New(handler).Error("failed to load configuration", "err", err)
	return err
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
