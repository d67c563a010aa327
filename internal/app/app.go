// Package app wires up and runs the application services.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skobkin/pcstats-logger/internal/config"
	"github.com/skobkin/pcstats-logger/internal/database"
	"github.com/skobkin/pcstats-logger/internal/gpu"
	"github.com/skobkin/pcstats-logger/internal/httpserver"
	"github.com/skobkin/pcstats-logger/internal/pipeline"
	"github.com/skobkin/pcstats-logger/internal/retry"
	"github.com/skobkin/pcstats-logger/internal/source"
	"github.com/skobkin/pcstats-logger/internal/store"
)

const (
	shutdownTimeout = 10 * time.Second
	// primeWindow is the CPU baseline taken before the first cycle.
	primeWindow = 500 * time.Millisecond
)

// Run bootstraps the application lifecycle: cycles run every cfg.Interval
// until ctx is canceled, with the status server alongside when enabled.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	svc, err := open(ctx, baseLogger, cfg)
	if err != nil {
		return err
	}
	defer svc.close(appLogger)

	scheduler, err := pipeline.NewScheduler(svc.pipeline, cfg.Interval, baseLogger)
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	if cfg.HTTP.Enable {
		gpus, err := gpu.Discover(cfg.SysfsRoot, baseLogger.With("component", "gpu_discovery"))
		if err != nil {
			appLogger.Warn("gpu discovery failed", "err", err)
		}
		appLogger.Info("discovered GPUs", "count", len(gpus))

		srv := httpserver.New(cfg.HTTP, cfg.Interval, baseLogger.With("component", "http"), gpus, scheduler)
		appLogger.Info("starting HTTP server", "listen_addr", cfg.HTTP.ListenAddr)

		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http shutdown: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	appLogger.Info("shutdown complete", "reason", context.Cause(ctx))
	return err
}

// Once runs a single cycle and returns its report. A cycle that collected
// no data is returned together with its cause.
func Once(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) (pipeline.Report, error) {
	svc, err := open(ctx, baseLogger, cfg)
	if err != nil {
		return pipeline.Report{}, err
	}
	defer svc.close(baseLogger.With("component", "app"))

	report := svc.pipeline.Cycle(ctx)
	if report.NoData {
		return report, fmt.Errorf("no data collected: %w", report.Err)
	}
	return report, nil
}

// Sample runs a single cycle against a store that persists nothing, so
// collection and validation can be checked without a database.
func Sample(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) (pipeline.Report, error) {
	src, err := newSource(ctx, baseLogger, cfg)
	if err != nil {
		return pipeline.Report{}, err
	}

	p, err := pipeline.New(src, store.Discard{}, pipeline.Options{
		Concurrency: cfg.GPU.InsertConcurrency,
		Logger:      baseLogger,
	})
	if err != nil {
		return pipeline.Report{}, fmt.Errorf("init pipeline: %w", err)
	}

	report := p.Cycle(ctx)
	if report.NoData {
		return report, fmt.Errorf("no data collected: %w", report.Err)
	}
	return report, nil
}

type services struct {
	db       *sql.DB
	pipeline *pipeline.Pipeline
}

func open(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) (*services, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}

	db, dialect, err := database.Open(ctx, cfg.DatabaseURL, baseLogger.With("component", "database"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	st, err := store.New(ctx, db, dialect, store.Options{
		Retry: retry.Config{
			MaxAttempts: cfg.Store.RetryAttempts,
			BaseDelay:   cfg.Store.RetryBaseDelay,
			MaxDelay:    cfg.Store.RetryMaxDelay,
		},
		Timeout: cfg.Store.Timeout,
		Logger:  baseLogger,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}

	src, err := newSource(ctx, baseLogger, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	p, err := pipeline.New(src, st, pipeline.Options{
		Concurrency: cfg.GPU.InsertConcurrency,
		Logger:      baseLogger,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init pipeline: %w", err)
	}

	return &services{db: db, pipeline: p}, nil
}

func (s *services) close(logger *slog.Logger) {
	if err := s.db.Close(); err != nil {
		logger.Warn("database close", "err", err)
	}
}

func newSource(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) (*source.System, error) {
	src, err := source.New(source.Config{
		ProcRoot:      cfg.ProcRoot,
		SysfsRoot:     cfg.SysfsRoot,
		GPUBackend:    cfg.GPU.Backend,
		NVIDIASMIPath: cfg.GPU.NVIDIASMIPath,
	}, baseLogger.With("component", "source"))
	if err != nil {
		return nil, fmt.Errorf("init source: %w", err)
	}

	// Without a baseline the first cycle has no CPU usage.
	if err := src.Prime(ctx, primeWindow); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		baseLogger.Warn("cpu baseline unavailable", "component", "source", "err", err)
	}
	return src, nil
}
