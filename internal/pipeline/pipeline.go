// Package pipeline drives collection cycles: sample, validate, then insert
// every record independently.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skobkin/pcstats-logger/internal/source"
	"github.com/skobkin/pcstats-logger/internal/stats"
	"github.com/skobkin/pcstats-logger/internal/store"
)

// Options tune a Pipeline.
type Options struct {
	// Concurrency bounds parallel GPU inserts. Values below 1 mean 1.
	Concurrency int
	Now         func() time.Time
	Logger      *slog.Logger
}

// Pipeline runs one cycle at a time against an injected source and store.
type Pipeline struct {
	source      source.Source
	store       store.RecordStore
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
}

// New builds a Pipeline.
func New(src source.Source, st store.RecordStore, opts Options) (*Pipeline, error) {
	if src == nil {
		return nil, errors.New("pipeline: nil source")
	}
	if st == nil {
		return nil, errors.New("pipeline: nil store")
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{
		source:      src,
		store:       st,
		concurrency: opts.Concurrency,
		now:         opts.Now,
		logger:      opts.Logger.With("component", "pipeline"),
	}, nil
}

// Collect samples the host and GPUs and validates the snapshots. A host
// failure is returned as an error; GPU failures are reported in the batch.
func (p *Pipeline) Collect(ctx context.Context) (Batch, error) {
	at := p.now().UTC().Truncate(time.Microsecond)
	batch := Batch{Time: at}

	hostRaw, err := p.source.SampleHost(ctx)
	if err != nil {
		return batch, fmt.Errorf("collect host: %w", err)
	}
	host, err := stats.ValidateHost(hostRaw, at)
	if err != nil {
		return batch, err
	}
	batch.Records = append(batch.Records, host)

	gpuRaws, err := p.source.SampleGPUs(ctx)
	switch {
	case errors.Is(err, source.ErrDegraded):
		batch.Degraded = err
		p.logger.Warn("gpu telemetry unavailable", "error_kind", "degraded", "entity", stats.KindGPU, "err", err)
	case err != nil:
		if ctx.Err() != nil {
			return batch, ctx.Err()
		}
		batch.Degraded = err
		p.logger.Warn("gpu sampling failed", "error_kind", "source", "entity", stats.KindGPU, "err", err)
	}

	for _, raw := range gpuRaws {
		sample, err := stats.ValidateGPU(raw, at)
		if err != nil {
			recErr := RecordError{Kind: stats.KindGPU, GPUID: raw.GPUID, Stage: StageValidate, Err: err}
			batch.Errors = append(batch.Errors, recErr)
			p.logRecordError("gpu record rejected", "validation", recErr)
			continue
		}
		batch.Records = append(batch.Records, sample)
	}

	return batch, nil
}

// Insert persists a batch. The first host record is inserted at most once
// and extra host records are skipped. Every GPU record gets its own insert
// attempt after the host attempt, whatever the host outcome.
func (p *Pipeline) Insert(ctx context.Context, records []stats.Record) Report {
	report := newReport()

	var (
		host *stats.HostSample
		gpus []stats.GPUSample
	)
	for _, rec := range records {
		switch r := rec.(type) {
		case stats.HostSample:
			if host != nil {
				report.Skipped++
				p.logger.Warn("skipping extra host record", "entity", stats.KindHost, "time", r.Timestamp)
				continue
			}
			host = &r
		case stats.GPUSample:
			gpus = append(gpus, r)
		}
	}

	if host != nil {
		created, err := p.store.Create(ctx, *host)
		if err != nil {
			recErr := RecordError{Kind: stats.KindHost, Stage: StageInsert, Err: err}
			report.Errors = append(report.Errors, recErr)
			p.logRecordError("host insert failed", "store", recErr)
		} else {
			inserted := insertedHost(created, *host)
			report.Host = &inserted
			report.HostInserted = 1
		}
	}

	type result struct {
		sample stats.GPUSample
		err    error
	}
	results := make([]result, len(gpus))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, sample := range gpus {
		g.Go(func() error {
			created, err := p.store.Create(ctx, sample)
			if err != nil {
				results[i] = result{sample: sample, err: err}
				return nil
			}
			results[i] = result{sample: insertedGPU(created, sample)}
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if res.err != nil {
			id := res.sample.GPUID
			recErr := RecordError{Kind: stats.KindGPU, GPUID: &id, Stage: StageInsert, Err: res.err}
			report.Errors = append(report.Errors, recErr)
			p.logRecordError("gpu insert failed", "store", recErr)
			continue
		}
		report.GPUs = append(report.GPUs, res.sample)
		report.GPUInserted++
	}

	return report
}

// Cycle runs collect, validate and insert once and returns the report.
func (p *Pipeline) Cycle(ctx context.Context) Report {
	started := time.Now()

	batch, err := p.Collect(ctx)
	if err != nil {
		report := newReport()
		report.Time = batch.Time
		report.NoData = true
		report.Err = err
		report.Cause = err.Error()
		report.Duration = time.Since(started)
		p.logger.Error("no data collected", "error_kind", errorKind(err), "entity", stats.KindHost, "err", err)
		return report
	}

	report := p.Insert(ctx, batch.Records)
	report.Time = batch.Time
	report.Errors = append(batch.Errors, report.Errors...)
	if report.Errors == nil {
		report.Errors = []RecordError{}
	}
	if batch.Degraded != nil {
		report.Degraded = batch.Degraded.Error()
	}
	report.Duration = time.Since(started)

	p.logger.Info("cycle complete",
		"host_inserted", report.HostInserted,
		"gpu_inserted", report.GPUInserted,
		"errors", len(report.Errors),
		"duration", report.Duration,
	)
	return report
}

// insertedHost returns the record a store reported as persisted. Stores may
// answer with the value or pointer form; anything else falls back to the
// record that was submitted.
func insertedHost(created stats.Record, submitted stats.HostSample) stats.HostSample {
	switch r := created.(type) {
	case stats.HostSample:
		return r
	case *stats.HostSample:
		if r != nil {
			return *r
		}
	}
	return submitted
}

func insertedGPU(created stats.Record, submitted stats.GPUSample) stats.GPUSample {
	switch r := created.(type) {
	case stats.GPUSample:
		return r
	case *stats.GPUSample:
		if r != nil {
			return *r
		}
	}
	return submitted
}

func (p *Pipeline) logRecordError(msg, kind string, recErr RecordError) {
	attrs := []any{"error_kind", kind, "entity", recErr.Kind}
	if recErr.GPUID != nil {
		attrs = append(attrs, "gpu_id", *recErr.GPUID)
	}
	attrs = append(attrs, "err", recErr.Err)
	p.logger.Warn(msg, attrs...)
}

func errorKind(err error) string {
	var valErr *stats.ValidationError
	switch {
	case errors.As(err, &valErr):
		return "validation"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "source"
	}
}
