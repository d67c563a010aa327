// Package source snapshots host and GPU telemetry into raw, unvalidated
// records.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/skobkin/pcstats-logger/internal/stats"
)

// ErrDegraded marks a GPU enumeration failure. Callers log it and carry on
// with an empty GPU list.
var ErrDegraded = errors.New("gpu telemetry unavailable")

var errNoDevices = errors.New("no supported devices found")

// Backend names accepted by Config.GPUBackend.
const (
	BackendAuto   = "auto"
	BackendNVIDIA = "nvidia"
	BackendAMDGPU = "amdgpu"
	BackendNone   = "none"
)

// Error reports a host metric that could not be read, which makes the whole
// host snapshot unusable.
type Error struct {
	Metric string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sample host %s: %v", e.Metric, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Source produces raw snapshots for one collection cycle.
type Source interface {
	SampleHost(ctx context.Context) (stats.HostRaw, error)
	SampleGPUs(ctx context.Context) ([]stats.GPURaw, error)
}

// Runner executes an external command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands through os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Config selects the filesystem roots and GPU backend.
type Config struct {
	ProcRoot      string
	SysfsRoot     string
	GPUBackend    string
	NVIDIASMIPath string
	Runner        Runner
}

type gpuBackend interface {
	Name() string
	Sample(ctx context.Context) ([]stats.GPURaw, error)
}

// System samples the local machine.
type System struct {
	host     *HostReader
	backends []gpuBackend
	logger   *slog.Logger
}

var _ Source = (*System)(nil)

// New builds a System for the configured backend.
func New(cfg Config, logger *slog.Logger) (*System, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = "/proc"
	}
	if cfg.SysfsRoot == "" {
		cfg.SysfsRoot = "/sys"
	}
	if cfg.NVIDIASMIPath == "" {
		cfg.NVIDIASMIPath = "nvidia-smi"
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner
	}

	nvidia := &NVIDIA{path: cfg.NVIDIASMIPath, run: cfg.Runner}
	amd := &AMDGPU{sysfsRoot: cfg.SysfsRoot, logger: logger}

	var backends []gpuBackend
	switch strings.ToLower(strings.TrimSpace(cfg.GPUBackend)) {
	case "", BackendAuto:
		backends = []gpuBackend{nvidia, amd}
	case BackendNVIDIA:
		backends = []gpuBackend{nvidia}
	case BackendAMDGPU:
		backends = []gpuBackend{amd}
	case BackendNone:
	default:
		return nil, fmt.Errorf("unknown gpu backend %q", cfg.GPUBackend)
	}

	return &System{
		host:     NewHostReader(cfg.ProcRoot, cfg.SysfsRoot),
		backends: backends,
		logger:   logger,
	}, nil
}

// Prime records a CPU baseline and waits for window so the next host sample
// carries a usage value.
func (s *System) Prime(ctx context.Context, window time.Duration) error {
	return s.host.Prime(ctx, window)
}

// SampleHost reads the aggregate host snapshot.
func (s *System) SampleHost(ctx context.Context) (stats.HostRaw, error) {
	return s.host.Sample(ctx)
}

// SampleGPUs returns one raw record per visible accelerator. Backends are
// tried in order; the first one that reports devices wins. When none does,
// the result is empty and the error wraps ErrDegraded.
func (s *System) SampleGPUs(ctx context.Context) ([]stats.GPURaw, error) {
	if len(s.backends) == 0 {
		return nil, nil
	}

	var errs []error
	for _, backend := range s.backends {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raws, err := backend.Sample(ctx)
		if err == nil {
			return raws, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Debug("gpu backend unavailable", "backend", backend.Name(), "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
	}

	return nil, fmt.Errorf("%w: %w", ErrDegraded, errors.Join(errs...))
}
