package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/skobkin/pcstats-logger/internal/stats"
)

const (
	bytesPerMB = 1 << 20
	kbPerGB    = 1 << 20
)

type cpuTimes struct {
	idle  uint64
	total uint64
}

// HostReader reads CPU, memory and network counters from procfs and sysfs.
// CPU usage is derived from the delta against the previous read, so the
// reader keeps the last /proc/stat totals.
type HostReader struct {
	procRoot  string
	sysfsRoot string

	mu   sync.Mutex
	prev *cpuTimes
}

// NewHostReader constructs a reader rooted at the provided procfs and sysfs
// mount points.
func NewHostReader(procRoot, sysfsRoot string) *HostReader {
	return &HostReader{procRoot: procRoot, sysfsRoot: sysfsRoot}
}

// Prime stores a CPU baseline and sleeps for window.
func (r *HostReader) Prime(ctx context.Context, window time.Duration) error {
	times, err := readCPUTimes(filepath.Join(r.procRoot, "stat"))
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.prev = &times
	r.mu.Unlock()

	if window <= 0 {
		return nil
	}
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Sample returns the current host snapshot. Memory and network counters are
// mandatory; CPU usage and frequency are nil when unavailable.
func (r *HostReader) Sample(ctx context.Context) (stats.HostRaw, error) {
	if err := ctx.Err(); err != nil {
		return stats.HostRaw{}, err
	}

	var raw stats.HostRaw

	usedGB, availableGB, err := readMemory(filepath.Join(r.procRoot, "meminfo"))
	if err != nil {
		return stats.HostRaw{}, &Error{Metric: "memory", Err: err}
	}
	raw.RAMUsedGB = stats.Float64(usedGB)
	raw.RAMAvailableGB = stats.Float64(availableGB)

	rx, tx, err := readNetTotals(filepath.Join(r.procRoot, "net", "dev"))
	if err != nil {
		return stats.HostRaw{}, &Error{Metric: "network", Err: err}
	}
	raw.NetBytesReceivedMB = stats.Float64(float64(rx) / bytesPerMB)
	raw.NetBytesSentMB = stats.Float64(float64(tx) / bytesPerMB)

	raw.CPUUsagePercent = r.cpuUsage()
	raw.CPUFrequencyMHz = r.cpuFrequency()

	return raw, nil
}

func (r *HostReader) cpuUsage() *float64 {
	cur, err := readCPUTimes(filepath.Join(r.procRoot, "stat"))
	if err != nil {
		return nil
	}

	r.mu.Lock()
	prev := r.prev
	r.prev = &cur
	r.mu.Unlock()

	if prev == nil || cur.total <= prev.total {
		return nil
	}
	totalDelta := float64(cur.total - prev.total)
	var idleDelta float64
	if cur.idle > prev.idle {
		idleDelta = float64(cur.idle - prev.idle)
	}
	usage := (totalDelta - idleDelta) / totalDelta * 100
	usage = max(0, min(100, usage))
	return &usage
}

// cpuFrequency averages cpufreq scaling_cur_freq across CPUs, falling back
// to the "cpu MHz" lines of /proc/cpuinfo.
func (r *HostReader) cpuFrequency() *float64 {
	if mhz, ok := readCPUFreqSysfs(filepath.Join(r.sysfsRoot, "devices", "system", "cpu")); ok {
		return &mhz
	}
	if mhz, ok := readCPUInfoMHz(filepath.Join(r.procRoot, "cpuinfo")); ok {
		return &mhz
	}
	return nil
}

func readCPUTimes(path string) (cpuTimes, error) {
	f, err := os.Open(path)
	if err != nil {
		return cpuTimes{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)[1:]
		if len(fields) < 4 {
			return cpuTimes{}, fmt.Errorf("unexpected cpu line: %q", line)
		}
		var times cpuTimes
		for i, field := range fields {
			v, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				return cpuTimes{}, fmt.Errorf("parse cpu stat %q: %w", field, err)
			}
			// guest and guest_nice are already counted in user and nice.
			if i >= 8 {
				break
			}
			times.total += v
			// idle and iowait
			if i == 3 || i == 4 {
				times.idle += v
			}
		}
		return times, nil
	}
	if err := s.Err(); err != nil {
		return cpuTimes{}, fmt.Errorf("scan %s: %w", path, err)
	}
	return cpuTimes{}, errors.New("cpu aggregate line not found")
}

func readMemory(path string) (usedGB, availableGB float64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	values := make(map[string]uint64, 8)
	s := bufio.NewScanner(f)
	for s.Scan() {
		key, rest, ok := strings.Cut(s.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		values[key] = v
	}
	if err := s.Err(); err != nil {
		return 0, 0, fmt.Errorf("scan %s: %w", path, err)
	}

	total, ok := values["MemTotal"]
	if !ok {
		return 0, 0, errors.New("MemTotal missing")
	}
	available, ok := values["MemAvailable"]
	if !ok {
		// Kernels before 3.14 lack MemAvailable.
		available = values["MemFree"] + values["Buffers"] + values["Cached"]
	}
	available = min(available, total)

	return float64(total-available) / kbPerGB, float64(available) / kbPerGB, nil
}

// readNetTotals sums received and sent bytes over every interface listed in
// /proc/net/dev, loopback included.
func readNetTotals(path string) (rx, tx uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	seen := 0
	for s.Scan() {
		iface, rest, ok := strings.Cut(s.Text(), ":")
		if !ok || strings.TrimSpace(iface) == "" {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 16 {
			continue
		}
		r, rxErr := strconv.ParseUint(fields[0], 10, 64)
		t, txErr := strconv.ParseUint(fields[8], 10, 64)
		if rxErr != nil || txErr != nil {
			continue
		}
		rx += r
		tx += t
		seen++
	}
	if err := s.Err(); err != nil {
		return 0, 0, fmt.Errorf("scan %s: %w", path, err)
	}
	if seen == 0 {
		return 0, 0, errors.New("no interfaces found")
	}
	return rx, tx, nil
}

func readCPUFreqSysfs(cpuRoot string) (float64, bool) {
	matches, err := filepath.Glob(filepath.Join(cpuRoot, "cpu[0-9]*", "cpufreq", "scaling_cur_freq"))
	if err != nil || len(matches) == 0 {
		return 0, false
	}
	var sum float64
	var n int
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		khz, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			continue
		}
		sum += khz / 1000
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func readCPUInfoMHz(path string) (float64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	var sum float64
	var n int
	s := bufio.NewScanner(f)
	for s.Scan() {
		key, value, ok := strings.Cut(s.Text(), ":")
		if !ok || strings.TrimSpace(key) != "cpu MHz" {
			continue
		}
		mhz, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			continue
		}
		sum += mhz
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
