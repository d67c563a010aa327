package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skobkin/pcstats-logger/internal/config"
	"github.com/skobkin/pcstats-logger/internal/database"
)

const netDevFixture = `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
  eth0: 2097152 20 0 0 0 0 0 0 3145728 30 0 0 0 0 0 0
`

func testConfig(t *testing.T) config.Config {
	t.Helper()

	root := t.TempDir()
	procRoot := filepath.Join(root, "proc")
	writeFile(t, filepath.Join(procRoot, "stat"), "cpu  100 0 100 700 100 0 0 0 0 0\n")
	writeFile(t, filepath.Join(procRoot, "meminfo"), "MemTotal:       16777216 kB\nMemFree:         1048576 kB\nMemAvailable:    8388608 kB\n")
	writeFile(t, filepath.Join(procRoot, "net", "dev"), netDevFixture)
	writeFile(t, filepath.Join(procRoot, "cpuinfo"), "processor\t: 0\ncpu MHz\t\t: 3400.000\n")

	return config.Config{
		DatabaseURL: "sqlite://" + filepath.Join(root, "data", "stats.db"),
		Interval:    20 * time.Millisecond,
		LogLevel:    slog.LevelInfo,
		LogFormat:   config.LogFormatText,
		SysfsRoot:   filepath.Join(root, "sys"),
		ProcRoot:    procRoot,
		GPU: config.GPUConfig{
			Backend:           "none",
			InsertConcurrency: 1,
		},
		Store: config.StoreConfig{
			RetryAttempts:  2,
			RetryBaseDelay: time.Millisecond,
			RetryMaxDelay:  5 * time.Millisecond,
			Timeout:        time.Second,
		},
	}
}

func TestOncePersistsHostRecord(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	report, err := Once(context.Background(), discardLogger(), cfg)
	if err != nil {
		t.Fatalf("Once returned error: %v", err)
	}
	if report.HostInserted != 1 || report.GPUInserted != 0 || len(report.Errors) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Host == nil || report.Host.CPUFrequencyMHz == nil || *report.Host.CPUFrequencyMHz != 3400 {
		t.Fatalf("unexpected host sample %+v", report.Host)
	}

	if got := countHostRows(t, cfg); got != 1 {
		t.Fatalf("expected one persisted host row, got %d", got)
	}
}

func TestOnceRequiresDatabase(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.DatabaseURL = ""
	if _, err := Once(context.Background(), discardLogger(), cfg); !errors.Is(err, config.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestOnceReportsNoData(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	if err := os.Remove(filepath.Join(cfg.ProcRoot, "meminfo")); err != nil {
		t.Fatalf("remove meminfo: %v", err)
	}

	report, err := Once(context.Background(), discardLogger(), cfg)
	if err == nil {
		t.Fatal("expected error when host collection fails")
	}
	if !report.NoData || report.HostInserted != 0 {
		t.Fatalf("expected no-data report, got %+v", report)
	}
}

func TestSampleSkipsDatabase(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.DatabaseURL = ""

	report, err := Sample(context.Background(), discardLogger(), cfg)
	if err != nil {
		t.Fatalf("Sample returned error: %v", err)
	}
	if report.HostInserted != 1 || report.Host == nil {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Host.NetBytesReceivedMB == nil || *report.Host.NetBytesReceivedMB != 2 {
		t.Fatalf("unexpected network totals %+v", report.Host)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, discardLogger(), cfg)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rowsExist(cfg) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	if got := countHostRows(t, cfg); got < 1 {
		t.Fatalf("expected persisted host rows, got %d", got)
	}
}

func rowsExist(cfg config.Config) bool {
	db, _, err := database.Open(context.Background(), cfg.DatabaseURL, discardLogger())
	if err != nil {
		return false
	}
	defer db.Close()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM host_stats`).Scan(&n); err != nil {
		return false
	}
	return n > 0
}

func countHostRows(t *testing.T, cfg config.Config) int {
	t.Helper()
	db, _, err := database.Open(context.Background(), cfg.DatabaseURL, discardLogger())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM host_stats`).Scan(&n); err != nil {
		t.Fatalf("count host rows: %v", err)
	}
	return n
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
