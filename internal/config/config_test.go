package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func clearDatabaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_DATABASE_URL", "")
	t.Setenv("CONN_STRING", "")
}

func TestLoadDefaults(t *testing.T) {
	clearDatabaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	want := Config{
		Interval:  10 * time.Second,
		LogLevel:  slog.LevelInfo,
		LogFormat: LogFormatText,
		SysfsRoot: "/sys",
		ProcRoot:  "/proc",
		GPU: GPUConfig{
			Backend:           "auto",
			NVIDIASMIPath:     "nvidia-smi",
			InsertConcurrency: 1,
		},
		Store: StoreConfig{
			RetryAttempts:  3,
			RetryBaseDelay: 500 * time.Millisecond,
			RetryMaxDelay:  5 * time.Second,
			Timeout:        5 * time.Second,
		},
		HTTP: HTTPConfig{
			ListenAddr:     ":8080",
			AllowedOrigins: []string{"*"},
			WS: WebsocketConfig{
				MaxClients:   64,
				WriteTimeout: 3 * time.Second,
				ReadTimeout:  30 * time.Second,
			},
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}

	err = cfg.RequireDatabase()
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for missing database url, got %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("APP_DATABASE_URL", "postgres://stats@db/pcstats")
	t.Setenv("APP_INTERVAL_SECONDS", "2.5")
	t.Setenv("APP_LOG_LEVEL", "debug")
	t.Setenv("APP_LOG_FORMAT", "JSON")
	t.Setenv("APP_SYSFS_ROOT", "/tmp/sys")
	t.Setenv("APP_PROC_ROOT", "/tmp/proc")
	t.Setenv("APP_GPU_BACKEND", "nvidia")
	t.Setenv("APP_NVIDIA_SMI_PATH", "/usr/local/bin/nvidia-smi")
	t.Setenv("APP_GPU_INSERT_CONCURRENCY", "4")
	t.Setenv("APP_STORE_RETRY_ATTEMPTS", "5")
	t.Setenv("APP_STORE_RETRY_BASE_DELAY", "100ms")
	t.Setenv("APP_STORE_RETRY_MAX_DELAY", "2s")
	t.Setenv("APP_STORE_TIMEOUT", "1s")
	t.Setenv("APP_HTTP_ENABLE", "true")
	t.Setenv("APP_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("APP_ALLOWED_ORIGINS", "https://example.com, https://other.test")
	t.Setenv("APP_ENABLE_PROMETHEUS", "true")
	t.Setenv("APP_ENABLE_PPROF", "true")
	t.Setenv("APP_WS_MAX_CLIENTS", "8")
	t.Setenv("APP_WS_WRITE_TIMEOUT", "10s")
	t.Setenv("APP_WS_READ_TIMEOUT", "45s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	want := Config{
		DatabaseURL: "postgres://stats@db/pcstats",
		Interval:    2500 * time.Millisecond,
		LogLevel:    slog.LevelDebug,
		LogFormat:   LogFormatJSON,
		SysfsRoot:   "/tmp/sys",
		ProcRoot:    "/tmp/proc",
		GPU: GPUConfig{
			Backend:           "nvidia",
			NVIDIASMIPath:     "/usr/local/bin/nvidia-smi",
			InsertConcurrency: 4,
		},
		Store: StoreConfig{
			RetryAttempts:  5,
			RetryBaseDelay: 100 * time.Millisecond,
			RetryMaxDelay:  2 * time.Second,
			Timeout:        time.Second,
		},
		HTTP: HTTPConfig{
			Enable:           true,
			ListenAddr:       "127.0.0.1:9000",
			AllowedOrigins:   []string{"https://example.com", "https://other.test"},
			EnablePrometheus: true,
			EnablePprof:      true,
			WS: WebsocketConfig{
				MaxClients:   8,
				WriteTimeout: 10 * time.Second,
				ReadTimeout:  45 * time.Second,
			},
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("overrides mismatch (-want +got):\n%s", diff)
	}
	if err := cfg.RequireDatabase(); err != nil {
		t.Fatalf("RequireDatabase returned error: %v", err)
	}
}

func TestLoadConnStringFallback(t *testing.T) {
	t.Setenv("APP_DATABASE_URL", "")
	t.Setenv("CONN_STRING", "sqlite:///var/lib/pcstats/stats.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.DatabaseURL != "sqlite:///var/lib/pcstats/stats.db" {
		t.Fatalf("expected CONN_STRING fallback, got %q", cfg.DatabaseURL)
	}

	t.Setenv("APP_DATABASE_URL", "sqlite://preferred.db")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.DatabaseURL != "sqlite://preferred.db" {
		t.Fatalf("expected APP_DATABASE_URL to win, got %q", cfg.DatabaseURL)
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	testCases := []struct {
		name string
		key  string
		val  string
	}{
		{"InvalidInterval", "APP_INTERVAL_SECONDS", "ten"},
		{"ZeroInterval", "APP_INTERVAL_SECONDS", "0"},
		{"NegativeInterval", "APP_INTERVAL_SECONDS", "-5"},
		{"InvalidLogLevel", "APP_LOG_LEVEL", "loud"},
		{"InvalidLogFormat", "APP_LOG_FORMAT", "xml"},
		{"InvalidGPUBackend", "APP_GPU_BACKEND", "intel"},
		{"InvalidConcurrency", "APP_GPU_INSERT_CONCURRENCY", "many"},
		{"ZeroConcurrency", "APP_GPU_INSERT_CONCURRENCY", "0"},
		{"ZeroRetryAttempts", "APP_STORE_RETRY_ATTEMPTS", "0"},
		{"InvalidRetryDelay", "APP_STORE_RETRY_BASE_DELAY", "soon"},
		{"NegativeRetryDelay", "APP_STORE_RETRY_BASE_DELAY", "-1s"},
		{"MaxBelowBaseDelay", "APP_STORE_RETRY_MAX_DELAY", "100ms"},
		{"ZeroStoreTimeout", "APP_STORE_TIMEOUT", "0s"},
		{"InvalidHTTPEnable", "APP_HTTP_ENABLE", "maybe"},
		{"InvalidOrigins", "APP_ALLOWED_ORIGINS", ","},
		{"InvalidPrometheusBool", "APP_ENABLE_PROMETHEUS", "maybe"},
		{"InvalidWSMaxClients", "APP_WS_MAX_CLIENTS", "zero"},
		{"NonPositiveWSMaxClients", "APP_WS_MAX_CLIENTS", "0"},
		{"InvalidWSWriteTimeout", "APP_WS_WRITE_TIMEOUT", "nope"},
		{"NegativeWSReadTimeout", "APP_WS_READ_TIMEOUT", "-1s"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			_, err := Load()
			if err == nil {
				t.Fatalf("expected error for %s=%q", tc.key, tc.val)
			}
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pcstats.env")
	if err := os.WriteFile(path, []byte("CONN_STRING=sqlite://from-file.db\nAPP_LOG_LEVEL=warn\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("APP_ENV_FILE", path)
	t.Setenv("APP_DATABASE_URL", "")
	t.Setenv("CONN_STRING", "")
	// Real environment wins over the file.
	t.Setenv("APP_LOG_LEVEL", "error")
	// godotenv only fills variables that are unset, so drop the placeholder.
	if err := os.Unsetenv("CONN_STRING"); err != nil {
		t.Fatalf("unset CONN_STRING: %v", err)
	}

	loaded, err := LoadEnvFile()
	if err != nil {
		t.Fatalf("LoadEnvFile returned error: %v", err)
	}
	if loaded != path {
		t.Fatalf("expected %q loaded, got %q", path, loaded)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.DatabaseURL != "sqlite://from-file.db" {
		t.Fatalf("expected database url from env file, got %q", cfg.DatabaseURL)
	}
	if cfg.LogLevel != slog.LevelError {
		t.Fatalf("expected real environment to win, got %v", cfg.LogLevel)
	}
}

func TestLoadEnvFileMissing(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("APP_ENV_FILE", "")
	if loaded, err := LoadEnvFile(); err != nil || loaded != "" {
		t.Fatalf("missing default env file should be ignored, got %q, %v", loaded, err)
	}

	t.Setenv("APP_ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
	if _, err := LoadEnvFile(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for missing explicit env file, got %v", err)
	}
}
