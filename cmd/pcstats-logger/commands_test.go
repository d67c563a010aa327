package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/skobkin/pcstats-logger/internal/config"
	"github.com/skobkin/pcstats-logger/internal/version"
)

func TestVersionCommand(t *testing.T) {
	version.Set(version.Info{Version: "v1.2.3", Commit: "abc123"})
	t.Cleanup(func() { version.Set(version.Info{}) })

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "v1.2.3 (abc123)" {
		t.Fatalf("unexpected version output %q", got)
	}
}

func TestOnceFailsWithInvalidConfig(t *testing.T) {
	t.Setenv("APP_ENV_FILE", "")
	t.Setenv("APP_INTERVAL_SECONDS", "-1")
	t.Chdir(t.TempDir())

	var stderr bytes.Buffer
	cmd := rootCmd()
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"once"})
	err := cmd.Execute()
	if !errors.Is(err, config.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
	if !strings.Contains(stderr.String(), "failed to load configuration") {
		t.Fatalf("expected configuration error log, got %q", stderr.String())
	}
}

func TestNewLoggerFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	newLogger(&buf, config.Config{LogFormat: config.LogFormatJSON}).Info("hello", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"k":"v"`) {
		t.Fatalf("expected JSON output, got %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, config.Config{LogFormat: config.LogFormatText}).Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
}
