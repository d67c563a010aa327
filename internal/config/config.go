package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrConfig wraps every configuration failure.
var ErrConfig = errors.New("invalid configuration")

const defaultEnvFile = ".env"

// Log output formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	DatabaseURL string
	Interval    time.Duration
	LogLevel    slog.Level
	LogFormat   string
	SysfsRoot   string
	ProcRoot    string
	GPU         GPUConfig
	Store       StoreConfig
	HTTP        HTTPConfig
}

// GPUConfig selects the accelerator backend.
type GPUConfig struct {
	Backend           string
	NVIDIASMIPath     string
	InsertConcurrency int
}

// StoreConfig tunes per-record inserts.
type StoreConfig struct {
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Timeout        time.Duration
}

// HTTPConfig controls the optional status server.
type HTTPConfig struct {
	Enable           bool
	ListenAddr       string
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	WS               WebsocketConfig
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// LoadEnvFile loads APP_ENV_FILE (default .env) into the process
// environment without overriding variables that are already set. A missing
// default file is ignored. It returns the path that was loaded, if any.
func LoadEnvFile() (string, error) {
	path := strings.TrimSpace(os.Getenv("APP_ENV_FILE"))
	explicit := path != ""
	if !explicit {
		path = defaultEnvFile
	}

	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("%w: load env file %s: %w", ErrConfig, path, err)
	}
	return path, nil
}

// Load parses configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg, err := load()
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return cfg, nil
}

// RequireDatabase fails when no store URL is configured.
func (c Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%w: APP_DATABASE_URL (or CONN_STRING) is required", ErrConfig)
	}
	return nil
}

func load() (Config, error) {
	cfg := Config{
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

	cfg.DatabaseURL = lookup("APP_DATABASE_URL")
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = lookup("CONN_STRING")
	}

	if value := lookup("APP_INTERVAL_SECONDS"); value != "" {
		seconds, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_INTERVAL_SECONDS: %w", err)
		}
		if seconds <= 0 || math.IsInf(seconds, 0) || math.IsNaN(seconds) {
			return Config{}, fmt.Errorf("APP_INTERVAL_SECONDS must be > 0")
		}
		cfg.Interval = time.Duration(seconds * float64(time.Second))
	}

	if value := lookup("APP_LOG_LEVEL"); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := lookup("APP_LOG_FORMAT"); value != "" {
		switch format := strings.ToLower(value); format {
		case LogFormatText, LogFormatJSON:
			cfg.LogFormat = format
		default:
			return Config{}, fmt.Errorf("parse APP_LOG_FORMAT: unsupported format %q", value)
		}
	}

	if value := lookup("APP_SYSFS_ROOT"); value != "" {
		cfg.SysfsRoot = value
	}
	if value := lookup("APP_PROC_ROOT"); value != "" {
		cfg.ProcRoot = value
	}

	if value := lookup("APP_GPU_BACKEND"); value != "" {
		switch backend := strings.ToLower(value); backend {
		case "auto", "nvidia", "amdgpu", "none":
			cfg.GPU.Backend = backend
		default:
			return Config{}, fmt.Errorf("parse APP_GPU_BACKEND: unsupported backend %q", value)
		}
	}
	if value := lookup("APP_NVIDIA_SMI_PATH"); value != "" {
		cfg.GPU.NVIDIASMIPath = value
	}

	var err error
	if cfg.GPU.InsertConcurrency, err = positiveInt("APP_GPU_INSERT_CONCURRENCY", cfg.GPU.InsertConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.Store.RetryAttempts, err = positiveInt("APP_STORE_RETRY_ATTEMPTS", cfg.Store.RetryAttempts); err != nil {
		return Config{}, err
	}
	if cfg.Store.RetryBaseDelay, err = nonNegativeDuration("APP_STORE_RETRY_BASE_DELAY", cfg.Store.RetryBaseDelay); err != nil {
		return Config{}, err
	}
	if cfg.Store.RetryMaxDelay, err = nonNegativeDuration("APP_STORE_RETRY_MAX_DELAY", cfg.Store.RetryMaxDelay); err != nil {
		return Config{}, err
	}
	if cfg.Store.RetryMaxDelay > 0 && cfg.Store.RetryMaxDelay < cfg.Store.RetryBaseDelay {
		return Config{}, fmt.Errorf("APP_STORE_RETRY_MAX_DELAY must be >= APP_STORE_RETRY_BASE_DELAY")
	}
	if cfg.Store.Timeout, err = positiveDuration("APP_STORE_TIMEOUT", cfg.Store.Timeout); err != nil {
		return Config{}, err
	}

	if cfg.HTTP.Enable, err = boolValue("APP_HTTP_ENABLE", cfg.HTTP.Enable); err != nil {
		return Config{}, err
	}
	if value := lookup("APP_LISTEN_ADDR"); value != "" {
		cfg.HTTP.ListenAddr = value
	}
	if value := lookup("APP_ALLOWED_ORIGINS"); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.HTTP.AllowedOrigins = origins
	}
	if cfg.HTTP.EnablePrometheus, err = boolValue("APP_ENABLE_PROMETHEUS", cfg.HTTP.EnablePrometheus); err != nil {
		return Config{}, err
	}
	if cfg.HTTP.EnablePprof, err = boolValue("APP_ENABLE_PPROF", cfg.HTTP.EnablePprof); err != nil {
		return Config{}, err
	}
	if cfg.HTTP.WS.MaxClients, err = positiveInt("APP_WS_MAX_CLIENTS", cfg.HTTP.WS.MaxClients); err != nil {
		return Config{}, err
	}
	if cfg.HTTP.WS.WriteTimeout, err = positiveDuration("APP_WS_WRITE_TIMEOUT", cfg.HTTP.WS.WriteTimeout); err != nil {
		return Config{}, err
	}
	if cfg.HTTP.WS.ReadTimeout, err = positiveDuration("APP_WS_READ_TIMEOUT", cfg.HTTP.WS.ReadTimeout); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func lookup(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func boolValue(key string, fallback bool) (bool, error) {
	value := lookup(key)
	if value == "" {
		return fallback, nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return enabled, nil
}

func positiveInt(key string, fallback int) (int, error) {
	value := lookup(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return n, nil
}

func positiveDuration(key string, fallback time.Duration) (time.Duration, error) {
	d, err := nonNegativeDuration(key, fallback)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return d, nil
}

func nonNegativeDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := lookup(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must be >= 0", key)
	}
	return d, nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
