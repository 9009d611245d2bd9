package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/antoniostano/streamrelay/internal/stream"
)

// Config contains all runtime settings for the relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	StreamBufferSize    int
	StreamDefaultFormat string
	StreamMaxDuration   time.Duration

	GeneratorMode       string
	GeneratorHTTPURL    string
	GeneratorHTTPStrict bool
	GeneratorWSURL      string
	GeneratorCLIPath    string
	GeneratorCLIArgs    []string
	GeneratorMockDelay  time.Duration
	GeneratorRetries    int

	DatabaseURL         string
	TranscriptRedactPII bool

	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "streamrelay"),
		AllowAnyOrigin:   false,
		// 1 means every fragment goes out as its own batch.
		StreamBufferSize:    1,
		StreamDefaultFormat: envOrDefault("STREAM_DEFAULT_FORMAT", "sse"),
		StreamMaxDuration:   5 * time.Minute,
		GeneratorMode:       envOrDefault("GENERATOR_MODE", "auto"),
		GeneratorHTTPURL:    stringsTrimSpace("GENERATOR_HTTP_URL"),
		GeneratorWSURL:      stringsTrimSpace("GENERATOR_WS_URL"),
		GeneratorCLIPath:    stringsTrimSpace("GENERATOR_CLI_PATH"),
		GeneratorCLIArgs:    strings.Fields(os.Getenv("GENERATOR_CLI_ARGS")),
		GeneratorMockDelay:  0,
		GeneratorRetries:    2,
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		TranscriptRedactPII: true,
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("LOG_FORMAT", "text"),
		LogFile:             stringsTrimSpace("LOG_FILE"),
		LogMaxSizeMB:        100,
		LogMaxBackups:       5,
		ShutdownTimeout:     15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.StreamBufferSize, err = intFromEnv("STREAM_BUFFER_SIZE", cfg.StreamBufferSize)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamMaxDuration, err = durationFromEnv("STREAM_MAX_DURATION", cfg.StreamMaxDuration)
	if err != nil {
		return Config{}, err
	}

	cfg.GeneratorHTTPStrict, err = boolFromEnv("GENERATOR_HTTP_STRICT", cfg.GeneratorHTTPStrict)
	if err != nil {
		return Config{}, err
	}
	cfg.GeneratorMockDelay, err = durationFromEnv("GENERATOR_MOCK_DELAY", cfg.GeneratorMockDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.GeneratorRetries, err = intFromEnv("GENERATOR_RETRIES", cfg.GeneratorRetries)
	if err != nil {
		return Config{}, err
	}

	cfg.TranscriptRedactPII, err = boolFromEnv("TRANSCRIPT_REDACT_PII", cfg.TranscriptRedactPII)
	if err != nil {
		return Config{}, err
	}

	cfg.LogMaxSizeMB, err = intFromEnv("LOG_MAX_SIZE_MB", cfg.LogMaxSizeMB)
	if err != nil {
		return Config{}, err
	}
	cfg.LogMaxBackups, err = intFromEnv("LOG_MAX_BACKUPS", cfg.LogMaxBackups)
	if err != nil {
		return Config{}, err
	}

	if cfg.StreamBufferSize < 1 {
		return Config{}, fmt.Errorf("STREAM_BUFFER_SIZE must be at least 1")
	}
	format, err := stream.ParseFormat(cfg.StreamDefaultFormat)
	if err != nil {
		return Config{}, fmt.Errorf("STREAM_DEFAULT_FORMAT: %w", err)
	}
	cfg.StreamDefaultFormat = string(format)
	if cfg.StreamMaxDuration <= 0 {
		return Config{}, fmt.Errorf("STREAM_MAX_DURATION must be positive")
	}
	if cfg.GeneratorMockDelay < 0 {
		return Config{}, fmt.Errorf("GENERATOR_MOCK_DELAY must be >= 0")
	}
	if cfg.GeneratorRetries < 0 {
		return Config{}, fmt.Errorf("GENERATOR_RETRIES must be >= 0")
	}
	if cfg.LogMaxSizeMB <= 0 {
		return Config{}, fmt.Errorf("LOG_MAX_SIZE_MB must be positive")
	}
	if cfg.LogMaxBackups < 0 {
		return Config{}, fmt.Errorf("LOG_MAX_BACKUPS must be >= 0")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
