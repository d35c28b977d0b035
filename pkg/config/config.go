package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
)

// Config holds process settings read from the environment and an optional
// .env file in the working directory.
type Config struct {
	// Cache bounds.
	MaxEntries   int   `env:"IMAGECACHE_MAX_ENTRIES" envDefault:"100"`
	MaxCostBytes int64 `env:"IMAGECACHE_MAX_COST_BYTES" envDefault:"52428800"`

	// FetchTimeout bounds one shared origin fetch.
	FetchTimeout time.Duration `env:"IMAGECACHE_FETCH_TIMEOUT" envDefault:"30s"`

	// DeviceScale is used for render specs that do not carry a scale.
	DeviceScale float64 `env:"IMAGECACHE_DEVICE_SCALE" envDefault:"2"`

	Dedup               bool   `env:"IMAGECACHE_DEDUP" envDefault:"true"`
	PrefetchConcurrency int    `env:"IMAGECACHE_PREFETCH_CONCURRENCY" envDefault:"4"`
	UserAgent           string `env:"IMAGECACHE_USER_AGENT" envDefault:"imagecache/1.0"`
	LogLevel            string `env:"IMAGECACHE_LOG_LEVEL" envDefault:"info"`
	Debug               bool   `env:"IMAGECACHE_DEBUG"`

	// AWSRegion enables the s3:// origin when set.
	AWSRegion string `env:"AWS_REGION"`
}

// Load loads .env (if present) and parses environment variables into Config.
func Load() (Config, error) {
	// Load .env if available; ignore error if file does not exist
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the bounds that the cache cannot work without.
func (c Config) Validate() error {
	if c.MaxEntries <= 0 {
		return fmt.Errorf("IMAGECACHE_MAX_ENTRIES must be positive, got %d", c.MaxEntries)
	}
	if c.MaxCostBytes <= 0 {
		return fmt.Errorf("IMAGECACHE_MAX_COST_BYTES must be positive, got %d", c.MaxCostBytes)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("IMAGECACHE_FETCH_TIMEOUT must be positive, got %s", c.FetchTimeout)
	}
	if c.DeviceScale <= 0 {
		return fmt.Errorf("IMAGECACHE_DEVICE_SCALE must be positive, got %g", c.DeviceScale)
	}
	if c.PrefetchConcurrency <= 0 {
		return fmt.Errorf("IMAGECACHE_PREFETCH_CONCURRENCY must be positive, got %d", c.PrefetchConcurrency)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
