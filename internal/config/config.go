// Package config loads the daemon configuration from an optional YAML
// file overlaid with CIVISYNC_-prefixed environment variables.
package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator"
	_ "github.com/joho/godotenv/autoload"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

type Config struct {
	Queue        QueueConfig        `koanf:"queue"`
	Sync         SyncConfig         `koanf:"sync"`
	Connectivity ConnectivityConfig `koanf:"connectivity"`
	Store        StoreConfig        `koanf:"store"`
	Keys         KeysConfig         `koanf:"keys"`
	Portal       PortalConfig       `koanf:"portal"`
	Notify       NotifyConfig       `koanf:"notify"`
	Logger       LoggerConfig       `koanf:"logger"`
}

type QueueConfig struct {
	MaxRetryAttempts   int           `koanf:"max_retry_attempts" validate:"required,min=1"`
	BackoffBaseMs      int           `koanf:"backoff_base_ms" validate:"required,min=1"`
	BackoffMultiplier  float64       `koanf:"backoff_multiplier" validate:"required"`
	RetentionWindow    time.Duration `koanf:"retention_window" validate:"required"`
	MaxQueueBytes      int64         `koanf:"max_queue_bytes"`
	OfflineHorizonDays int           `koanf:"offline_horizon_days" validate:"required,min=1"`
}

type SyncConfig struct {
	MaxConcurrent  int           `koanf:"max_concurrent" validate:"required,min=1,max=3"`
	AttemptTimeout time.Duration `koanf:"attempt_timeout" validate:"required"`
	WakeInterval   time.Duration `koanf:"wake_interval" validate:"required"`
	LowPowerMode   bool          `koanf:"low_power_mode"`
}

type ConnectivityConfig struct {
	ProbeInterval time.Duration `koanf:"probe_interval" validate:"required"`
	Dwell         time.Duration `koanf:"dwell" validate:"required"`
}

type StoreConfig struct {
	Path string `koanf:"path" validate:"required"`
}

type KeysConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// PortalConfig points at the portal gateway. BaseURL is enforced by the
// daemon at startup; the diagnostics CLI runs without one.
type PortalConfig struct {
	BaseURL     string        `koanf:"base_url" validate:"omitempty,url"`
	ConnTimeout time.Duration `koanf:"conn_timeout" validate:"required"`
}

type NotifyConfig struct {
	RedisAddr string `koanf:"redis_addr"`
	RedisList string `koanf:"redis_list"`
}

type LoggerConfig struct {
	Level string `koanf:"level"`
}

// defaults covers every tunable with a safe value so a bare device
// boots with only store/key paths and the portal URL supplied.
var defaults = map[string]interface{}{
	"queue.max_retry_attempts":    5,
	"queue.backoff_base_ms":       1000,
	"queue.backoff_multiplier":    2.0,
	"queue.retention_window":      "720h",
	"queue.max_queue_bytes":       0,
	"queue.offline_horizon_days":  30,
	"sync.max_concurrent":         3,
	"sync.attempt_timeout":        "2m",
	"sync.wake_interval":          "1m",
	"sync.low_power_mode":         false,
	"connectivity.probe_interval": "15s",
	"connectivity.dwell":          "10s",
	"store.path":                  "civisync.db",
	"keys.path":                   "civisync.key",
	"portal.conn_timeout":         "30s",
	"notify.redis_list":           "civisync:notifications",
	"logger.level":                "info",
}

// LoadConfig reads path (skipped when empty or missing) over the built-in
// defaults, then applies CIVISYNC_ environment overrides.
// CIVISYNC_STORE__PATH=/data/q.db maps to store.path.
func LoadConfig(path string) (*Config, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		logger.Error("failed to load default configuration", "error", err)
		return nil, err
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				logger.Error("failed to load config file", "path", path, "error", err)
				return nil, err
			}
		}
	}

	err := k.Load(env.Provider("CIVISYNC_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "CIVISYNC_")),
			"__",
			".",
		)
	}), nil)
	if err != nil {
		logger.Error("failed to load environment variables", "error", err)
		return nil, err
	}

	mainConfig := &Config{}

	err = k.Unmarshal("", mainConfig)
	if err != nil {
		logger.Error("could not unmarshal main config", "error", err)
		return nil, err
	}

	validate := validator.New()

	err = validate.Struct(mainConfig)
	if err != nil {
		logger.Error("config validation failed", "error", err)
		return nil, err
	}

	return mainConfig, nil
}

// BackoffBase returns the configured base delay as a duration.
func (c QueueConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// LogLevel maps the configured level string to a slog level.
func (c LoggerConfig) LogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
