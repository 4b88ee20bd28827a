// Package config loads the client configuration from a YAML file and
// RTC_ prefixed environment variables. Nested keys use a double
// underscore in the environment: RTC_DURABLE__PATH sets durable.path.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RTC_"

// Durable store drivers.
const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"
	DriverMemory = "memory"
)

type Config struct {
	URL               string        `koanf:"url"`
	Protocols         []string      `koanf:"protocols"`
	AuthToken         string        `koanf:"auth_token"`
	AppendAuthToQuery bool          `koanf:"append_auth_to_query"`
	Heartbeat         time.Duration `koanf:"heartbeat"`
	IdleClose         time.Duration `koanf:"idle_close"`
	ReadyTimeout      time.Duration `koanf:"ready_timeout"`
	RequestTimeout    time.Duration `koanf:"request_timeout"`

	StorageKey   string `koanf:"storage_key"`
	WatcherKey   string `koanf:"watcher_key"`
	RegistryKey  string `koanf:"registry_key"`
	CacheKeyBase string `koanf:"cache_key_base"`

	Durable     DurableConfig `koanf:"durable"`
	DownloadDir string        `koanf:"download_dir"`
	AutoConfirm bool          `koanf:"auto_confirm"`

	Metrics MetricsConfig `koanf:"metrics"`
	Tracing TracingConfig `koanf:"tracing"`
	Log     LogConfig     `koanf:"log"`
	Env     string        `koanf:"env"`
}

type DurableConfig struct {
	Driver string `koanf:"driver"` // sqlite, file, memory
	Path   string `koanf:"path"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

type TracingConfig struct {
	Enabled bool `koanf:"enabled"`
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // text, json
}

var defaults = map[string]any{
	"append_auth_to_query": true,
	"heartbeat":            "25s",
	"idle_close":           "60s",
	"ready_timeout":        "8s",
	"request_timeout":      "0s",
	"storage_key":          "ws.jobs",
	"watcher_key":          "ep:ws:registry:watcher",
	"registry_key":         "ep:ws:registry",
	"cache_key_base":       "rc",
	"durable.driver":       DriverSQLite,
	"durable.path":         "rtc.db",
	"download_dir":         "downloads",
	"metrics.addr":         "127.0.0.1:9464",
	"log.level":            "info",
	"log.format":           "text",
}

// Load reads path (skipped when empty or missing) and applies the
// environment on top of it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, v := range defaults {
		if err := k.Set(key, v); err != nil {
			return nil, err
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to load config %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values Load cannot default.
func (c *Config) Validate() error {
	switch c.Durable.Driver {
	case DriverSQLite, DriverFile, DriverMemory:
	default:
		return fmt.Errorf("unknown durable driver %q", c.Durable.Driver)
	}
	if c.Heartbeat <= 0 || c.IdleClose <= 0 {
		return errors.New("heartbeat and idle_close must be positive")
	}
	return nil
}

// Production reports whether the client runs in production mode.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Env, "production") || strings.EqualFold(c.Env, "prod")
}

// LogLevel returns the configured level. Production mode only logs errors.
func (c *Config) LogLevel() slog.Level {
	if c.Production() {
		return slog.LevelError
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel()}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
