// Package config loads settings from an optional TOML file with
// environment variable overrides. Environment always wins.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config is the full runtime configuration.
type Config struct {
	// DBPath is the canonical session store location.
	DBPath string `envconfig:"DB" toml:"db_path"`

	// APIPort is where the recording API listens.
	APIPort int `envconfig:"API_PORT" toml:"api_port"`

	// APISecret authorizes recording endpoints. No default: the API
	// refuses to start without one.
	APISecret string `envconfig:"API_SECRET" toml:"api_secret"`

	LogLevel string `envconfig:"LOG_LEVEL" toml:"log_level"`

	// VSCodeDir / CursorDir override provider storage discovery,
	// mainly for tests and portable installs.
	VSCodeDir string `envconfig:"VSCODE_DIR" toml:"vscode_dir"`
	CursorDir string `envconfig:"CURSOR_DIR" toml:"cursor_dir"`

	// ProviderPriority breaks merge ties between providers, first wins.
	ProviderPriority []string `envconfig:"PROVIDER_PRIORITY" toml:"provider_priority"`

	// BucketMillis is the duplicate-detection timestamp bucket width.
	// Zero means the built-in width.
	BucketMillis int64 `envconfig:"BUCKET_MILLIS" toml:"bucket_millis"`

	// KeepPartial stores truncated sessions recovered from damaged
	// files instead of discarding them.
	KeepPartial bool `envconfig:"KEEP_PARTIAL" toml:"keep_partial"`

	// Recording service tunables, in seconds.
	IdleTimeoutSecs   int `envconfig:"IDLE_TIMEOUT_SECS" toml:"idle_timeout_secs"`
	FlushIntervalSecs int `envconfig:"FLUSH_INTERVAL_SECS" toml:"flush_interval_secs"`
	FlushThreshold    int `envconfig:"FLUSH_THRESHOLD" toml:"flush_threshold"`

	// WatchDebounceSecs batches rapid provider file changes in watch mode.
	WatchDebounceSecs int `envconfig:"WATCH_DEBOUNCE_SECS" toml:"watch_debounce_secs"`
}

const envPrefix = "CHATHARVEST"

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		APIPort:           8776,
		LogLevel:          "info",
		KeepPartial:       true,
		IdleTimeoutSecs:   300,
		FlushIntervalSecs: 10,
		FlushThreshold:    50,
		WatchDebounceSecs: 2,
	}
}

// DefaultPath is the conventional config file location.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "chat-harvest", "config.toml")
	}
	return ""
}

// DefaultDBPath is where the store lives when nothing else is configured.
func DefaultDBPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "chat-harvest", "sessions.db")
	}
	return "chat-harvest.db"
}

// Load starts from the built-in defaults, layers the TOML file at path
// on top (skipped when absent), then applies CHATHARVEST_* environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath()
	}
	return &cfg, nil
}

func (c *Config) IdleTimeout() time.Duration   { return time.Duration(c.IdleTimeoutSecs) * time.Second }
func (c *Config) FlushInterval() time.Duration { return time.Duration(c.FlushIntervalSecs) * time.Second }
func (c *Config) WatchDebounce() time.Duration { return time.Duration(c.WatchDebounceSecs) * time.Second }
