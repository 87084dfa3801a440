// Package config loads techlog settings from a YAML file, a .env file and
// TECHLOG_* environment variables, in that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/coffersTech/techlog/internal/pkg/tjql"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TECHLOG_"

// Config holds all techlog configuration.
type Config struct {
	Journal JournalConfig `yaml:"journal" envPrefix:"JOURNAL_"`
	Merge   MergeConfig   `yaml:"merge" envPrefix:"MERGE_"`
	Cache   CacheConfig   `yaml:"cache" envPrefix:"CACHE_"`
	Server  ServerConfig  `yaml:"server" envPrefix:"SERVER_"`
	Logging LoggingConfig `yaml:"logging" envPrefix:"LOG_"`
}

// JournalConfig says where the journal lives and how to read its times.
type JournalConfig struct {
	Root     string `yaml:"root" env:"ROOT"`
	Location string `yaml:"location" env:"LOCATION"` // IANA zone of the journal host; empty means local
	Since    string `yaml:"since" env:"SINCE"`       // e.g. now-1d or 2024-01-15
}

// MergeConfig tunes the merge stream.
type MergeConfig struct {
	Parallelism   int `yaml:"parallelism" env:"PARALLELISM"`       // Files parsed concurrently per hour; 1 disables prefetch
	ReorderWindow int `yaml:"reorder_window" env:"REORDER_WINDOW"` // Records buffered per file to absorb local disorder
}

// CacheConfig configures the scan catalog.
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled" env:"ENABLED"`
	Dir       string        `yaml:"dir" env:"DIR"`
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
}

// ServerConfig configures `techlog serve`.
type ServerConfig struct {
	Addr          string        `yaml:"addr" env:"ADDR"`
	Username      string        `yaml:"username" env:"USERNAME"`
	PasswordHash  string        `yaml:"password_hash" env:"PASSWORD_HASH"` // bcrypt; empty disables auth
	RateLimit     float64       `yaml:"rate_limit" env:"RATE_LIMIT"`       // Requests per second; 0 disables
	Burst         int           `yaml:"burst" env:"BURST"`
	MaxLimit      int           `yaml:"max_limit" env:"MAX_LIMIT"`
	WatchDebounce time.Duration `yaml:"watch_debounce" env:"WATCH_DEBOUNCE"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // console, json
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Journal: JournalConfig{
			Root: ".",
		},
		Merge: MergeConfig{
			Parallelism:   1,
			ReorderWindow: 256,
		},
		Cache: CacheConfig{
			Enabled:   true,
			Dir:       defaultCacheDir(),
			Retention: 7 * 24 * time.Hour,
		},
		Server: ServerConfig{
			Addr:          "127.0.0.1:8080",
			Username:      "admin",
			RateLimit:     50,
			Burst:         100,
			MaxLimit:      10000,
			WatchDebounce: 500 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "techlog")
	}
	return filepath.Join(os.TempDir(), "techlog")
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is empty or the file is missing, defaults stay), then .env, then
// TECHLOG_* variables.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
			// Defaults only
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Attempt to load .env file for local use.
	_ = godotenv.Load()

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Journal.Root) == "" {
		return fmt.Errorf("journal.root is required")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid journal.location %q: %w", c.Journal.Location, err)
	}
	if _, err := c.SinceTime(time.Now()); err != nil {
		return fmt.Errorf("invalid journal.since %q: %w", c.Journal.Since, err)
	}
	if c.Merge.Parallelism < 1 {
		return fmt.Errorf("merge.parallelism must be at least 1, got %d", c.Merge.Parallelism)
	}
	if c.Merge.ReorderWindow < 1 {
		return fmt.Errorf("merge.reorder_window must be at least 1, got %d", c.Merge.ReorderWindow)
	}
	if c.Cache.Enabled && c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required when the cache is enabled")
	}
	if c.Server.RateLimit < 0 || (c.Server.RateLimit > 0 && c.Server.Burst < 1) {
		return fmt.Errorf("invalid rate limit %.2f/s with burst %d", c.Server.RateLimit, c.Server.Burst)
	}
	if c.Server.MaxLimit < 1 {
		return fmt.Errorf("server.max_limit must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging.format: %s (valid: console, json)", c.Logging.Format)
	}
	return nil
}

// Location returns the zone journal file hours are interpreted in.
func (c *Config) Location() (*time.Location, error) {
	switch c.Journal.Location {
	case "", "Local", "local":
		return time.Local, nil
	default:
		return time.LoadLocation(c.Journal.Location)
	}
}

// SinceTime resolves journal.since against now. A zero time means no bound.
func (c *Config) SinceTime(now time.Time) (time.Time, error) {
	if strings.TrimSpace(c.Journal.Since) == "" {
		return time.Time{}, nil
	}
	loc, err := c.Location()
	if err != nil {
		return time.Time{}, err
	}
	return tjql.ParseInstant(c.Journal.Since, now, loc)
}
