// Package config loads moodlog settings from a YAML file, MOODLOG_
// environment variables and built-in defaults, in that order of
// precedence after explicit flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MOODLOG_DATA_DIR.
const EnvPrefix = "MOODLOG"

// Config is the decoded configuration.
type Config struct {
	DataDir  string `mapstructure:"data-dir"`
	SpoolDir string `mapstructure:"spool-dir"`
	User     string `mapstructure:"user"`
	Offline  bool   `mapstructure:"offline"`

	Log       LogConfig       `mapstructure:"log"`
	Freshness FreshnessConfig `mapstructure:"freshness"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Search    SearchConfig    `mapstructure:"search"`
	Remote    RemoteConfig    `mapstructure:"remote"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	File       string `mapstructure:"file"`   // empty logs to stderr
	MaxSizeMB  int    `mapstructure:"max-size-mb"`
	MaxBackups int    `mapstructure:"max-backups"`
	MaxAgeDays int    `mapstructure:"max-age-days"`
}

// FreshnessConfig holds the freshness thresholds and retention windows.
type FreshnessConfig struct {
	SyncThreshold      time.Duration `mapstructure:"sync-threshold"`
	FreshThreshold     time.Duration `mapstructure:"fresh-threshold"`
	PostRetentionDays  int           `mapstructure:"post-retention-days"`
	CharacterRetention time.Duration `mapstructure:"character-retention"`
}

// DaemonConfig controls the background daemon.
type DaemonConfig struct {
	Debounce       time.Duration `mapstructure:"debounce"`
	SweepInterval  time.Duration `mapstructure:"sweep-interval"`
	RemoveImported bool          `mapstructure:"remove-imported"`

	// FeedAddr, when set, serves the activity feed on this address.
	FeedAddr string `mapstructure:"feed-addr"`
}

// SearchConfig controls the search cascade.
type SearchConfig struct {
	// WindowMonths is how many recent months form the in-memory tier.
	WindowMonths int `mapstructure:"window-months"`
}

// RemoteConfig bounds calls to the backend.
type RemoteConfig struct {
	RatePerSecond float64 `mapstructure:"rate-per-second"`
	Burst         int     `mapstructure:"burst"`
}

// DefaultDataDir returns the data directory used when none is configured.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "moodlog")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".moodlog"
	}
	return filepath.Join(home, ".local", "share", "moodlog")
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data-dir", DefaultDataDir())
	v.SetDefault("spool-dir", "")
	v.SetDefault("user", "")
	v.SetDefault("offline", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max-size-mb", 10)
	v.SetDefault("log.max-backups", 3)
	v.SetDefault("log.max-age-days", 28)

	v.SetDefault("freshness.sync-threshold", 3600*time.Second)
	v.SetDefault("freshness.fresh-threshold", 1800*time.Second)
	v.SetDefault("freshness.post-retention-days", 90)
	v.SetDefault("freshness.character-retention", 30*24*time.Hour)

	v.SetDefault("daemon.debounce", 250*time.Millisecond)
	v.SetDefault("daemon.sweep-interval", time.Hour)
	v.SetDefault("daemon.remove-imported", true)
	v.SetDefault("daemon.feed-addr", "")

	v.SetDefault("search.window-months", 3)

	v.SetDefault("remote.rate-per-second", 5.0)
	v.SetDefault("remote.burst", 5)
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file into v and decodes the result. With an
// explicit path the file must exist; otherwise moodlog.yaml is looked up
// in $XDG_CONFIG_HOME/moodlog, ~/.config/moodlog and the working
// directory, and its absence is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("moodlog")
		v.SetConfigType("yaml")
		if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
			v.AddConfigPath(filepath.Join(dir, "moodlog"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "moodlog"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = filepath.Join(cfg.DataDir, "spool")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks if the Config has valid field values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data-dir is required")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console (got %q)", c.Log.Format)
	}
	if c.Freshness.SyncThreshold <= 0 || c.Freshness.FreshThreshold <= 0 {
		return fmt.Errorf("freshness thresholds must be positive")
	}
	if c.Freshness.PostRetentionDays < 0 {
		return fmt.Errorf("freshness.post-retention-days must not be negative")
	}
	if c.Freshness.CharacterRetention < 0 {
		return fmt.Errorf("freshness.character-retention must not be negative")
	}
	if c.Daemon.Debounce <= 0 {
		return fmt.Errorf("daemon.debounce must be positive")
	}
	if c.Search.WindowMonths < 1 {
		return fmt.Errorf("search.window-months must be at least 1")
	}
	return nil
}

// UserPtr returns the configured user, or nil when unauthenticated.
func (c *Config) UserPtr() *string {
	if c.User == "" {
		return nil
	}
	u := c.User
	return &u
}
