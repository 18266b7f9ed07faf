// Package config provides configuration loading and management for
// StashHog.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the complete StashHog configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Stash    StashConfig    `yaml:"stash"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Daemons  DaemonsConfig  `yaml:"daemons"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	// Host is the bind address (default: 127.0.0.1)
	Host string `yaml:"host"`
	// Port is the listen port (default: 9998)
	Port int `yaml:"port"`
}

// DatabaseConfig configures the SQLite store
type DatabaseConfig struct {
	// Path is the database file path (default: stashhog.db)
	Path string `yaml:"path"`
	// BusyTimeoutMs is the SQLite busy timeout in milliseconds
	BusyTimeoutMs int `yaml:"busy_timeout_ms"`
}

// StashConfig configures the upstream Stash server connection
type StashConfig struct {
	// URL is the Stash server base URL (e.g. http://localhost:9999)
	URL string `yaml:"url"`
	// APIKey authenticates against the Stash GraphQL endpoint
	APIKey string `yaml:"api_key"`
	// TimeoutSeconds is the per-request timeout (default: 30)
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// MaxRetries is the maximum attempts per call (default: 3)
	MaxRetries int `yaml:"max_retries"`
	// Timezone is the Stash server's local timezone, used to render
	// updated_at sync boundaries (default: America/Los_Angeles)
	Timezone string `yaml:"timezone"`
}

// JobsConfig configures the job engine
type JobsConfig struct {
	// Workers is the concurrent task slot count (default: 4)
	Workers int `yaml:"workers"`
	// CleanupAfterDays is the terminal-job retention window
	CleanupAfterDays int `yaml:"cleanup_after_days"`
}

// DaemonsConfig configures the background daemons
type DaemonsConfig struct {
	AutoSync  AutoSyncConfig  `yaml:"auto_sync"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Downloads DownloadsConfig `yaml:"downloads"`
}

// AutoSyncConfig configures the AutoStashSync daemon
type AutoSyncConfig struct {
	// Enabled starts the daemon with the supervisor
	Enabled bool `yaml:"enabled"`
	// IntervalMinutes is the minimum gap between sync jobs
	IntervalMinutes int `yaml:"interval_minutes"`
}

// ScheduleEntry is one cron-driven job launch
type ScheduleEntry struct {
	// Cron is a five-field cron expression (or @hourly etc.)
	Cron string `yaml:"cron"`
	// JobType names the job to launch
	JobType string `yaml:"job_type"`
	// Params are passed to the launched job verbatim
	Params map[string]any `yaml:"params"`
}

// SchedulerConfig configures the Scheduler daemon
type SchedulerConfig struct {
	Enabled bool            `yaml:"enabled"`
	Entries []ScheduleEntry `yaml:"entries"`
}

// DownloadsConfig configures the DownloadsWatcher daemon
type DownloadsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Directory is the watched downloads directory
	Directory string `yaml:"directory"`
	// Patterns are doublestar globs relative to Directory
	Patterns []string `yaml:"patterns"`
	// SettleSeconds is how long the directory must be quiet before a
	// PROCESS_DOWNLOADS job fires
	SettleSeconds int `yaml:"settle_seconds"`
}

// LoggingConfig configures the process logger
type LoggingConfig struct {
	// Level is one of debug, info, warn, error (default: info)
	Level string `yaml:"level"`
	// Format is "text" or "json" (default: text)
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 9998,
		},
		Database: DatabaseConfig{
			Path:          "stashhog.db",
			BusyTimeoutMs: 5000,
		},
		Stash: StashConfig{
			URL:            "http://localhost:9999",
			TimeoutSeconds: 30,
			MaxRetries:     3,
			Timezone:       "America/Los_Angeles",
		},
		Jobs: JobsConfig{
			Workers:          4,
			CleanupAfterDays: 30,
		},
		Daemons: DaemonsConfig{
			AutoSync: AutoSyncConfig{
				Enabled:         false,
				IntervalMinutes: 10,
			},
			Downloads: DownloadsConfig{
				Patterns:      []string{"**"},
				SettleSeconds: 30,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Stash.URL == "" {
		return fmt.Errorf("stash.url is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	if c.Daemons.Downloads.Enabled && c.Daemons.Downloads.Directory == "" {
		return fmt.Errorf("daemons.downloads.directory is required when the watcher is enabled")
	}
	for i, entry := range c.Daemons.Scheduler.Entries {
		if entry.Cron == "" {
			return fmt.Errorf("daemons.scheduler.entries[%d].cron is required", i)
		}
		if entry.JobType == "" {
			return fmt.Errorf("daemons.scheduler.entries[%d].job_type is required", i)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Server
	if other.Server.Host != "" {
		c.Server.Host = other.Server.Host
	}
	if other.Server.Port != 0 {
		c.Server.Port = other.Server.Port
	}

	// Database
	if other.Database.Path != "" {
		c.Database.Path = other.Database.Path
	}
	if other.Database.BusyTimeoutMs != 0 {
		c.Database.BusyTimeoutMs = other.Database.BusyTimeoutMs
	}

	// Stash
	if other.Stash.URL != "" {
		c.Stash.URL = other.Stash.URL
	}
	if other.Stash.APIKey != "" {
		c.Stash.APIKey = other.Stash.APIKey
	}
	if other.Stash.TimeoutSeconds != 0 {
		c.Stash.TimeoutSeconds = other.Stash.TimeoutSeconds
	}
	if other.Stash.MaxRetries != 0 {
		c.Stash.MaxRetries = other.Stash.MaxRetries
	}
	if other.Stash.Timezone != "" {
		c.Stash.Timezone = other.Stash.Timezone
	}

	// Jobs
	if other.Jobs.Workers != 0 {
		c.Jobs.Workers = other.Jobs.Workers
	}
	if other.Jobs.CleanupAfterDays != 0 {
		c.Jobs.CleanupAfterDays = other.Jobs.CleanupAfterDays
	}

	// Daemons
	if other.Daemons.AutoSync.Enabled {
		c.Daemons.AutoSync.Enabled = true
	}
	if other.Daemons.AutoSync.IntervalMinutes != 0 {
		c.Daemons.AutoSync.IntervalMinutes = other.Daemons.AutoSync.IntervalMinutes
	}
	if other.Daemons.Scheduler.Enabled {
		c.Daemons.Scheduler.Enabled = true
	}
	if len(other.Daemons.Scheduler.Entries) > 0 {
		c.Daemons.Scheduler.Entries = other.Daemons.Scheduler.Entries
	}
	if other.Daemons.Downloads.Enabled {
		c.Daemons.Downloads.Enabled = true
	}
	if other.Daemons.Downloads.Directory != "" {
		c.Daemons.Downloads.Directory = other.Daemons.Downloads.Directory
	}
	if len(other.Daemons.Downloads.Patterns) > 0 {
		c.Daemons.Downloads.Patterns = other.Daemons.Downloads.Patterns
	}
	if other.Daemons.Downloads.SettleSeconds != 0 {
		c.Daemons.Downloads.SettleSeconds = other.Daemons.Downloads.SettleSeconds
	}

	// Logging
	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
	if other.Logging.Format != "" {
		c.Logging.Format = other.Logging.Format
	}
}
