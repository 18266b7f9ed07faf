package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 9998 {
		t.Errorf("expected default port 9998, got %d", cfg.Server.Port)
	}
	if cfg.Stash.URL != "http://localhost:9999" {
		t.Errorf("expected default stash URL http://localhost:9999, got %s", cfg.Stash.URL)
	}
	if cfg.Stash.Timezone != "America/Los_Angeles" {
		t.Errorf("expected default timezone America/Los_Angeles, got %s", cfg.Stash.Timezone)
	}
	if cfg.Jobs.Workers != 4 {
		t.Errorf("expected default workers 4, got %d", cfg.Jobs.Workers)
	}
	if cfg.Daemons.AutoSync.Enabled {
		t.Error("expected auto_sync disabled by default")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing stash url",
			modify:  func(c *Config) { c.Stash.URL = "" },
			wantErr: true,
		},
		{
			name:    "port out of range",
			modify:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "missing database path",
			modify:  func(c *Config) { c.Database.Path = "" },
			wantErr: true,
		},
		{
			name:    "zero workers",
			modify:  func(c *Config) { c.Jobs.Workers = 0 },
			wantErr: true,
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "bad log format",
			modify:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: true,
		},
		{
			name: "downloads watcher without directory",
			modify: func(c *Config) {
				c.Daemons.Downloads.Enabled = true
				c.Daemons.Downloads.Directory = ""
			},
			wantErr: true,
		},
		{
			name: "schedule entry without cron",
			modify: func(c *Config) {
				c.Daemons.Scheduler.Entries = []ScheduleEntry{{JobType: "CLEANUP"}}
			},
			wantErr: true,
		},
		{
			name: "schedule entry without job type",
			modify: func(c *Config) {
				c.Daemons.Scheduler.Entries = []ScheduleEntry{{Cron: "0 3 * * *"}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	// Create temp file with config
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
server:
  host: "0.0.0.0"
  port: 8080
database:
  path: "/data/stashhog.db"
stash:
  url: "http://stash:9999"
  api_key: "secret"
  timezone: "UTC"
jobs:
  workers: 8
daemons:
  auto_sync:
    enabled: true
    interval_minutes: 5
  scheduler:
    enabled: true
    entries:
      - cron: "0 3 * * *"
        job_type: "CLEANUP"
logging:
  level: "debug"
  format: "json"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected host 0.0.0.0, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Database.Path != "/data/stashhog.db" {
		t.Errorf("expected database path /data/stashhog.db, got %s", cfg.Database.Path)
	}
	if cfg.Stash.APIKey != "secret" {
		t.Errorf("expected api key secret, got %s", cfg.Stash.APIKey)
	}
	if cfg.Stash.Timezone != "UTC" {
		t.Errorf("expected timezone UTC, got %s", cfg.Stash.Timezone)
	}
	// Unset fields keep their defaults
	if cfg.Stash.TimeoutSeconds != 30 {
		t.Errorf("expected default timeout 30, got %d", cfg.Stash.TimeoutSeconds)
	}
	if cfg.Jobs.Workers != 8 {
		t.Errorf("expected workers 8, got %d", cfg.Jobs.Workers)
	}
	if !cfg.Daemons.AutoSync.Enabled {
		t.Error("expected auto_sync enabled")
	}
	if cfg.Daemons.AutoSync.IntervalMinutes != 5 {
		t.Errorf("expected interval 5, got %d", cfg.Daemons.AutoSync.IntervalMinutes)
	}
	if len(cfg.Daemons.Scheduler.Entries) != 1 {
		t.Fatalf("expected 1 schedule entry, got %d", len(cfg.Daemons.Scheduler.Entries))
	}
	if cfg.Daemons.Scheduler.Entries[0].JobType != "CLEANUP" {
		t.Errorf("expected scheduled job CLEANUP, got %s", cfg.Daemons.Scheduler.Entries[0].JobType)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected json logging, got %s", cfg.Logging.Format)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Stash: StashConfig{
			URL:    "http://override:9999",
			APIKey: "override-key",
		},
		Jobs: JobsConfig{
			Workers: 16,
		},
	}

	base.Merge(override)

	if base.Stash.URL != "http://override:9999" {
		t.Errorf("expected stash URL http://override:9999, got %s", base.Stash.URL)
	}
	if base.Stash.APIKey != "override-key" {
		t.Errorf("expected api key override-key, got %s", base.Stash.APIKey)
	}
	// Timezone should remain from base since override didn't set it
	if base.Stash.Timezone != "America/Los_Angeles" {
		t.Errorf("expected timezone to remain default, got %s", base.Stash.Timezone)
	}
	if base.Jobs.Workers != 16 {
		t.Errorf("expected workers 16, got %d", base.Jobs.Workers)
	}
	if base.Server.Port != 9998 {
		t.Errorf("expected port to remain default, got %d", base.Server.Port)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Stash.URL = "http://saved:9999"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	// Verify file was created
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	// Load and verify
	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Stash.URL != "http://saved:9999" {
		t.Errorf("expected stash URL http://saved:9999, got %s", loaded.Stash.URL)
	}
}
