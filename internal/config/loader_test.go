package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("port = %q, want default 8080", cfg.Server.Port)
	}
	if cfg.Breaker.MaxFailures != 5 || cfg.Breaker.Cooldown != 30*time.Second {
		t.Errorf("breaker defaults = %+v", cfg.Breaker)
	}
	if cfg.Scheduler.PerRequesterCap != 1000 || cfg.Scheduler.TotalCap != 10000 {
		t.Errorf("scheduler defaults = %+v", cfg.Scheduler)
	}
}

func TestLoadFromYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	yaml := `
server:
  port: "9999"
breaker:
  max_failures: 3
  cooldown: 5s
deadlock:
  scan_interval: 2s
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != "9999" {
		t.Errorf("port = %q, want 9999", cfg.Server.Port)
	}
	if cfg.Breaker.MaxFailures != 3 || cfg.Breaker.Cooldown != 5*time.Second {
		t.Errorf("breaker = %+v", cfg.Breaker)
	}
	if cfg.Deadlock.ScanInterval != 2*time.Second {
		t.Errorf("scan interval = %s, want 2s", cfg.Deadlock.ScanInterval)
	}
	// Untouched sections keep defaults.
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("nats url = %q", cfg.NATS.URL)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	t.Setenv("CONDUCTOR_PORT", "7777")
	t.Setenv("CONDUCTOR_SCHED_WORKERS", "4")
	t.Setenv("CONDUCTOR_BREAKER_COOLDOWN", "90s")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != "7777" {
		t.Errorf("port = %q, want 7777", cfg.Server.Port)
	}
	if cfg.Scheduler.Workers != 4 {
		t.Errorf("workers = %d, want 4", cfg.Scheduler.Workers)
	}
	if cfg.Breaker.Cooldown != 90*time.Second {
		t.Errorf("cooldown = %s, want 90s", cfg.Breaker.Cooldown)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Server.Port = "" }},
		{"empty dsn", func(c *Config) { c.Postgres.DSN = "" }},
		{"zero breaker failures", func(c *Config) { c.Breaker.MaxFailures = 0 }},
		{"failure rate above one", func(c *Config) { c.Breaker.FailureRate = 1.5 }},
		{"total cap below requester cap", func(c *Config) { c.Scheduler.TotalCap = 10; c.Scheduler.PerRequesterCap = 100 }},
		{"zero workers", func(c *Config) { c.Scheduler.Workers = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			if err := validate(&cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
