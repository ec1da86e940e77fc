package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
board:
  base_url: https://jobs.example.net
  user_agent: applypilot-test
  timeout_seconds: 20
discovery:
  max_pages_per_query: 3
  detail_concurrency: 8
  detail_timeout_seconds: 5
governor:
  max_concurrent: 2
  rps: 0.5
worker:
  tick_seconds: 5
  batch_size: 4
quota:
  timezone: America/New_York
tiers:
  free:
    daily_limit: 5
    pacing_seconds: 60
  pro:
    daily_limit: 50
    pacing_seconds: 30
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Board.BaseURL != "https://jobs.example.net" {
		t.Fatalf("expected board base_url override, got %q", cfg.Board.BaseURL)
	}
	if cfg.Discovery.MaxPagesPerQuery != 3 {
		t.Fatalf("expected discovery override, got %d", cfg.Discovery.MaxPagesPerQuery)
	}
	if cfg.Quota.Timezone != "America/New_York" {
		t.Fatalf("expected timezone override, got %q", cfg.Quota.Timezone)
	}
	tier, ok := cfg.Tiers["pro"]
	if !ok || tier.DailyLimit != 50 || tier.PacingSeconds != 30 {
		t.Fatalf("expected pro tier to be loaded: %+v", cfg.Tiers)
	}
	if got := cfg.WorkerTick(); got != 5*time.Second {
		t.Fatalf("expected worker tick 5s, got %v", got)
	}
	if got := cfg.DetailTimeout(); got != 5*time.Second {
		t.Fatalf("expected detail timeout 5s, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Discovery.MaxPagesPerQuery != 5 {
		t.Fatalf("expected default max pages 5, got %d", cfg.Discovery.MaxPagesPerQuery)
	}
	if cfg.Quota.Timezone != "UTC" {
		t.Fatalf("expected default timezone UTC, got %q", cfg.Quota.Timezone)
	}
	if cfg.Worker.TickSeconds != 10 {
		t.Fatalf("expected default tick 10s, got %d", cfg.Worker.TickSeconds)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"empty board url", func(c *Config) { c.Board.BaseURL = "" }},
		{"zero governor concurrency", func(c *Config) { c.Governor.MaxConcurrent = 0 }},
		{"zero tick", func(c *Config) { c.Worker.TickSeconds = 0 }},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true; c.Auth.APIKey = "" }},
		{"bad timezone", func(c *Config) { c.Quota.Timezone = "Mars/Olympus" }},
		{"negative tier", func(c *Config) {
			c.Tiers = map[string]TierConfig{"free": {DailyLimit: -1}}
		}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
