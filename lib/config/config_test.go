// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "foreman.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if cfg.Environment != Development {
		t.Errorf("environment = %s, want development", cfg.Environment)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults: %v", err)
	}
	timing, err := cfg.Timing()
	if err != nil {
		t.Fatalf("Timing: %v", err)
	}
	if timing.ReconcileInterval != 30*time.Second {
		t.Errorf("reconcile interval = %v, want 30s", timing.ReconcileInterval)
	}
}

func TestLoadRequiresForemanConfig(t *testing.T) {
	t.Setenv("FOREMAN_CONFIG", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when FOREMAN_CONFIG not set")
	}
	if !strings.HasPrefix(err.Error(), "FOREMAN_CONFIG environment variable not set") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadWithForemanConfig(t *testing.T) {
	path := writeConfig(t, `
environment: staging
paths:
  root: /srv/foreman
server:
  socket_path: /srv/foreman/server.sock
`)
	t.Setenv("FOREMAN_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Environment != Staging {
		t.Errorf("environment = %s, want staging", cfg.Environment)
	}
	if cfg.Server.SocketPath != "/srv/foreman/server.sock" {
		t.Errorf("socket_path = %s", cfg.Server.SocketPath)
	}
}

func TestLoadSchedules(t *testing.T) {
	path := writeConfig(t, `
paths:
  root: /srv/foreman
schedules:
  - name: nightly
    cron: "0 2 * * *"
    job:
      pool: linux
      priority: 5
      steps:
        - name: build
          command: [make, all]
          timeout: 90m
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	entries, err := cfg.ScheduledJobs()
	if err != nil {
		t.Fatalf("ScheduledJobs: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d schedules, want 1", len(entries))
	}
	entry := entries[0]
	if entry.Spec.Name != "nightly" || entry.Spec.Pool != "linux" || entry.Spec.Priority != 5 {
		t.Errorf("spec = %+v", entry.Spec)
	}
	if len(entry.Spec.Steps) != 1 || entry.Spec.Steps[0].Timeout != 90*time.Minute {
		t.Errorf("steps = %+v, want one step with a 90m timeout", entry.Spec.Steps)
	}
	next, err := entry.Schedule.Next(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if want := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next fire = %s, want %s", next, want)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
environment: production
storage:
  blob_backend: memory
  pool_backend: memory
production:
  storage:
    pool_backend: postgres
    postgres_dsn: postgres://foreman@db/foreman
  server:
    log_level: warn
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Storage.PoolBackend != "postgres" {
		t.Errorf("pool_backend = %s, want postgres", cfg.Storage.PoolBackend)
	}
	if cfg.Storage.BlobBackend != "memory" {
		t.Errorf("blob_backend = %s, want memory (not overridden)", cfg.Storage.BlobBackend)
	}
	if cfg.Server.LogLevel != "warn" {
		t.Errorf("log_level = %s, want warn", cfg.Server.LogLevel)
	}
}

func TestProductionDefaultsToDurableStores(t *testing.T) {
	path := writeConfig(t, `
environment: production
storage:
  blob_backend: memory
  pool_backend: memory
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Storage.BlobBackend != "file" || cfg.Storage.PoolBackend != "sqlite" {
		t.Errorf("production stores = %s/%s, want file/sqlite",
			cfg.Storage.BlobBackend, cfg.Storage.PoolBackend)
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("FOREMAN_TEST_DIR", "/from/env")

	tests := []struct {
		input string
		vars  map[string]string
		want  string
	}{
		{"${FOREMAN_ROOT}/state", map[string]string{"FOREMAN_ROOT": "/root"}, "/root/state"},
		{"${FOREMAN_TEST_DIR}/x", nil, "/from/env/x"},
		{"${MISSING_VAR:-fallback}", nil, "fallback"},
		{"plain", nil, "plain"},
	}
	for _, test := range tests {
		if got := expandVars(test.input, test.vars); got != test.want {
			t.Errorf("expandVars(%q) = %q, want %q", test.input, got, test.want)
		}
	}
}

func TestPathsExpandAgainstRoot(t *testing.T) {
	path := writeConfig(t, `
paths:
  root: /data/foreman
  state: ${FOREMAN_ROOT}/db
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Paths.State != "/data/foreman/db" {
		t.Errorf("state = %s, want /data/foreman/db", cfg.Paths.State)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad environment", func(c *Config) { c.Environment = "moon" }, "invalid environment"},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "loud" }, "server.log_level"},
		{"postgres without dsn", func(c *Config) { c.Storage.PoolBackend = "postgres" }, "postgres_dsn"},
		{"bad duration", func(c *Config) { c.Logs.MinAge = "soon" }, "logs.min_age"},
		{"negative duration", func(c *Config) { c.Scheduling.SessionTimeout = "-1s" }, "must be positive"},
		{"bad cron", func(c *Config) { c.Schedules = []ScheduleConfig{{Name: "nightly", Cron: "0 25 * * *"}} }, "hour field"},
		{"unnamed schedule", func(c *Config) { c.Schedules = []ScheduleConfig{{Cron: "@daily"}} }, "schedules[0].name"},
		{"duplicate schedule", func(c *Config) {
			c.Schedules = []ScheduleConfig{{Name: "a", Cron: "@daily"}, {Name: "a", Cron: "@hourly"}}
		}, "duplicate name"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("error %q does not mention %q", err, test.wantErr)
			}
		})
	}
}

func TestEnsurePaths(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Paths = PathsConfig{
		Root:    root,
		State:   filepath.Join(root, "state"),
		Blobs:   filepath.Join(root, "blobs"),
		Streams: filepath.Join(root, "streams"),
	}
	cfg.Server.SocketPath = filepath.Join(root, "run", "server.sock")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	for _, dir := range []string{"state", "blobs", "streams", "run"} {
		if info, err := os.Stat(filepath.Join(root, dir)); err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", dir, err)
		}
	}
}
