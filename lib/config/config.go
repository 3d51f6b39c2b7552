// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/foreman/lib/cron"
	"github.com/bureau-foundation/foreman/lib/lease"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the foreman server configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Paths      PathsConfig      `yaml:"paths"`
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Scheduling SchedulingConfig `yaml:"scheduling"`
	Logs       LogsConfig       `yaml:"logs"`

	// Schedules submit jobs on cron expressions, evaluated in UTC.
	Schedules []ScheduleConfig `yaml:"schedules"`

	// Per-environment overrides, applied after the base config loads.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains the fields that can be overridden per
// environment. Only non-empty values replace the base.
type ConfigOverrides struct {
	Paths   *PathsConfig   `yaml:"paths,omitempty"`
	Server  *ServerConfig  `yaml:"server,omitempty"`
	Storage *StorageConfig `yaml:"storage,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for foreman data.
	Root string `yaml:"root"`

	// State holds the SQLite databases (leases, agents, pools, locks,
	// log chunks).
	State string `yaml:"state"`

	// Blobs is the root of the file blob backend.
	Blobs string `yaml:"blobs"`

	// Streams is the directory of JSONC stream definitions read by the
	// pool reconciler.
	Streams string `yaml:"streams"`
}

// ServerConfig configures the listening surfaces.
type ServerConfig struct {
	// SocketPath is the unix socket for the agent session protocol and
	// the compute client API.
	SocketPath string `yaml:"socket_path"`

	// AdminAddress is the TCP address of the HTTP admin API. Empty
	// disables it.
	AdminAddress string `yaml:"admin_address"`

	// AllowedOrigins lists CORS origins for the admin API.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// StorageConfig selects persistence backends.
type StorageConfig struct {
	// BlobBackend is "file", "sqlite" or "memory".
	BlobBackend string `yaml:"blob_backend"`

	// BlobCacheEntries bounds the in-process blob read cache. Zero
	// disables it.
	BlobCacheEntries int `yaml:"blob_cache_entries"`

	// PoolBackend is "sqlite", "postgres" or "memory".
	PoolBackend string `yaml:"pool_backend"`

	// PostgresDSN is required when PoolBackend is "postgres".
	PostgresDSN string `yaml:"postgres_dsn"`

	// LogBuilder is "memory" or "sqlite".
	LogBuilder string `yaml:"log_builder"`
}

// SchedulingConfig holds lease and reconciliation timing. Durations
// use time.ParseDuration syntax.
type SchedulingConfig struct {
	SessionTimeout    string `yaml:"session_timeout"`
	WaitLeaseTimeout  string `yaml:"wait_lease_timeout"`
	ReconcileInterval string `yaml:"reconcile_interval"`
}

// LogsConfig holds log flush timing.
type LogsConfig struct {
	FlushInterval string `yaml:"flush_interval"`
	MinAge        string `yaml:"min_age"`
	SealAfter     string `yaml:"seal_after"`
}

// ScheduleConfig is one recurring job. Job.Name defaults to Name.
type ScheduleConfig struct {
	Name string        `yaml:"name"`
	Cron string        `yaml:"cron"`
	Job  lease.JobSpec `yaml:"job"`
}

// Timing is the parsed form of every duration in the config.
type Timing struct {
	SessionTimeout    time.Duration
	WaitLeaseTimeout  time.Duration
	ReconcileInterval time.Duration
	FlushInterval     time.Duration
	FlushMinAge       time.Duration
	SealAfter         time.Duration
}

// Default returns the base configuration a file is merged into.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "foreman")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:    defaultRoot,
			State:   filepath.Join(defaultRoot, "state"),
			Blobs:   filepath.Join(defaultRoot, "blobs"),
			Streams: filepath.Join(defaultRoot, "streams"),
		},
		Server: ServerConfig{
			SocketPath:   "/run/foreman/server.sock",
			AdminAddress: "127.0.0.1:7480",
			LogLevel:     "info",
		},
		Storage: StorageConfig{
			BlobBackend:      "file",
			BlobCacheEntries: 1024,
			PoolBackend:      "sqlite",
			LogBuilder:       "memory",
		},
		Scheduling: SchedulingConfig{
			SessionTimeout:    "2m",
			WaitLeaseTimeout:  "30s",
			ReconcileInterval: "30s",
		},
		Logs: LogsConfig{
			FlushInterval: "5s",
			MinAge:        "10s",
			SealAfter:     "2m",
		},
	}
}

// Load loads configuration from the file named by FOREMAN_CONFIG.
// There is no discovery or fallback: an unset variable is an error.
func Load() (*Config, error) {
	configPath := os.Getenv("FOREMAN_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("FOREMAN_CONFIG environment variable not set; " +
			"set it to the path of your foreman.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path, applies the environment
// section, and expands ${VAR} references in paths.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production never runs with volatile stores unless told to.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Storage: &StorageConfig{BlobBackend: "file", PoolBackend: "sqlite"},
			}
		}
	}
	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		setIfNotEmpty(&c.Paths.Root, overrides.Paths.Root)
		setIfNotEmpty(&c.Paths.State, overrides.Paths.State)
		setIfNotEmpty(&c.Paths.Blobs, overrides.Paths.Blobs)
		setIfNotEmpty(&c.Paths.Streams, overrides.Paths.Streams)
	}

	if overrides.Server != nil {
		setIfNotEmpty(&c.Server.SocketPath, overrides.Server.SocketPath)
		setIfNotEmpty(&c.Server.AdminAddress, overrides.Server.AdminAddress)
		setIfNotEmpty(&c.Server.LogLevel, overrides.Server.LogLevel)
		if len(overrides.Server.AllowedOrigins) > 0 {
			c.Server.AllowedOrigins = overrides.Server.AllowedOrigins
		}
	}

	if overrides.Storage != nil {
		setIfNotEmpty(&c.Storage.BlobBackend, overrides.Storage.BlobBackend)
		setIfNotEmpty(&c.Storage.PoolBackend, overrides.Storage.PoolBackend)
		setIfNotEmpty(&c.Storage.PostgresDSN, overrides.Storage.PostgresDSN)
		setIfNotEmpty(&c.Storage.LogBuilder, overrides.Storage.LogBuilder)
		if overrides.Storage.BlobCacheEntries != 0 {
			c.Storage.BlobCacheEntries = overrides.Storage.BlobCacheEntries
		}
	}
}

func setIfNotEmpty(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"FOREMAN_ROOT": c.Paths.Root,
		"HOME":         os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["FOREMAN_ROOT"] = c.Paths.Root

	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.Blobs = expandVars(c.Paths.Blobs, vars)
	c.Paths.Streams = expandVars(c.Paths.Streams, vars)
	c.Server.SocketPath = expandVars(c.Server.SocketPath, vars)
	c.Storage.PostgresDSN = expandVars(c.Storage.PostgresDSN, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. Provided vars win
// over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		defaultValue := parts[2]

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Timing parses every duration field.
func (c *Config) Timing() (Timing, error) {
	var timing Timing
	var errs []error
	parse := func(field, value string, target *time.Duration) {
		duration, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
			return
		}
		if duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", field, value))
			return
		}
		*target = duration
	}
	parse("scheduling.session_timeout", c.Scheduling.SessionTimeout, &timing.SessionTimeout)
	parse("scheduling.wait_lease_timeout", c.Scheduling.WaitLeaseTimeout, &timing.WaitLeaseTimeout)
	parse("scheduling.reconcile_interval", c.Scheduling.ReconcileInterval, &timing.ReconcileInterval)
	parse("logs.flush_interval", c.Logs.FlushInterval, &timing.FlushInterval)
	parse("logs.min_age", c.Logs.MinAge, &timing.FlushMinAge)
	parse("logs.seal_after", c.Logs.SealAfter, &timing.SealAfter)
	return timing, errors.Join(errs...)
}

// ScheduledJobs parses every schedule. Job specs are checked when the
// scheduler is built.
func (c *Config) ScheduledJobs() ([]lease.ScheduledJob, error) {
	var entries []lease.ScheduledJob
	var errs []error
	seen := make(map[string]bool)
	for i, schedule := range c.Schedules {
		if schedule.Name == "" {
			errs = append(errs, fmt.Errorf("schedules[%d].name is required", i))
			continue
		}
		if seen[schedule.Name] {
			errs = append(errs, fmt.Errorf("schedules[%d]: duplicate name %q", i, schedule.Name))
			continue
		}
		seen[schedule.Name] = true
		parsed, err := cron.Parse(schedule.Cron)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedules[%d] (%s): %w", i, schedule.Name, err))
			continue
		}
		spec := schedule.Job
		if spec.Name == "" {
			spec.Name = schedule.Name
		}
		entries = append(entries, lease.ScheduledJob{Name: schedule.Name, Schedule: parsed, Spec: spec})
	}
	return entries, errors.Join(errs...)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains([]Environment{Development, Staging, Production}, c.Environment) {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.State == "" {
		errs = append(errs, fmt.Errorf("paths.state is required"))
	}
	if c.Server.SocketPath == "" {
		errs = append(errs, fmt.Errorf("server.socket_path is required"))
	}

	levels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(levels, c.Server.LogLevel) {
		errs = append(errs, fmt.Errorf("server.log_level must be one of: %v", levels))
	}

	blobBackends := []string{"file", "sqlite", "memory"}
	if !slices.Contains(blobBackends, c.Storage.BlobBackend) {
		errs = append(errs, fmt.Errorf("storage.blob_backend must be one of: %v", blobBackends))
	}
	if c.Storage.BlobBackend == "file" && c.Paths.Blobs == "" {
		errs = append(errs, fmt.Errorf("paths.blobs is required for the file blob backend"))
	}

	poolBackends := []string{"sqlite", "postgres", "memory"}
	if !slices.Contains(poolBackends, c.Storage.PoolBackend) {
		errs = append(errs, fmt.Errorf("storage.pool_backend must be one of: %v", poolBackends))
	}
	if c.Storage.PoolBackend == "postgres" && c.Storage.PostgresDSN == "" {
		errs = append(errs, fmt.Errorf("storage.postgres_dsn is required for the postgres pool backend"))
	}

	builders := []string{"memory", "sqlite"}
	if !slices.Contains(builders, c.Storage.LogBuilder) {
		errs = append(errs, fmt.Errorf("storage.log_builder must be one of: %v", builders))
	}

	if _, err := c.Timing(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ScheduledJobs(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, c.Paths.State, c.Paths.Blobs, c.Paths.Streams} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	if dir := filepath.Dir(c.Server.SocketPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
