// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/foreman/lib/adminapi"
	"github.com/bureau-foundation/foreman/lib/clock"
	"github.com/bureau-foundation/foreman/lib/compute"
	"github.com/bureau-foundation/foreman/lib/config"
	"github.com/bureau-foundation/foreman/lib/lease"
	"github.com/bureau-foundation/foreman/lib/logbuilder"
	"github.com/bureau-foundation/foreman/lib/pool"
	"github.com/bureau-foundation/foreman/lib/process"
	"github.com/bureau-foundation/foreman/lib/service"
	"github.com/bureau-foundation/foreman/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		blobGCAge   time.Duration
		blobGCEvery time.Duration
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("foreman-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the server config (default: $FOREMAN_CONFIG)")
	flagSet.DurationVar(&blobGCAge, "blob-gc-age", 7*24*time.Hour, "delete unreferenced blobs older than this (0 disables collection)")
	flagSet.DurationVar(&blobGCEvery, "blob-gc-interval", time.Hour, "interval between blob garbage collection passes")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		version.Print("foreman-server")
		return nil
	}

	// A .env file is optional; it only seeds FOREMAN_CONFIG and
	// variables the config file expands.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}
	timing, err := cfg.Timing()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.Server.LogLevel),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	components, err := openComponents(ctx, cfg, clk, logger)
	if err != nil {
		return err
	}
	defer components.close()

	pools := components.pools
	conform, err := lease.NewConformSource(lease.ConformConfig{
		Pools:  pools,
		Clock:  clk,
		Logger: logger.With("component", "conform"),
	})
	if err != nil {
		return err
	}
	jobs, err := lease.NewJobSource(lease.JobConfig{
		Clock:  clk,
		Logger: logger.With("component", "jobs"),
	})
	if err != nil {
		return err
	}
	dispatcher, err := compute.New(compute.Config{
		Blobs:  components.blobs,
		Clock:  clk,
		Logger: logger.With("component", "compute"),
	})
	if err != nil {
		return err
	}

	// Source order is the tie-break between simultaneous offers:
	// workspace conformance first, then build steps, then compute.
	registry, err := lease.NewRegistry(lease.Config{
		Sources: []lease.TaskSource{conform, jobs, dispatcher},
		Leases:  components.leases,
		Agents:  components.agents,
		Clock:   clk,
		Logger:  logger.With("component", "registry"),
	})
	if err != nil {
		return err
	}
	sessions := lease.NewSessions(components.agents, clk, logger.With("component", "sessions"))

	monitor, err := lease.NewMonitor(lease.MonitorConfig{
		Agents:   components.agents,
		Registry: registry,
		Clock:    clk,
		Logger:   logger.With("component", "monitor"),
		Timeout:  timing.SessionTimeout,
	})
	if err != nil {
		return err
	}

	var streams pool.StreamSource = pool.NewMemoryStreams()
	if cfg.Paths.Streams != "" {
		streams = pool.ConfigDir{Path: cfg.Paths.Streams}
	}
	reconciler, err := pool.NewReconciler(pool.ReconcilerConfig{
		Pools:    pools,
		Streams:  streams,
		Clock:    clk,
		Logger:   logger.With("component", "reconciler"),
		Interval: timing.ReconcileInterval,
		OnChange: conform.PoolsChanged,
	})
	if err != nil {
		return err
	}

	flusher, err := logbuilder.NewFlusher(logbuilder.FlusherConfig{
		Builder:   components.builder,
		Storage:   components.logStorage,
		Clock:     clk,
		Logger:    logger.With("component", "flusher"),
		Interval:  timing.FlushInterval,
		MinAge:    timing.FlushMinAge,
		SealAfter: timing.SealAfter,
	})
	if err != nil {
		return err
	}

	scheduled, err := cfg.ScheduledJobs()
	if err != nil {
		return err
	}
	scheduler, err := lease.NewScheduler(lease.SchedulerConfig{
		Jobs:    jobs,
		Entries: scheduled,
		Clock:   clk,
		Logger:  logger.With("component", "scheduler"),
	})
	if err != nil {
		return err
	}

	socketServer := service.NewSocketServer(cfg.Server.SocketPath, logger.With("component", "socket"))
	if err := service.RegisterAPI(socketServer, service.APIConfig{
		Registry: registry,
		Sessions: sessions,
		Logs:     components.builder,
		Blobs:    components.blobs,
		Compute:  dispatcher,
		Logger:   logger.With("component", "api"),
		MaxWait:  timing.WaitLeaseTimeout,
	}); err != nil {
		return err
	}

	logger.Info("foreman server starting",
		"version", version.Info(),
		"environment", string(cfg.Environment),
		"socket", cfg.Server.SocketPath,
		"admin_address", cfg.Server.AdminAddress,
		"blob_backend", cfg.Storage.BlobBackend,
		"pool_backend", cfg.Storage.PoolBackend,
		"log_builder", cfg.Storage.LogBuilder,
		"schedules", len(scheduled),
	)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	background := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	background(monitor.Run)
	background(reconciler.Run)
	background(flusher.Run)
	if blobGCAge > 0 {
		background(func(ctx context.Context) {
			collectBlobs(ctx, components.blobs, clk, blobGCEvery, blobGCAge, logger)
		})
	}

	serve := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errs <- fmt.Errorf("%s: %w", name, err)
				stop()
			}
		}()
	}
	serve("socket server", socketServer.Serve)
	serve("scheduler", scheduler.Run)

	if cfg.Server.AdminAddress != "" {
		admin, err := adminapi.New(adminapi.Config{
			Pools:          pools,
			Agents:         components.agents,
			Registry:       registry,
			Jobs:           jobs,
			Logs:           logbuilder.NewReader(components.builder, components.logStorage),
			Conform:        conform,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Logger:         logger.With("component", "admin"),
		})
		if err != nil {
			return err
		}
		httpServer, err := service.NewHTTPServer(service.HTTPServerConfig{
			Address: cfg.Server.AdminAddress,
			Handler: admin.Handler(),
			Logger:  logger.With("component", "http"),
		})
		if err != nil {
			return err
		}
		serve("admin server", httpServer.Serve)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()

	// The request contexts are gone; draining needs its own deadline.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	flusher.Close(drainCtx)

	close(errs)
	var runErrs []error
	for err := range errs {
		runErrs = append(runErrs, err)
	}
	return errors.Join(runErrs...)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func statePath(cfg *config.Config, name string) string {
	return filepath.Join(cfg.Paths.State, name)
}
