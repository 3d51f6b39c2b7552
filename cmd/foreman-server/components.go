// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/bureau-foundation/foreman/lib/blob"
	"github.com/bureau-foundation/foreman/lib/clock"
	"github.com/bureau-foundation/foreman/lib/config"
	"github.com/bureau-foundation/foreman/lib/lease"
	"github.com/bureau-foundation/foreman/lib/lock"
	"github.com/bureau-foundation/foreman/lib/logbuilder"
	"github.com/bureau-foundation/foreman/lib/pool"
	"github.com/bureau-foundation/foreman/lib/sqlitepool"
)

// stateSchema covers every table kept in the state database. Each
// store's DDL is idempotent, so they share one file.
const stateSchema = lease.SQLiteSchema + lock.Schema + logbuilder.SQLiteSchema + pool.SQLiteSchema

// components holds the persistence layer. Everything in closers is
// closed in reverse order on shutdown.
type components struct {
	blobs      *blob.Store
	pools      pool.Store
	leases     lease.LeaseStore
	agents     lease.AgentStore
	builder    logbuilder.Builder
	logStorage logbuilder.Storage

	closers []io.Closer
	logger  *slog.Logger
}

func openComponents(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *slog.Logger) (_ *components, err error) {
	c := &components{logger: logger}
	defer func() {
		if err != nil {
			c.close()
		}
	}()

	state, err := sqlitepool.Open(sqlitepool.Config{
		Path:   statePath(cfg, "foreman.db"),
		Schema: stateSchema,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, state)

	hostname, _ := os.Hostname()
	locker, err := lock.New(lock.Config{
		Pool:   state,
		Owner:  fmt.Sprintf("foreman-server@%s/%d", hostname, os.Getpid()),
		Clock:  clk,
		Logger: logger.With("component", "lock"),
	})
	if err != nil {
		return nil, err
	}

	backend, err := c.openBlobBackend(cfg, clk)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.BlobCacheEntries > 0 {
		backend = blob.NewCachedBackend(backend, cfg.Storage.BlobCacheEntries)
	}
	c.blobs, err = blob.NewStore(blob.Config{
		Backend:  backend,
		Compress: true,
		Locker:   locker,
		Logger:   logger.With("component", "blobs"),
	})
	if err != nil {
		return nil, err
	}

	c.leases = lease.NewSQLiteLeaseStore(state, clk)
	c.agents = lease.NewSQLiteAgentStore(state, clk)

	switch cfg.Storage.PoolBackend {
	case "memory":
		c.pools = pool.NewMemoryStore()
	case "sqlite":
		c.pools = pool.NewSQLiteStore(state, clk)
	case "postgres":
		db, err := pool.OpenPostgres(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, db)
		c.pools = pool.NewPostgresStore(db)
	default:
		return nil, fmt.Errorf("unknown pool backend %q", cfg.Storage.PoolBackend)
	}

	c.logStorage = logbuilder.NewBlobStorage(c.blobs)
	switch cfg.Storage.LogBuilder {
	case "memory":
		c.builder = logbuilder.NewMemoryBuilder(clk, c.logStorage)
	case "sqlite":
		c.builder = logbuilder.NewSQLiteBuilder(state, clk, c.logStorage)
	default:
		return nil, fmt.Errorf("unknown log builder %q", cfg.Storage.LogBuilder)
	}

	return c, nil
}

func (c *components) openBlobBackend(cfg *config.Config, clk clock.Clock) (blob.Backend, error) {
	switch cfg.Storage.BlobBackend {
	case "memory":
		return blob.NewMemoryBackend(clk), nil
	case "file":
		backend, err := blob.OpenFileBackend(cfg.Paths.Blobs, clk)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, backend)
		return backend, nil
	case "sqlite":
		db, err := sqlitepool.Open(sqlitepool.Config{
			Path:   statePath(cfg, "blobs.db"),
			Schema: blob.SQLiteSchema,
			Logger: c.logger,
		})
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, db)
		return blob.NewSQLiteBackend(db, clk), nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Storage.BlobBackend)
	}
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			c.logger.Warn("closing store failed", "error", err)
		}
	}
	c.closers = nil
}

// collectBlobs runs blob garbage collection every interval until ctx
// is cancelled.
func collectBlobs(ctx context.Context, store *blob.Store, clk clock.Clock, interval, age time.Duration, logger *slog.Logger) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
		stats, err := store.GarbageCollect(ctx, clk.Now().Add(-age))
		if errors.Is(err, blob.ErrListUnsupported) {
			logger.Warn("blob backend cannot be collected, disabling gc")
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("blob gc failed", "error", err)
			}
			continue
		}
		logger.Info("blob gc complete",
			"refs", stats.Refs,
			"reachable", stats.Reachable,
			"scanned", stats.Scanned,
			"deleted", stats.Deleted,
		)
	}
}
