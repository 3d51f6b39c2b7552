// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/foreman/lib/clock"
	"github.com/bureau-foundation/foreman/lib/ids"
	"github.com/bureau-foundation/foreman/lib/sqlitepool"
)

// Schema creates the lock table. Pass it to sqlitepool.Config.Schema
// (alone or concatenated with other stores' schemas).
const Schema = `
CREATE TABLE IF NOT EXISTS locks (
	name       TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	owner      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// ErrNotAcquired is returned by TryAcquire when another holder's lease
// on the name has not expired.
var ErrNotAcquired = errors.New("lock: held by another owner")

// Config configures a Locker.
type Config struct {
	Pool *sqlitepool.Pool

	// Owner is recorded with every lock for diagnostics (hostname,
	// process name). It does not confer ownership: each acquisition
	// gets its own token.
	Owner string

	Clock  clock.Clock
	Logger *slog.Logger

	// RetryInterval is how often Acquire polls a held lock. Default 100ms.
	RetryInterval time.Duration
}

// Locker hands out named, TTL-bounded locks stored in SQLite.
type Locker struct {
	pool          *sqlitepool.Pool
	owner         string
	clock         clock.Clock
	logger        *slog.Logger
	retryInterval time.Duration
}

// New returns a Locker. Pool and Clock are required.
func New(cfg Config) (*Locker, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("lock: Pool is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("lock: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = 100 * time.Millisecond
	}
	return &Locker{
		pool:          cfg.Pool,
		owner:         cfg.Owner,
		clock:         cfg.Clock,
		logger:        logger,
		retryInterval: retryInterval,
	}, nil
}

// TryAcquire takes the named lock for ttl if it is free or its previous
// holder's lease has expired. A held lock renews itself every ttl/2
// until Close.
func (l *Locker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock: ttl must be positive, got %v", ttl)
	}

	token := ids.New(ids.Lock)
	acquired := false
	err := l.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		endFn, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endFn(&err)

		now := l.clock.Now()
		var expiresAt int64
		held := false
		err = sqlitex.Execute(conn, "SELECT expires_at FROM locks WHERE name = ?", &sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				held = true
				expiresAt = stmt.ColumnInt64(0)
				return nil
			},
		})
		if err != nil {
			return err
		}
		if held && expiresAt > now.UnixNano() {
			return nil
		}

		err = sqlitex.Execute(conn,
			"INSERT OR REPLACE INTO locks (name, token, owner, expires_at) VALUES (?, ?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{name, token, l.owner, now.Add(ttl).UnixNano()}})
		if err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lock: acquiring %q: %w", name, err)
	}
	if !acquired {
		return nil, ErrNotAcquired
	}

	lock := &Lock{
		locker: l,
		name:   name,
		token:  token,
		ttl:    ttl,
		lost:   make(chan struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go lock.renewLoop()

	l.logger.Debug("lock acquired", "name", name, "token", token, "ttl", ttl)
	return lock, nil
}

// Acquire blocks until the named lock is taken or ctx ends.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	for {
		lock, err := l.TryAcquire(ctx, name, ttl)
		if !errors.Is(err, ErrNotAcquired) {
			return lock, err
		}
		select {
		case <-l.clock.After(l.retryInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *Locker) withConn(ctx context.Context, fn func(*sqlite.Conn) error) error {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer l.pool.Put(conn)
	return sqlitepool.Retry(ctx, l.clock, sqlitepool.DefaultRetry, func() error {
		return fn(conn)
	})
}

// Lock is a held lock. Close it exactly once.
type Lock struct {
	locker *Locker
	name   string
	token  string
	ttl    time.Duration

	lost      chan struct{}
	lostOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Name returns the lock name.
func (lock *Lock) Name() string { return lock.name }

// Lost closes when a renewal finds that another holder took the lock,
// which happens only if renewals stalled past the TTL.
func (lock *Lock) Lost() <-chan struct{} { return lock.lost }

// Close stops renewal and releases the lock if this holder still owns it.
func (lock *Lock) Close() error {
	var err error
	lock.closeOnce.Do(func() {
		close(lock.stop)
		<-lock.done

		err = lock.locker.withConn(context.Background(), func(conn *sqlite.Conn) error {
			return sqlitex.Execute(conn, "DELETE FROM locks WHERE name = ? AND token = ?",
				&sqlitex.ExecOptions{Args: []any{lock.name, lock.token}})
		})
		if err != nil {
			err = fmt.Errorf("lock: releasing %q: %w", lock.name, err)
			return
		}
		lock.locker.logger.Debug("lock released", "name", lock.name, "token", lock.token)
	})
	return err
}

func (lock *Lock) renewLoop() {
	defer close(lock.done)

	ticker := lock.locker.clock.NewTicker(lock.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-lock.stop:
			return
		case <-ticker.C:
			owned, err := lock.renew()
			if err != nil {
				lock.locker.logger.Warn("lock renewal failed",
					"name", lock.name,
					"error", err,
				)
				continue
			}
			if !owned {
				lock.locker.logger.Error("lock lost", "name", lock.name, "token", lock.token)
				lock.lostOnce.Do(func() { close(lock.lost) })
				return
			}
		}
	}
}

func (lock *Lock) renew() (bool, error) {
	var owned bool
	err := lock.locker.withConn(context.Background(), func(conn *sqlite.Conn) error {
		expiresAt := lock.locker.clock.Now().Add(lock.ttl).UnixNano()
		if err := sqlitex.Execute(conn, "UPDATE locks SET expires_at = ? WHERE name = ? AND token = ?",
			&sqlitex.ExecOptions{Args: []any{expiresAt, lock.name, lock.token}}); err != nil {
			return err
		}
		owned = conn.Changes() > 0
		return nil
	})
	return owned, err
}
