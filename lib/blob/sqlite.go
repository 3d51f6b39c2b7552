// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/foreman/lib/clock"
	"github.com/bureau-foundation/foreman/lib/sqlitepool"
)

// SQLiteSchema creates the table used by SQLiteBackend.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS blob_kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	touched_at INTEGER NOT NULL
);
`

// SQLiteBackend stores keys in a single table. It suits deployments
// that already keep their state in one SQLite file and want blob
// storage in the same backup.
type SQLiteBackend struct {
	pool  *sqlitepool.Pool
	clock clock.Clock
}

// NewSQLiteBackend wraps a pool opened with SQLiteSchema.
func NewSQLiteBackend(pool *sqlitepool.Pool, clk clock.Clock) *SQLiteBackend {
	return &SQLiteBackend{pool: pool, clock: clk}
}

func (b *SQLiteBackend) withConn(ctx context.Context, fn func(*sqlite.Conn) error) error {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer b.pool.Put(conn)
	return sqlitepool.Retry(ctx, b.clock, sqlitepool.DefaultRetry, func() error {
		return fn(conn)
	})
}

func (b *SQLiteBackend) Read(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	found := false
	err := b.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT value FROM blob_kv WHERE key = ?", &sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				data = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, data)
				return nil
			},
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("blob: reading %s: %w", key, err)
	}
	return data, found, nil
}

func (b *SQLiteBackend) Write(ctx context.Context, key string, data []byte) error {
	err := b.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO blob_kv (key, value, touched_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, touched_at = excluded.touched_at`,
			&sqlitex.ExecOptions{Args: []any{key, data, b.clock.Now().UnixNano()}})
	})
	if err != nil {
		return fmt.Errorf("blob: writing %s: %w", key, err)
	}
	return nil
}

func (b *SQLiteBackend) Exists(ctx context.Context, key string) (bool, error) {
	found := false
	err := b.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT 1 FROM blob_kv WHERE key = ?", &sqlitex.ExecOptions{
			Args: []any{key},
			ResultFunc: func(*sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return false, fmt.Errorf("blob: checking %s: %w", key, err)
	}
	return found, nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	err := b.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM blob_kv WHERE key = ?", &sqlitex.ExecOptions{Args: []any{key}})
	})
	if err != nil {
		return fmt.Errorf("blob: deleting %s: %w", key, err)
	}
	return nil
}

func (b *SQLiteBackend) Touch(ctx context.Context, key string) error {
	err := b.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "UPDATE blob_kv SET touched_at = ? WHERE key = ?",
			&sqlitex.ExecOptions{Args: []any{b.clock.Now().UnixNano(), key}})
	})
	if err != nil {
		return fmt.Errorf("blob: touching %s: %w", key, err)
	}
	return nil
}

func (b *SQLiteBackend) List(ctx context.Context, prefix string) ([]KeyInfo, error) {
	var infos []KeyInfo
	err := b.withConn(ctx, func(conn *sqlite.Conn) error {
		infos = infos[:0]
		return sqlitex.Execute(conn,
			"SELECT key, touched_at FROM blob_kv WHERE substr(key, 1, ?) = ? ORDER BY key",
			&sqlitex.ExecOptions{
				Args: []any{len(prefix), prefix},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					infos = append(infos, KeyInfo{
						Key:     stmt.ColumnText(0),
						Touched: time.Unix(0, stmt.ColumnInt64(1)),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("blob: listing %s: %w", prefix, err)
	}
	return infos, nil
}
