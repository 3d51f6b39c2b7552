// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package logbuilder

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/mo"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/foreman/lib/clock"
	"github.com/bureau-foundation/foreman/lib/codec"
	"github.com/bureau-foundation/foreman/lib/sqlitepool"
)

// SQLiteSchema creates the table used by SQLiteBuilder.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS log_chunks (
	log_id       TEXT NOT NULL,
	chunk_offset INTEGER NOT NULL,
	state        BLOB,
	touched_at   INTEGER NOT NULL,
	removed_at   INTEGER,
	PRIMARY KEY (log_id, chunk_offset)
);
CREATE INDEX IF NOT EXISTS log_chunks_touched ON log_chunks (touched_at);
`

// SQLiteBuilder keeps chunk state in SQLite. Every append is a small
// transaction, so pending chunks survive a restart and the server need
// not drain them on shutdown.
type SQLiteBuilder struct {
	pool    *sqlitepool.Pool
	clock   clock.Clock
	storage Storage
}

// NewSQLiteBuilder wraps a pool opened with SQLiteSchema. storage may
// be nil; see [NewMemoryBuilder] for how it is used.
func NewSQLiteBuilder(pool *sqlitepool.Pool, clk clock.Clock, storage Storage) *SQLiteBuilder {
	return &SQLiteBuilder{pool: pool, clock: clk, storage: storage}
}

// FlushOnShutdown is false: the table already survives restarts.
func (b *SQLiteBuilder) FlushOnShutdown() bool { return false }

type chunkRow struct {
	exists  bool
	removed bool
	state   ChunkData
}

func (b *SQLiteBuilder) withTransaction(ctx context.Context, fn func(*sqlite.Conn) error) error {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer b.pool.Put(conn)
	return sqlitepool.Retry(ctx, b.clock, sqlitepool.DefaultRetry, func() (err error) {
		endFn, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endFn(&err)
		return fn(conn)
	})
}

func readChunk(conn *sqlite.Conn, key ChunkKey) (chunkRow, error) {
	var row chunkRow
	var decodeErr error
	err := sqlitex.Execute(conn,
		"SELECT state, removed_at IS NOT NULL FROM log_chunks WHERE log_id = ? AND chunk_offset = ?",
		&sqlitex.ExecOptions{
			Args: []any{key.LogID, key.Offset},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				row.exists = true
				row.removed = stmt.ColumnBool(1)
				if row.removed {
					return nil
				}
				encoded := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, encoded)
				decodeErr = codec.Unmarshal(encoded, &row.state)
				return nil
			},
		})
	if err != nil {
		return row, err
	}
	if decodeErr != nil {
		return row, fmt.Errorf("decoding chunk %s@%d: %w", key.LogID, key.Offset, decodeErr)
	}
	return row, nil
}

func writeChunk(conn *sqlite.Conn, key ChunkKey, state ChunkData, touched time.Time) error {
	encoded, err := codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding chunk %s@%d: %w", key.LogID, key.Offset, err)
	}
	return sqlitex.Execute(conn, `
		INSERT INTO log_chunks (log_id, chunk_offset, state, touched_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(log_id, chunk_offset) DO UPDATE SET state = excluded.state, touched_at = excluded.touched_at`,
		&sqlitex.ExecOptions{Args: []any{key.LogID, key.Offset, encoded, touched.UnixNano()}})
}

func insertTombstone(conn *sqlite.Conn, key ChunkKey, now time.Time) error {
	return sqlitex.Execute(conn, `
		INSERT INTO log_chunks (log_id, chunk_offset, state, touched_at, removed_at) VALUES (?, ?, NULL, ?, ?)
		ON CONFLICT(log_id, chunk_offset) DO NOTHING`,
		&sqlitex.ExecOptions{Args: []any{key.LogID, key.Offset, now.UnixNano(), now.UnixNano()}})
}

// Append runs at most two transactions: storage is read between them
// when the chunk has no row, so no blob I/O happens under the write lock.
func (b *SQLiteBuilder) Append(ctx context.Context, logID string, chunkOffset, writeOffset, lineIndex, lineCount int64, data []byte, logType LogType) (bool, error) {
	key := ChunkKey{LogID: logID, Offset: chunkOffset}
	accepted, missing, err := b.appendOnce(ctx, key, nil, writeOffset, lineIndex, lineCount, data, logType)
	if err != nil || !missing {
		return accepted, err
	}
	start, err := startChunk(ctx, b.storage, key, writeOffset, lineIndex, b.clock.Now())
	if err != nil {
		return false, err
	}
	accepted, _, err = b.appendOnce(ctx, key, &start, writeOffset, lineIndex, lineCount, data, logType)
	return accepted, err
}

// appendOnce applies one write in a transaction. When the chunk has no
// row and start is nil it reports missing without writing anything.
func (b *SQLiteBuilder) appendOnce(ctx context.Context, key ChunkKey, start *chunkStart, writeOffset, lineIndex, lineCount int64, data []byte, logType LogType) (accepted, missing bool, err error) {
	err = b.withTransaction(ctx, func(conn *sqlite.Conn) error {
		accepted, missing = false, false
		row, err := readChunk(conn, key)
		if err != nil {
			return err
		}
		now := b.clock.Now()
		switch {
		case row.removed:
			return nil
		case !row.exists && start == nil:
			missing = true
			return nil
		case !row.exists && start.closed:
			return insertTombstone(conn, key, now)
		case !row.exists && !start.open:
			return nil
		case !row.exists:
			row.state = start.chunk
		}

		accepted, err = row.state.append(writeOffset, lineIndex, lineCount, data, logType, now)
		if err != nil || !accepted {
			return err
		}
		return writeChunk(conn, key, row.state, now)
	})
	if err != nil {
		return false, false, err
	}
	return accepted, missing, nil
}

// mutate applies fn to an existing, unremoved chunk without touching
// it. It reports whether the chunk has any row, removed or not; with
// tombstone set, a missing chunk gets a removed row instead.
func (b *SQLiteBuilder) mutate(ctx context.Context, key ChunkKey, tombstone bool, fn func(*ChunkData)) (bool, error) {
	found := false
	err := b.withTransaction(ctx, func(conn *sqlite.Conn) error {
		row, err := readChunk(conn, key)
		if err != nil {
			return err
		}
		found = row.exists
		if !row.exists && tombstone {
			return insertTombstone(conn, key, b.clock.Now())
		}
		if !row.exists || row.removed {
			return nil
		}
		fn(&row.state)
		encoded, err := codec.Marshal(row.state)
		if err != nil {
			return err
		}
		return sqlitex.Execute(conn,
			"UPDATE log_chunks SET state = ? WHERE log_id = ? AND chunk_offset = ?",
			&sqlitex.ExecOptions{Args: []any{encoded, key.LogID, key.Offset}})
	})
	return found, err
}

func (b *SQLiteBuilder) CompleteSubChunk(ctx context.Context, logID string, chunkOffset int64) error {
	_, err := b.mutate(ctx, ChunkKey{LogID: logID, Offset: chunkOffset}, false, (*ChunkData).sealSubChunk)
	return err
}

// CompleteChunk completes the stored row, or tombstones a chunk that
// has none so that no later Append can create it.
func (b *SQLiteBuilder) CompleteChunk(ctx context.Context, logID string, chunkOffset int64) error {
	key := ChunkKey{LogID: logID, Offset: chunkOffset}
	found, err := b.mutate(ctx, key, true, (*ChunkData).complete)
	if err != nil || found {
		return err
	}
	return closeStored(ctx, b.storage, key, b.clock.Now())
}

func (b *SQLiteBuilder) RemoveChunk(ctx context.Context, logID string, chunkOffset int64) error {
	return b.withTransaction(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"UPDATE log_chunks SET state = NULL, removed_at = ? WHERE log_id = ? AND chunk_offset = ? AND removed_at IS NULL",
			&sqlitex.ExecOptions{Args: []any{b.clock.Now().UnixNano(), logID, chunkOffset}})
	})
}

func (b *SQLiteBuilder) GetChunk(ctx context.Context, logID string, chunkOffset, lineIndex int64) (mo.Option[ChunkData], error) {
	var row chunkRow
	err := b.withTransaction(ctx, func(conn *sqlite.Conn) error {
		var err error
		row, err = readChunk(conn, ChunkKey{LogID: logID, Offset: chunkOffset})
		return err
	})
	if err != nil {
		return mo.None[ChunkData](), err
	}
	if !row.exists || row.removed {
		return mo.None[ChunkData](), nil
	}
	return mo.Some(row.state.From(lineIndex)), nil
}

func (b *SQLiteBuilder) TouchChunks(ctx context.Context, minAge time.Duration) ([]ChunkKey, error) {
	var keys []ChunkKey
	err := b.withTransaction(ctx, func(conn *sqlite.Conn) error {
		keys = keys[:0]
		now := b.clock.Now()
		threshold := now.Add(-minAge).UnixNano()

		if b.storage != nil {
			if err := sqlitex.Execute(conn, "DELETE FROM log_chunks WHERE removed_at IS NOT NULL AND removed_at < ?",
				&sqlitex.ExecOptions{Args: []any{now.Add(-tombstoneTTL).UnixNano()}}); err != nil {
				return err
			}
		}
		err := sqlitex.Execute(conn,
			"SELECT log_id, chunk_offset FROM log_chunks WHERE removed_at IS NULL AND touched_at <= ?",
			&sqlitex.ExecOptions{
				Args: []any{threshold},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					keys = append(keys, ChunkKey{LogID: stmt.ColumnText(0), Offset: stmt.ColumnInt64(1)})
					return nil
				},
			})
		if err != nil {
			return err
		}
		return sqlitex.Execute(conn,
			"UPDATE log_chunks SET touched_at = ? WHERE removed_at IS NULL AND touched_at <= ?",
			&sqlitex.ExecOptions{Args: []any{now.UnixNano(), threshold}})
	})
	if err != nil {
		return nil, err
	}
	sortKeys(keys)
	return keys, nil
}
