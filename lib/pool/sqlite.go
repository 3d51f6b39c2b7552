// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/foreman/lib/clock"
	"github.com/bureau-foundation/foreman/lib/codec"
	"github.com/bureau-foundation/foreman/lib/sqlitepool"
)

// SQLiteSchema creates the pools table.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS pools (
	id                         TEXT PRIMARY KEY,
	name                       TEXT NOT NULL,
	workspaces                 BLOB,
	enable_autoscaling         INTEGER NOT NULL,
	min_agents                 INTEGER NOT NULL,
	num_reserve_agents         INTEGER NOT NULL,
	conform_interval           INTEGER NOT NULL,
	shutdown_if_disabled_grace INTEGER NOT NULL,
	version                    INTEGER NOT NULL
);
`

const poolColumns = "id, name, workspaces, enable_autoscaling, min_agents, num_reserve_agents, " +
	"conform_interval, shutdown_if_disabled_grace, version"

// SQLiteStore is a Store on a pool opened with SQLiteSchema. Workspace
// sets are stored as CBOR.
type SQLiteStore struct {
	db    *sqlitepool.Pool
	clock clock.Clock
}

func NewSQLiteStore(db *sqlitepool.Pool, clk clock.Clock) *SQLiteStore {
	return &SQLiteStore{db: db, clock: clk}
}

func (s *SQLiteStore) exec(ctx context.Context, fn func(*sqlite.Conn) error) error {
	conn, err := s.db.Take(ctx)
	if err != nil {
		return err
	}
	defer s.db.Put(conn)
	return sqlitepool.Retry(ctx, s.clock, sqlitepool.DefaultRetry, func() error { return fn(conn) })
}

func scanPool(stmt *sqlite.Stmt) (*Pool, error) {
	pool := &Pool{
		ID:                      stmt.ColumnText(0),
		Name:                    stmt.ColumnText(1),
		EnableAutoscaling:       stmt.ColumnBool(3),
		MinAgents:               int(stmt.ColumnInt64(4)),
		NumReserveAgents:        int(stmt.ColumnInt64(5)),
		ConformInterval:         time.Duration(stmt.ColumnInt64(6)),
		ShutdownIfDisabledGrace: time.Duration(stmt.ColumnInt64(7)),
		Version:                 stmt.ColumnInt64(8),
	}
	if stmt.ColumnType(2) != sqlite.TypeNull {
		data := make([]byte, stmt.ColumnLen(2))
		stmt.ColumnBytes(2, data)
		if err := codec.Unmarshal(data, &pool.Workspaces); err != nil {
			return nil, fmt.Errorf("decoding workspaces of pool %s: %w", pool.ID, err)
		}
	}
	if pool.Workspaces == nil {
		pool.Workspaces = []AgentWorkspace{}
	}
	return pool, nil
}

func selectPools(conn *sqlite.Conn, where string, args ...any) ([]*Pool, error) {
	var pools []*Pool
	err := sqlitex.Execute(conn, "SELECT "+poolColumns+" FROM pools "+where, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			pool, err := scanPool(stmt)
			if err != nil {
				return err
			}
			pools = append(pools, pool)
			return nil
		},
	})
	return pools, err
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Pool, error) {
	var pools []*Pool
	err := s.exec(ctx, func(conn *sqlite.Conn) (err error) {
		pools, err = selectPools(conn, "ORDER BY id")
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing pools: %w", err)
	}
	return pools, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Pool, error) {
	var pools []*Pool
	err := s.exec(ctx, func(conn *sqlite.Conn) (err error) {
		pools, err = selectPools(conn, "WHERE id = ?", id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading pool %s: %w", id, err)
	}
	if len(pools) == 0 {
		return nil, ErrPoolNotFound
	}
	return pools[0], nil
}

func (s *SQLiteStore) Create(ctx context.Context, pool *Pool) error {
	if err := validateNew(pool); err != nil {
		return err
	}
	workspaces, err := codec.Marshal(normalized(pool.Workspaces))
	if err != nil {
		return err
	}
	exists := false
	err = s.exec(ctx, func(conn *sqlite.Conn) (err error) {
		endFn, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endFn(&err)

		exists = false
		err = sqlitex.Execute(conn, "SELECT 1 FROM pools WHERE id = ?", &sqlitex.ExecOptions{
			Args: []any{pool.ID},
			ResultFunc: func(*sqlite.Stmt) error {
				exists = true
				return nil
			},
		})
		if err != nil || exists {
			return err
		}
		return sqlitex.Execute(conn, "INSERT INTO pools ("+poolColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)",
			&sqlitex.ExecOptions{Args: []any{
				pool.ID, pool.Name, workspaces, pool.EnableAutoscaling,
				pool.MinAgents, pool.NumReserveAgents,
				int64(pool.ConformInterval), int64(pool.ShutdownIfDisabledGrace),
			}})
	})
	if err != nil {
		return fmt.Errorf("creating pool %s: %w", pool.ID, err)
	}
	if exists {
		return ErrPoolExists
	}
	return nil
}

func (s *SQLiteStore) TryUpdateWorkspaces(ctx context.Context, pool *Pool, workspaces []AgentWorkspace) (bool, error) {
	data, err := codec.Marshal(normalized(workspaces))
	if err != nil {
		return false, err
	}
	updated, exists := false, false
	err = s.exec(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			"UPDATE pools SET workspaces = ?, version = version + 1 WHERE id = ? AND version = ?",
			&sqlitex.ExecOptions{Args: []any{data, pool.ID, pool.Version}})
		if err != nil {
			return err
		}
		updated = conn.Changes() > 0
		if updated {
			return nil
		}
		return sqlitex.Execute(conn, "SELECT 1 FROM pools WHERE id = ?", &sqlitex.ExecOptions{
			Args: []any{pool.ID},
			ResultFunc: func(*sqlite.Stmt) error {
				exists = true
				return nil
			},
		})
	})
	if err != nil {
		return false, fmt.Errorf("updating workspaces of pool %s: %w", pool.ID, err)
	}
	if !updated && !exists {
		return false, ErrPoolNotFound
	}
	return updated, nil
}

func (s *SQLiteStore) UpdateConfig(ctx context.Context, id string, update ConfigUpdate) (*Pool, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}
	var result *Pool
	err := s.exec(ctx, func(conn *sqlite.Conn) (err error) {
		endFn, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endFn(&err)

		pools, err := selectPools(conn, "WHERE id = ?", id)
		if err != nil {
			return err
		}
		if len(pools) == 0 {
			result = nil
			return nil
		}
		result = pools[0]
		update.apply(result)
		result.Version++
		return sqlitex.Execute(conn,
			`UPDATE pools SET enable_autoscaling = ?, min_agents = ?, num_reserve_agents = ?,
				conform_interval = ?, shutdown_if_disabled_grace = ?, version = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				result.EnableAutoscaling, result.MinAgents, result.NumReserveAgents,
				int64(result.ConformInterval), int64(result.ShutdownIfDisabledGrace),
				result.Version, id,
			}})
	})
	if err != nil {
		return nil, fmt.Errorf("updating pool %s: %w", id, err)
	}
	if result == nil {
		return nil, ErrPoolNotFound
	}
	return result, nil
}
