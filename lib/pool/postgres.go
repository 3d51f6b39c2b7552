// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	// registers the postgres driver
	_ "github.com/lib/pq"
)

// PostgresSchema creates the pools table. Workspace sets are JSONB so
// they stay readable from psql.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS pools (
	id                         TEXT PRIMARY KEY,
	name                       TEXT NOT NULL,
	workspaces                 JSONB NOT NULL DEFAULT '[]',
	enable_autoscaling         BOOLEAN NOT NULL DEFAULT FALSE,
	min_agents                 INTEGER NOT NULL DEFAULT 0,
	num_reserve_agents         INTEGER NOT NULL DEFAULT 0,
	conform_interval           BIGINT NOT NULL DEFAULT 0,
	shutdown_if_disabled_grace BIGINT NOT NULL DEFAULT 0,
	version                    BIGINT NOT NULL
);
`

// OpenPostgres connects to databaseURL and applies PostgresSchema.
func OpenPostgres(ctx context.Context, databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.ExecContext(ctx, PostgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying pool schema: %w", err)
	}
	return db, nil
}

type poolRow struct {
	ID                      string `db:"id"`
	Name                    string `db:"name"`
	Workspaces              []byte `db:"workspaces"`
	EnableAutoscaling       bool   `db:"enable_autoscaling"`
	MinAgents               int    `db:"min_agents"`
	NumReserveAgents        int    `db:"num_reserve_agents"`
	ConformInterval         int64  `db:"conform_interval"`
	ShutdownIfDisabledGrace int64  `db:"shutdown_if_disabled_grace"`
	Version                 int64  `db:"version"`
}

func (r *poolRow) pool() (*Pool, error) {
	pool := &Pool{
		ID:                      r.ID,
		Name:                    r.Name,
		EnableAutoscaling:       r.EnableAutoscaling,
		MinAgents:               r.MinAgents,
		NumReserveAgents:        r.NumReserveAgents,
		ConformInterval:         time.Duration(r.ConformInterval),
		ShutdownIfDisabledGrace: time.Duration(r.ShutdownIfDisabledGrace),
		Version:                 r.Version,
	}
	if err := json.Unmarshal(r.Workspaces, &pool.Workspaces); err != nil {
		return nil, fmt.Errorf("decoding workspaces of pool %s: %w", r.ID, err)
	}
	if pool.Workspaces == nil {
		pool.Workspaces = []AgentWorkspace{}
	}
	return pool, nil
}

// PostgresStore is a Store on a Postgres database.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) List(ctx context.Context) ([]*Pool, error) {
	var rows []poolRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT "+poolColumns+" FROM pools ORDER BY id"); err != nil {
		return nil, fmt.Errorf("listing pools: %w", err)
	}
	pools := make([]*Pool, 0, len(rows))
	for i := range rows {
		pool, err := rows[i].pool()
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

func getPool(ctx context.Context, q sqlx.QueryerContext, id string, suffix string) (*Pool, error) {
	var row poolRow
	err := sqlx.GetContext(ctx, q, &row, "SELECT "+poolColumns+" FROM pools WHERE id = $1"+suffix, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPoolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading pool %s: %w", id, err)
	}
	return row.pool()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Pool, error) {
	return getPool(ctx, s.db, id, "")
}

func (s *PostgresStore) Create(ctx context.Context, pool *Pool) error {
	if err := validateNew(pool); err != nil {
		return err
	}
	workspaces, err := json.Marshal(normalized(pool.Workspaces))
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO pools ("+poolColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1) ON CONFLICT (id) DO NOTHING",
		pool.ID, pool.Name, string(workspaces), pool.EnableAutoscaling, pool.MinAgents, pool.NumReserveAgents,
		int64(pool.ConformInterval), int64(pool.ShutdownIfDisabledGrace))
	if err != nil {
		return fmt.Errorf("creating pool %s: %w", pool.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("creating pool %s: %w", pool.ID, err)
	}
	if rows == 0 {
		return ErrPoolExists
	}
	return nil
}

func (s *PostgresStore) TryUpdateWorkspaces(ctx context.Context, pool *Pool, workspaces []AgentWorkspace) (bool, error) {
	data, err := json.Marshal(normalized(workspaces))
	if err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx,
		"UPDATE pools SET workspaces = $1, version = version + 1 WHERE id = $2 AND version = $3",
		string(data), pool.ID, pool.Version)
	if err != nil {
		return false, fmt.Errorf("updating workspaces of pool %s: %w", pool.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("updating workspaces of pool %s: %w", pool.ID, err)
	}
	if rows > 0 {
		return true, nil
	}
	if _, err := s.Get(ctx, pool.ID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) UpdateConfig(ctx context.Context, id string, update ConfigUpdate) (result *Pool, err error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("updating pool %s: %w", id, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	result, err = getPool(ctx, tx, id, " FOR UPDATE")
	if err != nil {
		return nil, err
	}
	update.apply(result)
	result.Version++
	_, err = tx.ExecContext(ctx,
		`UPDATE pools SET enable_autoscaling = $1, min_agents = $2, num_reserve_agents = $3,
			conform_interval = $4, shutdown_if_disabled_grace = $5, version = $6 WHERE id = $7`,
		result.EnableAutoscaling, result.MinAgents, result.NumReserveAgents,
		int64(result.ConformInterval), int64(result.ShutdownIfDisabledGrace), result.Version, id)
	if err != nil {
		return nil, fmt.Errorf("updating pool %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing pool %s: %w", id, err)
	}
	return result, nil
}
