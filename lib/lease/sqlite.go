// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lease

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

// SQLiteSchema creates the lease and agent tables.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS leases (
	id          TEXT PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	source      TEXT NOT NULL,
	kind        INTEGER NOT NULL,
	payload     BLOB NOT NULL,
	start_time  INTEGER NOT NULL,
	finish_time INTEGER NOT NULL DEFAULT 0,
	outcome     INTEGER NOT NULL DEFAULT 0,
	result      BLOB
);
CREATE INDEX IF NOT EXISTS leases_active ON leases (agent_id, outcome);

CREATE TABLE IF NOT EXISTS agents (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	pool             TEXT NOT NULL,
	properties       BLOB,
	session_token    TEXT NOT NULL,
	enabled          INTEGER NOT NULL,
	request_shutdown INTEGER NOT NULL,
	registered_at    INTEGER NOT NULL,
	last_heartbeat   INTEGER NOT NULL
);
`

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

func columnBytes(stmt *sqlite.Stmt, column int) []byte {
	if stmt.ColumnType(column) == sqlite.TypeNull {
		return nil
	}
	data := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, data)
	return data
}

// SQLiteLeaseStore is a LeaseStore on a pool opened with SQLiteSchema.
type SQLiteLeaseStore struct {
	pool  *sqlitepool.Pool
	clock clock.Clock
}

func NewSQLiteLeaseStore(pool *sqlitepool.Pool, clk clock.Clock) *SQLiteLeaseStore {
	return &SQLiteLeaseStore{pool: pool, clock: clk}
}

func (s *SQLiteLeaseStore) exec(ctx context.Context, fn func(*sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return sqlitepool.Retry(ctx, s.clock, sqlitepool.DefaultRetry, func() error { return fn(conn) })
}

const leaseColumns = "id, agent_id, source, kind, payload, start_time, finish_time, outcome, result"

func scanLease(stmt *sqlite.Stmt) *Lease {
	return &Lease{
		ID:         stmt.ColumnText(0),
		AgentID:    stmt.ColumnText(1),
		Source:     stmt.ColumnText(2),
		Kind:       TaskKind(stmt.ColumnInt64(3)),
		Payload:    columnBytes(stmt, 4),
		StartTime:  fromUnixNanos(stmt.ColumnInt64(5)),
		FinishTime: fromUnixNanos(stmt.ColumnInt64(6)),
		Outcome:    Outcome(stmt.ColumnInt64(7)),
		Result:     columnBytes(stmt, 8),
	}
}

func (s *SQLiteLeaseStore) Create(ctx context.Context, lease *Lease) error {
	return s.exec(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO leases ("+leaseColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{
				lease.ID, lease.AgentID, lease.Source, int64(lease.Kind), lease.Payload,
				unixNanos(lease.StartTime), unixNanos(lease.FinishTime), int64(lease.Outcome), lease.Result,
			}})
	})
}

func (s *SQLiteLeaseStore) Get(ctx context.Context, id string) (*Lease, error) {
	var found *Lease
	err := s.exec(ctx, func(conn *sqlite.Conn) error {
		found = nil
		return sqlitex.Execute(conn, "SELECT "+leaseColumns+" FROM leases WHERE id = ?",
			&sqlitex.ExecOptions{
				Args: []any{id},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = scanLease(stmt)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("reading lease %s: %w", id, err)
	}
	if found == nil {
		return nil, ErrLeaseNotFound
	}
	return found, nil
}

func (s *SQLiteLeaseStore) Resolve(ctx context.Context, id string, outcome Outcome, result []byte, at time.Time) (bool, error) {
	resolved := false
	exists := false
	err := s.exec(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			"UPDATE leases SET outcome = ?, result = ?, finish_time = ? WHERE id = ? AND outcome = 0",
			&sqlitex.ExecOptions{Args: []any{int64(outcome), result, unixNanos(at), id}})
		if err != nil {
			return err
		}
		resolved = conn.Changes() > 0
		if resolved {
			return nil
		}
		return sqlitex.Execute(conn, "SELECT 1 FROM leases WHERE id = ?", &sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(*sqlite.Stmt) error {
				exists = true
				return nil
			},
		})
	})
	if err != nil {
		return false, fmt.Errorf("resolving lease %s: %w", id, err)
	}
	if !resolved && !exists {
		return false, ErrLeaseNotFound
	}
	return resolved, nil
}

func (s *SQLiteLeaseStore) ListActive(ctx context.Context, agentID string) ([]*Lease, error) {
	var active []*Lease
	err := s.exec(ctx, func(conn *sqlite.Conn) error {
		active = active[:0]
		return sqlitex.Execute(conn,
			"SELECT "+leaseColumns+" FROM leases WHERE agent_id = ? AND outcome = 0 ORDER BY id",
			&sqlitex.ExecOptions{
				Args: []any{agentID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					active = append(active, scanLease(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("listing active leases for %s: %w", agentID, err)
	}
	return active, nil
}

// SQLiteAgentStore is an AgentStore on a pool opened with SQLiteSchema.
type SQLiteAgentStore struct {
	leases *SQLiteLeaseStore
}

func NewSQLiteAgentStore(pool *sqlitepool.Pool, clk clock.Clock) *SQLiteAgentStore {
	return &SQLiteAgentStore{leases: NewSQLiteLeaseStore(pool, clk)}
}

const agentColumns = "id, name, pool, properties, session_token, enabled, request_shutdown, registered_at, last_heartbeat"

func scanAgent(stmt *sqlite.Stmt) (*Agent, error) {
	agent := &Agent{
		ID:              stmt.ColumnText(0),
		Name:            stmt.ColumnText(1),
		Pool:            stmt.ColumnText(2),
		SessionToken:    stmt.ColumnText(4),
		Enabled:         stmt.ColumnBool(5),
		RequestShutdown: stmt.ColumnBool(6),
		RegisteredAt:    fromUnixNanos(stmt.ColumnInt64(7)),
		LastHeartbeat:   fromUnixNanos(stmt.ColumnInt64(8)),
	}
	if encoded := columnBytes(stmt, 3); len(encoded) > 0 {
		if err := codec.Unmarshal(encoded, &agent.Properties); err != nil {
			return nil, fmt.Errorf("decoding properties of agent %s: %w", agent.ID, err)
		}
	}
	return agent, nil
}

func encodeProperties(properties []string) ([]byte, error) {
	if len(properties) == 0 {
		return nil, nil
	}
	return codec.Marshal(properties)
}

func (s *SQLiteAgentStore) Register(ctx context.Context, agent *Agent) error {
	properties, err := encodeProperties(agent.Properties)
	if err != nil {
		return err
	}
	return s.leases.exec(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name, pool = excluded.pool, properties = excluded.properties,
				session_token = excluded.session_token, enabled = excluded.enabled,
				request_shutdown = excluded.request_shutdown, last_heartbeat = excluded.last_heartbeat`,
			&sqlitex.ExecOptions{Args: []any{
				agent.ID, agent.Name, agent.Pool, properties, agent.SessionToken,
				agent.Enabled, agent.RequestShutdown, unixNanos(agent.RegisteredAt), unixNanos(agent.LastHeartbeat),
			}})
	})
}

func (s *SQLiteAgentStore) query(ctx context.Context, query string, args ...any) ([]*Agent, error) {
	var agents []*Agent
	err := s.leases.exec(ctx, func(conn *sqlite.Conn) error {
		agents = agents[:0]
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				agent, err := scanAgent(stmt)
				if err != nil {
					return err
				}
				agents = append(agents, agent)
				return nil
			},
		})
	})
	return agents, err
}

func (s *SQLiteAgentStore) Get(ctx context.Context, id string) (*Agent, error) {
	agents, err := s.query(ctx, "SELECT "+agentColumns+" FROM agents WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("reading agent %s: %w", id, err)
	}
	if len(agents) == 0 {
		return nil, ErrAgentNotFound
	}
	return agents[0], nil
}

func (s *SQLiteAgentStore) List(ctx context.Context) ([]*Agent, error) {
	agents, err := s.query(ctx, "SELECT "+agentColumns+" FROM agents ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	return agents, nil
}

func (s *SQLiteAgentStore) update(ctx context.Context, id, set string, args ...any) error {
	changed := false
	err := s.leases.exec(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "UPDATE agents SET "+set+" WHERE id = ?",
			&sqlitex.ExecOptions{Args: append(args, id)}); err != nil {
			return err
		}
		changed = conn.Changes() > 0
		return nil
	})
	if err != nil {
		return fmt.Errorf("updating agent %s: %w", id, err)
	}
	if !changed {
		return ErrAgentNotFound
	}
	return nil
}

func (s *SQLiteAgentStore) Heartbeat(ctx context.Context, id string, properties []string, at time.Time) error {
	if properties == nil {
		return s.update(ctx, id, "last_heartbeat = ?", unixNanos(at))
	}
	encoded, err := encodeProperties(properties)
	if err != nil {
		return err
	}
	return s.update(ctx, id, "last_heartbeat = ?, properties = ?", unixNanos(at), encoded)
}

func (s *SQLiteAgentStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.update(ctx, id, "enabled = ?", enabled)
}

func (s *SQLiteAgentStore) RequestShutdown(ctx context.Context, id string) error {
	return s.update(ctx, id, "request_shutdown = 1")
}
