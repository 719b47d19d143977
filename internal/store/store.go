// Package store provides the relational data access layer for ash.
//
// All queries are written with ? placeholders and rebound through sqlx, so
// the same store runs on the embedded SQLite file and on PostgreSQL
// (DATABASE_URL). Writes go through the writer pool, reads through the
// read-only pool.
package store

import (
	"context"
	"fmt"

	"github.com/ashstack/ash/internal/db"
	"github.com/ashstack/ash/internal/db/dialect"
)

// Store implements the persistence operations the pool, session manager and
// coordinator need.
type Store struct {
	db     *db.Pool
	driver string
}

// New creates a Store on the given pool and initializes the schema.
func New(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool, driver: pool.DriverName()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection pools.
func (s *Store) Close() error {
	return s.db.Close()
}

// DriverName returns the sql driver behind this store.
func (s *Store) DriverName() string { return s.driver }

// writer-side exec with placeholder rebinding.
func (s *Store) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.Writer().ExecContext(ctx, s.db.Writer().Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// reader-side single-row get with placeholder rebinding.
func (s *Store) get(ctx context.Context, dest any, query string, args ...any) error {
	return s.db.Reader().GetContext(ctx, dest, s.db.Reader().Rebind(query), args...)
}

// reader-side multi-row select with placeholder rebinding.
func (s *Store) list(ctx context.Context, dest any, query string, args ...any) error {
	return s.db.Reader().SelectContext(ctx, dest, s.db.Reader().Rebind(query), args...)
}

// writer-side single-row get, for read-after-write paths that must observe
// the latest state (SQLite readers see WAL snapshots).
func (s *Store) getW(ctx context.Context, dest any, query string, args ...any) error {
	return s.db.Writer().GetContext(ctx, dest, s.db.Writer().Rebind(query), args...)
}

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL DEFAULT 'default',
			name TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			path TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (tenant, name)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL DEFAULT 'default',
			agent_name TEXT NOT NULL,
			sandbox_id TEXT,
			status TEXT NOT NULL DEFAULT 'starting',
			runner_id TEXT,
			created_at TIMESTAMP NOT NULL,
			last_active_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sandboxes (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL DEFAULT 'default',
			session_id TEXT,
			agent_name TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT 'cold',
			workspace_dir TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			last_used_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runners (
			id TEXT PRIMARY KEY,
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			max_sandboxes INTEGER NOT NULL DEFAULT 0,
			active_count INTEGER NOT NULL DEFAULT 0,
			warming_count INTEGER NOT NULL DEFAULT 0,
			last_heartbeat_at TIMESTAMP NOT NULL,
			registered_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL DEFAULT 'default',
			session_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			UNIQUE (tenant, session_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS session_events (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL DEFAULT 'default',
			session_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			type TEXT NOT NULL,
			data TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			UNIQUE (tenant, session_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sandboxes_state_last_used ON sandboxes(state, last_used_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sandboxes_session ON sandboxes(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_runner_status ON sessions(runner_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_tenant_agent ON sessions(tenant, agent_name)`,
		`CREATE INDEX IF NOT EXISTS idx_runners_heartbeat ON runners(last_heartbeat_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(tenant, session_id, sequence)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_session_seq ON session_events(tenant, session_id, sequence)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Writer().Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}

	return s.runMigrations()
}

// runMigrations applies additive column migrations for databases created by
// earlier releases. CREATE TABLE IF NOT EXISTS never alters an existing
// table, so columns added after a release land here.
func (s *Store) runMigrations() error {
	migrations := []struct {
		table, column, definition string
	}{
		{"sandboxes", "workspace_dir", "TEXT NOT NULL DEFAULT ''"},
		{"runners", "warming_count", "INTEGER NOT NULL DEFAULT 0"},
	}
	for _, m := range migrations {
		if err := dialect.EnsureColumn(s.db.Writer(), m.table, m.column, m.definition); err != nil {
			return fmt.Errorf("migrate %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}
