// Package sql implements storage.Storage over database/sql. The same store
// runs against postgres (pgx stdlib driver) in production and sqlite
// (modernc.org/sqlite) in tests and single-node deployments.
package sql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/user/dsentr/internal/storage"
	"github.com/user/dsentr/pkg/crypto"
)

type Store struct {
	db      *sql.DB
	driver  string
	queries map[string]string
	secrets *crypto.Cipher
}

// New opens a connection for the given driver ("pgx" or "sqlite") and
// resolves the query set for it.
func New(driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// modernc serializes writes; a single connection avoids SQLITE_BUSY
		// under concurrent test access.
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, driver: driver, queries: make(map[string]string, len(commonQueries))}
	for key, q := range commonQueries {
		s.queries[key] = prepareQuery(driver, q)
	}
	for key, q := range driverOverrides[driver] {
		s.queries[key] = prepareQuery(driver, q)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) query(key string) string {
	q, ok := s.queries[key]
	if !ok {
		panic("sql: unregistered query " + key)
	}
	return q
}

// prepareQuery rewrites `?` placeholders into the driver's native form:
// $1..$n for pgx, unchanged for sqlite.
func prepareQuery(driver, q string) string {
	if driver != "pgx" {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		workspace_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		graph TEXT NOT NULL,
		webhook_salt TEXT NOT NULL DEFAULT '',
		require_hmac BOOLEAN NOT NULL DEFAULT FALSE,
		hmac_replay_window_sec INTEGER NOT NULL DEFAULT 300,
		egress_allowlist TEXT NOT NULL DEFAULT '',
		concurrency_limit INTEGER NOT NULL DEFAULT 1,
		auto_dead_letter BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (owner, name)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_runs (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL REFERENCES workflows (id) ON DELETE CASCADE,
		owner TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT NOT NULL DEFAULT '',
		snapshot TEXT NOT NULL DEFAULT '',
		lease_owner TEXT NOT NULL DEFAULT '',
		lease_expires_at TIMESTAMP,
		recovery_count INTEGER NOT NULL DEFAULT 0,
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		finished_at TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS runs_idempotency
		ON workflow_runs (workflow_id, idempotency_key) WHERE idempotency_key <> ''`,
	`CREATE INDEX IF NOT EXISTS runs_queued
		ON workflow_runs (status, priority, created_at)`,
	`CREATE INDEX IF NOT EXISTS runs_lease_expiry
		ON workflow_runs (lease_expires_at) WHERE lease_expires_at IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS workflow_node_runs (
		run_id TEXT NOT NULL REFERENCES workflow_runs (id) ON DELETE CASCADE,
		node_id TEXT NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL,
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, node_id, attempt)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_schedules (
		workflow_id TEXT PRIMARY KEY REFERENCES workflows (id) ON DELETE CASCADE,
		config TEXT NOT NULL,
		last_run_at TIMESTAMP,
		next_run_at TIMESTAMP,
		enabled BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_dead_letters (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL REFERENCES workflows (id) ON DELETE CASCADE,
		owner TEXT NOT NULL,
		source_run_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		snapshot TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_webhook_signatures (
		workflow_id TEXT NOT NULL,
		signature TEXT NOT NULL,
		seen_at TIMESTAMP NOT NULL,
		PRIMARY KEY (workflow_id, signature)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_egress_block_events (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		node_id TEXT NOT NULL,
		host TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workspace_run_quota (
		workspace_id TEXT NOT NULL,
		period_start TIMESTAMP NOT NULL,
		run_count INTEGER NOT NULL DEFAULT 0,
		overage_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (workspace_id, period_start)
	)`,
	`CREATE TABLE IF NOT EXISTS user_oauth_tokens (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		access_enc TEXT NOT NULL,
		refresh_enc TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMP NOT NULL,
		account_email TEXT NOT NULL DEFAULT '',
		metadata_enc TEXT NOT NULL DEFAULT '',
		is_shared BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workspace_connections (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		created_by TEXT NOT NULL,
		source_token_id TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL,
		access_enc TEXT NOT NULL,
		refresh_enc TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMP NOT NULL,
		account_email TEXT NOT NULL DEFAULT '',
		stale BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workspace_audit_events (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
}

// Migrate applies the schema. Statements are idempotent so repeated runs are
// safe.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// isUniqueViolation detects duplicate-key errors from either backend without
// importing driver error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// AdvisoryLock takes a cluster-wide try-lock on postgres. sqlite is a
// single-writer backend, so the lock always succeeds there.
func (s *Store) AdvisoryLock(ctx context.Context, key int64) (bool, error) {
	if s.driver != "pgx" {
		return true, nil
	}
	var got bool
	if err := s.db.QueryRowContext(ctx, s.query(qAdvisoryLock), key).Scan(&got); err != nil {
		return false, fmt.Errorf("advisory lock: %w", err)
	}
	return got, nil
}

func (s *Store) AdvisoryUnlock(ctx context.Context, key int64) error {
	if s.driver != "pgx" {
		return nil
	}
	var released bool
	if err := s.db.QueryRowContext(ctx, s.query(qAdvisoryUnlock), key).Scan(&released); err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func joinList(items []string) string  { return strings.Join(items, ",") }
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

var _ storage.Storage = (*Store)(nil)
