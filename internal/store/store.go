// Package store provides the local durable store for hermandad-sync.
//
// The store is an embedded SQLite database (WAL mode) holding one
// table per synchronized business collection plus the mutation queue
// and the conflict log. It is the single shared mutable resource of
// the engine: every compound write (record + enqueued mutation,
// record + dependent-mutation rewrite) runs inside one transaction so
// the store never observes a pending record without its queue entry,
// or vice versa.
//
// Architecture:
//   - Database file: hermandad.db (path from config)
//   - WAL mode: concurrent readers during writes
//   - Schema: members, payments, tickets, mutations, conflicts
//   - Indexes: optimized for the drain query (status, priority, id)
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection with store-specific functionality.
type DB struct {
	conn *sql.DB
	path string
}

// Querier is the subset of database/sql operations shared by *sql.DB
// and *sql.Tx. Store primitives that participate in compound writes
// accept a Querier so callers can run them inside one transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent
// reads. If it doesn't exist it is created; call InitSchema before
// first use. The caller MUST call Close when done.
//
// Example:
//
//	db, err := store.Open(".hermandad/hermandad.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Business collections
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		phone TEXT,
		joined_at TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		left_at TEXT,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		last_modified TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		member_name TEXT,
		amount_cents INTEGER NOT NULL,
		concept TEXT NOT NULL,
		paid_at TEXT NOT NULL,
		receipt_no INTEGER NOT NULL DEFAULT 0,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		last_modified TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		event TEXT NOT NULL,
		seq_no INTEGER NOT NULL,
		issued_at TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		last_modified TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0
	);

	-- Pending write operations, drained in (priority, id) order
	CREATE TABLE IF NOT EXISTS mutations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		op TEXT NOT NULL,
		tbl TEXT NOT NULL,
		record_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		enqueued_at TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 1,
		last_error TEXT
	);

	-- Divergences awaiting an explicit choice
	CREATE TABLE IF NOT EXISTS conflicts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tbl TEXT NOT NULL,
		record_id TEXT NOT NULL,
		local_data TEXT NOT NULL,
		server_data TEXT NOT NULL,
		local_ts TEXT NOT NULL,
		server_ts TEXT NOT NULL,
		detected_at TEXT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0,
		resolution TEXT
	);

	-- Indexes for common queries
	CREATE UNIQUE INDEX IF NOT EXISTS idx_members_email ON members(email);
	CREATE INDEX IF NOT EXISTS idx_members_sync ON members(sync_status);
	CREATE INDEX IF NOT EXISTS idx_payments_member ON payments(member_id);
	CREATE INDEX IF NOT EXISTS idx_payments_sync ON payments(sync_status);
	CREATE INDEX IF NOT EXISTS idx_tickets_member ON tickets(member_id);
	CREATE INDEX IF NOT EXISTS idx_tickets_event ON tickets(event);
	CREATE INDEX IF NOT EXISTS idx_tickets_sync ON tickets(sync_status);

	CREATE INDEX IF NOT EXISTS idx_mutations_status ON mutations(status);
	CREATE INDEX IF NOT EXISTS idx_mutations_tbl ON mutations(tbl);
	CREATE INDEX IF NOT EXISTS idx_mutations_enqueued ON mutations(enqueued_at);

	-- Composite index for the drain query
	CREATE INDEX IF NOT EXISTS idx_mutations_drain
	    ON mutations(status, priority, id);

	CREATE INDEX IF NOT EXISTS idx_conflicts_unresolved
	    ON conflicts(resolved, tbl, record_id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// WithTx runs fn inside a transaction. The transaction is rolled back
// if fn returns an error and committed otherwise. This is the
// unit-of-work primitive behind every compound write.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// parseTime parses a stored timestamp, tolerating both second and
// nanosecond precision.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
