// Package store opens and prepares the embedded per-device database.
//
// The device store is a single SQLite file holding everything the sync engine
// persists locally:
//
//   - two tables per synced collection: <name>_local (optimistic writes not
//     yet acknowledged) and <name>_synced (last known durable state)
//   - the write_buffer table (ordered pending mutations)
//   - feed_offsets (resumable change-feed cursors per collection)
//   - the CAS catalog (blobs + paths)
//
// The database runs in WAL mode so readers are never blocked by the flush
// worker or the change-feed subscriber.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/deeprecall/recall-sync/internal/entity"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the device database connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the device database at path.
//
// The parent directory is created if missing. WAL mode, a busy timeout, and
// foreign keys are enabled. The caller must call Close when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
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

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// Conn returns the underlying sql.DB for the component wrappers
// (cache, write buffer, CAS catalog).
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
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

// LocalTable returns the name of a collection's local (optimistic) table.
func LocalTable(c entity.Collection) string {
	return string(c) + "_local"
}

// SyncedTable returns the name of a collection's synced table.
func SyncedTable(c entity.Collection) string {
	return string(c) + "_synced"
}

// InitSchema creates all device-side tables if they do not exist.
// Idempotent; safe to call on every startup.
func (db *DB) InitSchema(ctx context.Context) error {
	for _, col := range entity.Collections() {
		ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			data TEXT NOT NULL,
			mutation_id TEXT NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			data TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_updated ON %s(updated_at);
		`, LocalTable(col), SyncedTable(col), SyncedTable(col), SyncedTable(col))

		if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create tables for %s: %w", col, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS write_buffer (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		mutation_id TEXT NOT NULL UNIQUE,
		collection TEXT NOT NULL,
		op TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		device_id TEXT NOT NULL,
		enqueued_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending'
	);
	CREATE INDEX IF NOT EXISTS idx_write_buffer_status ON write_buffer(status, seq);

	CREATE TABLE IF NOT EXISTS feed_offsets (
		collection TEXT PRIMARY KEY,
		cursor TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS blobs (
		hash TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		mime TEXT NOT NULL,
		mtime_ms INTEGER NOT NULL,
		created_ms INTEGER NOT NULL,
		filename TEXT,
		health TEXT NOT NULL DEFAULT 'healthy'
	);

	CREATE TABLE IF NOT EXISTS paths (
		path TEXT NOT NULL PRIMARY KEY,
		hash TEXT NOT NULL,
		FOREIGN KEY(hash) REFERENCES blobs(hash) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_paths_hash ON paths(hash);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}
