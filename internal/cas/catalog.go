// Package cas implements the content-addressed blob store.
//
// Blob identity is the SHA-256 of the bytes; filenames and paths are
// metadata, never identity. The catalog (blobs + paths tables in the device
// store) maps each hash to its metadata and to zero or more filesystem
// locations, and tracks per-blob health relative to what is actually on
// disk.
package cas

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deeprecall/recall-sync/internal/store"
)

// Health classifies a blob's on-disk state relative to its catalog entry.
type Health string

const (
	// HealthHealthy: the recorded path exists and re-hashes to the
	// recorded value.
	HealthHealthy Health = "healthy"
	// HealthMissing: no recorded path holds the bytes anymore.
	HealthMissing Health = "missing"
	// HealthModified: a recorded path exists but its bytes hash
	// differently. Never silently accepted.
	HealthModified Health = "modified"
	// HealthRelocated: the bytes were found at a different path than
	// recorded.
	HealthRelocated Health = "relocated"
	// HealthDuplicate: the kept path of an auto-resolved duplicate
	// group. Signals the choice was automatic, not deliberate.
	HealthDuplicate Health = "duplicate"
	// HealthRemote: known from durable metadata only; no local bytes.
	HealthRemote Health = "remote"
)

// ErrNotFound is returned when a hash has no catalog entry.
var ErrNotFound = errors.New("blob not found")

// Blob is one catalog record.
type Blob struct {
	SHA256    string
	Size      int64
	Mime      string
	Filename  string
	CreatedAt time.Time
	ModTime   time.Time
	Health    Health
}

// PathEntry binds a filesystem path to a hash. The path is the unique key;
// one hash may own many paths.
type PathEntry struct {
	Path   string
	SHA256 string
}

// Stats summarizes the catalog by health class.
type Stats struct {
	TotalBlobs int
	Healthy    int
	Missing    int
	Modified   int
	Relocated  int
	Duplicate  int
	Remote     int
	TotalSize  int64
}

// Catalog wraps the blobs and paths tables.
type Catalog struct {
	db *store.DB
}

// NewCatalog creates a Catalog over an opened device store.
func NewCatalog(db *store.DB) *Catalog {
	return &Catalog{db: db}
}

// UpsertBlob inserts or replaces a blob record.
func (c *Catalog) UpsertBlob(ctx context.Context, b *Blob) error {
	if b.SHA256 == "" {
		return fmt.Errorf("sha256 is required")
	}
	if b.Health == "" {
		b.Health = HealthHealthy
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	query := `
	INSERT INTO blobs (hash, size, mime, mtime_ms, created_ms, filename, health)
	VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?)
	ON CONFLICT(hash) DO UPDATE SET
		size = excluded.size,
		mime = excluded.mime,
		mtime_ms = excluded.mtime_ms,
		filename = COALESCE(excluded.filename, blobs.filename),
		health = excluded.health
	`
	_, err := c.db.Conn().ExecContext(ctx, query,
		b.SHA256, b.Size, b.Mime,
		b.ModTime.UnixMilli(), b.CreatedAt.UnixMilli(),
		b.Filename, string(b.Health))
	if err != nil {
		return fmt.Errorf("failed to upsert blob %s: %w", b.SHA256, err)
	}
	return nil
}

// UpsertPath binds a path to a hash. A path maps to exactly one hash at a
// time; re-binding replaces the previous mapping.
func (c *Catalog) UpsertPath(ctx context.Context, hash, path string) error {
	query := `INSERT INTO paths (path, hash) VALUES (?, ?)
	ON CONFLICT(path) DO UPDATE SET hash = excluded.hash`
	if _, err := c.db.Conn().ExecContext(ctx, query, path, hash); err != nil {
		return fmt.Errorf("failed to upsert path %s: %w", path, err)
	}
	return nil
}

// Blob returns the record for a hash, or ErrNotFound.
func (c *Catalog) Blob(ctx context.Context, hash string) (*Blob, error) {
	query := `SELECT hash, size, mime, mtime_ms, created_ms, COALESCE(filename, ''), health
	FROM blobs WHERE hash = ?`

	var b Blob
	var mtimeMs, createdMs int64
	var health string
	err := c.db.Conn().QueryRowContext(ctx, query, hash).Scan(
		&b.SHA256, &b.Size, &b.Mime, &mtimeMs, &createdMs, &b.Filename, &health)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", hash, err)
	}
	b.ModTime = time.UnixMilli(mtimeMs).UTC()
	b.CreatedAt = time.UnixMilli(createdMs).UTC()
	b.Health = Health(health)
	return &b, nil
}

// Paths returns all recorded paths for a hash, ordered for determinism.
func (c *Catalog) Paths(ctx context.Context, hash string) ([]string, error) {
	rows, err := c.db.Conn().QueryContext(ctx,
		"SELECT path FROM paths WHERE hash = ? ORDER BY path", hash)
	if err != nil {
		return nil, fmt.Errorf("failed to read paths for %s: %w", hash, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan path: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating paths: %w", err)
	}
	return paths, nil
}

// HashForPath returns the hash recorded for a path, or "" when unknown.
func (c *Catalog) HashForPath(ctx context.Context, path string) (string, error) {
	var hash string
	err := c.db.Conn().QueryRowContext(ctx,
		"SELECT hash FROM paths WHERE path = ?", path).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up path %s: %w", path, err)
	}
	return hash, nil
}

// DeletePath removes one path entry. Idempotent.
func (c *Catalog) DeletePath(ctx context.Context, path string) error {
	if _, err := c.db.Conn().ExecContext(ctx, "DELETE FROM paths WHERE path = ?", path); err != nil {
		return fmt.Errorf("failed to delete path %s: %w", path, err)
	}
	return nil
}

// DeleteBlob removes a blob record and all its path entries. Idempotent.
func (c *Catalog) DeleteBlob(ctx context.Context, hash string) error {
	tx, err := c.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM paths WHERE hash = ?", hash); err != nil {
		return fmt.Errorf("failed to delete paths for %s: %w", hash, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM blobs WHERE hash = ?", hash); err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", hash, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// SetHealth updates a blob's health classification.
func (c *Catalog) SetHealth(ctx context.Context, hash string, h Health) error {
	_, err := c.db.Conn().ExecContext(ctx,
		"UPDATE blobs SET health = ? WHERE hash = ?", string(h), hash)
	if err != nil {
		return fmt.Errorf("failed to set health for %s: %w", hash, err)
	}
	return nil
}

// SetFilename updates a blob's display filename. The hash is invariant.
func (c *Catalog) SetFilename(ctx context.Context, hash, filename string) error {
	res, err := c.db.Conn().ExecContext(ctx,
		"UPDATE blobs SET filename = ? WHERE hash = ?", filename, hash)
	if err != nil {
		return fmt.Errorf("failed to set filename for %s: %w", hash, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBlobs returns every catalog record.
func (c *Catalog) ListBlobs(ctx context.Context) ([]*Blob, error) {
	rows, err := c.db.Conn().QueryContext(ctx,
		`SELECT hash, size, mime, mtime_ms, created_ms, COALESCE(filename, ''), health
		FROM blobs ORDER BY hash`)
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs: %w", err)
	}
	defer rows.Close()

	var blobs []*Blob
	for rows.Next() {
		var b Blob
		var mtimeMs, createdMs int64
		var health string
		if err := rows.Scan(&b.SHA256, &b.Size, &b.Mime, &mtimeMs, &createdMs, &b.Filename, &health); err != nil {
			return nil, fmt.Errorf("failed to scan blob: %w", err)
		}
		b.ModTime = time.UnixMilli(mtimeMs).UTC()
		b.CreatedAt = time.UnixMilli(createdMs).UTC()
		b.Health = Health(health)
		blobs = append(blobs, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blobs: %w", err)
	}
	return blobs, nil
}

// Stats aggregates the catalog by health class.
func (c *Catalog) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	query := `
	SELECT COUNT(*),
		COALESCE(SUM(size), 0),
		COALESCE(SUM(health = 'healthy'), 0),
		COALESCE(SUM(health = 'missing'), 0),
		COALESCE(SUM(health = 'modified'), 0),
		COALESCE(SUM(health = 'relocated'), 0),
		COALESCE(SUM(health = 'duplicate'), 0),
		COALESCE(SUM(health = 'remote'), 0)
	FROM blobs
	`
	err := c.db.Conn().QueryRowContext(ctx, query).Scan(
		&s.TotalBlobs, &s.TotalSize, &s.Healthy, &s.Missing,
		&s.Modified, &s.Relocated, &s.Duplicate, &s.Remote)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog stats: %w", err)
	}
	return &s, nil
}
