package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// BlobMeta is the durable, cross-device description of a blob. Identity is
// the content hash; filename is display metadata only.
type BlobMeta struct {
	SHA256   string
	Size     int64
	Mime     string
	Filename string
}

// UpsertBlobMeta records that a blob exists. Keyed on the content hash with
// DO NOTHING semantics: two devices announcing the same bytes is expected,
// not a conflict.
func (c *Client) UpsertBlobMeta(ctx context.Context, meta BlobMeta) error {
	if meta.SHA256 == "" {
		return fmt.Errorf("sha256 is required")
	}
	conn, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	opCtx, cancel := context.WithTimeout(ctx, defaultOperationTimeout)
	defer cancel()

	query := `
	INSERT INTO blobs_meta (sha256, size, mime, filename)
	VALUES ($1, $2, $3, NULLIF($4, ''))
	ON CONFLICT (sha256) DO NOTHING
	`
	if _, err := conn.ExecContext(opCtx, query, meta.SHA256, meta.Size, meta.Mime, meta.Filename); err != nil {
		return fmt.Errorf("failed to upsert blob meta %s: %w", meta.SHA256, err)
	}
	return nil
}

// UpsertDevicePresence records that a device currently holds a blob's bytes.
// Keyed on (device_id, sha256) with DO NOTHING semantics.
func (c *Client) UpsertDevicePresence(ctx context.Context, deviceID, sha256 string) error {
	if deviceID == "" || sha256 == "" {
		return fmt.Errorf("device id and sha256 are required")
	}
	conn, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	opCtx, cancel := context.WithTimeout(ctx, defaultOperationTimeout)
	defer cancel()

	query := `
	INSERT INTO device_blobs (device_id, sha256)
	VALUES ($1, $2)
	ON CONFLICT (device_id, sha256) DO NOTHING
	`
	if _, err := conn.ExecContext(opCtx, query, deviceID, sha256); err != nil {
		return fmt.Errorf("failed to upsert presence %s@%s: %w", sha256, deviceID, err)
	}
	return nil
}

// ListPresence returns the devices currently holding a blob's bytes.
func (c *Client) ListPresence(ctx context.Context, sha256 string) ([]string, error) {
	conn, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	opCtx, cancel := context.WithTimeout(ctx, defaultOperationTimeout)
	defer cancel()

	rows, err := conn.QueryContext(opCtx,
		"SELECT device_id FROM device_blobs WHERE sha256 = $1 ORDER BY device_id", sha256)
	if err != nil {
		return nil, fmt.Errorf("failed to list presence for %s: %w", sha256, err)
	}
	defer rows.Close()

	var devices []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan presence row: %w", err)
		}
		devices = append(devices, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating presence rows: %w", err)
	}
	return devices, nil
}

// BlobMetaFor returns the durable metadata for a hash, or nil when unknown.
func (c *Client) BlobMetaFor(ctx context.Context, sha256 string) (*BlobMeta, error) {
	conn, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	opCtx, cancel := context.WithTimeout(ctx, defaultOperationTimeout)
	defer cancel()

	var meta BlobMeta
	var filename *string
	err = conn.QueryRowContext(opCtx,
		"SELECT sha256, size, mime, filename FROM blobs_meta WHERE sha256 = $1", sha256).
		Scan(&meta.SHA256, &meta.Size, &meta.Mime, &filename)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob meta %s: %w", sha256, err)
	}
	if filename != nil {
		meta.Filename = *filename
	}
	return &meta, nil
}

// RegisterDevice records this device in the roster and bumps last_seen.
// Called at daemon startup so replication planning knows who exists.
func (c *Client) RegisterDevice(ctx context.Context, deviceID, name string) error {
	if deviceID == "" {
		return fmt.Errorf("device id is required")
	}
	conn, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	opCtx, cancel := context.WithTimeout(ctx, defaultOperationTimeout)
	defer cancel()

	query := `
	INSERT INTO devices (id, name, last_seen)
	VALUES ($1, NULLIF($2, ''), $3)
	ON CONFLICT (id) DO UPDATE SET last_seen = EXCLUDED.last_seen
	`
	if _, err := conn.ExecContext(opCtx, query, deviceID, name, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to register device %s: %w", deviceID, err)
	}
	return nil
}

// ListDevices returns the known device roster.
func (c *Client) ListDevices(ctx context.Context) ([]string, error) {
	conn, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	opCtx, cancel := context.WithTimeout(ctx, defaultOperationTimeout)
	defer cancel()

	rows, err := conn.QueryContext(opCtx, "SELECT id FROM devices ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan device row: %w", err)
		}
		devices = append(devices, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating device rows: %w", err)
	}
	return devices, nil
}
