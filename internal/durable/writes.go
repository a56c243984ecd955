package durable

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deeprecall/recall-sync/internal/entity"
)

// WriteChange is one buffered mutation as delivered to the write endpoint.
type WriteChange struct {
	// MutationID identifies the originating write-buffer entry.
	MutationID string
	Collection entity.Collection
	Op         entity.Op
	EntityID   string
	// Payload is the entity envelope JSON for create/update; empty for delete.
	Payload  json.RawMessage
	DeviceID string
}

// WriteResult reports the outcome of one change in a batch. Failures are
// per-item; the rest of the batch commits independently.
type WriteResult struct {
	MutationID string
	OK         bool
	Err        string
}

// WriteBatch applies a batch of changes with upsert semantics keyed by
// entity ID, so redelivery after an ambiguous failure converges to the same
// row state. Updates are guarded by a last-writer-wins check on updated_at:
// a change older than the committed row is skipped and still reported OK,
// since the device's write is subsumed.
//
// The returned error is non-nil only for batch-level failures (no
// connection); per-item failures land in the results.
func (c *Client) WriteBatch(ctx context.Context, changes []WriteChange) ([]WriteResult, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	conn, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	results := make([]WriteResult, 0, len(changes))
	for _, change := range changes {
		err := c.applyChange(ctx, conn, change)
		if err != nil {
			c.logger.Printf("write %s %s/%s failed: %v",
				change.Op, change.Collection, change.EntityID, err)
			results = append(results, WriteResult{MutationID: change.MutationID, Err: err.Error()})
			continue
		}
		results = append(results, WriteResult{MutationID: change.MutationID, OK: true})
	}
	return results, nil
}

func (c *Client) applyChange(ctx context.Context, conn *sql.Conn, change WriteChange) error {
	if !change.Collection.Valid() {
		return fmt.Errorf("unknown collection %q", change.Collection)
	}
	if change.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}

	opCtx, cancel := context.WithTimeout(ctx, defaultOperationTimeout)
	defer cancel()

	switch change.Op {
	case entity.OpCreate:
		return c.applyUpsert(opCtx, conn, change)
	case entity.OpUpdate:
		return c.applyUpdate(opCtx, conn, change)
	case entity.OpDelete:
		return c.applyDelete(opCtx, conn, change)
	default:
		return fmt.Errorf("unknown op %q", change.Op)
	}
}

// applyUpsert inserts the entity, replacing any existing row with the same
// ID. Creates are idempotent by construction.
func (c *Client) applyUpsert(ctx context.Context, conn *sql.Conn, change WriteChange) error {
	e, err := entity.Decode(change.Payload)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
	INSERT INTO %s (id, kind, created_at, updated_at, data, device_id)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO UPDATE SET
		updated_at = EXCLUDED.updated_at,
		data = EXCLUDED.data,
		device_id = EXCLUDED.device_id
	`, string(change.Collection))

	_, err = conn.ExecContext(ctx, query,
		e.ID, e.Kind, e.CreatedAt, e.UpdatedAt, string(change.Payload), change.DeviceID)
	if err != nil {
		return fmt.Errorf("upsert failed: %w", err)
	}
	return nil
}

// applyUpdate enforces last-writer-wins: if the committed row is newer than
// the delivered change, the change is skipped. A missing row degrades to an
// insert, which covers deliveries that arrive before their create.
func (c *Client) applyUpdate(ctx context.Context, conn *sql.Conn, change WriteChange) error {
	e, err := entity.Decode(change.Payload)
	if err != nil {
		return err
	}

	var committed time.Time
	query := fmt.Sprintf("SELECT updated_at FROM %s WHERE id = $1", string(change.Collection))
	err = conn.QueryRowContext(ctx, query, e.ID).Scan(&committed)
	if errors.Is(err, sql.ErrNoRows) {
		return c.applyUpsert(ctx, conn, change)
	}
	if err != nil {
		return fmt.Errorf("failed to read committed row: %w", err)
	}

	if !NewerWins(e.UpdatedAt, committed) {
		c.logger.Printf("skipping update for %s/%s, committed row is newer",
			change.Collection, e.ID)
		return nil
	}

	update := fmt.Sprintf(`
	UPDATE %s SET updated_at = $2, data = $3, device_id = $4 WHERE id = $1
	`, string(change.Collection))
	_, err = conn.ExecContext(ctx, update, e.ID, e.UpdatedAt, string(change.Payload), change.DeviceID)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	return nil
}

// applyDelete removes the row. Deleting a missing row is not an error.
func (c *Client) applyDelete(ctx context.Context, conn *sql.Conn, change WriteChange) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", string(change.Collection))
	if _, err := conn.ExecContext(ctx, query, change.EntityID); err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	return nil
}

// NewerWins reports whether a change stamped incoming should replace a
// committed row stamped committed. Ties go to the incoming change so a
// redelivered write converges instead of wedging.
func NewerWins(incoming, committed time.Time) bool {
	return !incoming.Before(committed)
}

// InitSchema creates the durable-store tables if missing: one table per
// synced collection plus blob metadata, device presence, and the device
// roster. Intended for development and tests; production schemas are
// migrated out of band.
func (c *Client) InitSchema(ctx context.Context) error {
	conn, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, col := range entity.Collections() {
		ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			kind TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			data JSONB NOT NULL,
			device_id TEXT NOT NULL
		)`, string(col))
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create table %s: %w", col, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS blobs_meta (
		sha256 TEXT PRIMARY KEY,
		size BIGINT NOT NULL,
		mime TEXT NOT NULL,
		filename TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS device_blobs (
		device_id TEXT NOT NULL,
		sha256 TEXT NOT NULL REFERENCES blobs_meta(sha256) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (device_id, sha256)
	);
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT,
		last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create blob tables: %w", err)
	}
	return nil
}
