// Package cache provides the local cache and merge view for synced
// collections.
//
// Each collection is stored as two tables: the local table holds optimistic
// writes that have not been acknowledged by the durable store, the synced
// table holds the last known committed state. Reads merge the two by entity
// ID with local rows taking precedence; writes to the synced table are the
// exclusive business of the change-feed subscriber.
//
// Nothing in this package touches the network. Every operation is a local
// SQLite read or write and returns immediately.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/deeprecall/recall-sync/internal/entity"
	"github.com/deeprecall/recall-sync/internal/store"
)

// ErrNotFound is returned when no row exists for an entity ID.
var ErrNotFound = errors.New("entity not found")

// Cache mediates access to a device's local and synced tables.
type Cache struct {
	db *store.DB
}

// New creates a Cache over an opened device store. InitSchema must have run.
func New(db *store.DB) *Cache {
	return &Cache{db: db}
}

// LocalRow is one unacknowledged optimistic write.
type LocalRow struct {
	Entity *entity.Entity
	// MutationID links the row to its write-buffer entry.
	MutationID string
	// Deleted marks a local tombstone: the entity was deleted on this
	// device and the delete has not been acknowledged yet.
	Deleted bool
}

// Filter narrows a merged read. Zero value matches everything.
type Filter struct {
	// UpdatedAfter keeps entities whose updated_at is strictly later.
	UpdatedAfter time.Time
	// Limit caps the result count after merging (0 = no limit).
	Limit int
}

// WriteLocal upserts an optimistic write into the collection's local table.
// It is called synchronously from the mutation path and returns as soon as
// the row is durable in the device store.
func (c *Cache) WriteLocal(ctx context.Context, col entity.Collection, e *entity.Entity, mutationID string) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid entity: %w", err)
	}
	if e.Collection() != col {
		return fmt.Errorf("entity kind %q does not match collection %q", e.Kind, col)
	}
	if mutationID == "" {
		return fmt.Errorf("mutation id is required")
	}

	query := fmt.Sprintf(`
	INSERT INTO %s (id, kind, created_at, updated_at, data, mutation_id, deleted)
	VALUES (?, ?, ?, ?, ?, ?, 0)
	ON CONFLICT(id) DO UPDATE SET
		updated_at = excluded.updated_at,
		data = excluded.data,
		mutation_id = excluded.mutation_id,
		deleted = 0
	`, store.LocalTable(col))

	raw, err := e.Encode()
	if err != nil {
		return err
	}

	_, err = c.db.Conn().ExecContext(ctx, query,
		e.ID,
		e.Kind,
		e.CreatedAt.Format(time.RFC3339Nano),
		e.UpdatedAt.Format(time.RFC3339Nano),
		string(raw),
		mutationID,
	)
	if err != nil {
		return fmt.Errorf("failed to write local row %s: %w", e.ID, err)
	}
	return nil
}

// MarkDeletedLocal records a local tombstone so the merge view hides the
// entity until the delete is acknowledged.
func (c *Cache) MarkDeletedLocal(ctx context.Context, col entity.Collection, id, mutationID string) error {
	if id == "" || mutationID == "" {
		return fmt.Errorf("entity id and mutation id are required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	query := fmt.Sprintf(`
	INSERT INTO %s (id, kind, created_at, updated_at, data, mutation_id, deleted)
	VALUES (?, ?, ?, ?, '{}', ?, 1)
	ON CONFLICT(id) DO UPDATE SET
		updated_at = excluded.updated_at,
		mutation_id = excluded.mutation_id,
		deleted = 1
	`, store.LocalTable(col))

	_, err := c.db.Conn().ExecContext(ctx, query, id, string(col), now, now, mutationID)
	if err != nil {
		return fmt.Errorf("failed to mark %s deleted: %w", id, err)
	}
	return nil
}

// LocalRowFor returns the local row for an entity ID, or ErrNotFound.
func (c *Cache) LocalRowFor(ctx context.Context, col entity.Collection, id string) (*LocalRow, error) {
	query := fmt.Sprintf(
		"SELECT data, mutation_id, deleted FROM %s WHERE id = ?", store.LocalTable(col))

	var raw, mutationID string
	var deleted bool
	err := c.db.Conn().QueryRowContext(ctx, query, id).Scan(&raw, &mutationID, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read local row %s: %w", id, err)
	}

	row := &LocalRow{MutationID: mutationID, Deleted: deleted}
	if !deleted {
		e, err := entity.Decode([]byte(raw))
		if err != nil {
			return nil, err
		}
		row.Entity = e
	}
	return row, nil
}

// ClearLocal removes the local row for an entity ID. Only the change-feed
// subscriber calls this, after the durable store has acknowledged the write.
// Clearing a row that does not exist is not an error.
func (c *Cache) ClearLocal(ctx context.Context, col entity.Collection, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", store.LocalTable(col))
	if _, err := c.db.Conn().ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to clear local row %s: %w", id, err)
	}
	return nil
}

// ApplySynced upserts last-known-committed state into the synced table.
// Exclusive to the change-feed subscriber.
func (c *Cache) ApplySynced(ctx context.Context, col entity.Collection, e *entity.Entity) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid entity: %w", err)
	}
	query := fmt.Sprintf(`
	INSERT INTO %s (id, kind, created_at, updated_at, data)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		updated_at = excluded.updated_at,
		data = excluded.data
	`, store.SyncedTable(col))

	raw, err := e.Encode()
	if err != nil {
		return err
	}

	_, err = c.db.Conn().ExecContext(ctx, query,
		e.ID,
		e.Kind,
		e.CreatedAt.Format(time.RFC3339Nano),
		e.UpdatedAt.Format(time.RFC3339Nano),
		string(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to apply synced row %s: %w", e.ID, err)
	}
	return nil
}

// DeleteSynced removes an entity from the synced table. Exclusive to the
// change-feed subscriber. Idempotent.
func (c *Cache) DeleteSynced(ctx context.Context, col entity.Collection, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", store.SyncedTable(col))
	if _, err := c.db.Conn().ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete synced row %s: %w", id, err)
	}
	return nil
}

// SyncedRowFor returns the synced row for an entity ID, or ErrNotFound.
func (c *Cache) SyncedRowFor(ctx context.Context, col entity.Collection, id string) (*entity.Entity, error) {
	query := fmt.Sprintf("SELECT data FROM %s WHERE id = ?", store.SyncedTable(col))
	var raw string
	err := c.db.Conn().QueryRowContext(ctx, query, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read synced row %s: %w", id, err)
	}
	return entity.Decode([]byte(raw))
}

// ResetSynced truncates a collection's synced table. Used when the feed's
// offset has expired and the subscriber falls back to a full resync.
func (c *Cache) ResetSynced(ctx context.Context, col entity.Collection) error {
	query := fmt.Sprintf("DELETE FROM %s", store.SyncedTable(col))
	if _, err := c.db.Conn().ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to reset synced table for %s: %w", col, err)
	}
	return nil
}

// ReadMerged returns the merged projection of a collection: synced rows
// overlaid with local rows, deduplicated by ID, local wins. Entities with a
// local tombstone are omitted. Results are ordered by updated_at descending,
// then ID for determinism.
func (c *Cache) ReadMerged(ctx context.Context, col entity.Collection, filter Filter) ([]*entity.Entity, error) {
	synced, err := c.readAll(ctx, store.SyncedTable(col), false)
	if err != nil {
		return nil, err
	}
	local, err := c.readAll(ctx, store.LocalTable(col), true)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]*entity.Entity, len(synced)+len(local))
	for id, row := range synced {
		merged[id] = row.Entity
	}
	for id, row := range local {
		if row.Deleted {
			delete(merged, id)
			continue
		}
		merged[id] = row.Entity
	}

	out := make([]*entity.Entity, 0, len(merged))
	for _, e := range merged {
		if !filter.UpdatedAfter.IsZero() && !e.UpdatedAt.After(filter.UpdatedAfter) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return strings.Compare(out[i].ID, out[j].ID) < 0
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// GetMerged returns one entity through the merge view: the local version if
// present, otherwise the synced version. A local tombstone yields ErrNotFound.
func (c *Cache) GetMerged(ctx context.Context, col entity.Collection, id string) (*entity.Entity, error) {
	row, err := c.LocalRowFor(ctx, col, id)
	switch {
	case err == nil && row.Deleted:
		return nil, ErrNotFound
	case err == nil:
		return row.Entity, nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	return c.SyncedRowFor(ctx, col, id)
}

// readAll loads every row of a table. For local tables it returns tombstones
// too; for synced tables the map values always carry an entity.
func (c *Cache) readAll(ctx context.Context, table string, local bool) (map[string]*LocalRow, error) {
	cols := "id, data"
	if local {
		cols = "id, data, mutation_id, deleted"
	}
	rows, err := c.db.Conn().QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", cols, table))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]*LocalRow)
	for rows.Next() {
		var id, raw string
		row := &LocalRow{}
		if local {
			if err := rows.Scan(&id, &raw, &row.MutationID, &row.Deleted); err != nil {
				return nil, fmt.Errorf("failed to scan %s: %w", table, err)
			}
		} else {
			if err := rows.Scan(&id, &raw); err != nil {
				return nil, fmt.Errorf("failed to scan %s: %w", table, err)
			}
		}
		if !row.Deleted {
			e, err := entity.Decode([]byte(raw))
			if err != nil {
				return nil, err
			}
			row.Entity = e
		}
		out[id] = row
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", table, err)
	}
	return out, nil
}
