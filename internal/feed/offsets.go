package feed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deeprecall/recall-sync/internal/entity"
	"github.com/deeprecall/recall-sync/internal/store"
)

// OffsetStore persists per-collection resume cursors in the device store, so
// a restarted subscriber continues where the feed left off instead of
// replaying or missing committed changes.
type OffsetStore struct {
	db *store.DB
}

// NewOffsetStore creates an OffsetStore over an opened device store.
func NewOffsetStore(db *store.DB) *OffsetStore {
	return &OffsetStore{db: db}
}

// Load returns the saved cursor for a collection, or "" when none exists.
func (o *OffsetStore) Load(ctx context.Context, col entity.Collection) (string, error) {
	var cursor string
	err := o.db.Conn().QueryRowContext(ctx,
		"SELECT cursor FROM feed_offsets WHERE collection = ?", string(col)).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load offset for %s: %w", col, err)
	}
	return cursor, nil
}

// Save stores the cursor for a collection.
func (o *OffsetStore) Save(ctx context.Context, col entity.Collection, cursor string) error {
	query := `
	INSERT INTO feed_offsets (collection, cursor, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(collection) DO UPDATE SET
		cursor = excluded.cursor,
		updated_at = excluded.updated_at
	`
	_, err := o.db.Conn().ExecContext(ctx, query,
		string(col), cursor, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save offset for %s: %w", col, err)
	}
	return nil
}

// Clear removes the cursor for a collection, forcing the next subscribe to
// request a full snapshot.
func (o *OffsetStore) Clear(ctx context.Context, col entity.Collection) error {
	_, err := o.db.Conn().ExecContext(ctx,
		"DELETE FROM feed_offsets WHERE collection = ?", string(col))
	if err != nil {
		return fmt.Errorf("failed to clear offset for %s: %w", col, err)
	}
	return nil
}
