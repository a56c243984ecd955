package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/deeprecall/recall-sync/internal/entity"
	"github.com/deeprecall/recall-sync/internal/store"
)

// setupCache opens a fresh device store with schema applied.
func setupCache(t *testing.T) *Cache {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "recall.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return New(db)
}

func testWork(t *testing.T, title string) *entity.Entity {
	t.Helper()
	e, err := entity.NewEntity(entity.CollectionWorks, &entity.Work{Title: title})
	if err != nil {
		t.Fatalf("NewEntity() failed: %v", err)
	}
	return e
}

// TestWriteLocal_ReadMerged tests the instant-write path: a local write is
// visible through the merge view immediately.
func TestWriteLocal_ReadMerged(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	e := testWork(t, "SICP")
	if err := c.WriteLocal(ctx, entity.CollectionWorks, e, uuid.NewString()); err != nil {
		t.Fatalf("WriteLocal() failed: %v", err)
	}

	got, err := c.ReadMerged(ctx, entity.CollectionWorks, Filter{})
	if err != nil {
		t.Fatalf("ReadMerged() failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != e.ID {
		t.Fatalf("ReadMerged() = %d rows, want the written entity", len(got))
	}
}

// TestReadMerged_LocalWins tests the precedence rule: when local and synced
// disagree for the same ID, the merge view returns the local content.
func TestReadMerged_LocalWins(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	committed := testWork(t, "committed title")
	if err := c.ApplySynced(ctx, entity.CollectionWorks, committed); err != nil {
		t.Fatalf("ApplySynced() failed: %v", err)
	}

	edited := committed.Clone()
	edited.Data = []byte(`{"title":"edited locally"}`)
	edited.UpdatedAt = committed.UpdatedAt.Add(time.Second)
	if err := c.WriteLocal(ctx, entity.CollectionWorks, edited, uuid.NewString()); err != nil {
		t.Fatalf("WriteLocal() failed: %v", err)
	}

	got, err := c.GetMerged(ctx, entity.CollectionWorks, committed.ID)
	if err != nil {
		t.Fatalf("GetMerged() failed: %v", err)
	}
	if string(got.Data) != `{"title":"edited locally"}` {
		t.Errorf("GetMerged() returned synced content %s, want the local edit", got.Data)
	}

	rows, err := c.ReadMerged(ctx, entity.CollectionWorks, Filter{})
	if err != nil {
		t.Fatalf("ReadMerged() failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("ReadMerged() = %d rows, want 1 (deduplicated by id)", len(rows))
	}
}

// TestMarkDeletedLocal_Tombstone tests that a local tombstone hides a synced
// row until the delete is acknowledged.
func TestMarkDeletedLocal_Tombstone(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	e := testWork(t, "doomed")
	if err := c.ApplySynced(ctx, entity.CollectionWorks, e); err != nil {
		t.Fatalf("ApplySynced() failed: %v", err)
	}
	if err := c.MarkDeletedLocal(ctx, entity.CollectionWorks, e.ID, uuid.NewString()); err != nil {
		t.Fatalf("MarkDeletedLocal() failed: %v", err)
	}

	if _, err := c.GetMerged(ctx, entity.CollectionWorks, e.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMerged() after tombstone = %v, want ErrNotFound", err)
	}
	rows, err := c.ReadMerged(ctx, entity.CollectionWorks, Filter{})
	if err != nil {
		t.Fatalf("ReadMerged() failed: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("ReadMerged() = %d rows, want tombstoned entity hidden", len(rows))
	}
}

// TestClearLocal_FallsBackToSynced tests acknowledgment cleanup: once the
// local row is cleared, reads serve the synced copy.
func TestClearLocal_FallsBackToSynced(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	e := testWork(t, "converged")
	if err := c.WriteLocal(ctx, entity.CollectionWorks, e, uuid.NewString()); err != nil {
		t.Fatalf("WriteLocal() failed: %v", err)
	}
	if err := c.ApplySynced(ctx, entity.CollectionWorks, e); err != nil {
		t.Fatalf("ApplySynced() failed: %v", err)
	}
	if err := c.ClearLocal(ctx, entity.CollectionWorks, e.ID); err != nil {
		t.Fatalf("ClearLocal() failed: %v", err)
	}

	if _, err := c.LocalRowFor(ctx, entity.CollectionWorks, e.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("LocalRowFor() after clear = %v, want ErrNotFound", err)
	}
	got, err := c.GetMerged(ctx, entity.CollectionWorks, e.ID)
	if err != nil {
		t.Fatalf("GetMerged() failed: %v", err)
	}
	if got.ID != e.ID {
		t.Errorf("GetMerged() = %q, want the synced row", got.ID)
	}

	// Clearing again is a no-op, not an error.
	if err := c.ClearLocal(ctx, entity.CollectionWorks, e.ID); err != nil {
		t.Errorf("second ClearLocal() failed: %v", err)
	}
}

// TestReadMerged_FilterAndOrder tests the updated_at filter, descending
// order, and limit.
func TestReadMerged_FilterAndOrder(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	var ids []string
	for i := 0; i < 3; i++ {
		e := testWork(t, "entry")
		e.CreatedAt = base
		e.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := c.ApplySynced(ctx, entity.CollectionWorks, e); err != nil {
			t.Fatalf("ApplySynced() failed: %v", err)
		}
		ids = append(ids, e.ID)
	}

	got, err := c.ReadMerged(ctx, entity.CollectionWorks, Filter{UpdatedAfter: base})
	if err != nil {
		t.Fatalf("ReadMerged() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadMerged(UpdatedAfter) = %d rows, want 2", len(got))
	}
	if got[0].ID != ids[2] || got[1].ID != ids[1] {
		t.Errorf("ReadMerged() order wrong: got %q then %q", got[0].ID, got[1].ID)
	}

	limited, err := c.ReadMerged(ctx, entity.CollectionWorks, Filter{Limit: 1})
	if err != nil {
		t.Fatalf("ReadMerged() failed: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != ids[2] {
		t.Errorf("ReadMerged(Limit:1) should return just the newest row")
	}
}

// TestResetSynced tests the full-resync path truncates only the synced side.
func TestResetSynced(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	synced := testWork(t, "stale")
	if err := c.ApplySynced(ctx, entity.CollectionWorks, synced); err != nil {
		t.Fatalf("ApplySynced() failed: %v", err)
	}
	local := testWork(t, "pending")
	if err := c.WriteLocal(ctx, entity.CollectionWorks, local, uuid.NewString()); err != nil {
		t.Fatalf("WriteLocal() failed: %v", err)
	}

	if err := c.ResetSynced(ctx, entity.CollectionWorks); err != nil {
		t.Fatalf("ResetSynced() failed: %v", err)
	}

	if _, err := c.SyncedRowFor(ctx, entity.CollectionWorks, synced.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("SyncedRowFor() after reset = %v, want ErrNotFound", err)
	}
	if _, err := c.LocalRowFor(ctx, entity.CollectionWorks, local.ID); err != nil {
		t.Errorf("local row lost by ResetSynced(): %v", err)
	}
}

// TestWriteLocal_RejectsMismatch tests collection/kind agreement.
func TestWriteLocal_RejectsMismatch(t *testing.T) {
	c := setupCache(t)
	e := testWork(t, "misc")
	if err := c.WriteLocal(context.Background(), entity.CollectionCards, e, uuid.NewString()); err == nil {
		t.Fatal("WriteLocal() accepted a works entity for the cards collection")
	}
}
