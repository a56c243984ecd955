package blobsync

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deeprecall/recall-sync/internal/cas"
	"github.com/deeprecall/recall-sync/internal/durable"
	"github.com/deeprecall/recall-sync/internal/store"
)

// fakeCoordinator records published metadata and presence in memory.
type fakeCoordinator struct {
	metas    map[string]durable.BlobMeta
	presence map[string]map[string]bool
	devices  []string
	// failFor makes coordination of one hash fail.
	failFor string
}

func newFakeCoordinator(devices ...string) *fakeCoordinator {
	return &fakeCoordinator{
		metas:    make(map[string]durable.BlobMeta),
		presence: make(map[string]map[string]bool),
		devices:  devices,
	}
}

func (f *fakeCoordinator) UpsertBlobMeta(ctx context.Context, meta durable.BlobMeta) error {
	if meta.SHA256 == f.failFor {
		return errors.New("injected coordination failure")
	}
	// First write wins, repeats are no-ops.
	if _, ok := f.metas[meta.SHA256]; !ok {
		f.metas[meta.SHA256] = meta
	}
	return nil
}

func (f *fakeCoordinator) UpsertDevicePresence(ctx context.Context, deviceID, sha256 string) error {
	if f.presence[sha256] == nil {
		f.presence[sha256] = make(map[string]bool)
	}
	f.presence[sha256][deviceID] = true
	return nil
}

func (f *fakeCoordinator) ListPresence(ctx context.Context, sha256 string) ([]string, error) {
	var out []string
	for d := range f.presence[sha256] {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeCoordinator) ListDevices(ctx context.Context) ([]string, error) {
	return f.devices, nil
}

func setupBridge(t *testing.T, coord Coordinator) (*Bridge, *cas.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "recall.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema(context.Background()))

	catalog := cas.NewCatalog(db)
	blobs, err := cas.NewStore(filepath.Join(t.TempDir(), "blobs"), catalog)
	require.NoError(t, err)

	return NewBridge(catalog, coord, "laptop", log.New(io.Discard, "", 0)), blobs
}

// TestCoordinateUpload publishes metadata and presence, without moving
// bytes anywhere.
func TestCoordinateUpload(t *testing.T) {
	coord := newFakeCoordinator("laptop", "tablet")
	bridge, blobs := setupBridge(t, coord)
	ctx := context.Background()

	hash, err := blobs.PutBytes(ctx, []byte("shared notes"), "notes.txt")
	require.NoError(t, err)
	require.NoError(t, bridge.CoordinateUpload(ctx, hash))

	meta, ok := coord.metas[hash]
	require.True(t, ok, "metadata not published")
	assert.Equal(t, "notes.txt", meta.Filename)
	assert.Equal(t, int64(len("shared notes")), meta.Size)
	assert.True(t, coord.presence[hash]["laptop"])

	// Repeats are harmless.
	require.NoError(t, bridge.CoordinateUpload(ctx, hash))

	// Unknown blobs are rejected before touching the durable store.
	err = bridge.CoordinateUpload(ctx, cas.HashBytes([]byte("never stored")))
	assert.ErrorIs(t, err, cas.ErrNotFound)
}

// TestCoordinateAll_PerBlobFailure verifies one failing blob is reported
// and skipped while the rest of the batch proceeds.
func TestCoordinateAll_PerBlobFailure(t *testing.T) {
	coord := newFakeCoordinator("laptop")
	bridge, blobs := setupBridge(t, coord)
	ctx := context.Background()

	good, err := blobs.PutBytes(ctx, []byte("fine"), "fine.txt")
	require.NoError(t, err)
	bad, err := blobs.PutBytes(ctx, []byte("cursed"), "cursed.txt")
	require.NoError(t, err)
	coord.failFor = bad

	report, err := bridge.CoordinateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Coordinated)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Errors, 1)
	assert.True(t, coord.presence[good]["laptop"])
	assert.False(t, coord.presence[bad]["laptop"])
}

// TestCoordinateAll_SkipsNonLocal verifies remote and missing blobs are not
// advertised as present.
func TestCoordinateAll_SkipsNonLocal(t *testing.T) {
	coord := newFakeCoordinator("laptop")
	bridge, blobs := setupBridge(t, coord)
	ctx := context.Background()

	require.NoError(t, blobs.Catalog().UpsertBlob(ctx, &cas.Blob{
		SHA256: cas.HashBytes([]byte("on another device")),
		Size:   17,
		Mime:   "text/plain",
		Health: cas.HealthRemote,
	}))

	report, err := bridge.CoordinateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Coordinated)
	assert.Empty(t, coord.presence)
}

// TestPlanReplication computes pending devices from the roster and
// presence.
func TestPlanReplication(t *testing.T) {
	coord := newFakeCoordinator("laptop", "tablet", "phone")
	bridge, blobs := setupBridge(t, coord)
	ctx := context.Background()

	hash, err := blobs.PutBytes(ctx, []byte("to replicate"), "r.bin")
	require.NoError(t, err)
	require.NoError(t, bridge.CoordinateUpload(ctx, hash))

	plan, err := bridge.PlanReplication(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, hash, plan.SHA256)
	assert.Equal(t, int64(len("to replicate")), plan.Size)
	assert.Equal(t, []string{"laptop"}, plan.PresentOn)
	assert.ElementsMatch(t, []string{"tablet", "phone"}, plan.Pending)
}

// TestAdoptRemote records a durable-only blob locally with remote health.
func TestAdoptRemote(t *testing.T) {
	coord := newFakeCoordinator("laptop")
	bridge, blobs := setupBridge(t, coord)
	ctx := context.Background()

	meta := durable.BlobMeta{
		SHA256:   cas.HashBytes([]byte("elsewhere")),
		Size:     9,
		Mime:     "text/plain",
		Filename: "far.txt",
	}
	require.NoError(t, bridge.AdoptRemote(ctx, meta))

	b, err := blobs.Catalog().Blob(ctx, meta.SHA256)
	require.NoError(t, err)
	assert.Equal(t, cas.HealthRemote, b.Health)
	assert.Equal(t, "far.txt", b.Filename)

	// Adopting an already known blob is a no-op.
	require.NoError(t, bridge.AdoptRemote(ctx, meta))
}
