package cas

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupDuplicateGroup indexes three identical files and returns their hash
// and paths.
func setupDuplicateGroup(t *testing.T, s *Store) (string, []string) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	same := []byte("duplicated content")
	a := writeFile(t, dir, "a.txt", same)
	b := writeFile(t, dir, "b.txt", same)
	c := writeFile(t, dir, "c.txt", same)

	result, err := s.Scan(ctx, dir)
	require.NoError(t, err)
	require.Len(t, result.Duplicates, 1)

	return HashBytes(same), []string{a, b, c}
}

// TestResolve_UserSelection verifies the deliberate mode: the other copies
// leave disk and index, the kept path is healthy.
func TestResolve_UserSelection(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	hash, paths := setupDuplicateGroup(t, s)

	report, err := s.ResolveDuplicates(ctx, &ResolveRequest{
		Mode: ResolveUserSelection,
		Resolutions: []Resolution{{
			SHA256:      hash,
			KeepPath:    paths[0],
			DeletePaths: []string{paths[1], paths[2]},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)
	assert.Equal(t, 0, report.Failed)

	for _, p := range paths[1:] {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "duplicate %s must be deleted from disk", p)
	}
	indexed, err := s.Catalog().Paths(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, []string{paths[0]}, indexed)

	b, err := s.Catalog().Blob(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, b.Health)
}

// TestResolve_Auto verifies the automatic mode: other copies stay on disk
// but leave the index, and the kept path is marked duplicate.
func TestResolve_Auto(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	hash, paths := setupDuplicateGroup(t, s)

	report, err := s.ResolveDuplicates(ctx, &ResolveRequest{
		Mode:        ResolveAuto,
		Resolutions: []Resolution{{SHA256: hash, KeepPath: paths[0]}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)

	for _, p := range paths[1:] {
		_, err := os.Stat(p)
		assert.NoError(t, err, "auto-resolve must leave %s on disk", p)
	}
	indexed, err := s.Catalog().Paths(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, []string{paths[0]}, indexed)

	b, err := s.Catalog().Blob(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, HealthDuplicate, b.Health, "automatic choice must stay visible")
}

// TestResolve_PerItemFailure verifies one bad resolution does not abort the
// batch.
func TestResolve_PerItemFailure(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	hash, paths := setupDuplicateGroup(t, s)

	report, err := s.ResolveDuplicates(ctx, &ResolveRequest{
		Mode: ResolveUserSelection,
		Resolutions: []Resolution{
			{SHA256: HashBytes([]byte("no such blob")), KeepPath: "/nowhere"},
			{SHA256: hash, KeepPath: paths[0]},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Resolved)
	require.Len(t, report.Outcomes, 2)
	assert.Error(t, report.Outcomes[0].Err)
	assert.NoError(t, report.Outcomes[1].Err)
}

// TestResolve_RejectsUnknownKeepPath verifies the keep path must belong to
// the group.
func TestResolve_RejectsUnknownKeepPath(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	hash, _ := setupDuplicateGroup(t, s)

	report, err := s.ResolveDuplicates(ctx, &ResolveRequest{
		Mode:        ResolveUserSelection,
		Resolutions: []Resolution{{SHA256: hash, KeepPath: "/not/in/group.txt"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
}

// TestResolve_UnknownMode verifies the mode gate.
func TestResolve_UnknownMode(t *testing.T) {
	s := setupStore(t)
	_, err := s.ResolveDuplicates(context.Background(), &ResolveRequest{Mode: "coin-flip"})
	require.Error(t, err)
}
