package cas

import (
	"context"
	"fmt"
	"os"
)

// HealthReport counts the outcome of one full verification pass.
type HealthReport struct {
	Checked   int
	Healthy   int
	Missing   int
	Modified  int
	Relocated int
	Remote    int
}

// HealthCheck re-verifies every catalog entry against the filesystem and
// rewrites each blob's health classification:
//
//   - healthy: some recorded path re-hashes to the recorded value
//   - modified: a recorded path exists but its bytes hash differently
//   - relocated: no recorded path survives, but the managed fan-out copy
//     under the store root still holds the bytes
//   - missing: the bytes are nowhere this device knows about
//
// Remote blobs have no local bytes by definition and are counted without
// touching the disk. Modified files are never silently re-adopted; the
// mismatch is surfaced for the owner to resolve.
func (s *Store) HealthCheck(ctx context.Context) (*HealthReport, error) {
	blobs, err := s.catalog.ListBlobs(ctx)
	if err != nil {
		return nil, err
	}

	report := &HealthReport{}
	for _, b := range blobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.Checked++

		if b.Health == HealthRemote {
			report.Remote++
			continue
		}

		state, err := s.classify(ctx, b)
		if err != nil {
			return nil, err
		}
		if state != b.Health {
			// Auto-resolved duplicates keep their marker while the
			// kept path still verifies.
			if !(b.Health == HealthDuplicate && state == HealthHealthy) {
				if err := s.catalog.SetHealth(ctx, b.SHA256, state); err != nil {
					return nil, err
				}
				b.Health = state
			}
		}

		switch b.Health {
		case HealthMissing:
			report.Missing++
		case HealthModified:
			report.Modified++
		case HealthRelocated:
			report.Relocated++
		default:
			report.Healthy++
		}
	}
	return report, nil
}

// classify determines the current on-disk state of one blob.
func (s *Store) classify(ctx context.Context, b *Blob) (Health, error) {
	paths, err := s.catalog.Paths(ctx, b.SHA256)
	if err != nil {
		return "", err
	}

	modified := false
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("failed to stat %s: %w", p, err)
		}
		hash, _, err := HashFile(p)
		if err != nil {
			return "", err
		}
		if hash == b.SHA256 {
			return HealthHealthy, nil
		}
		modified = true
	}
	if modified {
		return HealthModified, nil
	}

	// Every recorded path is gone. The managed copy may still hold the
	// bytes, in which case the blob merely relocated.
	managed := s.BlobPath(b.SHA256)
	if _, err := os.Stat(managed); err == nil {
		hash, _, err := HashFile(managed)
		if err != nil {
			return "", err
		}
		if hash == b.SHA256 {
			if err := s.catalog.UpsertPath(ctx, b.SHA256, managed); err != nil {
				return "", err
			}
			return HealthRelocated, nil
		}
	}
	return HealthMissing, nil
}
