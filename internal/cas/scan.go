package cas

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ScanResult summarizes one pass over a watched directory.
type ScanResult struct {
	Scanned int
	Added   int
	Updated int
	Removed int
	// Duplicates maps each hash that resolved to more than one path to
	// the full set of paths holding identical bytes.
	Duplicates map[string][]string
}

// Scan walks dir, indexing every regular file in place. Identity is the
// content hash: a file whose recorded size and mtime are unchanged is
// skipped without re-hashing. Paths recorded from earlier scans of dir that
// no longer exist are dropped from the index, and blobs left with no paths
// are marked missing.
func (s *Store) Scan(ctx context.Context, dir string) (*ScanResult, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scan dir: %w", err)
	}

	result := &ScanResult{Duplicates: make(map[string][]string)}
	seen := make(map[string]bool)

	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != abs {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}

		result.Scanned++
		seen[path] = true

		known, err := s.catalog.HashForPath(ctx, path)
		if err != nil {
			return err
		}
		if known != "" {
			b, err := s.catalog.Blob(ctx, known)
			if err == nil && b.Size == info.Size() && b.ModTime.Equal(info.ModTime().UTC().Truncate(time.Millisecond)) {
				return nil
			}
		}

		hash, size, err := HashFile(path)
		if err != nil {
			return err
		}
		if known == hash {
			// Same bytes, refreshed mtime. Keep the record current.
			return s.catalog.UpsertBlob(ctx, &Blob{
				SHA256:   hash,
				Size:     size,
				Mime:     mimeFor(path),
				Filename: filepath.Base(path),
				ModTime:  info.ModTime().UTC().Truncate(time.Millisecond),
				Health:   HealthHealthy,
			})
		}

		b := &Blob{
			SHA256:   hash,
			Size:     size,
			Mime:     mimeFor(path),
			Filename: filepath.Base(path),
			ModTime:  info.ModTime().UTC().Truncate(time.Millisecond),
			Health:   HealthHealthy,
		}
		if err := s.catalog.UpsertBlob(ctx, b); err != nil {
			return err
		}
		if err := s.catalog.UpsertPath(ctx, hash, path); err != nil {
			return err
		}

		if known == "" {
			result.Added++
		} else {
			result.Updated++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan of %s failed: %w", abs, err)
	}

	if err := s.reconcileRemoved(ctx, abs, seen, result); err != nil {
		return nil, err
	}
	if err := s.collectDuplicates(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// reconcileRemoved drops path entries under dir that the walk did not see
// and marks blobs that lost their last path as missing.
func (s *Store) reconcileRemoved(ctx context.Context, dir string, seen map[string]bool, result *ScanResult) error {
	blobs, err := s.catalog.ListBlobs(ctx)
	if err != nil {
		return err
	}
	prefix := dir + string(os.PathSeparator)

	for _, b := range blobs {
		paths, err := s.catalog.Paths(ctx, b.SHA256)
		if err != nil {
			return err
		}
		remaining := len(paths)
		for _, p := range paths {
			if !strings.HasPrefix(p, prefix) || seen[p] {
				continue
			}
			if err := s.catalog.DeletePath(ctx, p); err != nil {
				return err
			}
			remaining--
			result.Removed++
		}
		if remaining == 0 && len(paths) > 0 && !s.Has(b.SHA256) {
			if err := s.catalog.SetHealth(ctx, b.SHA256, HealthMissing); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) collectDuplicates(ctx context.Context, result *ScanResult) error {
	rows, err := s.catalog.db.Conn().QueryContext(ctx,
		`SELECT hash FROM paths GROUP BY hash HAVING COUNT(*) > 1`)
	if err != nil {
		return fmt.Errorf("failed to find duplicate groups: %w", err)
	}
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan duplicate hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating duplicate hashes: %w", err)
	}

	for _, h := range hashes {
		paths, err := s.catalog.Paths(ctx, h)
		if err != nil {
			return err
		}
		result.Duplicates[h] = paths
	}
	return nil
}
