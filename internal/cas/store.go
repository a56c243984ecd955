package cas

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"
)

// Library is the storage surface the rest of the system depends on. Store
// implements it for a local filesystem; other platforms can substitute
// their own backend.
type Library interface {
	Put(ctx context.Context, srcPath string) (string, error)
	PutBytes(ctx context.Context, data []byte, filename string) (string, error)
	Open(hash string) (io.ReadCloser, error)
	Has(hash string) bool
	Rename(ctx context.Context, hash, filename string) error
	Delete(ctx context.Context, hash string) error
	Scan(ctx context.Context, dir string) (*ScanResult, error)
	HealthCheck(ctx context.Context) (*HealthReport, error)
	ResolveDuplicates(ctx context.Context, req *ResolveRequest) (*ResolveReport, error)
}

// Store is the blob root directory plus the catalog. Bytes are laid out as
// root/hh/hash where hh is the first two hex characters of the hash, so no
// directory grows unbounded.
type Store struct {
	root    string
	catalog *Catalog
}

var _ Library = (*Store)(nil)

// NewStore creates a Store rooted at dir. The directory is created if
// absent.
func NewStore(dir string, catalog *Catalog) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve blob root: %w", err)
	}
	return &Store{root: abs, catalog: catalog}, nil
}

// Root returns the absolute blob root directory.
func (s *Store) Root() string { return s.root }

// Catalog exposes the underlying catalog.
func (s *Store) Catalog() *Catalog { return s.catalog }

// BlobPath returns the fan-out location for a hash.
func (s *Store) BlobPath(hash string) string {
	return filepath.Join(s.root, hash[:2], hash)
}

// HashFile computes the SHA-256 of a file's contents as lowercase hex.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashBytes computes the SHA-256 of a byte slice as lowercase hex.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put copies a file into the store under its content hash and records it in
// the catalog. If the bytes are already present the copy is skipped and the
// existing hash is returned; the new path is still indexed. Filename is the
// original basename, kept as metadata only.
func (s *Store) Put(ctx context.Context, srcPath string) (string, error) {
	hash, size, err := HashFile(srcPath)
	if err != nil {
		return "", err
	}

	dst := s.BlobPath(hash)
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return "", fmt.Errorf("failed to create fan-out dir: %w", err)
		}
		if err := copyFile(srcPath, dst); err != nil {
			return "", err
		}
	}

	info, err := os.Stat(srcPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", srcPath, err)
	}

	b := &Blob{
		SHA256:    hash,
		Size:      size,
		Mime:      mimeFor(srcPath),
		Filename:  filepath.Base(srcPath),
		ModTime:   info.ModTime().UTC(),
		CreatedAt: time.Now().UTC(),
		Health:    HealthHealthy,
	}
	if err := s.catalog.UpsertBlob(ctx, b); err != nil {
		return "", err
	}
	if err := s.catalog.UpsertPath(ctx, hash, dst); err != nil {
		return "", err
	}
	return hash, nil
}

// PutBytes writes raw bytes into the store under their content hash.
func (s *Store) PutBytes(ctx context.Context, data []byte, filename string) (string, error) {
	hash := HashBytes(data)

	dst := s.BlobPath(hash)
	if _, err := os.Stat(dst); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return "", fmt.Errorf("failed to create fan-out dir: %w", err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return "", fmt.Errorf("failed to write blob %s: %w", hash, err)
		}
	}

	b := &Blob{
		SHA256:    hash,
		Size:      int64(len(data)),
		Mime:      mimeFor(filename),
		Filename:  filename,
		ModTime:   time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
		Health:    HealthHealthy,
	}
	if err := s.catalog.UpsertBlob(ctx, b); err != nil {
		return "", err
	}
	if err := s.catalog.UpsertPath(ctx, hash, dst); err != nil {
		return "", err
	}
	return hash, nil
}

// Open returns a reader for a blob's bytes.
func (s *Store) Open(hash string) (io.ReadCloser, error) {
	f, err := os.Open(s.BlobPath(hash))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blob %s: %w", hash, err)
	}
	return f, nil
}

// Has reports whether the bytes for a hash exist under the store root.
func (s *Store) Has(hash string) bool {
	_, err := os.Stat(s.BlobPath(hash))
	return err == nil
}

// Rename changes a blob's display filename. The stored bytes and hash do
// not move.
func (s *Store) Rename(ctx context.Context, hash, filename string) error {
	return s.catalog.SetFilename(ctx, hash, filename)
}

// Delete removes a blob's bytes from the store root and drops its catalog
// entry and path entries. Idempotent: deleting an unknown hash is a no-op.
func (s *Store) Delete(ctx context.Context, hash string) error {
	paths, err := s.catalog.Paths(ctx, hash)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	managed := s.BlobPath(hash)
	if err := os.Remove(managed); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", managed, err)
	}
	return s.catalog.DeleteBlob(ctx, hash)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to copy to %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move blob into place: %w", err)
	}
	return nil
}

func mimeFor(path string) string {
	t := mime.TypeByExtension(filepath.Ext(path))
	if t == "" {
		return "application/octet-stream"
	}
	return t
}
