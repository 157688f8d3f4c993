// Package contentstore persists standardized images under a path derived from
// their SHA-256 digest. Files are created once and never rewritten.
package contentstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-photo-ingest/internal/atomicfile"
	"github.com/JakeFAU/listing-photo-ingest/internal/hash/sha256"
	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
)

const extension = ".png"

// Result describes where Store placed a blob.
type Result struct {
	Hash    string
	Path    string
	Created bool
	// MirrorURIs lists the copies made by mirrors, in mirror order. Failed
	// uploads are logged and omitted.
	MirrorURIs []string
}

// Store is safe for concurrent writers: two writers of the same bytes agree on
// the destination and only one of them creates it.
type Store struct {
	dir     string
	hasher  ingest.Hasher
	mirrors []ingest.BlobStore
	logger  *zap.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithMirror copies newly created blobs to another object store. It may be
// given more than once.
func WithMirror(mirror ingest.BlobStore) Option {
	return func(s *Store) { s.mirrors = append(s.mirrors, mirror) }
}

// WithHasher overrides the digest implementation.
func WithHasher(h ingest.Hasher) Option {
	return func(s *Store) { s.hasher = h }
}

// New returns a Store rooted at dir.
func New(dir string, logger *zap.Logger, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{dir: dir, hasher: sha256.New(), logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the store root.
func (s *Store) Dir() string { return s.dir }

// RelPath returns the path of a digest relative to the store root.
func RelPath(hash string) string {
	return filepath.Join(hash[:2], hash+extension)
}

// PathFor returns the absolute path of a digest.
func (s *Store) PathFor(hash string) string {
	return filepath.Join(s.dir, RelPath(hash))
}

// Exists reports whether a blob with the digest is stored.
func (s *Store) Exists(hash string) bool {
	if len(hash) < 2 {
		return false
	}
	_, err := os.Stat(s.PathFor(hash))
	return err == nil
}

// Hash returns the digest Store would use for data.
func (s *Store) Hash(data []byte) (string, error) {
	return s.hasher.Hash(data)
}

// Store writes data under its content address unless it is already present.
func (s *Store) Store(ctx context.Context, data []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("context canceled: %w", err)
	}
	if len(data) == 0 {
		return Result{}, fmt.Errorf("empty blob")
	}
	hash, err := s.hasher.Hash(data)
	if err != nil {
		return Result{}, fmt.Errorf("hash blob: %w", err)
	}
	if len(hash) < 2 {
		return Result{}, fmt.Errorf("digest %q too short", hash)
	}
	path := s.PathFor(hash)
	created, err := atomicfile.CreateExclusive(path, data, 0o640)
	if err != nil {
		return Result{}, &ingest.PersistenceError{Path: path, Cause: err}
	}
	res := Result{Hash: hash, Path: path, Created: created}
	if !created {
		return res, nil
	}
	for _, mirror := range s.mirrors {
		uri, err := mirror.PutObject(ctx, filepath.ToSlash(RelPath(hash)), "image/png", bytes.NewReader(data))
		if err != nil {
			s.logger.Warn("mirror upload failed", zap.String("hash", hash), zap.Error(err))
			continue
		}
		res.MirrorURIs = append(res.MirrorURIs, uri)
	}
	return res, nil
}
