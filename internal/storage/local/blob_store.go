// Package local mirrors content-addressed images to a second directory, such
// as a network share or a backup volume.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/listing-photo-ingest/internal/atomicfile"
)

// Config captures the parameters for the directory mirror.
type Config struct {
	// Dir is the mirror root. Empty disables the mirror.
	Dir string `mapstructure:"dir"`
}

// BlobStore writes objects below a root directory. Objects are created once;
// an existing file is left alone since its content address matches.
type BlobStore struct {
	baseDir string
}

// New creates the mirror root if needed and checks that it is writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("mirror directory is required")
	}

	info, err := os.Stat(cfg.Dir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.Dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create mirror directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat mirror directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("mirror path %s is not a directory", cfg.Dir)
	}

	probe := filepath.Join(cfg.Dir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("mirror directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("remove write probe: %w", err)
	}
	return &BlobStore{baseDir: filepath.Clean(cfg.Dir)}, nil
}

// PutObject stores data at path below the root and returns a file:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, _ string, data io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context canceled: %w", err)
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(path))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the mirror root", path)
	}

	payload, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read object %s: %w", path, err)
	}
	if _, err := atomicfile.CreateExclusive(fullPath, payload, 0o640); err != nil {
		return "", fmt.Errorf("write object %s: %w", path, err)
	}
	return "file://" + filepath.ToSlash(fullPath), nil
}
