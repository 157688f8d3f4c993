package ingest

import (
	"context"
	"io"
	"time"
)

// Source is one external listing provider. Implementations own their
// site-specific protocol; the orchestrator only sees candidates and bytes.
type Source interface {
	Name() string
	ListImages(ctx context.Context, property Property) ([]ImageCandidate, error)
	FetchImage(ctx context.Context, url string) ([]byte, string, error)
}

// BlobStore mirrors stored objects to a remote bucket and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes digests for content addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
