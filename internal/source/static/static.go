// Package static serves listings from a fixed address to image URL table,
// either configured inline or loaded from a JSON file.
package static

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
)

// ImageFetcher downloads image bytes.
type ImageFetcher interface {
	GetImage(ctx context.Context, url string) ([]byte, string, error)
}

// File is the on-disk listing table.
type File struct {
	Listings map[string][]string `json:"listings"`
}

// Source implements ingest.Source over an in-memory table.
type Source struct {
	name     string
	listings map[ingest.PropertyKey][]string
	fetcher  ImageFetcher
}

// New builds a Source from address to URL mappings. Addresses are keyed by
// their property key, so spelling variants of one address merge.
func New(name string, listings map[string][]string, fetcher ImageFetcher) (*Source, error) {
	if name == "" {
		return nil, fmt.Errorf("source name is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("image fetcher is required")
	}
	s := &Source{name: name, listings: make(map[ingest.PropertyKey][]string, len(listings)), fetcher: fetcher}
	for address, urls := range listings {
		key := ingest.NewPropertyKey(address)
		s.listings[key] = append(s.listings[key], urls...)
	}
	return s, nil
}

// Load reads a listing table from path.
func Load(name, path string, fetcher ImageFetcher) (*Source, error) {
	payload, err := os.ReadFile(path) // #nosec G304 -- path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("read listings %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("decode listings %s: %w", path, err)
	}
	return New(name, f.Listings, fetcher)
}

// Name returns the source name.
func (s *Source) Name() string { return s.name }

// ListImages returns the URLs configured for the property. A property with no
// entry has no photos.
func (s *Source) ListImages(ctx context.Context, property ingest.Property) ([]ingest.ImageCandidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	urls := s.listings[property.Key]
	out := make([]ingest.ImageCandidate, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, ingest.ImageCandidate{Source: s.name, URL: u})
	}
	return out, nil
}

// FetchImage downloads one image.
func (s *Source) FetchImage(ctx context.Context, url string) ([]byte, string, error) {
	return s.fetcher.GetImage(ctx, url)
}
