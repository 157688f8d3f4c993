package ingest

import (
	"fmt"
	"strconv"
	"time"
)

// PerceptualHash is a 64-bit similarity fingerprint. It serializes as a
// fixed-width 16 character hex string.
type PerceptualHash uint64

// String renders the hash as zero padded hex.
func (h PerceptualHash) String() string {
	return fmt.Sprintf("%016x", uint64(h))
}

// MarshalText implements encoding.TextMarshaler.
func (h PerceptualHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *PerceptualHash) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(string(text), 16, 64)
	if err != nil {
		return fmt.Errorf("parse perceptual hash %q: %w", string(text), err)
	}
	*h = PerceptualHash(v)
	return nil
}

// Property is one listing to extract photos for.
type Property struct {
	Key     PropertyKey `json:"property_key"`
	Address string      `json:"address"`
}

// ImageCandidate is a discovered image URL that has not been downloaded yet.
type ImageCandidate struct {
	Source string `json:"source"`
	URL    string `json:"url"`
}

// ProcessedImage is the immutable outcome of standardizing and deduplicating
// one downloaded image.
type ProcessedImage struct {
	ImageID     string         `json:"image_id"`
	ContentHash string         `json:"content_hash"`
	CoarseHash  PerceptualHash `json:"perceptual_hash_coarse"`
	FineHash    PerceptualHash `json:"perceptual_hash_fine"`
	StoragePath string         `json:"storage_path"`
	Width       int            `json:"width"`
	Height      int            `json:"height"`
	ByteSize    int64          `json:"byte_size"`
	IsDuplicate bool           `json:"is_duplicate"`
	DuplicateOf string         `json:"duplicate_of,omitempty"`
}

// URLStatus is the persisted lifecycle state of a tracked URL.
type URLStatus string

// URL lifecycle states.
const (
	URLStatusActive  URLStatus = "active"
	URLStatusRemoved URLStatus = "removed"
)

// URLCheck is the classification returned when a URL is looked up before download.
type URLCheck string

// URL check outcomes.
const (
	URLCheckNew            URLCheck = "new"
	URLCheckKnown          URLCheck = "known"
	URLCheckStale          URLCheck = "stale"
	URLCheckContentChanged URLCheck = "content_changed"
	URLCheckRemoved        URLCheck = "removed"
)

// NeedsDownload reports whether a URL with this classification must be fetched.
func (c URLCheck) NeedsDownload() bool {
	return c != URLCheckKnown
}

// URLEntry is the tracker record for one discovered image URL.
type URLEntry struct {
	URL         string      `json:"url"`
	ImageID     string      `json:"image_id"`
	PropertyKey PropertyKey `json:"property_key"`
	FirstSeen   time.Time   `json:"first_seen"`
	LastSeen    time.Time   `json:"last_seen"`
	ContentHash string      `json:"content_hash"`
	Source      string      `json:"source"`
	Status      URLStatus   `json:"status"`
}

// PropertyStatus is the extraction lifecycle of a property.
type PropertyStatus string

// Property lifecycle states.
const (
	PropertyPending    PropertyStatus = "pending"
	PropertyInProgress PropertyStatus = "in_progress"
	PropertyComplete   PropertyStatus = "complete"
	PropertyFailed     PropertyStatus = "failed"
)

// PropertyState is the completion record for one property.
type PropertyState struct {
	PropertyKey     PropertyKey     `json:"property_key"`
	Status          PropertyStatus  `json:"status"`
	ManifestEntries []ImageMetadata `json:"manifest_entries,omitempty"`
	RetryCount      int             `json:"retry_count"`
	LastError       string          `json:"last_error,omitempty"`
	LastChecked     time.Time       `json:"last_checked,omitempty"`
}

// ImageStatus marks whether a manifest entry is still listed upstream.
type ImageStatus string

// Manifest entry states.
const (
	ImageStatusActive  ImageStatus = "active"
	ImageStatusRemoved ImageStatus = "removed"
)

// ImageMetadata is one manifest entry for a stored, unique image.
type ImageMetadata struct {
	ImageID     string         `json:"image_id"`
	PropertyKey PropertyKey    `json:"property_key"`
	Source      string         `json:"source"`
	SourceURL   string         `json:"source_url"`
	StoragePath string         `json:"storage_path"`
	ContentHash string         `json:"content_hash"`
	CoarseHash  PerceptualHash `json:"coarse_hash"`
	FineHash    PerceptualHash `json:"fine_hash"`
	Width       int            `json:"width"`
	Height      int            `json:"height"`
	ByteSize    int64          `json:"byte_size"`
	Status      ImageStatus    `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NewImageID derives the manifest identifier for content stored under a property.
func NewImageID(key PropertyKey, contentHash string) string {
	short := contentHash
	if len(short) > 16 {
		short = short[:16]
	}
	return fmt.Sprintf("%s_%s", key, short)
}
