// Package phash computes the two perceptual fingerprints used for near-duplicate
// detection: a DCT based hash for coarse matching and a gradient hash for
// confirmation.
package phash

import (
	"bytes"
	"fmt"
	"image"
	"math/bits"

	"github.com/corona10/goimagehash"
	"github.com/disintegration/imaging"

	// Registered so raw source bytes can be hashed as well as standardized PNGs.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
)

// Hasher produces coarse and fine perceptual hashes.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// ComputeHash decodes data and returns its coarse and fine hashes. Undecodable
// input yields an *ingest.HashError.
func (h *Hasher) ComputeHash(data []byte) (ingest.PerceptualHash, ingest.PerceptualHash, error) {
	if len(data) == 0 {
		return 0, 0, &ingest.HashError{Cause: fmt.Errorf("empty input")}
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, 0, &ingest.HashError{Cause: err}
	}
	return h.HashImage(img)
}

// HashImage hashes an already decoded image.
func (h *Hasher) HashImage(img image.Image) (ingest.PerceptualHash, ingest.PerceptualHash, error) {
	coarse, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return 0, 0, &ingest.HashError{Cause: fmt.Errorf("perception hash: %w", err)}
	}
	fine, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return 0, 0, &ingest.HashError{Cause: fmt.Errorf("difference hash: %w", err)}
	}
	return ingest.PerceptualHash(coarse.GetHash()), ingest.PerceptualHash(fine.GetHash()), nil
}

// Distance returns the Hamming distance between two hashes.
func Distance(a, b ingest.PerceptualHash) int {
	return bits.OnesCount64(uint64(a) ^ uint64(b))
}
