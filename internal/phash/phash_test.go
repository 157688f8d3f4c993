package phash

import (
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
	"github.com/JakeFAU/listing-photo-ingest/internal/testimage"
)

func TestComputeHashStableAcrossResize(t *testing.T) {
	t.Parallel()

	h := New()
	src := testimage.Blocky(1, 256, 256)
	c1, f1, err := h.ComputeHash(testimage.PNG(src))
	require.NoError(t, err)
	c2, f2, err := h.ComputeHash(testimage.PNG(imaging.Resize(src, 128, 128, imaging.Lanczos)))
	require.NoError(t, err)

	assert.LessOrEqual(t, Distance(c1, c2), 6)
	assert.LessOrEqual(t, Distance(f1, f2), 10)
}

func TestComputeHashNearIdentical(t *testing.T) {
	t.Parallel()

	h := New()
	src := testimage.Blocky(7, 256, 256)
	c1, f1, err := h.ComputeHash(testimage.PNG(src))
	require.NoError(t, err)
	c2, f2, err := h.ComputeHash(testimage.PNG(testimage.Nudge(src)))
	require.NoError(t, err)

	assert.LessOrEqual(t, Distance(c1, c2), 2)
	assert.LessOrEqual(t, Distance(f1, f2), 2)
}

func TestComputeHashSeparatesDifferentImages(t *testing.T) {
	t.Parallel()

	h := New()
	c1, _, err := h.ComputeHash(testimage.PNG(testimage.Blocky(1, 128, 128)))
	require.NoError(t, err)
	c2, _, err := h.ComputeHash(testimage.PNG(testimage.Blocky(2, 128, 128)))
	require.NoError(t, err)
	assert.Greater(t, Distance(c1, c2), 6)
}

func TestComputeHashRejectsGarbage(t *testing.T) {
	t.Parallel()

	h := New()
	_, _, err := h.ComputeHash([]byte("definitely not an image"))
	var hashErr *ingest.HashError
	require.ErrorAs(t, err, &hashErr)

	_, _, err = h.ComputeHash(nil)
	require.ErrorAs(t, err, &hashErr)
}

func TestDistance(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, Distance(0xff, 0xff))
	assert.Equal(t, 8, Distance(0xff, 0x00))
	assert.Equal(t, 64, Distance(0, ^ingest.PerceptualHash(0)))
}
