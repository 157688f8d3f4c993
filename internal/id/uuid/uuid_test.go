package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
)

var _ ingest.IDGenerator = (*Generator)(nil)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	assert.Equal(t, goUUID.Version(7), parsed.Version())
	assert.True(t, id1 < id2, "v7 ids should sort by creation")
}

func TestValid(t *testing.T) {
	t.Parallel()

	assert.True(t, Valid("0190b7a4-8a63-7c3e-9d2a-3b1f8f9e6a10"))
	assert.False(t, Valid("run-1"))
	assert.False(t, Valid(""))
}
