package sha256

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func TestHasherHash(t *testing.T) {
	t.Parallel()

	got, err := New().Hash([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, helloDigest, got)
}

func TestHasherHashFileMatchesHash(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o600))

	got, err := New().HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, helloDigest, got)

	_, err = New().HashFile(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestValid(t *testing.T) {
	t.Parallel()

	assert.True(t, Valid(helloDigest))
	assert.False(t, Valid(helloDigest[:10]))
	assert.False(t, Valid("zz"+helloDigest[2:]))
}
