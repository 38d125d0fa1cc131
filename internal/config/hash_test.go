package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeBlake3Hash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o600))

	h, err := ComputeBlake3Hash(path)
	require.NoError(t, err)
	assert.Equal(t, "6437b3ac38465133ffb63b75273a8db548c558465d79db03fd359c6cd5bd9d85", h)

	_, err = ComputeBlake3Hash(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	a, err := Fingerprint(Defaults())
	require.NoError(t, err)
	assert.Len(t, a, 64)

	b, err := Fingerprint(Defaults())
	require.NoError(t, err)
	assert.Equal(t, a, b)

	changed := Defaults()
	changed.Pool.MaxFork = 99
	c, err := Fingerprint(changed)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestFingerprintIgnoresFormatting(t *testing.T) {
	one, err := Parse([]byte("pool:\n  max_fork: 2\n"))
	require.NoError(t, err)
	two, err := Parse([]byte("# comment\npool: {max_fork: 2, max_exec: 100}\n"))
	require.NoError(t, err)

	fa, err := Fingerprint(one)
	require.NoError(t, err)
	fb, err := Fingerprint(two)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
}
