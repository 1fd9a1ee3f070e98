package fileutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	require.NoError(t, WriteFileAtomic(path, []byte("first"), FilePermissions))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	require.NoError(t, WriteFileAtomic(path, []byte("second"), FilePermissions))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestWriteJSONAtomic(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "v.json")
	require.NoError(t, WriteJSONAtomic(path, map[string]int{"n": 7}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"n": 7`)
}

func TestSanitizeID(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", SanitizeID("abc"))
	assert.Equal(t, "abc", SanitizeID("../abc"))
	assert.Equal(t, "etcpasswd", SanitizeID("/etc/passwd"))
	assert.Equal(t, "", SanitizeID("../.."))
	assert.Equal(t, "run-42", SanitizeID("run-42"))
}

func TestSafeJoin(t *testing.T) {
	t.Parallel()
	base := t.TempDir()

	p, err := SafeJoin(base, "mission-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "mission-1"), p)

	p, err = SafeJoin(base, "../escape")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "escape"), p)

	_, err = SafeJoin(base, "..")
	require.Error(t, err)

	_, err = SafeJoin(base, "")
	require.Error(t, err)
}

func TestTruncString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", TruncString("abc", 10))
	assert.Equal(t, "ab", TruncString("abcdef", 2))
}
