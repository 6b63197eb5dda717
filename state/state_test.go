package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreOperations(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "nested", "state.yml"))

	st, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, st)

	require.NoError(t, s.Set("nrf52840_xxAA", "abc123"))
	require.NoError(t, s.Set("count", 3))

	got, err := s.GetString("nrf52840_xxAA")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got)

	got, err = s.GetString("count")
	require.NoError(t, err)
	assert.Empty(t, got, "non-string values read as empty")

	_, ok, err := s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set("nrf52840_xxAA", "def456"))
	st, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, State{"nrf52840_xxAA": "def456", "count": 3}, st)
}

func TestStoreSharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yml")
	a, b := Open(path), Open(path)

	require.NoError(t, a.Set("a", "1"))
	require.NoError(t, b.Set("b", "2"))

	st, err := a.Load()
	require.NoError(t, err)
	assert.Len(t, st, 2)
}

func TestStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yml")
	require.NoError(t, os.WriteFile(path, []byte(":\n\t- ["), 0o644))

	_, err := Open(path).Load()
	assert.Error(t, err)
}
