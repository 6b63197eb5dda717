package pathutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	t.Setenv("EMBED_FW", "build")

	tests := []struct {
		name string
		path string
		base string
		want string
	}{
		{"empty", "", "/proj", ""},
		{"home", "~/fw.elf", "/proj", filepath.Join(home, "fw.elf")},
		{"env", "/out/${EMBED_FW}/fw.elf", "", "/out/build/fw.elf"},
		{"relative to base", "target/fw.elf", "/proj", "/proj/target/fw.elf"},
		{"absolute ignores base", "/abs/fw.elf", "/proj", "/abs/fw.elf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Expand(tt.path, tt.base)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSamePath(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "fw.elf")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	same, err := SamePath(file, filepath.Join(dir, ".", "fw.elf"))
	require.NoError(t, err)
	assert.True(t, same)

	same, err = SamePath(file, filepath.Join(dir, "other.elf"))
	require.NoError(t, err)
	assert.False(t, same)
}

func TestSamePathThroughSymlink(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "fw.elf")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	link := filepath.Join(dir, "current.elf")
	require.NoError(t, os.Symlink(file, link))

	same, err := SamePath(link, file)
	require.NoError(t, err)
	assert.True(t, same)
}
