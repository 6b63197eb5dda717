package pathutil

import (
	"path/filepath"
	"runtime"
	"strings"
)

// NormalizeForLookup returns the absolute path with symlinks resolved,
// lowercased where the filesystem is usually case-insensitive. A path that
// does not exist (an image mid-rebuild) keeps its absolute form.
func NormalizeForLookup(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		resolved = abs
	}
	if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
		return strings.ToLower(resolved), nil
	}
	return resolved, nil
}

// SamePath reports whether a and b name the same file.
func SamePath(a, b string) (bool, error) {
	na, err := NormalizeForLookup(a)
	if err != nil {
		return false, err
	}
	nb, err := NormalizeForLookup(b)
	if err != nil {
		return false, err
	}
	return na == nb, nil
}
