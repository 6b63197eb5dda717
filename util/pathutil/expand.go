package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Expand expands home directory (~) and environment variables in a path.
// Relative paths are resolved against base when it is set, else the working
// directory. It returns an absolute path.
func Expand(path, base string) (string, error) {
	if path == "" {
		return "", nil
	}
	// 1. Expand home directory character '~'.
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not get user home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}

	// 2. Expand environment variables.
	path = os.ExpandEnv(path)

	if !filepath.IsAbs(path) && base != "" {
		path = filepath.Join(base, path)
	}
	return filepath.Abs(path)
}
