// Package paths resolves the directories embed reads and writes.
//
// Resolution order:
// 1. EMBED_HOME (portable root) → $EMBED_HOME/{config,state,cache}
// 2. XDG env vars → $XDG_*_HOME/embed
// 3. Platform defaults → ~/.config/embed, ~/.local/state/embed, ~/.cache/embed
package paths

import (
	"os"
	"path/filepath"

	"github.com/grovetools/embed/util/sanitize"
)

const appName = "embed"

func base(homeSub, xdgEnv string, fallback ...string) string {
	if home := os.Getenv("EMBED_HOME"); home != "" {
		return filepath.Join(home, homeSub)
	}
	if dir := os.Getenv(xdgEnv); dir != "" {
		return filepath.Join(dir, appName)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(append(append([]string{homeDir}, fallback...), appName)...)
	}
	return ""
}

// ConfigDir holds the global embed.toml.
func ConfigDir() string {
	return base("config", "XDG_CONFIG_HOME", ".config")
}

// StateDir holds logs, probe locks and channel history.
func StateDir() string {
	return base("state", "XDG_STATE_HOME", ".local", "state")
}

// CacheDir holds flash digests.
func CacheDir() string {
	return base("cache", "XDG_CACHE_HOME", ".cache")
}

// LogDir returns the directory for structured log files.
func LogDir() string {
	return filepath.Join(StateDir(), "logs")
}

// LockPath returns the lock file guarding a probe selector.
func LockPath(selector string) string {
	return filepath.Join(StateDir(), "locks", sanitize.ForKey(selector)+".pid")
}
