// Package home resolves the per-user on-disk layout under ~/.courier.
// Each local user gets an isolated directory holding the offline queue
// database, logs, the daemon lock and nothing else; durable messages
// live in the shared store, never here.
package home

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.courier.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".courier")
}

// Dir returns the user-specific data directory.
func Dir(userID string) string {
	return filepath.Join(BaseDir(), "users", userID)
}

// QueueDBPath returns the offline queue database path for a user.
func QueueDBPath(userID string) string {
	return filepath.Join(Dir(userID), "queue.db")
}

// LockPath returns the daemon lock file path for a user.
func LockPath(userID string) string {
	return filepath.Join(Dir(userID), "LOCK")
}

// LogDir returns the log directory for a user.
func LogDir(userID string) string {
	return filepath.Join(Dir(userID), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(userID string) string {
	return filepath.Join(LogDir(userID), "courierd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the user directory tree with owner-only permissions.
func EnsureDir(userID string) error {
	dirs := []string{
		Dir(userID),
		LogDir(userID),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
