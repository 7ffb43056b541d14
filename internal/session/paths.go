// Package session resolves named officer sessions and the on-disk layout
// under ~/.fieldchat.
package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.fieldchat.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".fieldchat")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the session's durable store path. The outbox lives here,
// so this file is what makes messages survive restarts and offline periods.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "fieldchat.db")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "fieldchatd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
