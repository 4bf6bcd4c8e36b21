// Package storage is the run registry: it records which network identifiers
// have been used with which configuration, the checkpoints each run wrote
// and its per-superbatch loss history.
package storage

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "nnuetrain"

// GetDataDir returns the platform-specific data directory for the application.
// - macOS: ~/Library/Application Support/nnuetrain/
// - Linux: ~/.local/share/nnuetrain/
// - Windows: %APPDATA%/nnuetrain/
func GetDataDir() (string, error) {
	var baseDir string

	switch runtime.GOOS {
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		baseDir = filepath.Join(homeDir, "Library", "Application Support")

	case "windows":
		baseDir = os.Getenv("APPDATA")
		if baseDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			baseDir = filepath.Join(homeDir, "AppData", "Roaming")
		}

	default:
		// Check XDG_DATA_HOME first
		baseDir = os.Getenv("XDG_DATA_HOME")
		if baseDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			baseDir = filepath.Join(homeDir, ".local", "share")
		}
	}

	return ensureDir(filepath.Join(baseDir, appName))
}

// GetDatabaseDir returns the directory of the registry database.
func GetDatabaseDir() (string, error) {
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return ensureDir(filepath.Join(dataDir, "registry"))
}

// GetCheckpointDir returns the default root for checkpoint directories.
func GetCheckpointDir() (string, error) {
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return ensureDir(filepath.Join(dataDir, "checkpoints"))
}

func ensureDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
