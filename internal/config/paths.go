package config

import (
	"os"
	"path/filepath"
)

// GetAppDir returns the directory holding settings, the lock file and the
// item database. XDG_CONFIG_HOME is honoured so tests can isolate state.
func GetAppDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "partdl")
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "partdl")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".partdl")
}

// GetStateDir returns the directory for the sqlite item registry.
func GetStateDir() string {
	return filepath.Join(GetAppDir(), "state")
}

// GetLogsDir returns the directory for debug logs.
func GetLogsDir() string {
	return filepath.Join(GetAppDir(), "logs")
}

// GetBinDir returns the directory where helper binaries (ffmpeg) are unpacked.
func GetBinDir() string {
	return filepath.Join(GetAppDir(), "bin")
}

// EnsureDirs creates every application directory.
func EnsureDirs() error {
	for _, dir := range []string{GetAppDir(), GetStateDir(), GetLogsDir(), GetBinDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
