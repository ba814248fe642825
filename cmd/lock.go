package cmd

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/surge-downloader/partdl/internal/config"
)

// ErrAlreadyRunning is returned when another partdl process holds the
// instance lock.
var ErrAlreadyRunning = errors.New("another partdl instance is running")

var instanceLock *flock.Flock

func lockPath() string {
	return filepath.Join(config.GetAppDir(), "partdl.lock")
}

// AcquireLock takes the single-instance lock. Commands that run or modify
// items hold it for their whole lifetime.
func AcquireLock() error {
	if err := config.EnsureDirs(); err != nil {
		return fmt.Errorf("failed to ensure config dirs: %w", err)
	}

	fileLock := flock.New(lockPath())
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to try lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	instanceLock = fileLock
	return nil
}

// ReleaseLock releases the lock if this process holds it.
func ReleaseLock() error {
	if instanceLock == nil {
		return nil
	}
	err := instanceLock.Unlock()
	instanceLock = nil
	return err
}
