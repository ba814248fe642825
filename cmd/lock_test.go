package cmd

import (
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLock(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	require.NoError(t, AcquireLock())
	assert.FileExists(t, lockPath())

	// a second handle stands in for another process
	other := flock.New(lockPath())
	locked, err := other.TryLock()
	require.NoError(t, err)
	assert.False(t, locked, "lock should be held")

	require.NoError(t, ReleaseLock())
	locked, err = other.TryLock()
	require.NoError(t, err)
	assert.True(t, locked, "lock should be free after release")
	require.NoError(t, other.Unlock())

	assert.NoError(t, ReleaseLock(), "releasing twice is harmless")
}

func TestAcquireLock_HeldElsewhere(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	require.NoError(t, AcquireLock())
	held := instanceLock
	instanceLock = nil
	t.Cleanup(func() { held.Unlock() })

	assert.ErrorIs(t, AcquireLock(), ErrAlreadyRunning)
}
