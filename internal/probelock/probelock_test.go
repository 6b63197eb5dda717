package probelock

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/grovetools/embed/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locks", "sim.pid")

	lock, err := Acquire(path, "sim://")
	require.NoError(t, err)

	pid, alive := Owner(path)
	assert.True(t, alive)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, lock.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Releasing twice is harmless.
	assert.NoError(t, lock.Release())
}

func TestAcquireTakesOverStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.pid")
	// PIDs near the max are practically never live in a test sandbox.
	require.NoError(t, os.WriteFile(path, []byte("4194000"), 0644))

	lock, err := Acquire(path, "sim://")
	require.NoError(t, err)
	defer lock.Release()

	pid, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquireBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.pid")
	// PID 1 is always alive.
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(1)), 0644))

	_, err := Acquire(path, "sim://")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeProbeBusy))
}
