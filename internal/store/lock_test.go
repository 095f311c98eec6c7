package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/unisearch/internal/errors"
)

func TestAcquireDirLock_SecondHolderRejected(t *testing.T) {
	// Given: a held lock
	dir := t.TempDir()
	first, err := AcquireDirLock(dir)
	require.NoError(t, err)
	defer first.Release()

	// When: a second engine tries the same directory
	_, err = AcquireDirLock(dir)

	// Then: it is refused with a fatal lock error
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrIndexLocked)
	assert.True(t, errors.IsFatal(err))
}

func TestAcquireDirLock_ReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	first, err := AcquireDirLock(dir)
	require.NoError(t, err)
	require.NoError(t, first.Release())
	require.NoError(t, first.Release())

	second, err := AcquireDirLock(dir)
	require.NoError(t, err)
	assert.NoError(t, second.Release())
}

func TestAcquireDirLock_UnwritableDirectory(t *testing.T) {
	// Given: a path whose parent is a regular file
	parent := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(parent, []byte("x"), 0o644))

	// When: acquiring a lock below it
	_, err := AcquireDirLock(filepath.Join(parent, "index"))

	// Then: startup is refused as unwritable
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrIndexUnwritable)
	assert.True(t, errors.IsFatal(err))
}

func TestLayoutPaths(t *testing.T) {
	assert.Equal(t, filepath.Join("/d", "index.bleve"), IndexPath("/d"))
	assert.Equal(t, filepath.Join("/d", "meta.db"), MetaPath("/d"))
}

func TestDirLocked(t *testing.T) {
	dir := t.TempDir()

	locked, err := DirLocked(dir)
	require.NoError(t, err)
	assert.False(t, locked, "never locked")

	l, err := AcquireDirLock(dir)
	require.NoError(t, err)
	locked, err = DirLocked(dir)
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, l.Release())
	locked, err = DirLocked(dir)
	require.NoError(t, err)
	assert.False(t, locked)
}
