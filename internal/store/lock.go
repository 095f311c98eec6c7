package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/Aman-CERP/unisearch/internal/errors"
)

// DirLock holds an exclusive cross-process lock on an index directory, so
// two engines never write the same segments.
type DirLock struct {
	dir    string
	flock  *flock.Flock
	locked bool
}

// AcquireDirLock creates dir if needed, verifies that it is writable and
// takes the lock without blocking. Both failures are fatal at startup:
// ErrIndexUnwritable or ErrIndexLocked.
func AcquireDirLock(dir string) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.New(errors.ErrCodeIndexUnwritable, "cannot create index directory", err).
			WithDetail("path", dir)
	}
	if err := probeWritable(dir); err != nil {
		return nil, errors.New(errors.ErrCodeIndexUnwritable, "index directory is not writable", err).
			WithDetail("path", dir).
			WithSuggestion("check permissions or set index.path to a writable directory")
	}

	l := &DirLock{dir: dir, flock: flock.New(lockPath(dir))}
	acquired, err := l.flock.TryLock()
	if err != nil {
		return nil, errors.New(errors.ErrCodeIndexUnwritable, "failed to acquire index lock", err).
			WithDetail("path", dir)
	}
	if !acquired {
		return nil, errors.New(errors.ErrCodeIndexLocked, "index directory is in use by another process", nil).
			WithDetail("path", dir).
			WithSuggestion("stop the other unisearch process or use a different index.path")
	}
	l.locked = true
	return l, nil
}

// probeWritable creates and removes a temp file in dir.
func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	if _, err := f.Write([]byte("ok")); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return fmt.Errorf("write probe: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Remove(name)
}

// Release unlocks. It's safe to call Release multiple times.
func (l *DirLock) Release() error {
	if l == nil || !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// DirLocked reports whether another holder currently has the lock on dir.
// A directory that was never locked reports false.
func DirLocked(dir string) (bool, error) {
	path := lockPath(dir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("probe index lock: %w", err)
	}
	if !ok {
		return true, nil
	}
	return false, fl.Unlock()
}

func lockPath(dir string) string {
	return filepath.Join(dir, ".lock")
}

// Dir returns the locked directory.
func (l *DirLock) Dir() string {
	return l.dir
}

// IndexPath is the segment directory inside an index dir.
func IndexPath(dir string) string {
	return filepath.Join(dir, "index.bleve")
}

// MetaPath is the side-store file inside an index dir.
func MetaPath(dir string) string {
	return filepath.Join(dir, "meta.db")
}
