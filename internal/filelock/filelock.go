// Package filelock serializes mutations of project files across goroutines
// and processes, and writes them atomically.
package filelock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// DefaultRetryDelay is the polling interval used while waiting for a contended lock.
const DefaultRetryDelay = 20 * time.Millisecond

// LockSuffix is appended to a target path to derive its lock file.
const LockSuffix = ".lock"

// FileLock wraps a flock file lock for coordinating access to files.
type FileLock struct {
	flock *flock.Flock
	path  string
}

// NewFileLock creates a lock backed by the file at path.
func NewFileLock(path string) *FileLock {
	return &FileLock{
		flock: flock.New(path),
		path:  path,
	}
}

// ForTarget returns the lock guarding writes to target.
func ForTarget(target string) *FileLock {
	return NewFileLock(target + LockSuffix)
}

// InDir returns a lock for target whose file lives in dir instead of beside
// target. The file name is derived from target's absolute path.
func InDir(dir, target string) *FileLock {
	if abs, err := filepath.Abs(target); err == nil {
		target = abs
	}
	sum := sha256.Sum256([]byte(target))
	name := filepath.Base(target) + "-" + hex.EncodeToString(sum[:8]) + LockSuffix
	return NewFileLock(filepath.Join(dir, name))
}

// Path returns the lock file path.
func (fl *FileLock) Path() string {
	return fl.path
}

// Lock blocks until the lock is acquired or ctx is done.
func (fl *FileLock) Lock(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(fl.path), 0755); err != nil {
		return fmt.Errorf("create lock dir for %s: %w", fl.path, err)
	}
	ok, err := fl.flock.TryLockContext(ctx, DefaultRetryDelay)
	if err != nil {
		return fmt.Errorf("acquire lock on %s: %w", fl.path, err)
	}
	if !ok {
		return fmt.Errorf("acquire lock on %s: %w", fl.path, ctx.Err())
	}
	return nil
}

// Unlock releases the lock.
func (fl *FileLock) Unlock() error {
	if err := fl.flock.Unlock(); err != nil {
		return fmt.Errorf("release lock on %s: %w", fl.path, err)
	}
	return nil
}

// Do runs fn while holding the lock.
func (fl *FileLock) Do(ctx context.Context, fn func() error) error {
	if err := fl.Lock(ctx); err != nil {
		return err
	}
	defer fl.Unlock()
	return fn()
}

// WithLock runs fn while holding the lock beside target.
func WithLock(ctx context.Context, target string, fn func() error) error {
	return ForTarget(target).Do(ctx, fn)
}

// AtomicWrite replaces path with data via a temp file in the same directory
// and a rename, so readers never observe a partial file. An existing file's
// permission bits are preserved; new files get 0644.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	mode := fs.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, mode); err != nil {
		return fmt.Errorf("set permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename temp file to %s: %w", path, err)
	}

	tempFile = nil
	return nil
}

// LockAndWrite writes path atomically while holding lock.
func LockAndWrite(ctx context.Context, lock *FileLock, path string, data []byte) error {
	return lock.Do(ctx, func() error {
		return AtomicWrite(path, data)
	})
}

// LockAndAppend appends data to path under the target's lock, creating the
// file if needed.
func LockAndAppend(ctx context.Context, path string, data []byte) error {
	return WithLock(ctx, path, func() error {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open %s for append: %w", path, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return fmt.Errorf("append to %s: %w", path, err)
		}
		return f.Close()
	})
}
