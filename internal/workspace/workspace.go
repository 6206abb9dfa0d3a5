// Package workspace resolves project IDs to their files on disk. All paths
// are confined to the project root, and writes go through per-file locks and
// atomic renames.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/harrison/healloop/internal/filelock"
)

// ErrUnknownProject is returned for a project ID that was never registered.
var ErrUnknownProject = errors.New("unknown project")

// MaxListedFiles caps ListFiles on very large trees.
const MaxListedFiles = 5000

// skipDirs are never descended into by ListFiles.
var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
	"build":        true,
	".next":        true,
	".cache":       true,
	"coverage":     true,
}

// Dirs maps project IDs to directories on the local filesystem.
type Dirs struct {
	mu      sync.RWMutex
	roots   map[string]string
	lockDir string
}

// Option configures Dirs.
type Option func(*Dirs)

// WithLockDir sets where write locks are kept. Lock files never go inside a
// project tree.
func WithLockDir(dir string) Option {
	return func(d *Dirs) {
		if dir != "" {
			d.lockDir = dir
		}
	}
}

// NewDirs creates an empty registry. Locks default to a directory under
// os.TempDir.
func NewDirs(opts ...Option) *Dirs {
	d := &Dirs{
		roots:   make(map[string]string),
		lockDir: filepath.Join(os.TempDir(), "healloop-locks"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register associates projectID with dir. dir is made absolute.
func (d *Dirs) Register(projectID, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat project dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("project path %s is not a directory", abs)
	}
	d.mu.Lock()
	d.roots[projectID] = abs
	d.mu.Unlock()
	return nil
}

// Root returns the registered directory of a project.
func (d *Dirs) Root(projectID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	root, ok := d.roots[projectID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProject, projectID)
	}
	return root, nil
}

// Resolve returns the absolute path of rel inside the project, never escaping its root.
func (d *Dirs) Resolve(projectID, rel string) (string, error) {
	root, err := d.Root(projectID)
	if err != nil {
		return "", err
	}
	p, err := securejoin.SecureJoin(root, filepath.FromSlash(rel))
	if err != nil {
		return "", fmt.Errorf("resolve %s in %s: %w", rel, projectID, err)
	}
	return p, nil
}

// ReadFile returns the content of a project file. A missing file yields an
// error wrapping fs.ErrNotExist.
func (d *Dirs) ReadFile(ctx context.Context, projectID, rel string) ([]byte, error) {
	p, err := d.Resolve(projectID, rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return data, nil
}

// WriteFile replaces a project file atomically under its lock.
func (d *Dirs) WriteFile(ctx context.Context, projectID, rel string, data []byte) error {
	p, err := d.Resolve(projectID, rel)
	if err != nil {
		return err
	}
	if err := filelock.LockAndWrite(ctx, filelock.InDir(d.lockDir, p), p, data); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// Exists reports whether a regular file exists at rel.
func (d *Dirs) Exists(ctx context.Context, projectID, rel string) (bool, error) {
	p, err := d.Resolve(projectID, rel)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", rel, err)
	}
	return info.Mode().IsRegular(), nil
}

// ListFiles returns slash-separated project-relative paths of source files,
// sorted, skipping dependency and build output directories and lock files.
func (d *Dirs) ListFiles(ctx context.Context, projectID string) ([]string, error) {
	root, err := d.Root(projectID)
	if err != nil {
		return nil, err
	}

	var files []string
	errLimit := errors.New("file limit reached")
	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			if path != root && skipDirs[entry.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(entry.Name(), filelock.LockSuffix) || strings.HasPrefix(entry.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		if len(files) >= MaxListedFiles {
			return errLimit
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		return nil, fmt.Errorf("list files of %s: %w", projectID, err)
	}
	sort.Strings(files)
	return files, nil
}
