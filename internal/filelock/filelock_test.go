package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestForTarget(t *testing.T) {
	lock := ForTarget("/tmp/project/package.json")
	if lock.Path() != "/tmp/project/package.json.lock" {
		t.Errorf("Expected lock path with .lock suffix, got %s", lock.Path())
	}
}

func TestInDir(t *testing.T) {
	dir := t.TempDir()
	a := InDir(dir, "/srv/shop/package.json")
	b := InDir(dir, "/srv/blog/package.json")

	if filepath.Dir(a.Path()) != dir {
		t.Errorf("Expected lock inside %s, got %s", dir, a.Path())
	}
	if !strings.HasPrefix(filepath.Base(a.Path()), "package.json-") || !strings.HasSuffix(a.Path(), LockSuffix) {
		t.Errorf("Unexpected lock name %s", a.Path())
	}
	if a.Path() == b.Path() {
		t.Error("Different targets should not share a lock file")
	}
	if InDir(dir, "/srv/shop/package.json").Path() != a.Path() {
		t.Error("The same target should always map to the same lock file")
	}
}

func TestLockUnlock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "nested", "test.lock")
	lock := NewFileLock(lockPath)

	if err := lock.Lock(context.Background()); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Unlock(); err != nil {
		t.Fatalf("Failed to release lock: %v", err)
	}
}

func TestLockHonoursContext(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")

	holder := NewFileLock(lockPath)
	if err := holder.Lock(context.Background()); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer holder.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	err := NewFileLock(lockPath).Lock(ctx)
	if err == nil {
		t.Fatal("Expected Lock to fail while lock is held")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestLockReleasedAfterUnlock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")

	first := NewFileLock(lockPath)
	if err := first.Lock(context.Background()); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := first.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	second := NewFileLock(lockPath)
	if err := second.Lock(ctx); err != nil {
		t.Fatalf("Lock should succeed after unlock: %v", err)
	}
	second.Unlock()
}

func TestAtomicWriteOverwrite(t *testing.T) {
	targetPath := filepath.Join(t.TempDir(), ".env")

	if err := os.WriteFile(targetPath, []byte("PORT=3000\n"), 0600); err != nil {
		t.Fatalf("Failed to write initial file: %v", err)
	}

	if err := AtomicWrite(targetPath, []byte("PORT=8080\n")); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}

	got, err := os.ReadFile(targetPath)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if string(got) != "PORT=8080\n" {
		t.Errorf("Expected overwritten content, got %q", string(got))
	}

	info, err := os.Stat(targetPath)
	if err != nil {
		t.Fatalf("Failed to stat file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected preserved permissions 0600, got %v", info.Mode().Perm())
	}
}

func TestAtomicWriteNewFile(t *testing.T) {
	dir := t.TempDir()
	targetPath := filepath.Join(dir, "src", "index.ts")

	if err := AtomicWrite(targetPath, []byte("export {}\n")); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}

	info, err := os.Stat(targetPath)
	if err != nil {
		t.Fatalf("Failed to stat file: %v", err)
	}
	if info.Mode().Perm() != 0644 {
		t.Errorf("Expected permissions 0644, got %v", info.Mode().Perm())
	}

	entries, err := os.ReadDir(filepath.Join(dir, "src"))
	if err != nil {
		t.Fatalf("Failed to read directory: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "index.ts" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("Expected only index.ts, found %v", names)
	}
}

func TestConcurrentLockAndWrite(t *testing.T) {
	targetPath := filepath.Join(t.TempDir(), "package.json")
	lockDir := t.TempDir()

	const goroutines = 10
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			content := []byte(string(rune('A' + id)))
			if err := LockAndWrite(context.Background(), InDir(lockDir, targetPath), targetPath, content); err != nil {
				t.Errorf("LockAndWrite failed for goroutine %d: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	content, err := os.ReadFile(targetPath)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if len(content) != 1 {
		t.Errorf("Expected 1 byte, got %d bytes: %q", len(content), string(content))
	}
}

func TestConcurrentLockAndAppend(t *testing.T) {
	targetPath := filepath.Join(t.TempDir(), "events.jsonl")

	const goroutines = 8
	const perGoroutine = 5
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				line := []byte(fmt.Sprintf("{\"g\":%d,\"n\":%d}\n", id, j))
				if err := LockAndAppend(context.Background(), targetPath, line); err != nil {
					t.Errorf("LockAndAppend failed: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(targetPath)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != goroutines*perGoroutine {
		t.Errorf("Expected %d lines, got %d", goroutines*perGoroutine, len(lines))
	}
}

func TestWithLockPropagatesError(t *testing.T) {
	targetPath := filepath.Join(t.TempDir(), "x")
	want := errors.New("boom")

	err := WithLock(context.Background(), targetPath, func() error { return want })
	if !errors.Is(err, want) {
		t.Errorf("Expected callback error, got %v", err)
	}
}
