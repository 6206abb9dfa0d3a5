package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"sync"
)

// Memory is an in-process workspace keyed by project ID, used by tests and
// dry runs.
type Memory struct {
	mu    sync.Mutex
	files map[string]map[string][]byte
}

// NewMemory creates an empty in-memory workspace.
func NewMemory() *Memory {
	return &Memory{files: make(map[string]map[string][]byte)}
}

// Put seeds a file.
func (m *Memory) Put(projectID, rel string, data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.project(projectID)[clean(rel)] = []byte(data)
}

// Get returns a file's content as a string and whether it exists.
func (m *Memory) Get(projectID, rel string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[projectID][clean(rel)]
	return string(data), ok
}

func (m *Memory) project(projectID string) map[string][]byte {
	p, ok := m.files[projectID]
	if !ok {
		p = make(map[string][]byte)
		m.files[projectID] = p
	}
	return p
}

func clean(rel string) string {
	return path.Clean("/" + rel)[1:]
}

// ReadFile returns a copy of the stored content.
func (m *Memory) ReadFile(ctx context.Context, projectID, rel string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[projectID][clean(rel)]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", rel, fs.ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

// WriteFile stores a copy of data.
func (m *Memory) WriteFile(ctx context.Context, projectID, rel string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.project(projectID)[clean(rel)] = append([]byte(nil), data...)
	return nil
}

// Exists reports whether rel was stored.
func (m *Memory) Exists(ctx context.Context, projectID, rel string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[projectID][clean(rel)]
	return ok, nil
}

// ListFiles returns stored paths in sorted order.
func (m *Memory) ListFiles(ctx context.Context, projectID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files[projectID]))
	for p := range m.files[projectID] {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}
