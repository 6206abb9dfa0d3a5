package events

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Infof(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func TestLogSink(t *testing.T) {
	logger := &recordingLogger{}
	sink := NewLogSink(logger)

	require.NoError(t, sink.Notify(context.Background(), "p1", IterationStarted, map[string]any{"iteration": 2, "max": 10}))
	require.NoError(t, sink.Notify(context.Background(), "p1", HealPassed, nil))

	assert.Equal(t, []string{
		"[p1] iteration_started iteration=2 max=10",
		"[p1] heal_passed",
	}, logger.lines)

	// nil logger is a no-op
	assert.NoError(t, NewLogSink(nil).Notify(context.Background(), "p1", HealFailed, nil))
}

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestJSONLSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.jsonl")
	sink := NewJSONLSink(path)
	fixed := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	sink.clock = func() time.Time { return fixed }

	ctx := context.Background()
	require.NoError(t, sink.Notify(ctx, "p1", FixesApplied, map[string]any{"applied": []string{"install_package: lodash"}}))
	require.NoError(t, sink.Notify(ctx, "p1", HealFailed, nil))

	got := readEvents(t, path)
	require.Len(t, got, 2)
	assert.Equal(t, FixesApplied, got[0].Type)
	assert.Equal(t, "p1", got[0].ProjectID)
	assert.True(t, fixed.Equal(got[0].Timestamp))
	assert.Equal(t, []any{"install_package: lodash"}, got[0].Payload["applied"])
	assert.Nil(t, got[1].Payload)
}

func TestJSONLSinkConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink := NewJSONLSink(path)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, sink.Notify(context.Background(), fmt.Sprintf("p%d", i), IterationStarted, map[string]any{"iteration": 1}))
		}(i)
	}
	wg.Wait()

	assert.Len(t, readEvents(t, path), 20)
}

type failingSink struct{ err error }

func (f failingSink) Notify(context.Context, string, string, map[string]any) error { return f.err }

func TestMulti(t *testing.T) {
	logger := &recordingLogger{}
	boom := errors.New("boom")
	m := Multi{failingSink{err: boom}, nil, NewLogSink(logger)}

	err := m.Notify(context.Background(), "p1", Escalated, map[string]any{"files": 2})
	assert.ErrorIs(t, err, boom)
	// later sinks still receive the event
	assert.Equal(t, []string{"[p1] escalated files=2"}, logger.lines)

	assert.NoError(t, Multi{NewLogSink(logger)}.Notify(context.Background(), "p1", HealPassed, nil))
}
