// Package events delivers heal loop notifications to logs and JSONL files.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harrison/healloop/internal/filelock"
)

// Event types emitted by the heal loop.
const (
	IterationStarted  = "iteration_started"
	FixesApplied      = "fixes_applied"
	Escalated         = "escalated"
	UserInputRequired = "user_input_required"
	HealPassed        = "heal_passed"
	HealFailed        = "heal_failed"
)

// Event is one JSONL record.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	ProjectID string         `json:"project_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Sink receives notifications. Implementations must be safe for concurrent use.
type Sink interface {
	Notify(ctx context.Context, projectID, eventType string, payload map[string]any) error
}

// Logger is the subset of logging LogSink needs.
type Logger interface {
	Infof(format string, args ...interface{})
}

// LogSink writes each event as one log line.
type LogSink struct {
	logger Logger
}

// NewLogSink creates a LogSink writing to logger.
func NewLogSink(logger Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Notify implements Sink.
func (s *LogSink) Notify(ctx context.Context, projectID, eventType string, payload map[string]any) error {
	if s.logger == nil {
		return nil
	}
	s.logger.Infof("[%s] %s%s", projectID, eventType, formatPayload(payload))
	return nil
}

// formatPayload renders payload keys in sorted order as " k=v k=v".
func formatPayload(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, payload[k])
	}
	return b.String()
}

// JSONLSink appends events to a file, one JSON object per line. Appends are
// serialized across processes with a lock file next to the target.
type JSONLSink struct {
	path  string
	clock func() time.Time
}

// NewJSONLSink creates a sink appending to path.
func NewJSONLSink(path string) *JSONLSink {
	return &JSONLSink{path: path, clock: time.Now}
}

// Path returns the target file.
func (s *JSONLSink) Path() string {
	return s.path
}

// Notify implements Sink.
func (s *JSONLSink) Notify(ctx context.Context, projectID, eventType string, payload map[string]any) error {
	line, err := json.Marshal(Event{
		Timestamp: s.clock().UTC(),
		ProjectID: projectID,
		Type:      eventType,
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	line = append(line, '\n')
	if err := filelock.LockAndAppend(ctx, s.path, line); err != nil {
		return fmt.Errorf("append %s event: %w", eventType, err)
	}
	return nil
}

// Multi fans out to every sink and joins their errors.
type Multi []Sink

// Notify implements Sink.
func (m Multi) Notify(ctx context.Context, projectID, eventType string, payload map[string]any) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, projectID, eventType, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
