package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/harrison/healloop/internal/models"
)

// RunLogName is the rotated run log inside the log directory.
const RunLogName = "healloop.log"

// FileLogger writes a rotated run log plus one outcome file per project
// under <logDir>/projects/.
type FileLogger struct {
	logDir      string
	projectsDir string
	runLog      io.WriteCloser
	logLevel    string
	mu          sync.Mutex
}

// NewFileLogger creates a FileLogger rooted at logDir.
func NewFileLogger(logDir, logLevel string) (*FileLogger, error) {
	projectsDir := filepath.Join(logDir, "projects")
	if err := os.MkdirAll(projectsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	fl := &FileLogger{
		logDir:      logDir,
		projectsDir: projectsDir,
		runLog: &lumberjack.Logger{
			Filename:   filepath.Join(logDir, RunLogName),
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
		},
		logLevel: normalizeLogLevel(logLevel),
	}
	fl.write(fmt.Sprintf("=== healloop run started at %s ===\n", time.Now().Format(time.RFC3339)))
	return fl, nil
}

// Dir returns the log directory.
func (fl *FileLogger) Dir() string {
	return fl.logDir
}

// Debugf logs a debug-level message.
func (fl *FileLogger) Debugf(format string, args ...interface{}) {
	fl.logWithLevel("DEBUG", fmt.Sprintf(format, args...))
}

// Infof logs an info-level message.
func (fl *FileLogger) Infof(format string, args ...interface{}) {
	fl.logWithLevel("INFO", fmt.Sprintf(format, args...))
}

// Warnf logs a warning-level message.
func (fl *FileLogger) Warnf(format string, args ...interface{}) {
	fl.logWithLevel("WARN", fmt.Sprintf(format, args...))
}

// Errorf logs an error-level message.
func (fl *FileLogger) Errorf(format string, args ...interface{}) {
	fl.logWithLevel("ERROR", fmt.Sprintf(format, args...))
}

func (fl *FileLogger) logWithLevel(level, message string) {
	if !shouldLog(fl.logLevel, strings.ToLower(level)) {
		return
	}
	fl.write(fmt.Sprintf("[%s] [%s] %s\n", time.Now().Format(time.RFC3339), level, message))
}

func (fl *FileLogger) write(s string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.runLog != nil {
		fl.runLog.Write([]byte(s))
	}
}

// LogOutcome appends a summary line to the run log and writes the outcome as
// JSON to projects/<project>.json, replacing any earlier one.
func (fl *FileLogger) LogOutcome(outcome *models.HealOutcome) {
	if outcome == nil {
		return
	}
	fl.logWithLevel("INFO", fmt.Sprintf("%s finished %s after %d iteration(s), health %d",
		outcome.ProjectID, outcome.Phase, outcome.Iterations, outcome.HealthScore))

	data, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		fl.logWithLevel("ERROR", fmt.Sprintf("marshal outcome of %s: %v", outcome.ProjectID, err))
		return
	}
	path := filepath.Join(fl.projectsDir, sanitizeFileName(outcome.ProjectID)+".json")
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		fl.logWithLevel("ERROR", fmt.Sprintf("write outcome of %s: %v", outcome.ProjectID, err))
	}
}

// Close closes the run log.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.runLog == nil {
		return nil
	}
	err := fl.runLog.Close()
	fl.runLog = nil
	return err
}

// sanitizeFileName replaces characters that are unsafe in file names.
func sanitizeFileName(name string) string {
	if name == "" {
		return "unnamed"
	}
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}

// Multi sends every message to each logger.
type Multi []Logger

// Debugf implements Logger.
func (m Multi) Debugf(format string, args ...interface{}) {
	for _, l := range m {
		l.Debugf(format, args...)
	}
}

// Infof implements Logger.
func (m Multi) Infof(format string, args ...interface{}) {
	for _, l := range m {
		l.Infof(format, args...)
	}
}

// Warnf implements Logger.
func (m Multi) Warnf(format string, args ...interface{}) {
	for _, l := range m {
		l.Warnf(format, args...)
	}
}

// Errorf implements Logger.
func (m Multi) Errorf(format string, args ...interface{}) {
	for _, l := range m {
		l.Errorf(format, args...)
	}
}

// LogOutcome implements Logger.
func (m Multi) LogOutcome(outcome *models.HealOutcome) {
	for _, l := range m {
		l.LogOutcome(outcome)
	}
}
