package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/harrison/healloop/internal/models"
)

// ConsoleLogger logs heal progress to a writer with timestamps.
// All output is prefixed with [HH:MM:SS]. Color output is enabled
// automatically when the writer is a terminal.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided io.Writer.
// If writer is nil, messages are silently discarded.
// If logLevel is empty or invalid, defaults to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
	}
}

// isTerminal reports whether w is a TTY that should get colors.
// NO_COLOR disables colors via fatih/color.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || f == nil {
		return false
	}
	if color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Debugf logs a debug-level message.
func (cl *ConsoleLogger) Debugf(format string, args ...interface{}) {
	cl.logWithLevel("DEBUG", fmt.Sprintf(format, args...))
}

// Infof logs an info-level message.
func (cl *ConsoleLogger) Infof(format string, args ...interface{}) {
	cl.logWithLevel("INFO", fmt.Sprintf(format, args...))
}

// Warnf logs a warning-level message.
func (cl *ConsoleLogger) Warnf(format string, args ...interface{}) {
	cl.logWithLevel("WARN", fmt.Sprintf(format, args...))
}

// Errorf logs an error-level message.
func (cl *ConsoleLogger) Errorf(format string, args ...interface{}) {
	cl.logWithLevel("ERROR", fmt.Sprintf(format, args...))
}

func (cl *ConsoleLogger) logWithLevel(level string, message string) {
	if cl.writer == nil {
		return
	}
	if !shouldLog(cl.logLevel, strings.ToLower(level)) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	var formatted string
	if cl.colorOutput {
		formatted = fmt.Sprintf("[%s] [%s] %s\n", ts, colorLevel(level), message)
	} else {
		formatted = fmt.Sprintf("[%s] [%s] %s\n", ts, level, message)
	}
	cl.writer.Write([]byte(formatted))
}

func colorLevel(level string) string {
	switch level {
	case "TRACE":
		return color.New(color.FgHiBlack).Sprint(level)
	case "DEBUG":
		return color.New(color.FgCyan).Sprint(level)
	case "INFO":
		return color.New(color.FgBlue).Sprint(level)
	case "WARN":
		return color.New(color.FgYellow).Sprint(level)
	case "ERROR":
		return color.New(color.FgRed).Sprint(level)
	default:
		return level
	}
}

// phaseColor picks the outcome color: green healthy, yellow blocked, red otherwise.
func phaseColor(phase string) *color.Color {
	switch phase {
	case "HEALTHY":
		return color.New(color.FgGreen, color.Bold)
	case "BLOCKED":
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}

// LogOutcome prints the summary block for one finished heal run.
// It is printed at info level.
func (cl *ConsoleLogger) LogOutcome(outcome *models.HealOutcome) {
	if cl.writer == nil || outcome == nil || !shouldLog(cl.logLevel, "info") {
		return
	}

	phase := outcome.Phase
	if cl.colorOutput {
		phase = phaseColor(outcome.Phase).Sprint(outcome.Phase)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] === %s: %s ===\n", timestamp(), outcome.ProjectID, phase)
	fmt.Fprintf(&sb, "  iterations: %d\n", outcome.Iterations)
	fmt.Fprintf(&sb, "  health: %d/100\n", outcome.HealthScore)
	if it := outcome.LastIteration; it != nil && len(it.Errors) > 0 {
		sb.WriteString("  remaining errors:\n")
		for _, e := range it.Errors {
			sb.WriteString("    " + formatError(e) + "\n")
		}
	}
	if len(outcome.UserInputRequired) > 0 {
		sb.WriteString("  needs your input:\n")
		for _, e := range outcome.UserInputRequired {
			sb.WriteString("    " + formatError(e) + "\n")
		}
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	cl.writer.Write([]byte(sb.String()))
}

func formatError(e models.ClassifiedError) string {
	loc := e.Location()
	if loc != "" {
		loc = " (" + loc + ")"
	}
	msg := strings.TrimSpace(e.RawMessage)
	if len(msg) > 160 {
		msg = msg[:157] + "..."
	}
	return fmt.Sprintf("%s%s: %s", e.Category, loc, msg)
}
