// Package runner executes a project's install, build and start commands on
// the local machine and probes the started server.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"github.com/harrison/healloop/internal/models"
)

// ErrUnknownExecution is returned when polling an id this runner never issued.
var ErrUnknownExecution = errors.New("unknown execution")

// Resolver maps a project ID to its directory.
type Resolver interface {
	Root(projectID string) (string, error)
}

// Logger is the subset of logging the runner needs.
type Logger interface {
	Debugf(format string, args ...interface{})
}

// Config holds the commands and probe settings.
type Config struct {
	InstallCommand string
	BuildCommand   string // empty skips the build stage
	StartCommand   string
	HealthURL      string // empty: healthy if the start process is still up after StartupTimeout
	StartupTimeout time.Duration
	StageTimeout   time.Duration
	ProbeInterval  time.Duration
	Env            []string // appended to the inherited environment
	MaxLogLines    int
}

// DefaultConfig returns settings for an npm project serving on port 8080.
func DefaultConfig() Config {
	return Config{
		InstallCommand: "npm install --no-audit --no-fund",
		BuildCommand:   "npm run build --if-present",
		StartCommand:   "npm start",
		HealthURL:      "http://127.0.0.1:8080/",
		StartupTimeout: 60 * time.Second,
		StageTimeout:   2 * time.Minute,
		ProbeInterval:  500 * time.Millisecond,
		Env:            []string{"PORT=8080"},
		MaxLogLines:    2000,
	}
}

// Validate checks that every configured command parses.
func (c Config) Validate() error {
	if strings.TrimSpace(c.InstallCommand) == "" {
		return errors.New("install command is required")
	}
	if strings.TrimSpace(c.StartCommand) == "" {
		return errors.New("start command is required")
	}
	for name, cmd := range map[string]string{"install": c.InstallCommand, "build": c.BuildCommand, "start": c.StartCommand} {
		if _, err := shellquote.Split(cmd); err != nil {
			return fmt.Errorf("parse %s command %q: %w", name, cmd, err)
		}
	}
	if c.StartupTimeout <= 0 {
		return errors.New("startup timeout must be positive")
	}
	if c.ProbeInterval <= 0 {
		return errors.New("probe interval must be positive")
	}
	return nil
}

// MaxDuration is the longest one iteration can take, or 0 when a stage is
// unbounded.
func (c Config) MaxDuration() time.Duration {
	if c.StageTimeout <= 0 {
		return 0
	}
	stages := 1
	if strings.TrimSpace(c.BuildCommand) != "" {
		stages++
	}
	return time.Duration(stages)*c.StageTimeout + c.StartupTimeout
}

type execution struct {
	mu     sync.Mutex
	state  models.RunState
	result *models.RunnerResult
	cancel context.CancelFunc
	done   chan struct{}
}

// Local runs iterations as child processes. Each iteration runs in its own
// goroutine; Poll reports its progress.
type Local struct {
	dirs   Resolver
	cfg    Config
	client *http.Client
	logger Logger
	clock  func() time.Time

	mu    sync.Mutex
	execs map[string]*execution
	wg    sync.WaitGroup
}

// NewLocal creates a Local runner.
func NewLocal(dirs Resolver, cfg Config, logger Logger) (*Local, error) {
	if dirs == nil {
		return nil, errors.New("resolver cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid runner config: %w", err)
	}
	return &Local{
		dirs:   dirs,
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
		clock:  time.Now,
		execs:  make(map[string]*execution),
	}, nil
}

// StartIteration launches iteration n for projectID and returns its execution ID.
func (l *Local) StartIteration(ctx context.Context, projectID string, n int) (string, error) {
	root, err := l.dirs.Root(projectID)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(root); err != nil {
		return "", fmt.Errorf("project directory: %w", err)
	}

	// The iteration outlives the request that started it; Close stops it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	id := uuid.NewString()
	ex := &execution{state: models.RunPending, cancel: cancel, done: make(chan struct{})}

	l.mu.Lock()
	l.execs[id] = ex
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(ex.done)
		defer cancel()
		ex.mu.Lock()
		ex.state = models.RunRunning
		ex.mu.Unlock()

		res := l.run(runCtx, projectID, n, root)

		ex.mu.Lock()
		ex.state = models.RunCompleted
		ex.result = res
		ex.mu.Unlock()
	}()

	l.debugf("[%s] iteration %d started as %s in %s", projectID, n, id, root)
	return id, nil
}

// Poll reports the state of an execution. A completed execution is forgotten
// once reported.
func (l *Local) Poll(ctx context.Context, executionID string) (*models.RunStatus, error) {
	l.mu.Lock()
	ex, ok := l.execs[executionID]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	}

	ex.mu.Lock()
	status := &models.RunStatus{ExecutionID: executionID, State: ex.state, Result: ex.result}
	ex.mu.Unlock()

	if status.Terminal() {
		l.mu.Lock()
		delete(l.execs, executionID)
		l.mu.Unlock()
	}
	return status, nil
}

// Cancel stops an execution, waits for its processes to exit and forgets it.
// Cancelling an execution that already completed is a no-op.
func (l *Local) Cancel(ctx context.Context, executionID string) error {
	l.mu.Lock()
	ex, ok := l.execs[executionID]
	l.mu.Unlock()
	if !ok {
		return nil
	}

	ex.cancel()
	select {
	case <-ex.done:
	case <-ctx.Done():
		return fmt.Errorf("cancel execution %s: %w", executionID, ctx.Err())
	}

	l.mu.Lock()
	delete(l.execs, executionID)
	l.mu.Unlock()
	return nil
}

// Close stops every running iteration and waits for them to exit.
func (l *Local) Close() error {
	l.mu.Lock()
	for _, ex := range l.execs {
		ex.cancel()
	}
	l.mu.Unlock()
	l.wg.Wait()
	return nil
}

func (l *Local) run(ctx context.Context, projectID string, n int, root string) *models.RunnerResult {
	res := &models.RunnerResult{StartedAt: l.clock()}
	logs := &logBuffer{}
	defer func() {
		res.Logs = logs.lines(l.cfg.MaxLogLines)
		res.CompletedAt = l.clock()
	}()

	res.InstallSuccess = l.runStage(ctx, root, l.cfg.InstallCommand, logs)
	if !res.InstallSuccess {
		return res
	}

	if strings.TrimSpace(l.cfg.BuildCommand) == "" {
		res.BuildSuccess = true
	} else {
		res.BuildSuccess = l.runStage(ctx, root, l.cfg.BuildCommand, logs)
	}
	if !res.BuildSuccess {
		return res
	}

	res.StartSuccess, res.HealthCheckPassed = l.startAndProbe(ctx, root, logs)
	l.debugf("[%s] iteration %d: install=%t build=%t start=%t health=%t", projectID, n,
		res.InstallSuccess, res.BuildSuccess, res.StartSuccess, res.HealthCheckPassed)
	return res
}

func (l *Local) command(ctx context.Context, root, line string, out *logBuffer) (*exec.Cmd, error) {
	argv, err := shellquote.Split(line)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", line, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = root
	cmd.Env = append(os.Environ(), l.cfg.Env...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 2 * time.Second
	killProcessGroup(cmd)
	return cmd, nil
}

// runStage runs one blocking command and reports whether it exited zero.
func (l *Local) runStage(ctx context.Context, root, line string, logs *logBuffer) bool {
	if l.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.StageTimeout)
		defer cancel()
	}

	logs.note("$ " + line)
	cmd, err := l.command(ctx, root, line, logs)
	if err != nil {
		logs.note(err.Error())
		return false
	}
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logs.note(fmt.Sprintf("command timed out after %s: %s", l.cfg.StageTimeout, line))
		} else {
			logs.note(fmt.Sprintf("command failed: %s: %v", line, err))
		}
		return false
	}
	return true
}

// startAndProbe launches the start command, waits for the health endpoint,
// and stops the process again.
func (l *Local) startAndProbe(ctx context.Context, root string, logs *logBuffer) (started, healthy bool) {
	procCtx, stop := context.WithCancel(ctx)
	defer stop()

	logs.note("$ " + l.cfg.StartCommand)
	cmd, err := l.command(procCtx, root, l.cfg.StartCommand, logs)
	if err != nil {
		logs.note(err.Error())
		return false, false
	}
	if err := cmd.Start(); err != nil {
		logs.note(fmt.Sprintf("command failed: %s: %v", l.cfg.StartCommand, err))
		return false, false
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	defer func() {
		stop()
		<-exited
	}()

	deadline := time.NewTimer(l.cfg.StartupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(l.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-exited:
			// Put the result back for the deferred wait.
			exited <- err
			if err != nil {
				logs.note(fmt.Sprintf("start command exited: %v", err))
			} else {
				logs.note("start command exited before the server became healthy")
			}
			return false, false
		case <-ctx.Done():
			return false, false
		case <-deadline.C:
			if l.cfg.HealthURL == "" {
				return true, true
			}
			logs.note(fmt.Sprintf("health check failed: %s did not respond successfully within %s", l.cfg.HealthURL, l.cfg.StartupTimeout))
			return true, false
		case <-ticker.C:
			if l.cfg.HealthURL == "" {
				continue
			}
			if ok, detail := l.probe(ctx); ok {
				return true, true
			} else if detail != "" {
				l.debugf("probe %s: %s", l.cfg.HealthURL, detail)
			}
		}
	}
}

func (l *Local) probe(ctx context.Context) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.HealthURL, nil)
	if err != nil {
		return false, err.Error()
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return false, err.Error()
	}
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return true, ""
	}
	return false, resp.Status
}

func (l *Local) debugf(format string, args ...interface{}) {
	if l.logger != nil {
		l.logger.Debugf(format, args...)
	}
}

// logBuffer collects combined output from concurrent writers.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) note(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() > 0 && !bytes.HasSuffix(b.buf.Bytes(), []byte("\n")) {
		b.buf.WriteByte('\n')
	}
	b.buf.WriteString(line)
	b.buf.WriteByte('\n')
}

// lines returns the non-empty output lines, keeping only the last max.
func (b *logBuffer) lines(max int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for _, line := range strings.Split(b.buf.String(), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}
