package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harrison/healloop/internal/events"
	"github.com/harrison/healloop/internal/health"
	"github.com/harrison/healloop/internal/models"
)

// Runner executes one install/build/start/health cycle asynchronously.
type Runner interface {
	StartIteration(ctx context.Context, projectID string, n int) (executionID string, err error)
	Poll(ctx context.Context, executionID string) (*models.RunStatus, error)
	// Cancel stops an execution and returns once its processes have exited.
	Cancel(ctx context.Context, executionID string) error
}

// Classifier turns runner logs into distinct errors.
type Classifier interface {
	ClassifyBatch(lines []string) []models.ClassifiedError
}

// Healer applies fixes for one iteration's errors.
type Healer interface {
	ApplyIteration(ctx context.Context, projectID string, iteration int, errs []models.ClassifiedError) models.FixResult
}

// ProjectStore persists status and iteration history.
type ProjectStore interface {
	GetStatus(ctx context.Context, projectID string) (models.ProjectStatus, error)
	SetStatus(ctx context.Context, projectID string, status models.ProjectStatus) error
	AppendIteration(ctx context.Context, it *models.SandboxIteration) error
	UpdateHealth(ctx context.Context, projectID string, iterations, score int) error
}

// EventSink receives loop notifications.
type EventSink interface {
	Notify(ctx context.Context, projectID, eventType string, payload map[string]any) error
}

// Logger is the subset of logging the controller needs.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Config bounds the loop.
type Config struct {
	MaxIterations    int
	PollInterval     time.Duration
	IterationTimeout time.Duration
	LogExcerptBytes  int
}

// cancelGrace bounds how long a timed-out execution may take to stop.
const cancelGrace = 30 * time.Second

// DefaultConfig returns the standard loop bounds.
func DefaultConfig() Config {
	return Config{
		MaxIterations:    DefaultMaxIterations,
		PollInterval:     5 * time.Second,
		IterationTimeout: 5 * time.Minute,
		LogExcerptBytes:  4096,
	}
}

// Validate checks the bounds.
func (c Config) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max iterations must be at least 1, got %d", c.MaxIterations)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.IterationTimeout < c.PollInterval {
		return fmt.Errorf("iteration timeout %s is shorter than poll interval %s", c.IterationTimeout, c.PollInterval)
	}
	if c.LogExcerptBytes < 0 {
		return fmt.Errorf("log excerpt bytes cannot be negative, got %d", c.LogExcerptBytes)
	}
	return nil
}

// Option configures a Controller.
type Option func(*Controller)

// WithStore persists status and iterations.
func WithStore(s ProjectStore) Option {
	return func(c *Controller) { c.store = s }
}

// WithEventSink sends loop notifications to s.
func WithEventSink(s EventSink) Option {
	return func(c *Controller) { c.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithClock overrides time.Now for iteration timestamps.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

// Controller runs heal loops. One Controller may serve many projects
// concurrently; each project's loop is strictly sequential.
type Controller struct {
	runner     Runner
	classifier Classifier
	healer     Healer
	store      ProjectStore
	sink       EventSink
	logger     Logger
	cfg        Config
	clock      func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewController creates a Controller.
func NewController(runner Runner, cls Classifier, h Healer, cfg Config, opts ...Option) (*Controller, error) {
	if runner == nil {
		return nil, errors.New("runner cannot be nil")
	}
	if cls == nil {
		return nil, errors.New("classifier cannot be nil")
	}
	if h == nil {
		return nil, errors.New("healer cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sandbox config: %w", err)
	}

	c := &Controller{
		runner:     runner,
		classifier: cls,
		healer:     h,
		cfg:        cfg,
		clock:      time.Now,
		inFlight:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Controller) acquire(projectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[projectID]; busy {
		return false
	}
	c.inFlight[projectID] = struct{}{}
	return true
}

func (c *Controller) release(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, projectID)
}

// Run heals projectID until it is healthy, the iteration budget is spent, only
// user input can help, or the runner fails. Only a runner failure or context
// cancellation returns an error; exhaustion is a normal outcome.
func (c *Controller) Run(ctx context.Context, projectID string) (*models.HealOutcome, error) {
	if !c.acquire(projectID) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, projectID)
	}
	defer c.release(projectID)

	if c.store != nil {
		status, err := c.store.GetStatus(ctx, projectID)
		if err != nil {
			c.warnf("read status of %s: %v", projectID, err)
		} else if status.IsTerminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrProjectFinished, projectID, status)
		}
	}
	c.setStatus(ctx, projectID, models.StatusSandboxing)

	state := NewState(c.cfg.MaxIterations)
	outcome := &models.HealOutcome{ProjectID: projectID}

	for !state.Phase.IsTerminal() {
		n := state.Iteration
		c.infof("[%s] iteration %d/%d", projectID, n, state.MaxIterations)
		c.notify(ctx, projectID, events.IterationStarted, map[string]any{
			"iteration":      n,
			"max_iterations": state.MaxIterations,
		})

		started := c.clock()
		result, err := c.runIteration(ctx, projectID, n)
		if err != nil {
			var infra *InfrastructureError
			if !errors.As(err, &infra) {
				// Cancelled: leave the status where it is so the project can be resumed.
				return nil, fmt.Errorf("heal %s: %w", projectID, err)
			}
			record := c.newRecord(projectID, n, &models.RunnerResult{Logs: []string{infra.Error()}}, started)
			c.persist(ctx, record)
			state = Step(state, Event{Kind: EventInfraFailure})
			outcome.LastIteration = record
			c.finish(ctx, state, outcome)
			return outcome, infra
		}

		record := c.newRecord(projectID, n, result, started)
		outcome.LastIteration = record

		if result.Passed() {
			c.persist(ctx, record)
			state = Step(state, Event{Kind: EventRunCompleted, Result: result})
			break
		}

		state = Step(state, Event{Kind: EventRunCompleted, Result: result})
		state = Step(state, Event{Kind: EventClassified, Errors: c.classifier.ClassifyBatch(result.Logs)})
		c.debugf("[%s] iteration %d: %d error(s) classified", projectID, n, len(state.Errors))

		fixes := c.healer.ApplyIteration(ctx, projectID, n, state.Errors)
		record.Errors = state.Errors
		record.FixesApplied = fixes.AppliedFixes
		record.FixesFailed = fixes.FailedFixes
		c.persist(ctx, record)
		c.notifyFixes(ctx, projectID, n, fixes)

		state = Step(state, Event{Kind: EventFixesApplied, Fixes: &fixes})
		outcome.UserInputRequired = fixes.UserInputRequired
	}

	c.finish(ctx, state, outcome)
	return outcome, nil
}

// runIteration starts iteration n and polls until it completes or times out.
// A timeout yields a failed result rather than an error.
func (c *Controller) runIteration(ctx context.Context, projectID string, n int) (*models.RunnerResult, error) {
	execID, err := c.runner.StartIteration(ctx, projectID, n)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &InfrastructureError{ProjectID: projectID, Iteration: n, Op: "start", Err: err}
	}

	started := c.clock()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(c.cfg.IterationTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			c.cancel(ctx, projectID, execID)
			return nil, ctx.Err()
		case <-timeout.C:
			terr := NewTimeoutError(projectID, n, c.cfg.IterationTimeout)
			c.warnf("[%s] %v", projectID, terr)
			// The next iteration must not start while this one still touches the tree.
			if err := c.cancel(ctx, projectID, execID); err != nil {
				return nil, &InfrastructureError{ProjectID: projectID, Iteration: n, Op: "cancel", Err: err}
			}
			return &models.RunnerResult{
				Logs:        []string{terr.Error()},
				StartedAt:   started,
				CompletedAt: c.clock(),
			}, nil
		case <-ticker.C:
			status, err := c.runner.Poll(ctx, execID)
			if err != nil {
				if ctx.Err() != nil {
					c.cancel(ctx, projectID, execID)
					return nil, ctx.Err()
				}
				return nil, &InfrastructureError{ProjectID: projectID, Iteration: n, Op: "poll", Err: err}
			}
			if !status.Terminal() {
				continue
			}
			if status.Result == nil {
				return nil, &InfrastructureError{ProjectID: projectID, Iteration: n, Op: "poll",
					Err: fmt.Errorf("execution %s completed without a result", execID)}
			}
			return status.Result, nil
		}
	}
}

// cancel stops a running execution. It must outlive a cancelled run context.
func (c *Controller) cancel(ctx context.Context, projectID, execID string) error {
	stopCtx, done := context.WithTimeout(context.WithoutCancel(ctx), cancelGrace)
	defer done()
	if err := c.runner.Cancel(stopCtx, execID); err != nil {
		c.warnf("[%s] stop execution %s: %v", projectID, execID, err)
		return err
	}
	return nil
}

func (c *Controller) newRecord(projectID string, n int, r *models.RunnerResult, started time.Time) *models.SandboxIteration {
	record := &models.SandboxIteration{
		ProjectID:         projectID,
		Number:            n,
		InstallSuccess:    r.InstallSuccess,
		BuildSuccess:      r.BuildSuccess,
		StartSuccess:      r.StartSuccess,
		HealthCheckPassed: r.HealthCheckPassed,
		LogExcerpt:        logExcerpt(r.Logs, c.cfg.LogExcerptBytes),
		StartedAt:         started,
		CompletedAt:       c.clock(),
	}
	record.HealthScore = health.ScoreIteration(*record)
	return record
}

// finish records the terminal status and the final health, and announces it.
func (c *Controller) finish(ctx context.Context, state State, outcome *models.HealOutcome) {
	projectID := outcome.ProjectID
	outcome.Phase = state.Phase.String()
	outcome.Iterations = state.Iteration
	if outcome.LastIteration != nil {
		outcome.HealthScore = outcome.LastIteration.HealthScore
	}

	// Terminal bookkeeping must land even if the run's context was cancelled.
	ctx = context.WithoutCancel(ctx)
	if c.store != nil {
		if err := c.store.UpdateHealth(ctx, projectID, outcome.Iterations, outcome.HealthScore); err != nil {
			c.warnf("update health of %s: %v", projectID, err)
		}
	}
	c.setStatus(ctx, projectID, state.Phase.ProjectStatus())

	payload := map[string]any{
		"phase":        outcome.Phase,
		"iterations":   outcome.Iterations,
		"health_score": outcome.HealthScore,
	}
	switch state.Phase {
	case PhaseHealthy:
		c.infof("[%s] healthy after %d iteration(s)", projectID, outcome.Iterations)
		c.notify(ctx, projectID, events.HealPassed, payload)
	case PhaseBlocked:
		c.infof("[%s] waiting on user input for %d error(s)", projectID, len(outcome.UserInputRequired))
	default:
		c.infof("[%s] %s after %d iteration(s), health %d", projectID, strings.ToLower(outcome.Phase), outcome.Iterations, outcome.HealthScore)
		c.notify(ctx, projectID, events.HealFailed, payload)
	}
}

func (c *Controller) notifyFixes(ctx context.Context, projectID string, n int, fixes models.FixResult) {
	if len(fixes.AppliedFixes) > 0 || len(fixes.FailedFixes) > 0 {
		c.notify(ctx, projectID, events.FixesApplied, map[string]any{
			"iteration":     n,
			"applied":       fixes.AppliedFixes,
			"failed":        fixes.FailedFixes,
			"deterministic": fixes.DeterministicFixes,
		})
	}
	if len(fixes.EscalatedFiles) > 0 {
		c.notify(ctx, projectID, events.Escalated, map[string]any{
			"iteration": n,
			"files":     fixes.EscalatedFiles,
		})
	}
	if len(fixes.UserInputRequired) > 0 {
		msgs := make([]string, 0, len(fixes.UserInputRequired))
		for _, e := range fixes.UserInputRequired {
			msgs = append(msgs, e.Category.String()+": "+e.RawMessage)
		}
		c.notify(ctx, projectID, events.UserInputRequired, map[string]any{
			"iteration": n,
			"errors":    msgs,
		})
	}
}

func (c *Controller) persist(ctx context.Context, record *models.SandboxIteration) {
	if c.store == nil {
		return
	}
	if err := c.store.AppendIteration(ctx, record); err != nil {
		c.warnf("persist iteration %d of %s: %v", record.Number, record.ProjectID, err)
		return
	}
	if err := c.store.UpdateHealth(ctx, record.ProjectID, record.Number, record.HealthScore); err != nil {
		c.warnf("update health of %s: %v", record.ProjectID, err)
	}
}

func (c *Controller) setStatus(ctx context.Context, projectID string, status models.ProjectStatus) {
	if c.store == nil {
		return
	}
	if err := c.store.SetStatus(ctx, projectID, status); err != nil {
		c.warnf("set status of %s to %s: %v", projectID, status, err)
	}
}

func (c *Controller) notify(ctx context.Context, projectID, eventType string, payload map[string]any) {
	if c.sink == nil {
		return
	}
	if err := c.sink.Notify(ctx, projectID, eventType, payload); err != nil {
		c.warnf("notify %s for %s: %v", eventType, projectID, err)
	}
}

// logExcerpt keeps the tail of the joined logs, at most max bytes, cut on a
// rune boundary.
func logExcerpt(logs []string, max int) string {
	s := strings.Join(logs, "\n")
	if max <= 0 || len(s) <= max {
		return s
	}
	s = s[len(s)-max:]
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return s
}

func (c *Controller) infof(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Infof(format, args...)
	}
}

func (c *Controller) warnf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Warnf(format, args...)
	}
}

func (c *Controller) debugf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Debugf(format, args...)
	}
}
