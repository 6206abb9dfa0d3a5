// Package healer applies repair strategies to classified errors: scripted
// manifest and config edits first, then delegation of whole files to a code
// repairer when nothing deterministic helped.
package healer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/healloop/internal/models"
)

// Workspace gives the dispatcher access to a project's files.
type Workspace interface {
	ReadFile(ctx context.Context, projectID, path string) ([]byte, error)
	WriteFile(ctx context.Context, projectID, path string, data []byte) error
	Exists(ctx context.Context, projectID, path string) (bool, error)
	ListFiles(ctx context.Context, projectID string) ([]string, error)
}

// RepairResult is a complete replacement for one file.
type RepairResult struct {
	Content string
	Summary string
}

// Repairer rewrites a file given its content and the errors attributed to it.
// Its output is never validated here; the next runner cycle does that.
type Repairer interface {
	Repair(ctx context.Context, filePath, content string, errs []models.ClassifiedError) (*RepairResult, error)
}

// HealLog records delegated repairs.
type HealLog interface {
	AppendHealLog(ctx context.Context, entry models.HealLogEntry) error
}

// Logger is the subset of logging the dispatcher needs.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Config holds the dispatcher's file conventions.
type Config struct {
	ManifestFile       string
	EnvFile            string
	CanonicalPort      int
	PortFiles          []string
	EntryPoints        []string
	MaxEscalationFiles int
}

// DefaultConfig returns the conventions for Node.js projects.
func DefaultConfig() Config {
	return Config{
		ManifestFile:  "package.json",
		EnvFile:       ".env",
		CanonicalPort: 8080,
		PortFiles: []string{
			".env", ".env.local", ".env.development",
			"server.js", "server.ts", "index.js", "app.js",
			"src/index.js", "src/index.ts", "src/server.js", "src/server.ts", "src/app.js", "src/app.ts",
			"vite.config.js", "vite.config.ts",
		},
		EntryPoints: []string{
			"src/index.ts", "src/index.js", "src/main.ts", "src/main.tsx", "src/App.tsx",
			"index.js", "server.js", "app.js", "package.json",
		},
		MaxEscalationFiles: 3,
	}
}

// Validate checks the configuration for values the dispatcher cannot work with.
func (c Config) Validate() error {
	if c.ManifestFile == "" {
		return fmt.Errorf("manifest file must be set")
	}
	if c.EnvFile == "" {
		return fmt.Errorf("env file must be set")
	}
	if c.CanonicalPort <= 0 || c.CanonicalPort > 65535 {
		return fmt.Errorf("canonical port %d out of range", c.CanonicalPort)
	}
	if c.MaxEscalationFiles <= 0 {
		return fmt.Errorf("max escalation files must be positive, got %d", c.MaxEscalationFiles)
	}
	return nil
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRepairer enables escalation to a code repairer.
func WithRepairer(r Repairer) Option {
	return func(d *Dispatcher) { d.repairer = r }
}

// WithHealLog records each delegated repair.
func WithHealLog(h HealLog) Option {
	return func(d *Dispatcher) { d.healLog = h }
}

// WithLogger attaches a logger.
func WithLogger(l Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock overrides time.Now for heal-log timestamps.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

// Dispatcher applies fixes for one project at a time. It holds no per-project
// state and may be shared by controllers of different projects.
type Dispatcher struct {
	ws       Workspace
	repairer Repairer
	healLog  HealLog
	logger   Logger
	cfg      Config
	clock    func() time.Time
	fixers   map[models.FixStrategy]fixer
}

// NewDispatcher validates cfg and builds a dispatcher over ws.
func NewDispatcher(ws Workspace, cfg Config, opts ...Option) (*Dispatcher, error) {
	if ws == nil {
		return nil, fmt.Errorf("workspace cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatcher config: %w", err)
	}
	d := &Dispatcher{ws: ws, cfg: cfg, clock: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	d.fixers = map[models.FixStrategy]fixer{
		models.InstallPackage: d.installPackage,
		models.FixVersion:     d.fixVersion,
		models.AddTypePackage: d.addTypePackage,
		models.AddEnvVar:      d.addEnvVar,
		models.FixPort:        d.fixPort,
	}
	return d, nil
}

// ApplyFixes dispatches errs (already in severity order) for a project
// outside any iteration.
func (d *Dispatcher) ApplyFixes(ctx context.Context, projectID string, errs []models.ClassifiedError) models.FixResult {
	return d.ApplyIteration(ctx, projectID, 0, errs)
}

// ApplyIteration dispatches errs for one heal iteration. Deterministic fixes
// run first; if none applied, the remaining errors are escalated file by
// file. User-input errors are returned, never acted on. No failure escapes:
// each is recorded in FailedFixes.
func (d *Dispatcher) ApplyIteration(ctx context.Context, projectID string, iteration int, errs []models.ClassifiedError) models.FixResult {
	result := models.FixResult{
		AppliedFixes: []string{},
		FailedFixes:  []string{},
	}
	var remaining []models.ClassifiedError

	for _, e := range errs {
		if e.Strategy == models.UserInput {
			result.UserInputRequired = append(result.UserInputRequired, e)
			continue
		}
		if !e.Strategy.IsDeterministic() {
			remaining = append(remaining, e)
			continue
		}

		desc, err := d.safeApply(ctx, projectID, e)
		switch {
		case errors.Is(err, ErrUserInputRequired):
			d.warnf("%s: %v", e.Category, err)
			e.Strategy = models.UserInput
			result.UserInputRequired = append(result.UserInputRequired, e)
		case err != nil:
			d.warnf("%s fix failed: %v", e.Strategy, err)
			result.FailedFixes = append(result.FailedFixes, fmt.Sprintf("%s (%s): %v", e.Strategy, e.Category, err))
			remaining = append(remaining, e)
		case desc == "":
			d.debugf("%s: nothing to change for %q", e.Strategy, e.RawMessage)
			remaining = append(remaining, e)
		default:
			d.infof("%s", desc)
			result.AppliedFixes = append(result.AppliedFixes, desc)
			result.DeterministicFixes++
		}
	}

	if result.DeterministicFixes == 0 && len(remaining) > 0 {
		d.escalate(ctx, projectID, iteration, remaining, &result)
	}
	return result
}

// safeApply runs one fixer, converting a panic into an error.
func (d *Dispatcher) safeApply(ctx context.Context, projectID string, e models.ClassifiedError) (desc string, err error) {
	defer func() {
		if r := recover(); r != nil {
			desc, err = "", fmt.Errorf("panic: %v", r)
		}
	}()
	f, ok := d.fixers[e.Strategy]
	if !ok {
		return "", fmt.Errorf("no fixer for strategy %s", e.Strategy)
	}
	return f(ctx, projectID, e)
}

func (d *Dispatcher) newHealLogEntry(projectID string, iteration int, path string, errs []models.ClassifiedError, summary string, before, after int) models.HealLogEntry {
	cats := make([]models.ErrorCategory, 0, len(errs))
	seen := make(map[models.ErrorCategory]bool)
	for _, e := range errs {
		if !seen[e.Category] {
			seen[e.Category] = true
			cats = append(cats, e.Category)
		}
	}
	return models.HealLogEntry{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Iteration:   iteration,
		FilePath:    path,
		Categories:  cats,
		Summary:     summary,
		BytesBefore: before,
		BytesAfter:  after,
		CreatedAt:   d.clock(),
	}
}

func (d *Dispatcher) infof(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Infof(format, args...)
	}
}

func (d *Dispatcher) warnf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Warnf(format, args...)
	}
}

func (d *Dispatcher) debugf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Debugf(format, args...)
	}
}
