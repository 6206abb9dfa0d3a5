// Package sandbox drives the build-test-heal loop for one project: run the
// project, classify what broke, apply fixes, and repeat until it is healthy
// or the iteration budget is spent.
package sandbox

import (
	"github.com/harrison/healloop/internal/classifier"
	"github.com/harrison/healloop/internal/health"
	"github.com/harrison/healloop/internal/models"
)

// DefaultMaxIterations bounds a heal loop.
const DefaultMaxIterations = 10

// Phase is a state of the heal loop.
type Phase int

const (
	// PhaseRunning waits for the runner to finish the current iteration.
	PhaseRunning Phase = iota
	// PhaseAnalyzing classifies the failed run's logs.
	PhaseAnalyzing
	// PhaseFixing applies repairs for the classified errors.
	PhaseFixing
	// PhaseHealthy means every stage passed.
	PhaseHealthy
	// PhaseExhausted means the iteration budget ran out.
	PhaseExhausted
	// PhaseFatal means the runner itself failed.
	PhaseFatal
	// PhaseBlocked means only an operator can resolve the remaining errors.
	PhaseBlocked
)

// String returns the string representation of Phase.
func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "RUNNING"
	case PhaseAnalyzing:
		return "ANALYZING"
	case PhaseFixing:
		return "FIXING"
	case PhaseHealthy:
		return "HEALTHY"
	case PhaseExhausted:
		return "EXHAUSTED"
	case PhaseFatal:
		return "FATAL"
	case PhaseBlocked:
		return "BLOCKED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether the loop stops in p.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseHealthy, PhaseExhausted, PhaseFatal, PhaseBlocked:
		return true
	default:
		return false
	}
}

// ProjectStatus maps a terminal phase onto the persisted project status.
func (p Phase) ProjectStatus() models.ProjectStatus {
	switch p {
	case PhaseHealthy:
		return models.StatusPassed
	case PhaseBlocked:
		return models.StatusAwaitingInput
	case PhaseExhausted, PhaseFatal:
		return models.StatusFailed
	default:
		return models.StatusSandboxing
	}
}

// EventKind identifies what happened to the loop.
type EventKind int

const (
	// EventRunCompleted carries the runner's result for the current iteration.
	EventRunCompleted EventKind = iota
	// EventInfraFailure reports that the runner could not run the iteration.
	EventInfraFailure
	// EventClassified carries the classified errors of a failed run.
	EventClassified
	// EventFixesApplied carries the outcome of the fix pass.
	EventFixesApplied
)

// Event is an input to Step.
type Event struct {
	Kind   EventKind
	Result *models.RunnerResult
	Errors []models.ClassifiedError
	Fixes  *models.FixResult
}

// State is the heal loop's position. The zero value is not usable; start from
// NewState.
type State struct {
	Phase         Phase
	Iteration     int
	MaxIterations int
	Result        *models.RunnerResult
	Errors        []models.ClassifiedError
	Fixes         *models.FixResult
	HealthScore   int
}

// NewState returns the initial state: running iteration 1.
func NewState(maxIterations int) State {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return State{
		Phase:         PhaseRunning,
		Iteration:     1,
		MaxIterations: maxIterations,
	}
}

// Step returns the state after ev. It does no I/O. Events that do not apply
// to the current phase, and any event in a terminal phase, leave the state
// unchanged.
func Step(s State, ev Event) State {
	if s.Phase.IsTerminal() {
		return s
	}
	if ev.Kind == EventInfraFailure {
		s.Phase = PhaseFatal
		return s
	}

	switch s.Phase {
	case PhaseRunning:
		if ev.Kind != EventRunCompleted || ev.Result == nil {
			return s
		}
		s.Result = ev.Result
		s.HealthScore = health.Score(health.StagesFromResult(*ev.Result))
		if ev.Result.Passed() {
			s.Phase = PhaseHealthy
		} else {
			s.Phase = PhaseAnalyzing
		}

	case PhaseAnalyzing:
		if ev.Kind != EventClassified {
			return s
		}
		s.Errors = ev.Errors
		if len(s.Errors) == 0 {
			s.Errors = []models.ClassifiedError{classifier.SyntheticUnknown(unrecognizedFailure(s.Result))}
		}
		s.Phase = PhaseFixing

	case PhaseFixing:
		if ev.Kind != EventFixesApplied || ev.Fixes == nil {
			return s
		}
		s.Fixes = ev.Fixes
		switch {
		case blocked(s.Errors, ev.Fixes):
			s.Phase = PhaseBlocked
		case s.Iteration+1 > s.MaxIterations:
			s.Phase = PhaseExhausted
		default:
			s.Iteration++
			s.Phase = PhaseRunning
			s.Result = nil
			s.Errors = nil
			s.Fixes = nil
		}
	}
	return s
}

// blocked reports whether every error was held back for the operator and
// nothing was changed, so another run would fail the same way.
func blocked(errs []models.ClassifiedError, fixes *models.FixResult) bool {
	return len(errs) > 0 &&
		len(fixes.AppliedFixes) == 0 &&
		len(fixes.UserInputRequired) == len(errs)
}

func unrecognizedFailure(r *models.RunnerResult) string {
	stage := "run"
	if r != nil {
		switch {
		case !r.InstallSuccess:
			stage = "install"
		case !r.BuildSuccess:
			stage = "build"
		case !r.StartSuccess:
			stage = "start"
		case !r.HealthCheckPassed:
			stage = "health check"
		}
	}
	return stage + " failed with no recognizable error output"
}
