package models

import "fmt"

// ProjectStatus is the pipeline-owned status of a project. It only moves forward.
type ProjectStatus string

const (
	StatusPending       ProjectStatus = "pending"
	StatusScanning      ProjectStatus = "scanning"
	StatusSandboxing    ProjectStatus = "sandboxing"
	StatusPassed        ProjectStatus = "passed"
	StatusFailed        ProjectStatus = "failed"
	StatusAwaitingInput ProjectStatus = "awaiting_input"
)

func (s ProjectStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusScanning:
		return 1
	case StatusSandboxing:
		return 2
	case StatusPassed, StatusFailed, StatusAwaitingInput:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s ProjectStatus) Valid() bool {
	return s.rank() >= 0
}

// IsTerminal reports whether no further transition is allowed.
func (s ProjectStatus) IsTerminal() bool {
	return s.rank() == 3
}

// CanTransitionTo reports whether moving from s to next keeps the status
// moving forward. Re-asserting the current non-terminal status is allowed.
func (s ProjectStatus) CanTransitionTo(next ProjectStatus) bool {
	if !next.Valid() || s.IsTerminal() {
		return false
	}
	if s == "" {
		return true
	}
	return next.rank() >= s.rank()
}

// ParseProjectStatus validates a stored status string.
func ParseProjectStatus(s string) (ProjectStatus, error) {
	st := ProjectStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("invalid project status %q", s)
	}
	return st, nil
}

// ProjectHealth is the cumulative view of a project's heal progress.
type ProjectHealth struct {
	ProjectID   string        `json:"project_id"`
	Status      ProjectStatus `json:"status"`
	Iterations  int           `json:"iterations"`
	HealthScore int           `json:"health_score"`
}

// HealOutcome is what a controller run reports to its caller.
type HealOutcome struct {
	ProjectID         string            `json:"project_id"`
	Phase             string            `json:"phase"`
	Iterations        int               `json:"iterations"`
	HealthScore       int               `json:"health_score"`
	LastIteration     *SandboxIteration `json:"last_iteration,omitempty"`
	UserInputRequired []ClassifiedError `json:"user_input_required,omitempty"`
}
