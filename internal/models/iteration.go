package models

import "time"

// RunnerResult is what the runner reports for one install/build/start/health cycle.
type RunnerResult struct {
	InstallSuccess    bool      `json:"install_success"`
	BuildSuccess      bool      `json:"build_success"`
	StartSuccess      bool      `json:"start_success"`
	HealthCheckPassed bool      `json:"health_check_passed"`
	Logs              []string  `json:"logs"`
	StartedAt         time.Time `json:"started_at"`
	CompletedAt       time.Time `json:"completed_at"`
}

// Passed reports whether all four stages succeeded.
func (r RunnerResult) Passed() bool {
	return r.InstallSuccess && r.BuildSuccess && r.StartSuccess && r.HealthCheckPassed
}

// RunState is the lifecycle of an asynchronous runner execution.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
)

// RunStatus is returned by a runner poll. Result is set once State is RunCompleted.
type RunStatus struct {
	ExecutionID string        `json:"execution_id"`
	State       RunState      `json:"state"`
	Result      *RunnerResult `json:"result,omitempty"`
}

// Terminal reports whether the execution finished.
func (s *RunStatus) Terminal() bool {
	return s != nil && s.State == RunCompleted
}

// SandboxIteration is the persisted record of one heal cycle.
// Numbers are 1-based and contiguous per project.
type SandboxIteration struct {
	ProjectID         string            `json:"project_id"`
	Number            int               `json:"number"`
	InstallSuccess    bool              `json:"install_success"`
	BuildSuccess      bool              `json:"build_success"`
	StartSuccess      bool              `json:"start_success"`
	HealthCheckPassed bool              `json:"health_check_passed"`
	Errors            []ClassifiedError `json:"errors"`
	FixesApplied      []string          `json:"fixes_applied"`
	FixesFailed       []string          `json:"fixes_failed,omitempty"`
	LogExcerpt        string            `json:"log_excerpt"`
	StartedAt         time.Time         `json:"started_at"`
	CompletedAt       time.Time         `json:"completed_at"`
	HealthScore       int               `json:"health_score"`
}

// Duration returns the wall-clock time the iteration took.
func (it SandboxIteration) Duration() time.Duration {
	if it.CompletedAt.IsZero() || it.StartedAt.IsZero() {
		return 0
	}
	return it.CompletedAt.Sub(it.StartedAt)
}

// HealLogEntry records one delegated file repair.
type HealLogEntry struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	Iteration   int             `json:"iteration"`
	FilePath    string          `json:"file_path"`
	Categories  []ErrorCategory `json:"categories"`
	Summary     string          `json:"summary"`
	BytesBefore int             `json:"bytes_before"`
	BytesAfter  int             `json:"bytes_after"`
	CreatedAt   time.Time       `json:"created_at"`
}
