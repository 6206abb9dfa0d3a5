package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyRunning is returned when a heal loop for the project is in flight.
	ErrAlreadyRunning = errors.New("heal loop already running")

	// ErrProjectFinished is returned when the project already reached a terminal status.
	ErrProjectFinished = errors.New("project already finished")
)

// InfrastructureError reports that the runner, not the project, failed.
// It is the only error that ends a heal loop early.
type InfrastructureError struct {
	ProjectID string
	Iteration int
	Op        string // "start", "poll" or "cancel"
	Err       error
}

// Error implements the error interface for InfrastructureError.
func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("sandbox %s iteration %d: runner %s failed: %v", e.ProjectID, e.Iteration, e.Op, e.Err)
}

// Unwrap returns the underlying error for error wrapping support.
func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// IsInfrastructureError reports whether err wraps an *InfrastructureError.
func IsInfrastructureError(err error) bool {
	var infra *InfrastructureError
	return errors.As(err, &infra)
}

// TimeoutError reports an iteration the runner did not finish in time.
// The loop records it as a failed iteration and keeps going.
type TimeoutError struct {
	ProjectID string
	Iteration int
	Timeout   time.Duration
}

// NewTimeoutError creates a TimeoutError for iteration n.
func NewTimeoutError(projectID string, n int, timeout time.Duration) *TimeoutError {
	return &TimeoutError{ProjectID: projectID, Iteration: n, Timeout: timeout}
}

// Error implements the error interface for TimeoutError.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("sandbox iteration %d timed out after %s", e.Iteration, e.Timeout)
}

// Unwrap returns context.DeadlineExceeded to support error wrapping.
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// IsTimeoutError checks if the error is or wraps a TimeoutError or context.DeadlineExceeded.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
