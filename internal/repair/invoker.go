// Package repair delegates whole-file code repairs to the claude CLI.
package repair

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"golang.org/x/time/rate"
)

// DefaultSystemPrompt keeps the CLI from wrapping its answer in prose.
const DefaultSystemPrompt = "You are a build repair assistant. Your ONLY output must be valid JSON matching the provided schema. No markdown, no code fences, no prose, no explanations. Output raw JSON only."

// Invoker runs the claude CLI. Create once and share; it is safe for
// concurrent use and all callers share its rate limiter.
type Invoker struct {
	// ClaudePath is the CLI binary. Defaults to "claude" (found in PATH).
	ClaudePath string

	// Timeout bounds a single invocation. Zero means no extra bound.
	Timeout time.Duration

	// SystemPrompt is sent with all invocations.
	SystemPrompt string

	limiter *rate.Limiter
}

// Request holds per-invocation configuration for a CLI call.
type Request struct {
	// Prompt is the user prompt (required).
	Prompt string

	// Schema enforces the response structure via --json-schema when set.
	Schema string
}

// Response holds the raw stdout of one invocation.
type Response struct {
	RawOutput []byte
}

// NewInvoker creates an Invoker allowing requestsPerMinute calls per minute.
// A non-positive limit disables throttling.
func NewInvoker(claudePath string, timeout time.Duration, requestsPerMinute int) *Invoker {
	if claudePath == "" {
		claudePath = "claude"
	}
	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(requestsPerMinute))
	}
	return &Invoker{
		ClaudePath:   claudePath,
		Timeout:      timeout,
		SystemPrompt: DefaultSystemPrompt,
		limiter:      rate.NewLimiter(limit, 1),
	}
}

// Invoke waits for the rate limiter and then runs the CLI once.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (*Response, error) {
	if req.Prompt == "" {
		return nil, errors.New("prompt is required")
	}
	if inv.limiter != nil {
		if err := inv.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	ctxToUse := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctxToUse, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctxToUse, inv.ClaudePath, inv.args(req)...)
	setCleanEnv(cmd)

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("claude invocation failed: %w (stderr: %s)", err, truncate(string(exitErr.Stderr), 500))
		}
		return nil, fmt.Errorf("claude invocation failed: %w", err)
	}

	return &Response{RawOutput: output}, nil
}

func (inv *Invoker) args(req Request) []string {
	systemPrompt := inv.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}

	args := []string{"--system-prompt", systemPrompt, "-p", req.Prompt}
	if req.Schema != "" {
		args = append(args, "--json-schema", req.Schema)
	}
	args = append(args, "--output-format", "json")

	// Disable hooks for automation
	args = append(args, "--settings", `{"disableAllHooks": true}`)
	return args
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
