package repair

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/harrison/healloop/internal/healer"
	"github.com/harrison/healloop/internal/models"
)

// repairSchema is the structured output the CLI must produce.
const repairSchema = `{
  "type": "object",
  "properties": {
    "content": {"type": "string", "description": "The complete corrected file"},
    "summary": {"type": "string", "description": "One sentence describing the change"}
  },
  "required": ["content", "summary"]
}`

type repairResponse struct {
	Content string `json:"content"`
	Summary string `json:"summary"`
}

// ClaudeRepairer asks the claude CLI for a full replacement of one file.
type ClaudeRepairer struct {
	inv *Invoker
}

// NewClaudeRepairer wraps inv. The invoker's limiter throttles every repair.
func NewClaudeRepairer(inv *Invoker) *ClaudeRepairer {
	return &ClaudeRepairer{inv: inv}
}

var _ healer.Repairer = (*ClaudeRepairer)(nil)

// Repair implements healer.Repairer.
func (r *ClaudeRepairer) Repair(ctx context.Context, filePath, content string, errs []models.ClassifiedError) (*healer.RepairResult, error) {
	if r.inv == nil {
		return nil, errors.New("no invoker configured")
	}

	resp, err := r.inv.Invoke(ctx, Request{
		Prompt: BuildPrompt(filePath, content, errs),
		Schema: repairSchema,
	})
	if err != nil {
		return nil, err
	}

	payload, _, err := ParseResponse(resp.RawOutput)
	if err != nil {
		return nil, fmt.Errorf("parse claude response for %s: %w", filePath, err)
	}
	if payload == "" {
		return nil, fmt.Errorf("parse claude response for %s: %w", filePath, ErrEmptyResponse)
	}

	var out repairResponse
	if err := json.Unmarshal([]byte(payload), &out); err != nil || out.Content == "" {
		// A plain answer with the file in a code fence.
		if blocks := FencedBlocks(payload); len(blocks) > 0 {
			return &healer.RepairResult{Content: blocks[0].Body}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w (content: %s)", err, truncate(payload, 200))
		}
		return nil, errors.New("response has no file content")
	}

	return &healer.RepairResult{Content: out.Content, Summary: out.Summary}, nil
}

// BuildPrompt renders the repair request for one file.
func BuildPrompt(filePath, content string, errs []models.ClassifiedError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The file %s fails to build or run. Fix every error listed below.\n\n", filePath)
	b.WriteString("Errors:\n")
	for _, e := range errs {
		loc := e.Location()
		if loc == "" {
			loc = filePath
		}
		fmt.Fprintf(&b, "- [%s] %s: %s\n", e.Category, loc, strings.TrimSpace(e.RawMessage))
	}
	b.WriteString("\nRules:\n")
	b.WriteString("- Return the complete file in \"content\", not a diff.\n")
	b.WriteString("- Change only what the errors require and keep formatting.\n")
	b.WriteString("- Put a one sentence description of the change in \"summary\".\n")
	fmt.Fprintf(&b, "\nCurrent content of %s:\n", filePath)
	b.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}
