package repair

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// envelope is the --output-format json wrapper printed by the CLI.
type envelope struct {
	Type             string          `json:"type"`
	SessionID        string          `json:"session_id"`
	Content          string          `json:"content"`
	Result           string          `json:"result"`
	IsError          bool            `json:"is_error"`
	StructuredOutput json.RawMessage `json:"structured_output"`
}

var (
	// ErrEmptyResponse is returned when the CLI printed nothing.
	ErrEmptyResponse = errors.New("empty response")
	// ErrMalformedResponse is returned when the output holds no envelope,
	// JSON object or code block.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrReportedFailure is returned for an envelope with is_error set.
	ErrReportedFailure = errors.New("cli reported an error")
)

// ParseResponse extracts the payload from raw CLI output. It prefers
// structured_output, then content, then result. Output that is not an
// envelope is searched for a fenced json block and then for the outermost
// braces; a markdown answer with other code blocks is returned as is.
func ParseResponse(raw []byte) (content, sessionID string, err error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", "", ErrEmptyResponse
	}

	env, ok := decodeEnvelope(trimmed)
	if !ok {
		// Prose in front of the envelope, e.g. a warning line.
		if extracted := ExtractJSON(string(trimmed)); extracted != "" {
			env, ok = decodeEnvelope([]byte(extracted))
		}
	}
	if ok {
		payload := envelopePayload(env)
		if env.IsError {
			return payload, env.SessionID, fmt.Errorf("%w: %s", ErrReportedFailure, truncate(payload, 200))
		}
		return payload, env.SessionID, nil
	}

	blocks := FencedBlocks(string(trimmed))
	for _, block := range blocks {
		if block.Language == "json" || block.Language == "" {
			if body := strings.TrimSpace(block.Body); json.Valid([]byte(body)) {
				return body, "", nil
			}
		}
	}
	if extracted := ExtractJSON(string(trimmed)); extracted != "" {
		return extracted, "", nil
	}
	if len(blocks) > 0 {
		return string(trimmed), "", nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrMalformedResponse, truncate(string(trimmed), 200))
}

func decodeEnvelope(b []byte) (*envelope, bool) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, false
	}
	if env.Type == "" && env.SessionID == "" && env.Content == "" && env.Result == "" && !hasStructured(env.StructuredOutput) {
		return nil, false
	}
	return &env, true
}

func envelopePayload(env *envelope) string {
	if hasStructured(env.StructuredOutput) {
		return string(env.StructuredOutput)
	}
	if env.Content != "" {
		return env.Content
	}
	return env.Result
}

func hasStructured(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null"
}

// ExtractJSON returns the substring between the first '{' and the last '}'.
func ExtractJSON(content string) string {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return ""
}

// CodeBlock is one fenced code block found in markdown.
type CodeBlock struct {
	Language string
	Body     string
}

// FencedBlocks parses markdown and returns its fenced code blocks in order.
func FencedBlocks(markdown string) []CodeBlock {
	src := []byte(markdown)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var blocks []CodeBlock
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fc, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		var buf bytes.Buffer
		lines := fc.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(seg.Value(src))
		}
		blocks = append(blocks, CodeBlock{
			Language: strings.ToLower(string(fc.Language(src))),
			Body:     buf.String(),
		})
		return ast.WalkSkipChildren, nil
	})
	return blocks
}
