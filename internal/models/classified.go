package models

import "fmt"

// UnknownFile is the dedup placeholder for errors with no extracted path.
const UnknownFile = "unknown"

// DefaultSeverity is assigned to errors that matched no registry pattern.
const DefaultSeverity = 5

// ClassifiedError is one distinct failure found in a log batch.
// Instances are created fresh per classification pass and never mutated.
type ClassifiedError struct {
	Category     ErrorCategory `json:"category"`
	Confidence   float64       `json:"confidence"`
	RawMessage   string        `json:"raw_message"`
	AffectedFile string        `json:"affected_file,omitempty"` // empty when unknown
	LineNumber   int           `json:"line_number,omitempty"`   // 0 when unknown
	Severity     int           `json:"severity"`
	Strategy     FixStrategy   `json:"fix_strategy"`
}

// DedupKey returns the (category, file) pair used to collapse duplicates.
func (e ClassifiedError) DedupKey() string {
	file := e.AffectedFile
	if file == "" {
		file = UnknownFile
	}
	return e.Category.String() + "|" + file
}

// Location renders file:line for log output, or "" when nothing was extracted.
func (e ClassifiedError) Location() string {
	switch {
	case e.AffectedFile == "":
		return ""
	case e.LineNumber > 0:
		return fmt.Sprintf("%s:%d", e.AffectedFile, e.LineNumber)
	default:
		return e.AffectedFile
	}
}

// RequiresUserInput reports whether the error can only be resolved by an operator.
func (e ClassifiedError) RequiresUserInput() bool {
	return e.Strategy == UserInput
}

// FixResult summarizes one dispatch pass. It is folded into the iteration
// record rather than persisted on its own.
type FixResult struct {
	AppliedFixes       []string          `json:"applied_fixes"`
	FailedFixes        []string          `json:"failed_fixes"`
	DeterministicFixes int               `json:"deterministic_fixes"`
	EscalatedFiles     []string          `json:"escalated_files,omitempty"`
	UserInputRequired  []ClassifiedError `json:"user_input_required,omitempty"`
}

// HasUserInput reports whether any error was held back for the operator.
func (r FixResult) HasUserInput() bool {
	return len(r.UserInputRequired) > 0
}

// Empty reports whether the pass changed nothing and escalated nothing.
func (r FixResult) Empty() bool {
	return len(r.AppliedFixes) == 0 && len(r.EscalatedFiles) == 0
}
