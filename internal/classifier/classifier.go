// Package classifier turns raw runner log lines into a ranked, deduplicated
// list of classified errors using the pattern registry.
package classifier

import (
	"regexp"
	"sort"
	"strings"

	"github.com/harrison/healloop/internal/models"
)

// MinConfidence is the score a line needs to survive classification.
// Lines that match no category score 0 and are dropped.
const MinConfidence = 0.3

// maxLineLen bounds the work done per line; longer lines are truncated before matching.
const maxLineLen = 4096

// logger interface for classification diagnostics
type classifierLogger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

var noisePatterns = compileAll(
	`^\s*$`,
	`^npm (?:WARN|notice|info|http|timing|verb)\b`,
	`^\s+at\s`,
	`^at\s+\S+\s+\(.+:\d+:\d+\)$`,
	`^\$ `,
	`^> `,
	`^\[\d+/\d+\] `,
	`^Progress: resolved`,
	`^(?:added|removed|changed|audited) \d+ packages?`,
	`^up to date, audited \d+ packages?`,
	`^(?:success )?Already up[ -]to[ -]date\.?$`,
	`^found \d+ (?:\w+ severity )?vulnerabilit(?:y|ies)`,
	`^\d+ (?:\w+ severity )?vulnerabilit(?:y|ies) \(`,
	`\d+ packages? (?:are|is) looking for funding`,
	`^\s*run \x60npm fund\x60`,
	`^info\s`,
	`^warning .*(?:no license field|deprecated)`,
)

var errorIndicator = regexp.MustCompile(
	`(?i:\b(?:errors?|fail(?:ed|ure|s|ing)?|cannot|can't|could not|unable|denied|refused|not found|missing|undefined|not set|invalid|unexpected|unterminated|killed|out of memory|unhandled|in use|already running|problems?|exception|conflicting|not exported|no exported|does not provide|not assignable|does not exist|not permitted|not valid|no corresponding)\b)` +
		`|ERR!|\bE[A-Z]{3,}\b|\b[A-Z]\w*(?:Error|Exception)\b|\bTS\d{4,5}\b`,
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile("(?i)" + p)
	}
	return out
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithRegistry overrides the default pattern registry.
func WithRegistry(r *Registry) Option {
	return func(c *Classifier) { c.registry = r }
}

// WithProjectFiles supplies the project's file list so that extracted paths
// can be resolved by suffix match.
func WithProjectFiles(files []string) Option {
	return func(c *Classifier) { c.projectFiles = files }
}

// WithLogger attaches a diagnostic logger.
func WithLogger(l classifierLogger) Option {
	return func(c *Classifier) { c.logger = l }
}

// Classifier is stateless apart from its configuration and safe for concurrent use.
type Classifier struct {
	registry     *Registry
	projectFiles []string
	logger       classifierLogger
}

// New creates a Classifier backed by the default registry.
func New(opts ...Option) *Classifier {
	c := &Classifier{registry: DefaultRegistry()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the registry used for matching.
func (c *Classifier) Registry() *Registry {
	return c.registry
}

// ClassifyText splits text on newlines and classifies the result.
func (c *Classifier) ClassifyText(text string) []models.ClassifiedError {
	return c.ClassifyBatch(strings.Split(text, "\n"))
}

// ClassifyBatch filters noise, matches each remaining line against every
// category, deduplicates by (category, file) keeping the first occurrence,
// and sorts by severity descending. It never fails.
func (c *Classifier) ClassifyBatch(lines []string) []models.ClassifiedError {
	results := make([]models.ClassifiedError, 0)
	seen := make(map[string]bool)

	for _, raw := range lines {
		ce, ok := c.classifyLine(raw)
		if !ok {
			continue
		}
		key := ce.DedupKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		results = append(results, ce)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Severity != results[j].Severity {
			return results[i].Severity > results[j].Severity
		}
		return results[i].Category < results[j].Category
	})
	return results
}

// ClassifyLine classifies a single line. ok is false when the line is noise,
// carries no error indicator, or matches no category.
func (c *Classifier) ClassifyLine(line string) (models.ClassifiedError, bool) {
	return c.classifyLine(line)
}

func (c *Classifier) classifyLine(raw string) (ce models.ClassifiedError, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			if c.logger != nil {
				c.logger.Warnf("classifier: skipping line after panic: %v", r)
			}
			ce, ok = models.ClassifiedError{}, false
		}
	}()

	line := strings.TrimSpace(strings.TrimRight(raw, "\r"))
	if len(line) > maxLineLen {
		line = line[:maxLineLen]
	}
	if isNoise(raw) || !errorIndicator.MatchString(line) {
		return models.ClassifiedError{}, false
	}

	best := c.bestMatch(line)
	if best == nil {
		if c.logger != nil {
			c.logger.Debugf("classifier: unmatched error line: %s", line)
		}
		return models.ClassifiedError{}, false
	}

	return models.ClassifiedError{
		Category:     best.Category,
		Confidence:   best.Confidence(),
		RawMessage:   line,
		AffectedFile: extractFile(line, c.projectFiles),
		LineNumber:   extractLineNumber(line),
		Severity:     best.Severity,
		Strategy:     best.Strategy,
	}, true
}

// bestMatch returns the matching entry with the highest confidence; ties go
// to the lower category ordinal. Returns nil when nothing scores MinConfidence.
func (c *Classifier) bestMatch(line string) *ErrorPattern {
	var best *ErrorPattern
	bestScore := 0.0
	for _, p := range c.registry.Patterns() {
		if p.Category == models.Unknown || !p.Matches(line) {
			continue
		}
		score := p.Confidence()
		if best == nil || score > bestScore {
			best, bestScore = p, score
		}
	}
	if best == nil || bestScore < MinConfidence {
		return nil
	}
	return best
}

func isNoise(line string) bool {
	trimmed := strings.TrimRight(line, "\r")
	for _, re := range noisePatterns {
		if re.MatchString(trimmed) {
			return true
		}
	}
	return false
}

// Summarize counts errors per category.
func Summarize(errs []models.ClassifiedError) map[models.ErrorCategory]int {
	counts := make(map[models.ErrorCategory]int)
	for _, e := range errs {
		counts[e.Category]++
	}
	return counts
}

// SyntheticUnknown builds the placeholder error used when a run failed
// without producing any recognizable message.
func SyntheticUnknown(message string) models.ClassifiedError {
	return models.ClassifiedError{
		Category:   models.Unknown,
		Confidence: 0,
		RawMessage: message,
		Severity:   models.DefaultSeverity,
		Strategy:   models.AISurgical,
	}
}
