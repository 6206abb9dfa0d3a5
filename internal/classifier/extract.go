package classifier

import (
	"regexp"
	"strconv"
	"strings"
)

const maxPathLen = 200

var (
	// "in ./src/App.tsx", "at /app/server.js:4:2", "from 'src/db.ts'"
	prepositionPathRe = regexp.MustCompile(`(?i)\b(?:in|at|from)\s+['"\x60]?([^\s'"\x60(),]+)`)

	// bare path with a known source extension, optionally followed by :line
	bareSourcePathRe = regexp.MustCompile(`((?:[\w@.\-]+/)*[\w@.\-]+\.(?:tsx?|jsx?|mjs|cjs|json|css|scss|sass|less|vue|svelte|html|env|ya?ml))(?::\d+)?\b`)

	// "Cannot find module './utils.js'", "Can't resolve '../lib/x.ts'"
	moduleQuoteRe = regexp.MustCompile(`(?i)(?:module|package|resolve)\s+['"\x60]([^'"\x60]+)['"\x60]`)

	trailingPositionRe = regexp.MustCompile(`(?::\d+)+$`)
	ipLikeRe           = regexp.MustCompile(`^\d{1,3}(?:\.\d{1,3}){3}(?::\d+)?$`)
	numericRe          = regexp.MustCompile(`^\d+(?:\.\d+)+\w*$`)
	versionSpecRe      = regexp.MustCompile(`@[\^~]?\d`)

	lineNumberRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bline\s+(\d+)`),
		regexp.MustCompile(`:(\d+):\d+`),
		regexp.MustCompile(`:(\d+)\)`),
		regexp.MustCompile(`\((\d+),\s*\d+\)`),
	}
)

// extractFile returns the best-effort affected file for a log line, or "".
// When projectFiles is non-empty, the first candidate whose path suffix matches
// a project file wins and the project's own spelling of the path is returned.
func extractFile(line string, projectFiles []string) string {
	candidates := fileCandidates(line)
	if len(candidates) == 0 {
		return ""
	}
	if len(projectFiles) > 0 {
		for _, c := range candidates {
			if f := matchProjectFile(c, projectFiles); f != "" {
				return f
			}
		}
	}
	return candidates[0]
}

func fileCandidates(line string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(raw string) {
		c := cleanCandidate(raw)
		if !plausiblePath(c) || seen[c] {
			return
		}
		seen[c] = true
		out = append(out, c)
	}
	for _, m := range prepositionPathRe.FindAllStringSubmatch(line, -1) {
		add(m[1])
	}
	for _, m := range bareSourcePathRe.FindAllStringSubmatch(line, -1) {
		add(m[1])
	}
	for _, m := range moduleQuoteRe.FindAllStringSubmatch(line, -1) {
		add(m[1])
	}
	return out
}

func cleanCandidate(raw string) string {
	c := strings.TrimRight(raw, ".,;:!?]")
	c = trailingPositionRe.ReplaceAllString(c, "")
	return c
}

func plausiblePath(c string) bool {
	switch {
	case c == "", len(c) >= maxPathLen:
		return false
	case !strings.Contains(c, "."):
		return false
	case strings.ContainsAny(c, " \t<>"):
		return false
	case strings.Contains(c, "://"), strings.HasPrefix(c, "www."):
		return false
	case ipLikeRe.MatchString(c), numericRe.MatchString(c), versionSpecRe.MatchString(c):
		return false
	}
	return true
}

func matchProjectFile(candidate string, projectFiles []string) string {
	c := strings.TrimPrefix(candidate, "./")
	for _, f := range projectFiles {
		f = strings.TrimPrefix(f, "./")
		if f == c || strings.HasSuffix(c, "/"+f) || strings.HasSuffix(f, "/"+c) {
			return f
		}
	}
	return ""
}

// extractLineNumber returns the first line number found, or 0.
func extractLineNumber(line string) int {
	for _, re := range lineNumberRes {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
