package classifier

import (
	"fmt"
	"regexp"

	"github.com/harrison/healloop/internal/models"
)

// ErrorPattern defines a known failure signature. Patterns within one entry
// are OR'd; each is compiled case-insensitively.
type ErrorPattern struct {
	Category   models.ErrorCategory
	Patterns   []string
	Severity   int // 1-10
	Strategy   models.FixStrategy
	Suggestion string // Actionable hint for operators

	compiled []*regexp.Regexp
}

// Matches reports whether any of the entry's patterns matches line.
func (p *ErrorPattern) Matches(line string) bool {
	for _, re := range p.compiled {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// Confidence returns the classification confidence for a match of this entry.
func (p *ErrorPattern) Confidence() float64 {
	return confidenceForSeverity(p.Severity)
}

func confidenceForSeverity(severity int) float64 {
	c := 0.8 + float64(severity)*0.02
	if c > 1.0 {
		return 1.0
	}
	return c
}

// Registry maps every ErrorCategory to exactly one ErrorPattern.
type Registry struct {
	entries []*ErrorPattern
	byCat   map[models.ErrorCategory]*ErrorPattern
}

// NewRegistry compiles the given entries and checks that every category in
// models.AllCategories has exactly one entry.
func NewRegistry(entries []ErrorPattern) (*Registry, error) {
	r := &Registry{byCat: make(map[models.ErrorCategory]*ErrorPattern, len(entries))}
	for i := range entries {
		e := entries[i]
		if _, dup := r.byCat[e.Category]; dup {
			return nil, fmt.Errorf("duplicate registry entry for %s", e.Category)
		}
		if e.Severity < 1 || e.Severity > 10 {
			return nil, fmt.Errorf("%s: severity %d out of range 1-10", e.Category, e.Severity)
		}
		e.compiled = make([]*regexp.Regexp, 0, len(e.Patterns))
		for _, p := range e.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("%s: compile pattern %q: %w", e.Category, p, err)
			}
			e.compiled = append(e.compiled, re)
		}
		r.byCat[e.Category] = &e
		r.entries = append(r.entries, &e)
	}
	for _, cat := range models.AllCategories() {
		if _, ok := r.byCat[cat]; !ok {
			return nil, fmt.Errorf("registry has no entry for %s", cat)
		}
	}
	return r, nil
}

// Pattern returns the entry for a category. It never returns nil for a
// category in models.AllCategories.
func (r *Registry) Pattern(cat models.ErrorCategory) *ErrorPattern {
	if p, ok := r.byCat[cat]; ok {
		return p
	}
	return r.byCat[models.Unknown]
}

// Patterns returns all entries in category order.
func (r *Registry) Patterns() []*ErrorPattern {
	out := make([]*ErrorPattern, 0, len(r.entries))
	for _, cat := range models.AllCategories() {
		out = append(out, r.byCat[cat])
	}
	return out
}

// FixStrategy returns the repair strategy for a category.
func (r *Registry) FixStrategy(cat models.ErrorCategory) models.FixStrategy {
	return r.Pattern(cat).Strategy
}

var defaultRegistry = mustRegistry(KnownPatterns)

// DefaultRegistry returns the built-in pattern table.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

func mustRegistry(entries []ErrorPattern) *Registry {
	r, err := NewRegistry(entries)
	if err != nil {
		panic(err)
	}
	return r
}

// KnownPatterns is the built-in library of failure signatures, one entry per category.
var KnownPatterns = []ErrorPattern{
	{
		Category: models.PackageMissing,
		Patterns: []string{
			`cannot find (?:module|package) ['"][^./'"][^'"]*['"]`,
			`can't resolve ['"][^./'"][^'"]*['"]`,
			`npm ERR! 404\b`,
			`is not in (?:the )?npm registry`,
		},
		Severity:   9,
		Strategy:   models.InstallPackage,
		Suggestion: "Add the missing package to dependencies and reinstall.",
	},
	{
		Category: models.VersionConflict,
		Patterns: []string{
			`\bERESOLVE\b`,
			`could not resolve dependency`,
			`conflicting peer dependency`,
			`unable to resolve dependency tree`,
			`requires a peer of`,
			`incorrect peer dependency`,
			`\bpeer\s+\S+@\S+\s+from\b`,
			`no matching version found for`,
		},
		Severity:   8,
		Strategy:   models.FixVersion,
		Suggestion: "Align the conflicting dependency to the version its peers require.",
	},
	{
		Category: models.NativeModuleBuild,
		Patterns: []string{
			`gyp ERR!`,
			`node-gyp.*(?:fail|error)`,
			`was compiled against a different node\.js version`,
			`NODE_MODULE_VERSION \d+`,
			`could not locate the bindings file`,
		},
		Severity:   7,
		Strategy:   models.AISurgical,
		Suggestion: "Replace the native module with a pure-JS alternative or rebuild it for this runtime.",
	},
	{
		Category: models.MissingTypes,
		Patterns: []string{
			`could not find a declaration file for module`,
			`\bTS7016\b`,
		},
		Severity:   7,
		Strategy:   models.AddTypePackage,
		Suggestion: "Install the matching @types package as a dev dependency.",
	},
	{
		Category: models.TypeError,
		Patterns: []string{
			`error TS\d{4,5}\b`,
			`type '[^']*' is not assignable to type`,
			`property '[^']+' does not exist on type`,
			`\bTypeError: `,
		},
		Severity:   6,
		Strategy:   models.AISurgical,
		Suggestion: "Fix the type mismatch at the reported location.",
	},
	{
		Category: models.SyntaxError,
		Patterns: []string{
			`\bSyntaxError\b`,
			`unexpected token`,
			`unterminated string`,
			`error TS1\d{3}\b`,
			`parsing error:`,
		},
		Severity:   8,
		Strategy:   models.AISurgical,
		Suggestion: "Repair the malformed source at the reported location.",
	},
	{
		Category: models.ImportError,
		Patterns: []string{
			`cannot find (?:module|package) ['"]\.{0,2}/`,
			`can't resolve ['"]\.{0,2}/`,
			`does not provide an export named`,
			`is not exported from`,
			`has no exported member`,
			`\bERR_REQUIRE_ESM\b`,
		},
		Severity:   7,
		Strategy:   models.FixImport,
		Suggestion: "Correct the import path or the imported name.",
	},
	{
		Category: models.JSXError,
		Patterns: []string{
			`adjacent jsx elements must be wrapped`,
			`jsx element '[^']+' has no corresponding closing tag`,
			`cannot be used as a jsx component`,
			`objects are not valid as a react child`,
			`unterminated jsx contents`,
		},
		Severity:   6,
		Strategy:   models.AISurgical,
		Suggestion: "Fix the JSX structure in the reported component.",
	},
	{
		Category: models.HookError,
		Patterns: []string{
			`invalid hook call`,
			`react hook "?\w+"? is called conditionally`,
			`rendered (?:more|fewer) hooks than`,
			`react hook \w+ has a missing dependency`,
			`\brules-of-hooks\b`,
		},
		Severity:   6,
		Strategy:   models.AISurgical,
		Suggestion: "Move hook calls to the top level of the component.",
	},
	{
		Category: models.StyleError,
		Patterns: []string{
			`\bCssSyntaxError\b`,
			`\bSassError\b`,
			`\[postcss\].*(?:error|fail)`,
			`(?:less|scss|sass) ?(?:compile )?error`,
			`the \x60[^\x60]+\x60 class does not exist`,
		},
		Severity:   4,
		Strategy:   models.AISurgical,
		Suggestion: "Fix the stylesheet syntax or remove the unknown utility class.",
	},
	{
		Category: models.LintError,
		Patterns: []string{
			`\d+ problems? \(\d+ errors?`,
			`^\s*\d+:\d+\s+error\s+`,
			`\beslint\b.*(?:error|fail)`,
			`code style issues found`,
		},
		Severity:   3,
		Strategy:   models.AISurgical,
		Suggestion: "Fix lint violations or relax the rule for generated code.",
	},
	{
		Category: models.BundlerError,
		Patterns: []string{
			`\[vite\].*error`,
			`module build failed`,
			`\bModuleBuildError\b`,
			`webpack.*failed to compile`,
			`\[rollup\]|rollup failed to resolve`,
			`build failed with \d+ errors?`,
			`\besbuild\b.*error`,
		},
		Severity:   7,
		Strategy:   models.FixConfig,
		Suggestion: "Check bundler configuration and loaders for the failing module.",
	},
	{
		Category: models.DevServerError,
		Patterns: []string{
			`error when starting dev server`,
			`failed to start (?:the )?(?:dev )?server`,
			`invalid options object\. dev server`,
			`dev server (?:crashed|exited|failed)`,
		},
		Severity:   6,
		Strategy:   models.FixConfig,
		Suggestion: "Check the dev-server options and start script.",
	},
	{
		Category: models.FrameworkConfigError,
		Patterns: []string{
			`invalid next\.config`,
			`failed to load config from`,
			`invalid configuration object`,
			`cannot find (?:config|configuration) file`,
			`unknown (?:compiler )?option`,
			`error in (?:tailwind|postcss|babel|vite|next|nuxt)\.config`,
		},
		Severity:   6,
		Strategy:   models.FixConfig,
		Suggestion: "Fix the framework configuration file.",
	},
	{
		Category: models.PortInUse,
		Patterns: []string{
			`\bEADDRINUSE\b`,
			`address already in use`,
			`port \d+ is (?:already )?in use`,
			`something is already running on port`,
		},
		Severity:   8,
		Strategy:   models.FixPort,
		Suggestion: "Bind the server to the canonical sandbox port.",
	},
	{
		Category: models.ConnectionRefused,
		Patterns: []string{
			`\bECONNREFUSED\b`,
			`connection refused`,
		},
		Severity:   5,
		Strategy:   models.FixPort,
		Suggestion: "Point the client at the port the server actually listens on.",
	},
	{
		Category: models.MissingEnvVar,
		Patterns: []string{
			`env(?:ironment)?[ _]var(?:iable)?s?\b.*(?:missing|not set|undefined|required|not defined)`,
			`(?:missing|undefined|required)\s+(?:required\s+)?env(?:ironment)?[ _]var`,
			`process\.env\.\w+ (?:is )?(?:undefined|not set|missing)`,
		},
		Severity:   7,
		Strategy:   models.AddEnvVar,
		Suggestion: "Define the variable in the project's .env file.",
	},
	{
		Category: models.DatabaseConnection,
		Patterns: []string{
			`ECONNREFUSED.*:(?:5432|3306|27017|6379)\b`,
			`can't reach database server`,
			`password authentication failed`,
			`database "[^"]+" does not exist`,
			`\bMongo(?:ServerSelection|Network)Error\b`,
			`\bSequelizeConnection\w*Error\b`,
			`\b(?:postgres|postgresql|mysql|mongodb|redis)\b.*\bconnect(?:ion)?\b.*(?:fail|refused|error|timeout)`,
		},
		Severity:   7,
		Strategy:   models.UserInput,
		Suggestion: "Provide a reachable database and its credentials.",
	},
	{
		Category: models.UnhandledPromise,
		Patterns: []string{
			`\bUnhandledPromiseRejection`,
			`unhandled (?:promise )?rejection`,
			`\bERR_UNHANDLED_REJECTION\b`,
		},
		Severity:   5,
		Strategy:   models.AISurgical,
		Suggestion: "Await the promise or attach a rejection handler.",
	},
	{
		Category: models.MissingBuildScript,
		Patterns: []string{
			`missing script:? ['"]?(?:build|start|dev)\b`,
			`command "(?:build|start|dev)" not found`,
			`ENOENT.*package\.json`,
		},
		Severity:   6,
		Strategy:   models.FixConfig,
		Suggestion: "Add the missing script to package.json.",
	},
	{
		Category: models.PermissionError,
		Patterns: []string{
			`\bEACCES\b`,
			`\bEPERM\b`,
			`permission denied`,
			`operation not permitted`,
		},
		Severity:   6,
		Strategy:   models.UserInput,
		Suggestion: "Fix file ownership or run the sandbox with the required privileges.",
	},
	{
		Category: models.OutOfMemory,
		Patterns: []string{
			`heap out of memory`,
			`\bout of memory\b`,
			`\bENOMEM\b`,
			`allocation failed`,
			`exit code 137\b`,
		},
		Severity:   9,
		Strategy:   models.UserInput,
		Suggestion: "Raise the sandbox memory limit.",
	},
	{
		Category:   models.Unknown,
		Severity:   models.DefaultSeverity,
		Strategy:   models.AISurgical,
		Suggestion: "Unrecognized failure; escalate with the surrounding log context.",
	},
}
