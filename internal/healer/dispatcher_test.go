package healer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/harrison/healloop/internal/classifier"
	"github.com/harrison/healloop/internal/models"
	"github.com/harrison/healloop/internal/workspace"
)

const project = "proj-1"

type mockRepairer struct {
	mock.Mock
}

func (m *mockRepairer) Repair(ctx context.Context, filePath, content string, errs []models.ClassifiedError) (*RepairResult, error) {
	args := m.Called(ctx, filePath, content, errs)
	var res *RepairResult
	if v := args.Get(0); v != nil {
		res = v.(*RepairResult)
	}
	return res, args.Error(1)
}

type memHealLog struct {
	mu      sync.Mutex
	entries []models.HealLogEntry
}

func (h *memHealLog) AppendHealLog(ctx context.Context, entry models.HealLogEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
	return nil
}

// failingWorkspace fails reads of one path.
type failingWorkspace struct {
	*workspace.Memory
	failPath string
}

func (f *failingWorkspace) ReadFile(ctx context.Context, projectID, path string) ([]byte, error) {
	if path == f.failPath {
		return nil, errors.New("disk on fire")
	}
	return f.Memory.ReadFile(ctx, projectID, path)
}

func classify(t *testing.T, lines ...string) []models.ClassifiedError {
	t.Helper()
	errs := classifier.New().ClassifyBatch(lines)
	require.NotEmpty(t, errs, "lines did not classify: %v", lines)
	return errs
}

func newDispatcher(t *testing.T, ws Workspace, opts ...Option) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(ws, DefaultConfig(), opts...)
	require.NoError(t, err)
	return d
}

func TestApplyFixes_InstallPackage(t *testing.T) {
	ws := workspace.NewMemory()
	ws.Put(project, "package.json", `{"name":"app","dependencies":{"react":"^18.2.0"}}`)
	repairer := &mockRepairer{}
	d := newDispatcher(t, ws, WithRepairer(repairer))

	errs := classify(t, "Cannot find module 'lodash'")
	res := d.ApplyFixes(context.Background(), project, errs)

	assert.Equal(t, 1, res.DeterministicFixes)
	require.Len(t, res.AppliedFixes, 1)
	assert.Contains(t, res.AppliedFixes[0], "lodash")
	assert.Empty(t, res.FailedFixes)

	got, _ := ws.Get(project, "package.json")
	want := `{
  "name": "app",
  "dependencies": {
    "lodash": "latest",
    "react": "^18.2.0"
  }
}
`
	assert.Equal(t, want, got)
	repairer.AssertNotCalled(t, "Repair", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestApplyFixes_InstallPackageSubpathAndScoped(t *testing.T) {
	ws := workspace.NewMemory()
	ws.Put(project, "package.json", `{"name":"app"}`)
	d := newDispatcher(t, ws)

	res := d.ApplyFixes(context.Background(), project, []models.ClassifiedError{{
		Category:   models.PackageMissing,
		RawMessage: "Module not found: Error: Can't resolve '@tanstack/react-query/devtools' in '/app/src'",
		Strategy:   models.InstallPackage,
		Severity:   9,
	}})
	assert.Equal(t, 1, res.DeterministicFixes)

	got, _ := ws.Get(project, "package.json")
	assert.Contains(t, got, `"@tanstack/react-query": "latest"`)
}

func TestApplyFixes_FixPort(t *testing.T) {
	ws := workspace.NewMemory()
	ws.Put(project, ".env", "PORT=3000\nNODE_ENV=production\n")
	ws.Put(project, "server.js", "const PORT = process.env.PORT || 3000;\napp.listen(PORT);\n")
	ws.Put(project, "src/App.tsx", "export default function App() {}\n")
	d := newDispatcher(t, ws)

	errs := classify(t, "EADDRINUSE: address already in use :::3000")
	require.Equal(t, models.PortInUse, errs[0].Category)

	res := d.ApplyFixes(context.Background(), project, errs)
	assert.Equal(t, 1, res.DeterministicFixes)

	env, _ := ws.Get(project, ".env")
	assert.Equal(t, "PORT=8080\nNODE_ENV=production\n", env)
	server, _ := ws.Get(project, "server.js")
	assert.Equal(t, "const PORT = process.env.PORT || 8080;\napp.listen(PORT);\n", server)
	app, _ := ws.Get(project, "src/App.tsx")
	assert.Equal(t, "export default function App() {}\n", app, "non-candidate files are untouched")
}

func TestApplyFixes_FixVersion(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		message  string
		contains string
	}{
		{
			name:     "dependencies",
			manifest: `{"dependencies":{"react":"^18.2.0","react-dom":"17.0.2"}}`,
			message:  `npm ERR! peer react@"^17.0.0" from react-dom@17.0.2`,
			contains: `"react": "^17.0.0"`,
		},
		{
			name:     "devDependencies",
			manifest: `{"devDependencies":{"typescript":"^5.4.0"}}`,
			message:  `warning " > ts-node@9.0.0" has incorrect peer dependency "typescript@>=2.7"`,
			contains: `"typescript": ">=2.7"`,
		},
		{
			name:     "no matching version",
			manifest: `{"dependencies":{"left-pad":"^9.9.9"}}`,
			message:  `npm ERR! notarget No matching version found for left-pad@^9.9.9.`,
			contains: `"left-pad": "latest"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := workspace.NewMemory()
			ws.Put(project, "package.json", tt.manifest)
			d := newDispatcher(t, ws)

			res := d.ApplyFixes(context.Background(), project, []models.ClassifiedError{{
				Category: models.VersionConflict, RawMessage: tt.message, Strategy: models.FixVersion, Severity: 8,
			}})
			assert.Equal(t, 1, res.DeterministicFixes, "failed: %v", res.FailedFixes)
			got, _ := ws.Get(project, "package.json")
			assert.Contains(t, got, tt.contains)
		})
	}
}

func TestApplyFixes_FixVersionUnreferencedIsNoop(t *testing.T) {
	ws := workspace.NewMemory()
	ws.Put(project, "package.json", `{"dependencies":{"vue":"^3.0.0"}}`)
	d := newDispatcher(t, ws)

	res := d.ApplyFixes(context.Background(), project, []models.ClassifiedError{{
		Category: models.VersionConflict, RawMessage: `npm ERR! peer react@"^17.0.0" from react-dom@17.0.2`, Strategy: models.FixVersion,
	}})
	assert.Zero(t, res.DeterministicFixes)
	got, _ := ws.Get(project, "package.json")
	assert.Equal(t, `{"dependencies":{"vue":"^3.0.0"}}`, got)
}

func TestApplyFixes_AddTypePackage(t *testing.T) {
	ws := workspace.NewMemory()
	ws.Put(project, "package.json", `{"name":"app","devDependencies":{"typescript":"^5.0.0"}}`)
	d := newDispatcher(t, ws)

	res := d.ApplyFixes(context.Background(), project, []models.ClassifiedError{{
		Category:   models.MissingTypes,
		RawMessage: "error TS7016: Could not find a declaration file for module '@babel/core'.",
		Strategy:   models.AddTypePackage,
	}})
	assert.Equal(t, 1, res.DeterministicFixes)
	got, _ := ws.Get(project, "package.json")
	assert.Contains(t, got, `"@types/babel__core": "latest"`)
	assert.Contains(t, got, `"typescript": "^5.0.0"`)
}

func TestApplyFixes_AddEnvVar(t *testing.T) {
	ws := workspace.NewMemory()
	ws.Put(project, ".env", "NODE_ENV=dev")
	d := newDispatcher(t, ws)

	errs := classify(t, "Error: Missing required environment variable: API_BASE_URL")
	res := d.ApplyFixes(context.Background(), project, errs)
	assert.Equal(t, 1, res.DeterministicFixes)

	env, _ := ws.Get(project, ".env")
	assert.Equal(t, "NODE_ENV=dev\nAPI_BASE_URL=placeholder\n", env)

	// Already present: nothing deterministic left, and with no repairer the
	// leftover error is reported as unhandled.
	res = d.ApplyFixes(context.Background(), project, errs)
	assert.Zero(t, res.DeterministicFixes)
	require.Len(t, res.FailedFixes, 1)
	assert.Contains(t, res.FailedFixes[0], "no code repairer")
}

func TestApplyFixes_SecretEnvVarNeedsUserInput(t *testing.T) {
	ws := workspace.NewMemory()
	d := newDispatcher(t, ws)

	errs := classify(t, "Error: Missing required environment variable: STRIPE_SECRET_KEY")
	res := d.ApplyFixes(context.Background(), project, errs)

	assert.Zero(t, res.DeterministicFixes)
	require.Len(t, res.UserInputRequired, 1)
	assert.Equal(t, models.UserInput, res.UserInputRequired[0].Strategy)
	_, exists := ws.Get(project, ".env")
	assert.False(t, exists)
}

func TestApplyFixes_UserInputNeverApplied(t *testing.T) {
	ws := workspace.NewMemory()
	ws.Put(project, "src/index.ts", "connect()")
	repairer := &mockRepairer{}
	d := newDispatcher(t, ws, WithRepairer(repairer))

	errs := classify(t, "Error: connect ECONNREFUSED 127.0.0.1:5432")
	res := d.ApplyFixes(context.Background(), project, errs)

	assert.True(t, res.HasUserInput())
	assert.True(t, res.Empty())
	repairer.AssertNotCalled(t, "Repair", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestApplyFixes_NoEscalationWhenDeterministicApplied(t *testing.T) {
	ws := workspace.NewMemory()
	ws.Put(project, "package.json", `{"name":"app"}`)
	ws.Put(project, "src/App.tsx", "x")
	repairer := &mockRepairer{}
	d := newDispatcher(t, ws, WithRepairer(repairer))

	errs := classify(t,
		"Cannot find module 'lodash'",
		"src/App.tsx:3:1 - error TS2322: Type 'string' is not assignable to type 'number'.",
	)
	res := d.ApplyFixes(context.Background(), project, errs)

	assert.Equal(t, 1, res.DeterministicFixes)
	assert.Empty(t, res.EscalatedFiles)
	repairer.AssertNotCalled(t, "Repair", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestApplyIteration_EscalatesPerFile(t *testing.T) {
	ws := workspace.NewMemory()
	ws.Put(project, "src/main.ts", "old main")
	ws.Put(project, "src/App.tsx", "old app")
	healLog := &memHealLog{}
	repairer := &mockRepairer{}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	repairer.On("Repair", mock.Anything, "src/main.ts", "old main",
		mock.MatchedBy(func(errs []models.ClassifiedError) bool { return len(errs) == 2 })).
		Return(&RepairResult{Content: "new main", Summary: "closed the brace"}, nil).Once()
	repairer.On("Repair", mock.Anything, "src/App.tsx", "old app",
		mock.MatchedBy(func(errs []models.ClassifiedError) bool { return len(errs) == 1 })).
		Return(&RepairResult{Content: "new app"}, nil).Once()

	d := newDispatcher(t, ws, WithRepairer(repairer), WithHealLog(healLog), WithClock(func() time.Time { return fixed }))

	errs := []models.ClassifiedError{
		{Category: models.SyntaxError, RawMessage: "SyntaxError in src/main.ts", AffectedFile: "src/main.ts", Severity: 8, Strategy: models.AISurgical},
		{Category: models.TypeError, RawMessage: "error TS2322 in /app/src/App.tsx", AffectedFile: "/app/src/App.tsx", Severity: 6, Strategy: models.AISurgical},
		classifier.SyntheticUnknown("build failed with no output"),
	}
	res := d.ApplyIteration(context.Background(), project, 4, errs)

	repairer.AssertExpectations(t)
	assert.Equal(t, []string{"src/main.ts", "src/App.tsx"}, res.EscalatedFiles)
	assert.Len(t, res.AppliedFixes, 2)
	assert.Empty(t, res.FailedFixes)
	assert.Zero(t, res.DeterministicFixes)

	main, _ := ws.Get(project, "src/main.ts")
	assert.Equal(t, "new main", main)
	app, _ := ws.Get(project, "src/App.tsx")
	assert.Equal(t, "new app", app)

	require.Len(t, healLog.entries, 2)
	first := healLog.entries[0]
	assert.Equal(t, project, first.ProjectID)
	assert.Equal(t, 4, first.Iteration)
	assert.Equal(t, "src/main.ts", first.FilePath)
	assert.Equal(t, "closed the brace", first.Summary)
	assert.Equal(t, []models.ErrorCategory{models.SyntaxError, models.Unknown}, first.Categories)
	assert.Equal(t, fixed, first.CreatedAt)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, len("old main"), first.BytesBefore)
	assert.Equal(t, len("new main"), first.BytesAfter)
}

func TestApplyIteration_RepairFailureIsIsolated(t *testing.T) {
	ws := workspace.NewMemory()
	ws.Put(project, "a.ts", "a")
	ws.Put(project, "b.ts", "b")
	repairer := &mockRepairer{}
	repairer.On("Repair", mock.Anything, "a.ts", "a", mock.Anything).Return(nil, errors.New("model overloaded")).Once()
	repairer.On("Repair", mock.Anything, "b.ts", "b", mock.Anything).Return(&RepairResult{Content: "b2"}, nil).Once()
	d := newDispatcher(t, ws, WithRepairer(repairer))

	res := d.ApplyIteration(context.Background(), project, 1, []models.ClassifiedError{
		{Category: models.SyntaxError, AffectedFile: "a.ts", Strategy: models.AISurgical, Severity: 8},
		{Category: models.TypeError, AffectedFile: "b.ts", Strategy: models.AISurgical, Severity: 6},
	})

	repairer.AssertExpectations(t)
	require.Len(t, res.FailedFixes, 1)
	assert.Contains(t, res.FailedFixes[0], "model overloaded")
	assert.Equal(t, []string{"b.ts"}, res.EscalatedFiles)
}

func TestApplyIteration_EmptyRepairIsFailure(t *testing.T) {
	ws := workspace.NewMemory()
	ws.Put(project, "a.ts", "a")
	repairer := &mockRepairer{}
	repairer.On("Repair", mock.Anything, "a.ts", "a", mock.Anything).Return(&RepairResult{Content: "  "}, nil).Once()
	d := newDispatcher(t, ws, WithRepairer(repairer))

	res := d.ApplyIteration(context.Background(), project, 1, []models.ClassifiedError{
		{Category: models.SyntaxError, AffectedFile: "a.ts", Strategy: models.AISurgical},
	})
	require.Len(t, res.FailedFixes, 1)
	assert.Contains(t, res.FailedFixes[0], "empty content")
	a, _ := ws.Get(project, "a.ts")
	assert.Equal(t, "a", a)
}

func TestApplyIteration_MaxEscalationFiles(t *testing.T) {
	ws := workspace.NewMemory()
	var errs []models.ClassifiedError
	for _, f := range []string{"a.ts", "b.ts", "c.ts", "d.ts"} {
		ws.Put(project, f, f)
		errs = append(errs, models.ClassifiedError{Category: models.TypeError, AffectedFile: f, Strategy: models.AISurgical})
	}
	repairer := &mockRepairer{}
	repairer.On("Repair", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(&RepairResult{Content: "ok"}, nil)

	cfg := DefaultConfig()
	cfg.MaxEscalationFiles = 2
	d, err := NewDispatcher(ws, cfg, WithRepairer(repairer))
	require.NoError(t, err)

	res := d.ApplyIteration(context.Background(), project, 1, errs)
	assert.Equal(t, []string{"a.ts", "b.ts"}, res.EscalatedFiles)
	repairer.AssertNumberOfCalls(t, "Repair", 2)
}

func TestApplyIteration_NoTargetFile(t *testing.T) {
	ws := workspace.NewMemory()
	repairer := &mockRepairer{}
	d := newDispatcher(t, ws, WithRepairer(repairer))

	res := d.ApplyIteration(context.Background(), project, 1, []models.ClassifiedError{
		classifier.SyntheticUnknown("install failed"),
	})
	require.Len(t, res.FailedFixes, 1)
	assert.Contains(t, res.FailedFixes[0], "no file to repair")
	repairer.AssertNotCalled(t, "Repair", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestApplyFixes_FailingFixDoesNotAbortBatch(t *testing.T) {
	mem := workspace.NewMemory()
	ws := &failingWorkspace{Memory: mem, failPath: "package.json"}
	d := newDispatcher(t, ws)

	errs := classify(t,
		"Cannot find module 'lodash'",
		"Error: Missing required environment variable: API_BASE_URL",
	)
	res := d.ApplyFixes(context.Background(), project, errs)

	require.Len(t, res.FailedFixes, 1)
	assert.Contains(t, res.FailedFixes[0], "disk on fire")
	assert.Equal(t, 1, res.DeterministicFixes)
	env, _ := mem.Get(project, ".env")
	assert.True(t, strings.Contains(env, "API_BASE_URL=placeholder"))
}

func TestNewDispatcher_Validation(t *testing.T) {
	_, err := NewDispatcher(nil, DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.CanonicalPort = 0
	_, err = NewDispatcher(workspace.NewMemory(), cfg)
	assert.Error(t, err)
}
