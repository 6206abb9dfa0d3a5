package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/healloop/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewStore(t *testing.T) {
	tests := []struct {
		name   string
		dbPath string
	}{
		{
			name:   "creates database successfully",
			dbPath: filepath.Join(t.TempDir(), "test.db"),
		},
		{
			name:   "handles in-memory database",
			dbPath: ":memory:",
		},
		{
			name:   "creates parent directories if needed",
			dbPath: filepath.Join(t.TempDir(), "nested", "dir", "test.db"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewStore(tt.dbPath)
			require.NoError(t, err)
			defer store.Close()

			version, err := store.GetLatestVersion()
			require.NoError(t, err)
			assert.Equal(t, len(migrations), version)
			assert.Equal(t, tt.dbPath, store.Path())
		})
	}
}

func TestApplyMigrationsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "heal.db")
	s, err := NewStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.ApplyMigrations())
	require.NoError(t, s.Close())

	reopened, err := NewStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	version, err := reopened.GetLatestVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		steps   []models.ProjectStatus
		wantErr bool
		final   models.ProjectStatus
	}{
		{
			name:  "forward path to passed",
			steps: []models.ProjectStatus{models.StatusPending, models.StatusScanning, models.StatusSandboxing, models.StatusPassed},
			final: models.StatusPassed,
		},
		{
			name:  "reassert sandboxing",
			steps: []models.ProjectStatus{models.StatusSandboxing, models.StatusSandboxing},
			final: models.StatusSandboxing,
		},
		{
			name:    "backwards is rejected",
			steps:   []models.ProjectStatus{models.StatusSandboxing, models.StatusScanning},
			wantErr: true,
			final:   models.StatusSandboxing,
		},
		{
			name:    "terminal is sticky",
			steps:   []models.ProjectStatus{models.StatusSandboxing, models.StatusFailed, models.StatusPassed},
			wantErr: true,
			final:   models.StatusFailed,
		},
		{
			name:    "terminal cannot be reasserted",
			steps:   []models.ProjectStatus{models.StatusPassed, models.StatusPassed},
			wantErr: true,
			final:   models.StatusPassed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			var lastErr error
			for _, st := range tt.steps {
				if err := s.SetStatus(ctx, "p1", st); err != nil {
					lastErr = err
				}
			}
			if tt.wantErr {
				assert.ErrorIs(t, lastErr, ErrStatusRegression)
			} else {
				assert.NoError(t, lastErr)
			}

			got, err := s.GetStatus(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, tt.final, got)
		})
	}
}

func TestGetStatusUnknownProject(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetStatus(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got)
}

func TestSetStatusRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	err := s.SetStatus(context.Background(), "p1", models.ProjectStatus("bogus"))
	assert.Error(t, err)
}

func TestUpdateHealth(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SetStatus(ctx, "p1", models.StatusSandboxing))
	require.NoError(t, s.UpdateHealth(ctx, "p1", 3, 75))

	h, err := s.GetHealth(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.ProjectHealth{ProjectID: "p1", Status: models.StatusSandboxing, Iterations: 3, HealthScore: 75}, *h)

	// health for a project with no status row still creates one
	require.NoError(t, s.UpdateHealth(ctx, "p2", 1, 25))
	h, err = s.GetHealth(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, h.Status)
	assert.Equal(t, 25, h.HealthScore)

	projects, err := s.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 2)
}

func sampleIteration(projectID string, n int) *models.SandboxIteration {
	start := time.Date(2026, 3, 1, 12, 0, n, 0, time.UTC)
	return &models.SandboxIteration{
		ProjectID:      projectID,
		Number:         n,
		InstallSuccess: false,
		Errors: []models.ClassifiedError{{
			Category:     models.PackageMissing,
			Confidence:   0.98,
			RawMessage:   "Error: Cannot find module 'lodash'",
			AffectedFile: "src/index.js",
			LineNumber:   3,
			Severity:     9,
			Strategy:     models.InstallPackage,
		}},
		FixesApplied: []string{"install_package: added lodash@latest to package.json"},
		LogExcerpt:   "Error: Cannot find module 'lodash'",
		StartedAt:    start,
		CompletedAt:  start.Add(1500 * time.Millisecond),
		HealthScore:  0,
	}
}

func TestAppendIterationRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	want := sampleIteration("p1", 1)
	require.NoError(t, s.AppendIteration(ctx, want))

	got, err := s.ListIterations(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want.Errors, got[0].Errors)
	assert.Equal(t, want.FixesApplied, got[0].FixesApplied)
	assert.Empty(t, got[0].FixesFailed)
	assert.True(t, want.StartedAt.Equal(got[0].StartedAt))
	assert.Equal(t, 1500*time.Millisecond, got[0].Duration())

	last, err := s.LastIteration(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 1, last.Number)
}

func TestAppendIterationContiguous(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.AppendIteration(ctx, sampleIteration("p1", 2))
	assert.ErrorIs(t, err, ErrIterationGap)

	require.NoError(t, s.AppendIteration(ctx, sampleIteration("p1", 1)))
	require.NoError(t, s.AppendIteration(ctx, sampleIteration("p1", 2)))

	err = s.AppendIteration(ctx, sampleIteration("p1", 2))
	assert.ErrorIs(t, err, ErrIterationGap)

	// numbering is per project
	require.NoError(t, s.AppendIteration(ctx, sampleIteration("p2", 1)))

	its, err := s.ListIterations(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, its, 2)
	assert.Equal(t, 1, its[0].Number)
	assert.Equal(t, 2, its[1].Number)
}

func TestLastIterationEmpty(t *testing.T) {
	s := newTestStore(t)
	it, err := s.LastIteration(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, it)
}

func TestHealLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 1; i <= 2; i++ {
		require.NoError(t, s.AppendHealLog(ctx, models.HealLogEntry{
			ID:          fmt.Sprintf("entry-%d", i),
			ProjectID:   "p1",
			Iteration:   i,
			FilePath:    "src/App.tsx",
			Categories:  []models.ErrorCategory{models.TypeError, models.SyntaxError},
			Summary:     "fixed prop types",
			BytesBefore: 100,
			BytesAfter:  120,
		}))
	}

	entries, err := s.ListHealLog(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "entry-1", entries[0].ID)
	assert.Equal(t, []models.ErrorCategory{models.TypeError, models.SyntaxError}, entries[0].Categories)
	assert.False(t, entries[0].CreatedAt.IsZero())

	err = s.AppendHealLog(ctx, models.HealLogEntry{ProjectID: "p1", FilePath: "x.ts"})
	assert.Error(t, err)
}

func TestConcurrentAppendsOnFileDatabase(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(filepath.Join(t.TempDir(), "concurrent.db"))
	require.NoError(t, err)
	defer s.Close()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			id := fmt.Sprintf("proj-%d", p)
			for n := 1; n <= 5; n++ {
				assert.NoError(t, s.AppendIteration(ctx, sampleIteration(id, n)))
			}
		}(p)
	}
	wg.Wait()

	for p := 0; p < 4; p++ {
		its, err := s.ListIterations(ctx, fmt.Sprintf("proj-%d", p))
		require.NoError(t, err)
		assert.Len(t, its, 5)
	}
}
