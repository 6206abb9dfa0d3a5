package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/harrison/healloop/internal/models"
)

// AppendIteration persists one iteration record. Numbers must start at 1 and
// be contiguous per project; anything else fails with ErrIterationGap.
func (s *Store) AppendIteration(ctx context.Context, it *models.SandboxIteration) error {
	errsJSON, err := json.Marshal(nonNil(it.Errors))
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}
	appliedJSON, err := json.Marshal(nonNilStrings(it.FixesApplied))
	if err != nil {
		return fmt.Errorf("marshal applied fixes: %w", err)
	}
	failedJSON, err := json.Marshal(nonNilStrings(it.FixesFailed))
	if err != nil {
		return fmt.Errorf("marshal failed fixes: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var last int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(number), 0) FROM sandbox_iterations WHERE project_id = ?`,
		it.ProjectID).Scan(&last); err != nil {
		return fmt.Errorf("query last iteration: %w", err)
	}
	if it.Number != last+1 {
		return fmt.Errorf("%w: %s expected iteration %d, got %d", ErrIterationGap, it.ProjectID, last+1, it.Number)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO sandbox_iterations (
    project_id, number, install_success, build_success, start_success, health_check_passed,
    errors, fixes_applied, fixes_failed, log_excerpt, started_at, completed_at, health_score
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ProjectID, it.Number, it.InstallSuccess, it.BuildSuccess, it.StartSuccess, it.HealthCheckPassed,
		string(errsJSON), string(appliedJSON), string(failedJSON), it.LogExcerpt,
		formatTime(it.StartedAt), formatTime(it.CompletedAt), it.HealthScore)
	if err != nil {
		return fmt.Errorf("insert iteration %d of %s: %w", it.Number, it.ProjectID, err)
	}

	return tx.Commit()
}

const iterationColumns = `project_id, number, install_success, build_success, start_success, health_check_passed,
    errors, fixes_applied, fixes_failed, log_excerpt, started_at, completed_at, health_score`

// ListIterations returns the project's iterations in ascending order.
func (s *Store) ListIterations(ctx context.Context, projectID string) ([]*models.SandboxIteration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+iterationColumns+` FROM sandbox_iterations WHERE project_id = ? ORDER BY number`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query iterations: %w", err)
	}
	defer rows.Close()

	var out []*models.SandboxIteration
	for rows.Next() {
		it, err := scanIteration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// LastIteration returns the highest-numbered iteration, or nil when none exist.
func (s *Store) LastIteration(ctx context.Context, projectID string) (*models.SandboxIteration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+iterationColumns+` FROM sandbox_iterations WHERE project_id = ? ORDER BY number DESC LIMIT 1`, projectID)
	it, err := scanIteration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return it, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIteration(sc scanner) (*models.SandboxIteration, error) {
	var (
		it                              models.SandboxIteration
		errsJSON, appliedJ, failedJ     string
		excerpt, startedAt, completedAt sql.NullString
	)
	err := sc.Scan(&it.ProjectID, &it.Number, &it.InstallSuccess, &it.BuildSuccess, &it.StartSuccess,
		&it.HealthCheckPassed, &errsJSON, &appliedJ, &failedJ, &excerpt, &startedAt, &completedAt, &it.HealthScore)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan iteration: %w", err)
	}

	if err := json.Unmarshal([]byte(errsJSON), &it.Errors); err != nil {
		return nil, fmt.Errorf("decode errors of iteration %d: %w", it.Number, err)
	}
	if err := json.Unmarshal([]byte(appliedJ), &it.FixesApplied); err != nil {
		return nil, fmt.Errorf("decode applied fixes of iteration %d: %w", it.Number, err)
	}
	if err := json.Unmarshal([]byte(failedJ), &it.FixesFailed); err != nil {
		return nil, fmt.Errorf("decode failed fixes of iteration %d: %w", it.Number, err)
	}
	it.LogExcerpt = excerpt.String
	if it.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if it.CompletedAt, err = parseTime(completedAt); err != nil {
		return nil, err
	}
	return &it, nil
}

func nonNil(errs []models.ClassifiedError) []models.ClassifiedError {
	if errs == nil {
		return []models.ClassifiedError{}
	}
	return errs
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
