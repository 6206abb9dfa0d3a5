package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/harrison/healloop/internal/models"
)

// GetStatus returns the project's status. Unknown projects are pending.
func (s *Store) GetStatus(ctx context.Context, projectID string) (models.ProjectStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM projects WHERE project_id = ?`, projectID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.StatusPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("query status of %s: %w", projectID, err)
	}
	return models.ParseProjectStatus(status)
}

// SetStatus moves the project to status. Backward moves and any move out of a
// terminal status fail with ErrStatusRegression.
func (s *Store) SetStatus(ctx context.Context, projectID string, status models.ProjectStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid project status %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM projects WHERE project_id = ?`, projectID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = ""
	case err != nil:
		return fmt.Errorf("query status of %s: %w", projectID, err)
	}

	if !models.ProjectStatus(current).CanTransitionTo(status) {
		return fmt.Errorf("%w: %s cannot move from %q to %q", ErrStatusRegression, projectID, current, status)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO projects (project_id, status, updated_at) VALUES (?, ?, ?)
ON CONFLICT(project_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		projectID, string(status), formatTime(s.clock()))
	if err != nil {
		return fmt.Errorf("update status of %s: %w", projectID, err)
	}

	return tx.Commit()
}

// UpdateHealth records the cumulative iteration count and latest score.
func (s *Store) UpdateHealth(ctx context.Context, projectID string, iterations, score int) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO projects (project_id, status, iterations, health_score, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(project_id) DO UPDATE SET
    iterations = excluded.iterations,
    health_score = excluded.health_score,
    updated_at = excluded.updated_at`,
		projectID, string(models.StatusPending), iterations, score, formatTime(s.clock()))
	if err != nil {
		return fmt.Errorf("update health of %s: %w", projectID, err)
	}
	return nil
}

// GetHealth returns the cumulative health view of a project.
func (s *Store) GetHealth(ctx context.Context, projectID string) (*models.ProjectHealth, error) {
	h := &models.ProjectHealth{ProjectID: projectID}
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status, iterations, health_score FROM projects WHERE project_id = ?`, projectID).
		Scan(&status, &h.Iterations, &h.HealthScore)
	if errors.Is(err, sql.ErrNoRows) {
		h.Status = models.StatusPending
		return h, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query health of %s: %w", projectID, err)
	}
	if h.Status, err = models.ParseProjectStatus(status); err != nil {
		return nil, err
	}
	return h, nil
}

// ListProjects returns every known project, most recently updated first.
func (s *Store) ListProjects(ctx context.Context) ([]models.ProjectHealth, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, status, iterations, health_score FROM projects ORDER BY updated_at DESC, project_id`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var out []models.ProjectHealth
	for rows.Next() {
		var (
			h      models.ProjectHealth
			status string
		)
		if err := rows.Scan(&h.ProjectID, &status, &h.Iterations, &h.HealthScore); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		if h.Status, err = models.ParseProjectStatus(status); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
