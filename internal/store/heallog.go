package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/harrison/healloop/internal/models"
)

// AppendHealLog records one delegated file repair.
func (s *Store) AppendHealLog(ctx context.Context, entry models.HealLogEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("heal log entry for %s has no id", entry.FilePath)
	}
	cats := entry.Categories
	if cats == nil {
		cats = []models.ErrorCategory{}
	}
	catsJSON, err := json.Marshal(cats)
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = s.clock()
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO heal_log (id, project_id, iteration, file_path, categories, summary, bytes_before, bytes_after, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ProjectID, entry.Iteration, entry.FilePath, string(catsJSON), entry.Summary,
		entry.BytesBefore, entry.BytesAfter, formatTime(created))
	if err != nil {
		return fmt.Errorf("insert heal log %s: %w", entry.ID, err)
	}
	return nil
}

// ListHealLog returns the project's heal log ordered by iteration then time.
func (s *Store) ListHealLog(ctx context.Context, projectID string) ([]*models.HealLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project_id, iteration, file_path, categories, summary, bytes_before, bytes_after, created_at
FROM heal_log WHERE project_id = ? ORDER BY iteration, created_at, id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query heal log: %w", err)
	}
	defer rows.Close()

	var out []*models.HealLogEntry
	for rows.Next() {
		var (
			e        models.HealLogEntry
			catsJSON string
			summary  sql.NullString
			created  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Iteration, &e.FilePath, &catsJSON, &summary,
			&e.BytesBefore, &e.BytesAfter, &created); err != nil {
			return nil, fmt.Errorf("scan heal log: %w", err)
		}
		if err := json.Unmarshal([]byte(catsJSON), &e.Categories); err != nil {
			return nil, fmt.Errorf("decode categories of %s: %w", e.ID, err)
		}
		e.Summary = summary.String
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
