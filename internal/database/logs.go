package database

import (
	"context"
	"time"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/models"
)

const (
	logColumns      = `id, session_id, user_id, image_path, ai_response, snippet, anomaly_detected, severity, created_at`
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// CreateLog appends one assessment record. Logs are never updated or deleted.
func (d *Database) CreateLog(ctx context.Context, l *models.Log) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	_, err := d.querier(ctx).ExecContext(ctx,
		`INSERT INTO surveillance_logs (`+logColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.ID,
		l.SessionID,
		l.UserID,
		l.ImagePath,
		l.AIResponse,
		l.Snippet,
		l.AnomalyDetected,
		l.Severity,
		l.CreatedAt,
	)

	return wrap("create log", err)
}

// ListLogsBySession returns a session's logs, newest first.
func (d *Database) ListLogsBySession(ctx context.Context, sessionID string, limit int) ([]models.Log, error) {
	return d.listLogs(ctx, "list session logs",
		`SELECT `+logColumns+` FROM surveillance_logs WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2`,
		sessionID, clampLimit(limit))
}

// ListLogsByUser returns all of a user's logs across sessions, newest first.
func (d *Database) ListLogsByUser(ctx context.Context, userID string, limit int) ([]models.Log, error) {
	return d.listLogs(ctx, "list user logs",
		`SELECT `+logColumns+` FROM surveillance_logs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, clampLimit(limit))
}

func (d *Database) listLogs(ctx context.Context, op, query string, args ...any) ([]models.Log, error) {
	rows, err := d.querier(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	logs := make([]models.Log, 0)
	for rows.Next() {
		var l models.Log
		if err := rows.Scan(
			&l.ID,
			&l.SessionID,
			&l.UserID,
			&l.ImagePath,
			&l.AIResponse,
			&l.Snippet,
			&l.AnomalyDetected,
			&l.Severity,
			&l.CreatedAt,
		); err != nil {
			return nil, wrap(op, err)
		}
		logs = append(logs, l)
	}

	return logs, wrap(op, rows.Err())
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLogLimit
	}
	if limit > maxLogLimit {
		return maxLogLimit
	}
	return limit
}
