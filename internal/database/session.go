package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/models"
)

const sessionColumns = `id, user_id, source_url, stream_url, interval_seconds, prompt, status,
	failure_reason, created_at, started_at, stopped_at, heartbeat_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		s         models.Session
		reason    sql.NullString
		stoppedAt sql.NullTime
		heartbeat sql.NullTime
	)
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.SourceURL,
		&s.StreamURL,
		&s.Interval,
		&s.Prompt,
		&s.Status,
		&reason,
		&s.CreatedAt,
		&s.StartedAt,
		&stoppedAt,
		&heartbeat,
	)
	if err != nil {
		return nil, err
	}
	if reason.Valid {
		s.FailureReason = &reason.String
	}
	if stoppedAt.Valid {
		s.StoppedAt = &stoppedAt.Time
	}
	if heartbeat.Valid {
		s.HeartbeatAt = &heartbeat.Time
	}
	return &s, nil
}

// CreateSession inserts a new session record.
func (d *Database) CreateSession(ctx context.Context, s *models.Session) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = now
	}

	_, err := d.querier(ctx).ExecContext(ctx,
		`INSERT INTO surveillance_sessions
			(id, user_id, source_url, stream_url, interval_seconds, prompt, status, created_at, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID,
		s.UserID,
		s.SourceURL,
		s.StreamURL,
		s.Interval,
		s.Prompt,
		s.Status,
		s.CreatedAt,
		s.StartedAt,
	)

	return wrap("create session", err)
}

// GetSession retrieves a session by its ID
func (d *Database) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return d.getSession(ctx, sessionID, false)
}

// GetSessionForUpdate locks the row until the surrounding transaction ends.
func (d *Database) GetSessionForUpdate(ctx context.Context, sessionID string) (*models.Session, error) {
	return d.getSession(ctx, sessionID, true)
}

func (d *Database) getSession(ctx context.Context, sessionID string, forUpdate bool) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM surveillance_sessions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	s, err := scanSession(d.querier(ctx).QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, wrap("get session", err)
	}
	return s, nil
}

// ListSessionsByUser returns the user's sessions, newest first.
func (d *Database) ListSessionsByUser(ctx context.Context, userID string) ([]models.Session, error) {
	rows, err := d.querier(ctx).QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM surveillance_sessions WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, wrap("list sessions", err)
	}
	defer rows.Close()

	sessions := make([]models.Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, wrap("scan session", err)
		}
		sessions = append(sessions, *s)
	}

	return sessions, wrap("list sessions", rows.Err())
}

// MarkSessionStopped moves a running session to stopped.
// It reports false when the session was not running.
func (d *Database) MarkSessionStopped(ctx context.Context, sessionID string) (bool, error) {
	res, err := d.querier(ctx).ExecContext(ctx,
		`UPDATE surveillance_sessions SET status = $1, stopped_at = $2
		 WHERE id = $3 AND status = $4`,
		models.StatusStopped,
		time.Now().UTC(),
		sessionID,
		models.StatusRunning,
	)
	return affected("mark session stopped", res, err)
}

// MarkSessionFailed moves a running session to failed and records why.
// It reports false when the session was not running.
func (d *Database) MarkSessionFailed(ctx context.Context, sessionID, reason string) (bool, error) {
	res, err := d.querier(ctx).ExecContext(ctx,
		`UPDATE surveillance_sessions SET status = $1, failure_reason = $2, stopped_at = $3
		 WHERE id = $4 AND status = $5`,
		models.StatusFailed,
		reason,
		time.Now().UTC(),
		sessionID,
		models.StatusRunning,
	)
	return affected("mark session failed", res, err)
}

// TouchHeartbeat records worker liveness and returns the current status,
// which lets the worker notice a stop issued elsewhere.
func (d *Database) TouchHeartbeat(ctx context.Context, sessionID string) (models.SessionStatus, error) {
	var status models.SessionStatus
	err := d.querier(ctx).QueryRowContext(ctx,
		`UPDATE surveillance_sessions SET heartbeat_at = $1 WHERE id = $2 RETURNING status`,
		time.Now().UTC(),
		sessionID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", wrap("touch heartbeat", err)
	}
	return status, nil
}

// FindStaleSessions returns running sessions whose worker has not reported
// for max(3 intervals, minStaleness).
func (d *Database) FindStaleSessions(ctx context.Context, now time.Time, minStaleness time.Duration) ([]models.Session, error) {
	rows, err := d.querier(ctx).QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM surveillance_sessions
		 WHERE status = $1
		   AND COALESCE(heartbeat_at, started_at) <
		       $2::timestamptz - GREATEST(interval_seconds * 3, $3) * INTERVAL '1 second'`,
		models.StatusRunning,
		now,
		int64(minStaleness/time.Second),
	)
	if err != nil {
		return nil, wrap("find stale sessions", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, wrap("scan session", err)
		}
		sessions = append(sessions, *s)
	}

	return sessions, wrap("find stale sessions", rows.Err())
}

func affected(op string, res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap(op, err)
	}
	return n > 0, nil
}
