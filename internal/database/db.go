package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Database represents the database connection and operations
type Database struct {
	DB *sql.DB
}

// Options tunes the connection pool; zero values keep database/sql defaults.
type Options struct {
	MaxConns int
	MaxIdle  int
}

// New creates a new Database instance
func New(ctx context.Context, dsn string, opts Options) (*Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if opts.MaxConns > 0 {
		db.SetMaxOpenConns(opts.MaxConns)
	}
	if opts.MaxIdle > 0 {
		db.SetMaxIdleConns(opts.MaxIdle)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	// Verify connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{DB: db}, nil
}

// NewFromDB wraps an existing handle.
func NewFromDB(db *sql.DB) *Database {
	return &Database{DB: db}
}

// Init creates the required tables if they don't exist
func (d *Database) Init(ctx context.Context) error {
	createTables := `
	CREATE TABLE IF NOT EXISTS surveillance_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		source_url TEXT NOT NULL,
		stream_url TEXT NOT NULL,
		interval_seconds INTEGER NOT NULL CHECK (interval_seconds >= 1),
		prompt TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('running', 'stopped', 'failed')),
		failure_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		stopped_at TIMESTAMPTZ,
		heartbeat_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_surveillance_sessions_user ON surveillance_sessions (user_id);
	CREATE INDEX IF NOT EXISTS idx_surveillance_sessions_status ON surveillance_sessions (status);

	CREATE TABLE IF NOT EXISTS surveillance_logs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES surveillance_sessions(id),
		user_id TEXT NOT NULL,
		image_path TEXT NOT NULL,
		ai_response TEXT NOT NULL,
		snippet TEXT NOT NULL DEFAULT '',
		anomaly_detected BOOLEAN NOT NULL DEFAULT FALSE,
		severity TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_surveillance_logs_session ON surveillance_logs (session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_surveillance_logs_user ON surveillance_logs (user_id, created_at);
	`

	if _, err := d.DB.ExecContext(ctx, createTables); err != nil {
		return &PersistenceError{Op: "init schema", Err: err}
	}
	return nil
}

// Ping checks the connection.
func (d *Database) Ping(ctx context.Context) error {
	return d.DB.PingContext(ctx)
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.DB.Close()
}
