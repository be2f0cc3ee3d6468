package watchdog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/database"
)

var sessionRowColumns = []string{
	"id", "user_id", "source_url", "stream_url", "interval_seconds", "prompt", "status",
	"failure_reason", "created_at", "started_at", "stopped_at", "heartbeat_at",
}

func setupMockDB(t *testing.T) (*database.Database, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return database.NewFromDB(db), mock
}

func TestCheckSessions(t *testing.T) {
	db, mock := setupMockDB(t)
	old := time.Now().UTC().Add(-time.Hour)

	mock.ExpectQuery(`FROM surveillance_sessions`).
		WithArgs("running", sqlmock.AnyArg(), int64(60)).
		WillReturnRows(sqlmock.NewRows(sessionRowColumns).
			AddRow("s-1", "u-1", "src", "media", 5, "p", "running", nil, old, old, nil, old).
			AddRow("s-2", "u-2", "src", "media", 5, "p", "running", nil, old, old, nil, nil))
	mock.ExpectExec(`SET status = \$1, failure_reason = \$2`).
		WithArgs("failed", staleReason, sqlmock.AnyArg(), "s-1", "running").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// stopped concurrently, the guarded update touches nothing
	mock.ExpectExec(`SET status = \$1, failure_reason = \$2`).
		WithArgs("failed", staleReason, sqlmock.AnyArg(), "s-2", "running").
		WillReturnResult(sqlmock.NewResult(0, 0))

	w := New(db, time.Second, time.Minute, zap.NewNop())
	assert.Equal(t, 1, w.CheckSessions(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckSessions_QueryError(t *testing.T) {
	db, mock := setupMockDB(t)
	mock.ExpectQuery(`FROM surveillance_sessions`).WillReturnError(errors.New("connection reset"))

	w := New(db, time.Second, time.Minute, zap.NewNop())
	assert.Equal(t, 0, w.CheckSessions(context.Background()))
}

func TestStart_StopsOnCancel(t *testing.T) {
	db, _ := setupMockDB(t)
	w := New(db, time.Hour, time.Minute, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not stop")
	}
}
