package watchdog

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/models"
)

const staleReason = "worker heartbeat lost"

type store interface {
	FindStaleSessions(ctx context.Context, now time.Time, minStaleness time.Duration) ([]models.Session, error)
	MarkSessionFailed(ctx context.Context, sessionID, reason string) (bool, error)
}

// Watchdog marks sessions failed when their worker stopped reporting, so a
// dead worker never leaves a session stuck in running.
type Watchdog struct {
	db           store
	interval     time.Duration
	minStaleness time.Duration
	logger       *zap.Logger
}

func New(db store, interval, minStaleness time.Duration, logger *zap.Logger) *Watchdog {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watchdog{
		db:           db,
		interval:     interval,
		minStaleness: minStaleness,
		logger:       logger,
	}
}

func (w *Watchdog) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return
		case <-ticker.C:
			w.CheckSessions(ctx)
		}
	}
}

// CheckSessions runs one sweep and returns how many sessions were failed.
func (w *Watchdog) CheckSessions(ctx context.Context) int {
	sessions, err := w.db.FindStaleSessions(ctx, time.Now().UTC(), w.minStaleness)
	if err != nil {
		w.logger.Error("failed to find stale sessions", zap.Error(err))
		return 0
	}

	failed := 0
	for _, session := range sessions {
		changed, err := w.db.MarkSessionFailed(ctx, session.ID, staleReason)
		if err != nil {
			w.logger.Error("failed to mark stale session failed", zap.String("session_id", session.ID), zap.Error(err))
			continue
		}
		if changed {
			failed++
			w.logger.Warn("stale session marked failed",
				zap.String("session_id", session.ID),
				zap.String("user_id", session.UserID))
		}
	}
	return failed
}
