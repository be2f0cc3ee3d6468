package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/database"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/lease"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/models"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/notify"
)

const (
	finalizeTimeout       = 10 * time.Second
	defaultPersistTimeout = 15 * time.Second
)

var (
	// ErrAlreadyRunning means another worker holds the session lease.
	ErrAlreadyRunning = errors.New("session already has a live worker")

	errExternalStop = errors.New("session no longer running")
	errLeaseLost    = errors.New("worker lease lost")
)

type Store interface {
	CreateLog(ctx context.Context, l *models.Log) error
	TouchHeartbeat(ctx context.Context, sessionID string) (models.SessionStatus, error)
	MarkSessionStopped(ctx context.Context, sessionID string) (bool, error)
	MarkSessionFailed(ctx context.Context, sessionID, reason string) (bool, error)
}

type FrameExtractor interface {
	CaptureOneFrame(ctx context.Context, mediaURL, outputPath string) error
}

type Assessor interface {
	Assess(ctx context.Context, frame []byte, prompt string) models.AssessmentResult
}

type Archiver interface {
	ArchiveFrame(ctx context.Context, sessionID, localPath string) (string, error)
}

type Notifier interface {
	NotifyAnomaly(ctx context.Context, alert models.Alert) error
}

type Locker interface {
	Acquire(ctx context.Context, sessionID string) (*lease.Lease, error)
}

type WorkerConfig struct {
	FramesDir          string
	CycleTimeout       time.Duration
	MaxPersistFailures int
	HeartbeatInterval  time.Duration
	// PersistTimeout bounds archive, log write and alert of one cycle. It is
	// counted separately from CycleTimeout.
	PersistTimeout time.Duration
}

// Worker runs capture sessions. Archiver and Locker are optional, Notifier
// defaults to notify.Nop.
type Worker struct {
	Store     Store
	Extractor FrameExtractor
	Assessor  Assessor
	Archiver  Archiver
	Notifier  Notifier
	Locker    Locker

	cfg    WorkerConfig
	logger *zap.Logger
}

func NewWorker(cfg WorkerConfig, store Store, extractor FrameExtractor, assessor Assessor, logger *zap.Logger) *Worker {
	if cfg.FramesDir == "" {
		cfg.FramesDir = filepath.Join("uploads", "frames")
	}
	if cfg.MaxPersistFailures <= 0 {
		cfg.MaxPersistFailures = 3
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}

	return &Worker{
		Store:     store,
		Extractor: extractor,
		Assessor:  assessor,
		Notifier:  notify.Nop{},
		cfg:       cfg,
		logger:    logger,
	}
}

// sessionRun is the state of one worker bound to one session.
type sessionRun struct {
	w      *Worker
	wc     models.WorkerContext
	dir    string
	logger *zap.Logger
	fail   context.CancelCauseFunc

	// only touched from inside a cycle, cycles never overlap
	persistFailures int
}

// Run drives the session until ctx is cancelled, the session leaves the
// running state elsewhere, or a fatal error occurs. It returns nil when the
// session ended by stop.
func (w *Worker) Run(ctx context.Context, wc models.WorkerContext) error {
	logger := w.logger.With(zap.String("session_id", wc.SessionID))

	if err := validateWorkerContext(wc); err != nil {
		if wc.SessionID != "" {
			w.finalize(ctx, logger, wc.SessionID, err)
		}
		return err
	}

	var held *lease.Lease
	if w.Locker != nil {
		l, err := w.Locker.Acquire(ctx, wc.SessionID)
		switch {
		case errors.Is(err, lease.ErrHeld):
			logger.Warn("another worker owns this session, exiting")
			return ErrAlreadyRunning
		case err != nil:
			logger.Warn("lease unavailable, running without it", zap.Error(err))
		default:
			held = l
		}
	}
	if held != nil {
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
			defer cancel()
			if err := held.Release(rctx); err != nil {
				logger.Warn("failed to release lease", zap.Error(err))
			}
		}()
	}

	// повторный start для завершённой сессии ничего не пишет
	status, err := w.Store.TouchHeartbeat(ctx, wc.SessionID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		logger.Warn("session record missing, nothing to run")
		return nil
	case err != nil:
		logger.Warn("initial heartbeat failed", zap.Error(err))
	case status != models.StatusRunning:
		logger.Info("session is not running, nothing to run", zap.String("status", string(status)))
		return nil
	}

	dir := filepath.Join(w.cfg.FramesDir, wc.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		err = fmt.Errorf("create frames dir: %w", err)
		w.finalize(ctx, logger, wc.SessionID, err)
		return err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	run := &sessionRun{
		w:      w,
		wc:     wc,
		dir:    dir,
		logger: logger,
		fail:   cancel,
	}

	scheduler := NewScheduler(wc.IntervalDuration(), w.cfg.CycleTimeout, run.tick, logger)
	scheduler.OnPanic(func(err error) { cancel(err) })

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		run.heartbeat(runCtx, held)
	}()

	logger.Info("capture worker started",
		zap.Int("interval_seconds", wc.Interval),
		zap.String("frames_dir", dir))

	scheduler.Run(runCtx)
	<-heartbeatDone

	stats := scheduler.Stats()
	logger.Info("capture worker finished",
		zap.Uint64("cycles", stats.Completed),
		zap.Uint64("dropped_ticks", stats.Dropped))

	cause := context.Cause(runCtx)
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		cause = nil
	}
	w.finalize(ctx, logger, wc.SessionID, cause)

	if errors.Is(cause, errExternalStop) {
		return nil
	}
	return cause
}

// finalize records the terminal state. Updates only apply to running
// sessions, so a stop recorded elsewhere is never overwritten.
func (w *Worker) finalize(ctx context.Context, logger *zap.Logger, sessionID string, cause error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	switch {
	case cause == nil:
		if _, err := w.Store.MarkSessionStopped(fctx, sessionID); err != nil {
			logger.Error("failed to mark session stopped", zap.Error(err))
		}
	case errors.Is(cause, errExternalStop), errors.Is(cause, errLeaseLost):
		// состояние уже выставлено снаружи
	default:
		logger.Error("capture worker failed", zap.Error(cause))
		if _, err := w.Store.MarkSessionFailed(fctx, sessionID, cause.Error()); err != nil {
			logger.Error("failed to mark session failed", zap.Error(err))
		}
	}
}

func (r *sessionRun) heartbeat(ctx context.Context, held *lease.Lease) {
	ticker := time.NewTicker(r.w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := r.w.Store.TouchHeartbeat(ctx, r.wc.SessionID)
		switch {
		case errors.Is(err, database.ErrNotFound):
			r.fail(fmt.Errorf("%w: session record missing", errExternalStop))
			return
		case err != nil:
			if ctx.Err() == nil {
				r.logger.Warn("heartbeat failed", zap.Error(err))
			}
		case status != models.StatusRunning:
			r.logger.Info("session left running state, stopping", zap.String("status", string(status)))
			r.fail(errExternalStop)
			return
		}

		if held != nil {
			if err := held.Refresh(ctx); errors.Is(err, lease.ErrLost) {
				r.fail(errLeaseLost)
				return
			} else if err != nil && ctx.Err() == nil {
				r.logger.Warn("lease refresh failed", zap.Error(err))
			}
		}
	}
}

// tick is one capture cycle: extract, assess, archive, persist, alert.
func (r *sessionRun) tick(ctx context.Context) {
	framePath := filepath.Join(r.dir, fmt.Sprintf("frame_%d.jpg", time.Now().UnixNano()))

	if err := r.w.Extractor.CaptureOneFrame(ctx, r.wc.StreamURL, framePath); err != nil {
		r.logger.Warn("frame capture failed, skipping tick", zap.Error(err))
		return
	}

	frame, err := os.ReadFile(framePath)
	if err != nil {
		r.logger.Warn("captured frame unreadable, skipping tick", zap.Error(err))
		return
	}

	result := r.w.Assessor.Assess(ctx, frame, r.wc.Prompt)

	// кадр уже снят, его запись не зависит от оставшегося бюджета цикла
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.w.cfg.PersistTimeout)
	defer cancel()

	imagePath := framePath
	if r.w.Archiver != nil {
		location, err := r.w.Archiver.ArchiveFrame(pctx, r.wc.SessionID, framePath)
		if err != nil {
			r.logger.Warn("frame archive failed, keeping local path", zap.Error(err))
		} else {
			imagePath = location
		}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		raw = []byte("{}")
	}

	entry := &models.Log{
		ID:              uuid.NewString(),
		SessionID:       r.wc.SessionID,
		UserID:          r.wc.UserID,
		ImagePath:       imagePath,
		AIResponse:      string(raw),
		Snippet:         result.Description,
		AnomalyDetected: result.AnomalyDetected,
		Severity:        result.Severity,
		CreatedAt:       time.Now().UTC(),
	}

	if err := r.w.Store.CreateLog(pctx, entry); err != nil {
		r.persistFailures++
		r.logger.Error("failed to persist log",
			zap.Error(err),
			zap.Int("consecutive_failures", r.persistFailures))
		if r.persistFailures >= r.w.cfg.MaxPersistFailures {
			r.fail(fmt.Errorf("log persistence failed %d times in a row: %w", r.persistFailures, err))
		}
		return
	}
	r.persistFailures = 0

	r.logger.Debug("capture cycle complete",
		zap.String("log_id", entry.ID),
		zap.Bool("anomaly", entry.AnomalyDetected),
		zap.String("severity", string(entry.Severity)))

	if result.AnomalyDetected {
		alert := models.Alert{
			SessionID:   r.wc.SessionID,
			UserID:      r.wc.UserID,
			LogID:       entry.ID,
			Severity:    result.Severity,
			Description: result.Description,
			ImagePath:   imagePath,
			Raw:         raw,
			DetectedAt:  entry.CreatedAt,
		}
		if err := r.w.Notifier.NotifyAnomaly(pctx, alert); err != nil {
			r.logger.Warn("anomaly alert not delivered", zap.Error(err))
		}
	}
}

func validateWorkerContext(wc models.WorkerContext) error {
	switch {
	case wc.SessionID == "":
		return errors.New("worker context: session id is required")
	case wc.StreamURL == "":
		return errors.New("worker context: stream url is required")
	case wc.Interval < 1:
		return fmt.Errorf("worker context: interval must be at least 1 second, got %d", wc.Interval)
	}
	return nil
}
