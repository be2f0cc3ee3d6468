package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/database"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/models"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionNotRunning = errors.New("session is not running")
)

// ValidationError is returned before any I/O when the start request is incomplete.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StartError reports which stage of session start failed. SessionID is set
// once the session row exists.
type StartError struct {
	Stage     string
	SessionID string
	Err       error
}

func (e *StartError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("start session %s: %s: %v", e.SessionID, e.Stage, e.Err)
	}
	return fmt.Sprintf("start session: %s: %v", e.Stage, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

const (
	StageResolve = "resolve"
	StagePersist = "persist"
	StageSpawn   = "spawn"
)

type Resolver interface {
	Resolve(ctx context.Context, source string) (string, error)
}

type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	GetSessionForUpdate(ctx context.Context, sessionID string) (*models.Session, error)
	ListSessionsByUser(ctx context.Context, userID string) ([]models.Session, error)
	MarkSessionStopped(ctx context.Context, sessionID string) (bool, error)
	MarkSessionFailed(ctx context.Context, sessionID, reason string) (bool, error)
	ListLogsBySession(ctx context.Context, sessionID string, limit int) ([]models.Log, error)
	ListLogsByUser(ctx context.Context, userID string, limit int) ([]models.Log, error)
}

// Spawner starts and stops the isolated worker of a session.
type Spawner interface {
	Spawn(ctx context.Context, wc models.WorkerContext) error
	Stop(ctx context.Context, sessionID string) error
}

type StartRequest struct {
	UserID    string
	SourceURL string
	Interval  int
	Prompt    string
}

// Validate checks the request without touching anything outside the process.
func (r StartRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.UserID) == "":
		return &ValidationError{Field: "user_id", Reason: "required"}
	case strings.TrimSpace(r.SourceURL) == "":
		return &ValidationError{Field: "source", Reason: "required"}
	case strings.TrimSpace(r.Prompt) == "":
		return &ValidationError{Field: "prompt", Reason: "required"}
	case r.Interval < 1:
		return &ValidationError{Field: "interval", Reason: "must be a positive integer"}
	}
	return nil
}

type Orchestrator struct {
	store    Store
	resolver Resolver
	spawner  Spawner
	logger   *zap.Logger
}

func New(store Store, resolver Resolver, spawner Spawner, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		resolver: resolver,
		spawner:  spawner,
		logger:   logger,
	}
}

// StartSession resolves the source, records the session and spawns its
// worker. It returns as soon as the worker is launched.
func (o *Orchestrator) StartSession(ctx context.Context, req StartRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	streamURL, err := o.resolver.Resolve(ctx, req.SourceURL)
	if err != nil {
		o.logger.Warn("stream resolution failed",
			zap.String("user_id", req.UserID),
			zap.String("source", req.SourceURL),
			zap.Error(err))
		return "", &StartError{Stage: StageResolve, Err: err}
	}

	session := &models.Session{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		SourceURL: req.SourceURL,
		StreamURL: streamURL,
		Interval:  req.Interval,
		Prompt:    req.Prompt,
		Status:    models.StatusRunning,
	}
	if err := o.store.CreateSession(ctx, session); err != nil {
		o.logger.Error("failed to create session", zap.String("user_id", req.UserID), zap.Error(err))
		return "", &StartError{Stage: StagePersist, Err: err}
	}

	logger := o.logger.With(zap.String("session_id", session.ID), zap.String("user_id", session.UserID))

	wc := models.WorkerContext{
		SessionID: session.ID,
		StreamURL: streamURL,
		Interval:  session.Interval,
		Prompt:    session.Prompt,
		UserID:    session.UserID,
	}
	if err := o.spawner.Spawn(ctx, wc); err != nil {
		logger.Error("failed to spawn worker", zap.Error(err))
		if _, markErr := o.store.MarkSessionFailed(context.WithoutCancel(ctx), session.ID, "spawn failed: "+err.Error()); markErr != nil {
			logger.Error("failed to mark session failed", zap.Error(markErr))
		}
		return "", &StartError{Stage: StageSpawn, SessionID: session.ID, Err: err}
	}

	logger.Info("surveillance session started", zap.Int("interval_seconds", session.Interval))
	return session.ID, nil
}

// StopSession moves the user's running session to stopped and signals its worker.
func (o *Orchestrator) StopSession(ctx context.Context, userID, sessionID string) error {
	err := o.store.InTx(ctx, func(ctx context.Context) error {
		session, err := o.store.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		if session.UserID != userID {
			return ErrSessionNotFound
		}
		if session.Status != models.StatusRunning {
			return ErrSessionNotRunning
		}

		changed, err := o.store.MarkSessionStopped(ctx, sessionID)
		if err != nil {
			return err
		}
		if !changed {
			return ErrSessionNotRunning
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := o.spawner.Stop(ctx, sessionID); err != nil {
		// воркер сам увидит статус stopped при следующем heartbeat
		o.logger.Warn("stop signal not delivered", zap.String("session_id", sessionID), zap.Error(err))
	}

	o.logger.Info("surveillance session stopped", zap.String("session_id", sessionID), zap.String("user_id", userID))
	return nil
}

// GetSession returns the session if it belongs to userID.
func (o *Orchestrator) GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if session.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (o *Orchestrator) ListSessions(ctx context.Context, userID string) ([]models.Session, error) {
	return o.store.ListSessionsByUser(ctx, userID)
}

func (o *Orchestrator) ListSessionLogs(ctx context.Context, userID, sessionID string, limit int) ([]models.Log, error) {
	if _, err := o.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return o.store.ListLogsBySession(ctx, sessionID, limit)
}

func (o *Orchestrator) ListUserLogs(ctx context.Context, userID string, limit int) ([]models.Log, error) {
	return o.store.ListLogsByUser(ctx, userID, limit)
}

type shutdowner interface {
	Shutdown(ctx context.Context)
}

// Shutdown stops workers owned by this process, if the spawner owns any.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	if s, ok := o.spawner.(shutdowner); ok {
		s.Shutdown(ctx)
	}
}
