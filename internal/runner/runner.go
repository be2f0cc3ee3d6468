package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/kafka"
	"github.com/Capitan-Parrot/surveillance-pipeline/internal/models"
)

// SessionRunner runs a single session to completion.
type SessionRunner interface {
	Run(ctx context.Context, wc models.WorkerContext) error
}

type commandSource interface {
	Messages() <-chan kafka.Message
}

type failureMarker interface {
	MarkSessionFailed(ctx context.Context, sessionID, reason string) (bool, error)
}

// Runner hosts many session workers in one process. Each worker runs in its
// own goroutine, and a panic in one is contained and marks only that session
// failed.
type Runner struct {
	worker   SessionRunner
	consumer commandSource
	store    failureMarker
	logger   *zap.Logger

	activeRunners map[string]context.CancelFunc
	mu            sync.Mutex
	wg            sync.WaitGroup
}

func New(worker SessionRunner, consumer commandSource, store failureMarker, logger *zap.Logger) *Runner {
	return &Runner{
		worker:        worker,
		consumer:      consumer,
		store:         store,
		logger:        logger,
		activeRunners: make(map[string]context.CancelFunc),
	}
}

// ListenAndRun consumes session commands until ctx is cancelled, then waits
// for every worker to wind down.
func (r *Runner) ListenAndRun(ctx context.Context) {
	r.logger.Info("runner: listening for session commands")
	defer r.Wait()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("runner: shutting down", zap.Strings("active_sessions", r.Active()))
			return
		case msg, ok := <-r.consumer.Messages():
			if !ok {
				r.logger.Info("runner: command stream closed")
				return
			}

			if err := r.handle(ctx, msg.Value); err != nil {
				// Не подтверждаем сообщение при ошибке обработки
				r.logger.Error("failed to process session command", zap.Error(err))
				continue
			}

			// Подтверждаем сообщение только после успешной обработки
			msg.Ack()
		}
	}
}

func (r *Runner) handle(ctx context.Context, payload []byte) error {
	var cmd models.SessionCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("invalid message format: %w", err)
	}
	r.logger.Info("runner: received session command",
		zap.String("session_id", cmd.SessionID),
		zap.String("action", string(cmd.Action)))

	switch cmd.Action {
	case models.CommandStart:
		if cmd.Worker == nil {
			return errors.New("start command without worker context")
		}
		r.Start(ctx, *cmd.Worker)
	case models.CommandStop:
		r.Stop(cmd.SessionID)
	default:
		r.logger.Warn("unknown command", zap.String("action", string(cmd.Action)))
	}
	return nil
}

// Start launches a worker for the session unless one is already active here.
func (r *Runner) Start(ctx context.Context, wc models.WorkerContext) bool {
	r.mu.Lock()
	if _, ok := r.activeRunners[wc.SessionID]; ok {
		r.mu.Unlock()
		r.logger.Info("worker already running", zap.String("session_id", wc.SessionID))
		return false
	}
	childCtx, cancel := context.WithCancel(ctx)
	r.activeRunners[wc.SessionID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.activeRunners, wc.SessionID)
			r.mu.Unlock()
			cancel()

			r.logger.Info("worker finished", zap.String("session_id", wc.SessionID))
		}()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("worker panicked", zap.String("session_id", wc.SessionID), zap.Any("panic", rec))
				if _, err := r.store.MarkSessionFailed(context.WithoutCancel(ctx), wc.SessionID, fmt.Sprintf("worker panicked: %v", rec)); err != nil {
					r.logger.Error("failed to mark session failed", zap.String("session_id", wc.SessionID), zap.Error(err))
				}
			}
		}()

		if err := r.worker.Run(childCtx, wc); err != nil {
			r.logger.Warn("worker exited with error", zap.String("session_id", wc.SessionID), zap.Error(err))
		}
	}()

	return true
}

// Stop cancels the session's worker if it lives in this process.
func (r *Runner) Stop(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cancel, ok := r.activeRunners[sessionID]; ok {
		cancel()
		r.logger.Info("worker stop requested", zap.String("session_id", sessionID))
		return true
	}

	return false
}

// Active lists the sessions with a live worker in this process.
func (r *Runner) Active() []string {
	r.mu.Lock()
	ids := lo.Keys(r.activeRunners)
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Wait blocks until every worker started by Start has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}
