package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Capitan-Parrot/surveillance-pipeline/internal/models"
)

type failureMarker interface {
	MarkSessionFailed(ctx context.Context, sessionID, reason string) (bool, error)
}

type ProcessSpawnerConfig struct {
	// Binary is the runner executable; it is invoked with the capture command.
	Binary     string
	ConfigPath string
	StopGrace  time.Duration
}

type workerProcess struct {
	cmd      *exec.Cmd
	done     chan struct{}
	stopping atomic.Bool
}

// ProcessSpawner runs every session worker as its own OS process, so a crash
// in one worker cannot take down the API or other sessions.
type ProcessSpawner struct {
	cfg    ProcessSpawnerConfig
	store  failureMarker
	logger *zap.Logger

	mu    sync.Mutex
	procs map[string]*workerProcess
	wg    sync.WaitGroup
}

func NewProcessSpawner(cfg ProcessSpawnerConfig, store failureMarker, logger *zap.Logger) *ProcessSpawner {
	if cfg.Binary == "" {
		cfg.Binary = "runner"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}

	return &ProcessSpawner{
		cfg:    cfg,
		store:  store,
		logger: logger,
		procs:  make(map[string]*workerProcess),
	}
}

func (p *ProcessSpawner) args(wc models.WorkerContext) []string {
	var args []string
	if p.cfg.ConfigPath != "" {
		args = append(args, "--config", p.cfg.ConfigPath)
	}
	return append(args,
		"capture",
		"--session", wc.SessionID,
		"--stream-url", wc.StreamURL,
		"--interval", strconv.Itoa(wc.Interval),
		"--prompt", wc.Prompt,
		"--user", wc.UserID,
	)
}

// Spawn starts the worker process. The process outlives ctx.
func (p *ProcessSpawner) Spawn(_ context.Context, wc models.WorkerContext) error {
	cmd := exec.Command(p.cfg.Binary, p.args(wc)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker process: %w", err)
	}

	proc := &workerProcess{cmd: cmd, done: make(chan struct{})}

	p.mu.Lock()
	p.procs[wc.SessionID] = proc
	p.mu.Unlock()

	p.logger.Info("worker process started",
		zap.String("session_id", wc.SessionID),
		zap.Int("pid", cmd.Process.Pid))

	p.wg.Add(1)
	go p.reap(wc.SessionID, proc)

	return nil
}

// reap waits for the process and marks the session failed if it died on its own.
func (p *ProcessSpawner) reap(sessionID string, proc *workerProcess) {
	defer p.wg.Done()

	err := proc.cmd.Wait()
	close(proc.done)

	p.mu.Lock()
	if p.procs[sessionID] == proc {
		delete(p.procs, sessionID)
	}
	p.mu.Unlock()

	logger := p.logger.With(zap.String("session_id", sessionID))
	if err == nil || proc.stopping.Load() {
		logger.Info("worker process exited", zap.Error(err))
		return
	}

	logger.Error("worker process died", zap.Error(err))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, markErr := p.store.MarkSessionFailed(ctx, sessionID, "worker process exited: "+err.Error()); markErr != nil {
		logger.Error("failed to mark session failed", zap.Error(markErr))
	}
}

// Stop asks the worker to terminate and kills it if it is still alive after
// the grace period. It does not wait for the process to exit.
func (p *ProcessSpawner) Stop(_ context.Context, sessionID string) error {
	p.mu.Lock()
	proc, ok := p.procs[sessionID]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if err := p.terminate(proc); err != nil {
		return fmt.Errorf("signal worker %s: %w", sessionID, err)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-proc.done:
		case <-time.After(p.cfg.StopGrace):
			p.logger.Warn("worker ignored stop, killing", zap.String("session_id", sessionID))
			_ = proc.cmd.Process.Kill()
		}
	}()

	return nil
}

func (p *ProcessSpawner) terminate(proc *workerProcess) error {
	proc.stopping.Store(true)
	select {
	case <-proc.done:
		return nil
	default:
	}
	return proc.cmd.Process.Signal(syscall.SIGTERM)
}

// Running lists sessions with a live worker process.
func (p *ProcessSpawner) Running() []string {
	p.mu.Lock()
	ids := lo.Keys(p.procs)
	p.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Shutdown terminates every worker process and waits for them, killing the
// ones still alive when ctx expires.
func (p *ProcessSpawner) Shutdown(ctx context.Context) {
	p.mu.Lock()
	procs := lo.Values(p.procs)
	p.mu.Unlock()

	for _, proc := range procs {
		if err := p.terminate(proc); err != nil {
			p.logger.Warn("failed to signal worker", zap.Error(err))
		}
	}

	for _, proc := range procs {
		select {
		case <-proc.done:
		case <-ctx.Done():
			_ = proc.cmd.Process.Kill()
			<-proc.done
		}
	}

	p.wg.Wait()
}
