package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TickFunc is one capture cycle.
type TickFunc func(ctx context.Context)

type SchedulerStats struct {
	Fired     uint64
	Completed uint64
	Dropped   uint64
}

// Scheduler fires a tick immediately and then every interval. A tick that
// arrives while the previous cycle is still in flight is dropped, never queued.
type Scheduler struct {
	interval     time.Duration
	cycleTimeout time.Duration
	tick         TickFunc
	onPanic      func(error)
	logger       *zap.Logger

	busy      atomic.Bool
	fired     atomic.Uint64
	completed atomic.Uint64
	dropped   atomic.Uint64
	wg        sync.WaitGroup
}

func NewScheduler(interval, cycleTimeout time.Duration, tick TickFunc, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		interval:     interval,
		cycleTimeout: cycleTimeout,
		tick:         tick,
		logger:       logger,
	}
}

// OnPanic registers a callback for a cycle that panicked. The guard is
// released either way.
func (s *Scheduler) OnPanic(fn func(error)) {
	s.onPanic = fn
}

// Run blocks until ctx is cancelled, then waits for the in-flight cycle.
func (s *Scheduler) Run(ctx context.Context) {
	s.fire(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	if !s.busy.CompareAndSwap(false, true) {
		dropped := s.dropped.Add(1)
		s.logger.Warn("previous capture still in flight, tick dropped", zap.Uint64("dropped_total", dropped))
		return
	}
	s.fired.Add(1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)
		defer s.completed.Add(1)
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("capture cycle panicked: %v", r)
				s.logger.Error("capture cycle panicked", zap.Any("panic", r))
				if s.onPanic != nil {
					s.onPanic(err)
				}
			}
		}()

		// a cycle already started is allowed to finish after stop
		cycleCtx := context.WithoutCancel(ctx)
		if s.cycleTimeout > 0 {
			var cancel context.CancelFunc
			cycleCtx, cancel = context.WithTimeout(cycleCtx, s.cycleTimeout)
			defer cancel()
		}

		s.tick(cycleCtx)
	}()
}

func (s *Scheduler) Stats() SchedulerStats {
	return SchedulerStats{
		Fired:     s.fired.Load(),
		Completed: s.completed.Load(),
		Dropped:   s.dropped.Load(),
	}
}
