package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler triggers processing cycles on a fixed interval. At most one
// cycle is in flight per process: the guard is owned scheduler state, set
// atomically before any work and cleared on the way out. It is local mutual
// exclusion, not a distributed lock; cross-process safety rests on the
// per-item claim.
type Scheduler struct {
	processor *Processor
	interval  time.Duration

	inFlight atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler around a processor.
func NewScheduler(processor *Processor, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		processor: processor,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("starting queue scheduler", "interval", s.interval)

	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops the tick loop and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	slog.Info("queue scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce runs a single cycle unless one is already in flight, in which
// case it returns false immediately without touching any state.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		slog.Debug("processing cycle already in flight, skipping tick")
		return false
	}
	defer s.inFlight.Store(false)

	if _, err := s.processor.RunCycle(ctx); err != nil {
		slog.Error("processing cycle failed", "error", err)
	}

	return true
}
