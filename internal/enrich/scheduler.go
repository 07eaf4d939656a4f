package enrich

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// BatchRunner is the no-argument trigger the scheduler fires on every tick.
type BatchRunner interface {
	RunBatch(ctx context.Context) (BatchResult, error)
}

// Scheduler fires a batch at a fixed interval.
type Scheduler struct {
	runner   BatchRunner
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler. If interval is <= 0, it defaults to 30s.
func NewScheduler(runner BatchRunner, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{runner: runner, interval: interval, logger: slog.Default()}
}

// Run fires one batch immediately and then one per tick until ctx is
// cancelled. Each batch runs on its own goroutine, so a tick that arrives
// while a batch is still in flight is turned away by the run guard. Run
// returns after all dispatched batches have finished.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	fire := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.tick(ctx)
		}()
	}

	fire()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fire()
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.runner.RunBatch(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrBatchInFlight):
		s.logger.Debug("previous enrichment batch still running, skipping tick")
	case ctx.Err() != nil:
	default:
		s.logger.Error("enrichment batch failed", "error", err)
	}
}
