package engine

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Scheduler runs jobs in their own goroutines while bounding how many
// execute at once. Jobs beyond the limit wait for a slot in submission order.
type Scheduler struct {
	sem    *semaphore.Weighted
	limit  int
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewScheduler creates a scheduler allowing limit concurrent jobs.
func NewScheduler(limit int, logger *slog.Logger) *Scheduler {
	if limit <= 0 {
		limit = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		sem:    semaphore.NewWeighted(int64(limit)),
		limit:  limit,
		logger: logger,
	}
}

// Limit returns the number of concurrent slots.
func (s *Scheduler) Limit() int {
	return s.limit
}

// Go runs fn once a slot is free. If ctx ends first, fn never runs and
// aborted receives the context error instead.
func (s *Scheduler) Go(ctx context.Context, id string, fn func(ctx context.Context), aborted func(error)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.logger.Debug("job never got a slot", "job_id", id, "error", err)
			if aborted != nil {
				aborted(err)
			}
			return
		}
		defer s.sem.Release(1)

		fn(ctx)
	}()
}

// Wait blocks until every submitted job has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
