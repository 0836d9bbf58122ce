package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerBoundsConcurrency(t *testing.T) {
	s := NewScheduler(2, nil)
	var running, peak atomic.Int32
	release := make(chan struct{})

	for i := 0; i < 6; i++ {
		s.Go(context.Background(), "job", func(ctx context.Context) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
		}, nil)
	}

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)
	close(release)
	s.Wait()

	assert.Equal(t, int32(2), peak.Load())
	assert.Equal(t, 2, s.Limit())
}

func TestSchedulerAbortsWaitingJobs(t *testing.T) {
	s := NewScheduler(1, nil)
	block := make(chan struct{})
	s.Go(context.Background(), "first", func(ctx context.Context) { <-block }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu      sync.Mutex
		aborted error
		ran     bool
	)
	s.Go(ctx, "second", func(ctx context.Context) {
		mu.Lock()
		ran = true
		mu.Unlock()
	}, func(err error) {
		mu.Lock()
		aborted = err
		mu.Unlock()
	})

	cancel()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return aborted != nil
	}, time.Second, time.Millisecond)
	close(block)
	s.Wait()

	assert.ErrorIs(t, aborted, context.Canceled)
	assert.False(t, ran)
}

func TestSchedulerDefaultsToOneSlot(t *testing.T) {
	assert.Equal(t, 1, NewScheduler(0, nil).Limit())
}
