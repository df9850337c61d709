package crawler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRespectsLimit(t *testing.T) {
	ctx := context.Background()
	pool, err := NewWorkerPool(ctx, 4, 1)
	require.NoError(t, err)
	defer pool.Close()

	var running, peak atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Acquire(ctx))
		require.NoError(t, pool.Go(func(context.Context) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
		}))
		if i == 0 {
			// Widening lets the remaining jobs start next to the first.
			pool.SetLimit(3)
		}
	}
	close(release)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Wait(waitCtx))
	assert.Equal(t, 3, pool.Limit())
	assert.Equal(t, 0, pool.Active())
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestWorkerPoolAcquireBlocksAtLimit(t *testing.T) {
	ctx := context.Background()
	pool, err := NewWorkerPool(ctx, 2, 1)
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, pool.Acquire(ctx))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Acquire(short), context.DeadlineExceeded)

	pool.Release()
	require.NoError(t, pool.Acquire(ctx))
	pool.Release()
}

func TestWorkerPoolCapsLimitAtSize(t *testing.T) {
	pool, err := NewWorkerPool(context.Background(), 2, 5)
	require.NoError(t, err)
	defer pool.Close()
	assert.Equal(t, 2, pool.Limit())

	pool.SetLimit(0)
	assert.Equal(t, 1, pool.Limit())

	_, err = NewWorkerPool(context.Background(), 0, 1)
	assert.Error(t, err)
}

func TestThrottleSpacesCalls(t *testing.T) {
	th := NewThrottle(RateLimiterSettings{Requests: 1, Window: 50 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, th.Wait(ctx, "a"))
	require.NoError(t, th.Wait(ctx, "a"))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	start = time.Now()
	require.NoError(t, th.Wait(ctx, "b"))
	assert.Less(t, time.Since(start), 40*time.Millisecond, "buckets are per key")
}

func TestThrottleDisabled(t *testing.T) {
	th := NewThrottle(RateLimiterSettings{})
	for i := 0; i < 100; i++ {
		require.NoError(t, th.Wait(context.Background(), "a"))
	}
	th.Forget("a")

	var nilThrottle *Throttle
	assert.NoError(t, nilThrottle.Wait(context.Background(), "a"))
}
