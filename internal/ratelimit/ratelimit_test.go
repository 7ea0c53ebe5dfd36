package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, rate float64, burst int) *MemoryLimiter {
	t.Helper()
	m := NewMemoryLimiter(rate, burst)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m := newTestLimiter(t, 10, 3)
	ctx := context.Background()

	for i := range 3 {
		ok, err := m.Allow(ctx, "inference:cheap")
		require.NoError(t, err)
		assert.True(t, ok, "call %d is within burst", i)
	}
	ok, err := m.Allow(ctx, "inference:cheap")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLimiterRefill(t *testing.T) {
	m := newTestLimiter(t, 2, 1)
	clock := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "k")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "k")
	require.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, m.Delay("k"))

	clock = clock.Add(250 * time.Millisecond)
	assert.Equal(t, 250*time.Millisecond, m.Delay("k"))

	clock = clock.Add(250 * time.Millisecond)
	assert.Zero(t, m.Delay("k"))
	ok, _ = m.Allow(ctx, "k")
	assert.True(t, ok)
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m := newTestLimiter(t, 1, 1)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "inference:expensive")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "inference:expensive")
	require.False(t, ok)

	ok, _ = m.Allow(ctx, "inference:cheap")
	assert.True(t, ok)
}

func TestMemoryLimiterConcurrentNeverExceedsBurst(t *testing.T) {
	m := newTestLimiter(t, 0.001, 20)
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				if ok, _ := m.Allow(ctx, "shared"); ok {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(20), allowed.Load())
}

func TestEvictStale(t *testing.T) {
	m := newTestLimiter(t, 1, 1)
	clock := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	_, _ = m.Allow(context.Background(), "old")
	clock = clock.Add(staleThreshold + time.Second)
	_, _ = m.Allow(context.Background(), "fresh")
	m.evictStale()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "old")
	assert.Contains(t, m.buckets, "fresh")
}

func TestWaitBlocksUntilTokenAvailable(t *testing.T) {
	m := newTestLimiter(t, 50, 1)
	ctx := context.Background()

	require.NoError(t, Wait(ctx, m, "k"))
	start := time.Now()
	require.NoError(t, Wait(ctx, m, "k"))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestWaitHonoursContext(t *testing.T) {
	m := newTestLimiter(t, 0.001, 1)
	_, _ = m.Allow(context.Background(), "k")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := Wait(ctx, m, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("backend down")
}
func (brokenLimiter) Close() error { return nil }

func TestWaitFailsOpen(t *testing.T) {
	assert.NoError(t, Wait(context.Background(), brokenLimiter{}, "k"))
	assert.NoError(t, Wait(context.Background(), NoopLimiter{}, "k"))
}
