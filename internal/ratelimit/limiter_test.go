package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, limit int) (*DailyLimiter, *clockwork.FakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC))
	return New(rdb, clock, limit, 48*time.Hour), clock
}

func TestAllowUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(t, 3)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := l.Allow(ctx, "acct-1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.EqualValues(t, i, d.Count)
	}

	d, err := l.Allow(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.EqualValues(t, 3, d.Count)
	assert.Equal(t, time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC), d.ResetAt)
}

func TestAccountsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 1)
	ctx := context.Background()

	d, err := l.Allow(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, "acct-2")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestNewDayResetsCounter(t *testing.T) {
	l, clock := newTestLimiter(t, 1)
	ctx := context.Background()

	d, err := l.Allow(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = l.Allow(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// Crossing UTC midnight rotates the key; the counter starts fresh.
	clock.Advance(10 * time.Hour)
	d, err = l.Allow(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.EqualValues(t, 1, d.Count)
}

func TestConcurrentAllowNeverExceedsQuota(t *testing.T) {
	const limit = 5
	const callers = 40
	l, _ := newTestLimiter(t, limit)
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, err := l.Allow(ctx, "acct-1")
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, limit, allowed.Load())

	remaining, err := l.Remaining(ctx, "acct-1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, remaining)
}

func TestFailsClosedWhenStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC))
	l := New(rdb, clock, 10, 48*time.Hour)

	mr.Close()

	d, err := l.Allow(context.Background(), "acct-1")
	require.Error(t, err)
	assert.False(t, d.Allowed)
}

func TestRemainingWithoutConsuming(t *testing.T) {
	l, _ := newTestLimiter(t, 4)
	ctx := context.Background()

	remaining, err := l.Remaining(ctx, "acct-1")
	require.NoError(t, err)
	assert.EqualValues(t, 4, remaining)

	_, err = l.Allow(ctx, "acct-1")
	require.NoError(t, err)

	remaining, err = l.Remaining(ctx, "acct-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, remaining)
}
