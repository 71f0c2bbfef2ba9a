package pacing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gateway-dispatcher/internal/clock/system"
)

func TestWaitFirstCallIsImmediate(t *testing.T) {
	t.Parallel()

	l := New(time.Second, 2*time.Second, system.New())
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), 0))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.False(t, l.EligibleAt(0).IsZero())
}

func TestWaitTwiceBlocksForInterval(t *testing.T) {
	t.Parallel()

	const interval = 80 * time.Millisecond
	l := New(interval, time.Second, system.New())
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, 3))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, 3))
	assert.GreaterOrEqual(t, time.Since(start), interval-5*time.Millisecond)
}

func TestWaitIndicesAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(time.Second, time.Second, system.New())
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, 0))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, 1))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestPunishThenWaitBlocksForTimeout(t *testing.T) {
	t.Parallel()

	const timeout = 120 * time.Millisecond
	l := New(10*time.Millisecond, timeout, system.New())

	l.Punish(2)
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), 2))
	assert.GreaterOrEqual(t, time.Since(start), timeout-5*time.Millisecond)
}

func TestPunishAppliesEvenWhenShorterThanWait(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(time.Minute, time.Second, fixedClock{now: fixed})

	require.NoError(t, l.Wait(context.Background(), 0))
	require.Equal(t, fixed.Add(time.Minute), l.EligibleAt(0))

	l.Punish(0)
	assert.Equal(t, fixed.Add(time.Second), l.EligibleAt(0))
}

func TestConcurrentWaitersNeverShareASlot(t *testing.T) {
	t.Parallel()

	const (
		interval = 30 * time.Millisecond
		waiters  = 4
	)
	l := New(interval, time.Second, system.New())

	var (
		mu      sync.Mutex
		commits []time.Time
		wg      sync.WaitGroup
	)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Wait(context.Background(), 0); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			commits = append(commits, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, commits, waiters)
	first, last := commits[0], commits[0]
	for _, c := range commits {
		if c.Before(first) {
			first = c
		}
		if c.After(last) {
			last = c
		}
	}
	assert.GreaterOrEqual(t, last.Sub(first), time.Duration(waiters-1)*interval-10*time.Millisecond)
}

func TestWaitHonorsCancellation(t *testing.T) {
	t.Parallel()

	l := New(10*time.Millisecond, 10*time.Second, system.New())
	l.Punish(0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := l.Wait(ctx, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), time.Second)
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func TestNewClampsNegativeDurations(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(-time.Second, -time.Minute, fixedClock{now: fixed})

	require.NoError(t, l.Wait(context.Background(), 0))
	assert.Equal(t, fixed, l.EligibleAt(0))

	l.Punish(1)
	assert.Equal(t, fixed, l.EligibleAt(1), "a punished gateway is never scheduled in the past")
	require.NoError(t, l.Wait(context.Background(), 1))
}
