// Package pacing tracks when each gateway may next be used.
package pacing

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Clock returns the current time. Wait sleeps on real timers for the gap it
// reads from the Clock, so implementations must advance with wall time; a
// frozen clock is only suitable for code paths that never block.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Ledger maps a pool index to the earliest time that gateway may be used
// again. A missing entry means the gateway is eligible immediately.
type Ledger struct {
	mu       sync.Mutex
	eligible map[int]time.Time
	wait     time.Duration
	timeout  time.Duration
	clock    Clock
}

// New builds a Ledger. wait is the minimum spacing between two requests on
// the same gateway; timeout is how long a punished gateway is held back.
// Negative durations are treated as zero.
func New(wait, timeout time.Duration, clock Clock) *Ledger {
	if clock == nil {
		clock = wallClock{}
	}
	wait = max(wait, 0)
	timeout = max(timeout, 0)
	return &Ledger{
		eligible: make(map[int]time.Time),
		wait:     wait,
		timeout:  timeout,
		clock:    clock,
	}
}

// Wait blocks until idx is eligible and then commits the slot, pushing the
// next eligibility out by the wait interval. The check and the commit happen
// under one lock so two callers never share a slot.
func (l *Ledger) Wait(ctx context.Context, idx int) error {
	for {
		l.mu.Lock()
		now := l.clock.Now()
		until := l.eligible[idx]
		if !now.Before(until) {
			l.eligible[idx] = now.Add(l.wait)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		timer := time.NewTimer(until.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("pacing wait for proxy %d: %w", idx, ctx.Err())
		case <-timer.C:
		}
	}
}

// Punish holds idx back for the configured timeout, replacing whatever
// eligibility was scheduled before.
func (l *Ledger) Punish(idx int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eligible[idx] = l.clock.Now().Add(l.timeout)
}

// EligibleAt reports when idx may next be used. The zero time means now.
func (l *Ledger) EligibleAt(idx int) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.eligible[idx]
}
