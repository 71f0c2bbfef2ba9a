// Package ratelimit caps request rate per target host, independent of how
// many gateways the requests are spread across.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/gateway-dispatcher/internal/metrics"
)

// Limiter manages per-host token buckets.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	metrics  *metrics.Collectors
}

// Config holds rate limiter configuration. RPS <= 0 disables the cap.
type Config struct {
	RPS   float64
	Burst int
}

// New creates a new Limiter. m may be nil.
func New(cfg Config, m *metrics.Collectors) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
		metrics:  m,
	}
}

// Enabled reports whether the limiter actually caps anything.
func (l *Limiter) Enabled() bool {
	return l != nil && l.rate != rate.Inf
}

// Wait blocks until a token is available for the host of target.
func (l *Limiter) Wait(ctx context.Context, target string) error {
	if !l.Enabled() {
		return nil
	}
	host := metrics.SanitizeSite(target)
	l.mu.Lock()
	limiter, exists := l.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("host rate limit wait for %s: %w", host, err)
	}
	l.metrics.ObserveHostDelay(host, time.Since(start))
	return nil
}
