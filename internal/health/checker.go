// Package health probes every gateway in the pool and removes the ones that
// do not answer.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/gateway-dispatcher/internal/dispatcher"
	"github.com/JakeFAU/gateway-dispatcher/internal/metrics"
	"github.com/JakeFAU/gateway-dispatcher/internal/proxy"
)

// DefaultProbeTimeout bounds a single probe.
const DefaultProbeTimeout = 5 * time.Second

// Checker probes gateways concurrently.
type Checker struct {
	pool         *proxy.Pool
	client       *http.Client
	creds        dispatcher.Credentials
	probeTimeout time.Duration
	logger       *zap.Logger
	metrics      *metrics.Collectors
}

// Option customizes a Checker.
type Option func(*Checker)

// WithProbeTimeout overrides DefaultProbeTimeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.probeTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Checker) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records failures and pool size on m.
func WithMetrics(m *metrics.Collectors) Option {
	return func(c *Checker) {
		c.metrics = m
	}
}

// New builds a Checker. A nil client gets a default bounded by the probe timeout.
func New(pool *proxy.Pool, client *http.Client, creds dispatcher.Credentials, opts ...Option) *Checker {
	c := &Checker{
		pool:         pool,
		client:       client,
		creds:        creds,
		probeTimeout: DefaultProbeTimeout,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = dispatcher.NewHTTPClient(c.probeTimeout)
	}
	return c
}

// Check probes every gateway with at most maxConcurrency probes in flight and
// then removes all failures from the pool in one batch. It returns the
// original indices of the removed gateways. If every gateway fails the pool
// is left untouched and proxy.ErrPoolExhausted is returned.
func (c *Checker) Check(ctx context.Context, maxConcurrency int) (map[int]struct{}, error) {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	endpoints := c.pool.Endpoints()

	var (
		mu     sync.Mutex
		failed = make(map[int]struct{})
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)
	for idx, ep := range endpoints {
		g.Go(func() error {
			if err := c.probe(gctx, ep); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Warn("proxy failed health check",
					zap.Int("proxy_index", idx),
					zap.String("proxy", ep.String()),
					zap.Error(err),
				)
				c.metrics.ObserveHealthFailure()
				mu.Lock()
				failed[idx] = struct{}{}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}

	if len(failed) == len(endpoints) {
		return failed, fmt.Errorf("health check: all %d proxies failed: %w", len(endpoints), proxy.ErrPoolExhausted)
	}
	if err := c.pool.Remove(failed); err != nil {
		return failed, fmt.Errorf("health check: %w", err)
	}
	c.metrics.SetPoolSize(c.pool.Size())
	c.logger.Info("health check complete",
		zap.Int("checked", len(endpoints)),
		zap.Int("removed", len(failed)),
		zap.Int("remaining", c.pool.Size()),
	)
	return failed, nil
}

func (c *Checker) probe(ctx context.Context, ep proxy.Endpoint) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.String(), nil)
	if err != nil {
		return fmt.Errorf("build probe: %w", err)
	}
	req.SetBasicAuth(c.creds.Username, c.creds.Password)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("probe: status %d", resp.StatusCode)
	}
	return nil
}
