// Package app builds and holds the long-lived services one gatewayctl run
// needs: logger, gateway pool, pacing ledger, dispatcher and metrics.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/gateway-dispatcher/internal/clock/system"
	"github.com/JakeFAU/gateway-dispatcher/internal/config"
	"github.com/JakeFAU/gateway-dispatcher/internal/dispatcher"
	"github.com/JakeFAU/gateway-dispatcher/internal/download"
	"github.com/JakeFAU/gateway-dispatcher/internal/health"
	"github.com/JakeFAU/gateway-dispatcher/internal/id/uuid"
	"github.com/JakeFAU/gateway-dispatcher/internal/logging"
	"github.com/JakeFAU/gateway-dispatcher/internal/metrics"
	"github.com/JakeFAU/gateway-dispatcher/internal/pacing"
	"github.com/JakeFAU/gateway-dispatcher/internal/policy/ratelimit"
	"github.com/JakeFAU/gateway-dispatcher/internal/proxy"
	"github.com/JakeFAU/gateway-dispatcher/internal/storage/local"
	"github.com/JakeFAU/gateway-dispatcher/internal/worker"
)

// App is the dependency container for one run. There is no process-wide
// instance; commands receive it explicitly.
type App struct {
	cfg        config.Config
	runID      string
	logger     *zap.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Collectors
	pool       *proxy.Pool
	creds      dispatcher.Credentials
	dispatcher *dispatcher.Dispatcher
	ids        *uuid.Generator

	stopMetrics context.CancelFunc
	metricsDone chan struct{}
	closeOnce   sync.Once
}

// New wires every service from cfg. It does not probe the gateways; call
// CheckHealth for that.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development)
		if err != nil {
			return nil, err
		}
	}
	ids := uuid.New()
	runID := ids.MustID()
	logger = logger.With(zap.String("run_id", runID))

	creds, err := dispatcher.ParseCredentials(cfg.Proxy.Auth)
	if err != nil {
		return nil, err
	}
	pool, err := proxy.LoadFile(cfg.Proxy.ListFile, cfg.Proxy.Port)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	collectors, err := metrics.New(registry)
	if err != nil {
		return nil, err
	}
	collectors.SetPoolSize(pool.Size())

	ledger := pacing.New(cfg.Proxy.WaitInterval, cfg.Proxy.Timeout, system.New())
	hosts := ratelimit.New(ratelimit.Config{RPS: cfg.Proxy.HostRPS, Burst: cfg.Proxy.HostBurst}, collectors)
	d, err := dispatcher.New(
		dispatcher.Config{Timeout: cfg.Proxy.Timeout, Credentials: creds},
		pool,
		ledger,
		dispatcher.WithLogger(logger.Named("dispatcher")),
		dispatcher.WithMetrics(collectors),
		dispatcher.WithHostLimiter(hosts),
	)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:        cfg,
		runID:      runID,
		logger:     logger,
		registry:   registry,
		metrics:    collectors,
		pool:       pool,
		creds:      creds,
		dispatcher: d,
		ids:        ids,
	}
	logger.Info("gateway pool loaded",
		zap.String("list_file", cfg.Proxy.ListFile),
		zap.Int("proxies", pool.Size()),
		zap.Duration("timeout", cfg.Proxy.Timeout),
		zap.Duration("wait_interval", cfg.Proxy.WaitInterval),
	)

	if cfg.Metrics.ListenAddr != "" {
		a.startMetrics(ctx)
	}
	return a, nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the run-scoped logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Dispatcher returns the shared dispatcher.
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatcher }

// Pool returns the gateway pool.
func (a *App) Pool() *proxy.Pool { return a.pool }

// Registry exposes the metrics registry.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// CheckHealth probes every gateway and drops the ones that fail. It must run
// before any dispatch since removal shifts pool indices.
func (a *App) CheckHealth(ctx context.Context) (map[int]struct{}, error) {
	checker := health.New(a.pool, nil, a.creds,
		health.WithProbeTimeout(a.cfg.Health.Timeout),
		health.WithLogger(a.logger.Named("health")),
		health.WithMetrics(a.metrics),
	)
	removed, err := checker.Check(ctx, a.cfg.Health.Concurrency)
	if err != nil {
		return removed, fmt.Errorf("check gateways: %w", err)
	}
	return removed, nil
}

// Downloader builds a worker pool writing into the configured output dir.
func (a *App) Downloader() (*worker.Pool, error) {
	store, err := local.New(local.Config{BaseDir: a.cfg.Download.OutputDir})
	if err != nil {
		return nil, fmt.Errorf("open output dir: %w", err)
	}
	coordinator := download.NewCoordinator(a.dispatcher, store, download.Config{
		ChunkSize: a.cfg.Download.ChunkSize,
		NoSplit:   a.cfg.Download.NoSplit,
		Retry:     a.cfg.RetryPolicy(),
	}, a.logger.Named("download"), a.metrics)

	workers := worker.Concurrency(a.cfg.Download.Workers, a.pool.Size())
	a.logger.Info("download workers ready", zap.Int("workers", workers), zap.String("output_dir", a.cfg.Download.OutputDir))
	return worker.New(coordinator, a.ids, worker.Config{
		Concurrency: workers,
		QueueDepth:  a.cfg.Download.QueueDepth,
	}, a.logger.Named("worker"), a.metrics), nil
}

// Close stops the metrics listener and flushes the logger.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.stopMetrics != nil {
			a.stopMetrics()
			<-a.metricsDone
		}
		// Sync on stderr reports EINVAL on some platforms; nothing to do about it.
		_ = a.logger.Sync()
	})
}

func (a *App) startMetrics(ctx context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stopMetrics = cancel
	a.metricsDone = make(chan struct{})
	go func() {
		defer close(a.metricsDone)
		err := metrics.Serve(ctx, a.cfg.Metrics.ListenAddr, metrics.Handler(a.registry), a.logger.Named("metrics"))
		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("metrics listener failed", zap.Error(err))
		}
	}()
}
