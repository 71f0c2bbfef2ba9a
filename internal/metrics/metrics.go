// Package metrics exposes Prometheus collectors for gateway dispatch,
// health checking and downloads.
package metrics

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request outcomes recorded by ObserveRequest.
const (
	OutcomeOK          = "ok"
	OutcomeTransport   = "transport_error"
	OutcomeRateLimited = "rate_limited"
	OutcomeCanceled    = "canceled"
)

// Collectors owns every metric the dispatcher stack records. All methods are
// safe to call on a nil receiver so components can run without metrics.
type Collectors struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	punishments     *prometheus.CounterVec
	pacingDelay     prometheus.Histogram
	hostDelay       *prometheus.HistogramVec
	healthFailures  prometheus.Counter
	poolSize        prometheus.Gauge
	downloads       *prometheus.CounterVec
	downloadBytes   prometheus.Counter
	chunkRetries    prometheus.Counter
	activeWorkers   prometheus.Gauge
}

// New registers the collectors against reg, defaulting to the global registry.
func New(reg prometheus.Registerer) (*Collectors, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collectors{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Gateway requests partitioned by operation and outcome.",
		}, []string{"op", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Time to response headers per gateway operation.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}, []string{"op"}),
		punishments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_punishments_total",
			Help: "Gateways held back after a failure, partitioned by reason.",
		}, []string{"reason"}),
		pacingDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_pacing_delay_seconds",
			Help:    "Time spent waiting for a gateway to become eligible.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
		hostDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_host_rate_limit_delay_seconds",
			Help:    "Time spent waiting on the per-target-host rate cap.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"host"}),
		healthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_health_failures_total",
			Help: "Gateways that failed a health probe.",
		}),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_pool_size",
			Help: "Gateways currently in the pool.",
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_downloads_total",
			Help: "Downloads partitioned by result.",
		}, []string{"result"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_download_bytes_total",
			Help: "Verified bytes written to disk.",
		}),
		chunkRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_chunk_retries_total",
			Help: "Ranged fetch attempts that had to be repeated.",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_workers",
			Help: "Download workers currently processing a job.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		c.requests,
		c.requestDuration,
		c.punishments,
		c.pacingDelay,
		c.hostDelay,
		c.healthFailures,
		c.poolSize,
		c.downloads,
		c.downloadBytes,
		c.chunkRetries,
		c.activeWorkers,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register gateway collector: %w", err)
		}
	}
	return c, nil
}

// ObserveRequest records one gateway call.
func (c *Collectors) ObserveRequest(op, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(op, outcome).Inc()
	if d > 0 {
		c.requestDuration.WithLabelValues(op).Observe(d.Seconds())
	}
}

// ObservePunishment records a gateway being held back.
func (c *Collectors) ObservePunishment(reason string) {
	if c == nil {
		return
	}
	c.punishments.WithLabelValues(reason).Inc()
}

// ObservePacingDelay records time spent in the pacing ledger.
func (c *Collectors) ObservePacingDelay(d time.Duration) {
	if c == nil || d <= time.Millisecond {
		return
	}
	c.pacingDelay.Observe(d.Seconds())
}

// ObserveHostDelay records time spent on the per-host rate cap.
func (c *Collectors) ObserveHostDelay(host string, d time.Duration) {
	if c == nil || d <= time.Millisecond {
		return
	}
	c.hostDelay.WithLabelValues(SanitizeSite(host)).Observe(d.Seconds())
}

// ObserveHealthFailure counts a failed probe.
func (c *Collectors) ObserveHealthFailure() {
	if c == nil {
		return
	}
	c.healthFailures.Inc()
}

// SetPoolSize publishes the current pool size.
func (c *Collectors) SetPoolSize(n int) {
	if c == nil {
		return
	}
	c.poolSize.Set(float64(n))
}

// ObserveDownload counts a finished download by result.
func (c *Collectors) ObserveDownload(result string) {
	if c == nil {
		return
	}
	c.downloads.WithLabelValues(result).Inc()
}

// AddDownloadBytes counts verified bytes written.
func (c *Collectors) AddDownloadBytes(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.downloadBytes.Add(float64(n))
}

// ObserveChunkRetry counts a repeated ranged fetch.
func (c *Collectors) ObserveChunkRetry() {
	if c == nil {
		return
	}
	c.chunkRetries.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func (c *Collectors) IncActiveWorkers() {
	if c == nil {
		return
	}
	c.activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func (c *Collectors) DecActiveWorkers() {
	if c == nil {
		return
	}
	c.activeWorkers.Dec()
}

// SanitizeSite extracts a lowercase hostname from a URL or bare host.
// It returns "unknown" if nothing usable is found.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
