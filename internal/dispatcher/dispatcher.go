// Package dispatcher routes outbound requests through the gateway pool. Every
// call picks the next gateway round robin, waits out its pacing, issues the
// gateway operation and classifies the outcome, holding back gateways that
// fail or report rate limiting.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gateway-dispatcher/internal/metrics"
	"github.com/JakeFAU/gateway-dispatcher/internal/pacing"
	"github.com/JakeFAU/gateway-dispatcher/internal/policy/ratelimit"
	"github.com/JakeFAU/gateway-dispatcher/internal/proxy"
)

// Gateway operations, used as URL paths and metric labels.
const (
	OpFetch    = "get_response"
	OpRawFetch = "get_response_raw"
	OpFileSize = "file_size"
	OpRange    = "filepart"
)

var (
	// ErrUnavailable reports that a gateway could not deliver a usable answer.
	ErrUnavailable = errors.New("gateway unavailable")
	// ErrTransport reports a connection, DNS, TLS or timeout failure.
	ErrTransport = fmt.Errorf("%w: transport failure", ErrUnavailable)
	// ErrRateLimited reports a 429 from the gateway or from its upstream.
	ErrRateLimited = fmt.Errorf("%w: rate limited", ErrUnavailable)
	// ErrInvalidRange reports a byte range with start < 0 or end < start.
	ErrInvalidRange = errors.New("invalid byte range")
)

// Credentials are the Basic-auth pair every gateway expects.
type Credentials struct {
	Username string
	Password string
}

// ParseCredentials splits "user:password" on the first colon.
func ParseCredentials(raw string) (Credentials, error) {
	user, pass, ok := strings.Cut(raw, ":")
	if !ok {
		return Credentials{}, fmt.Errorf("%w: credentials must be user:password", proxy.ErrConfig)
	}
	return Credentials{Username: user, Password: pass}, nil
}

// Config is fixed at construction.
type Config struct {
	// Timeout bounds connecting to a gateway and waiting for its response
	// headers. Streamed bodies are not cut by it.
	Timeout time.Duration
	Credentials
}

// Body is the decoded answer of Fetch.
type Body struct {
	// StatusCode is the upstream status reported by the gateway.
	StatusCode int
	// JSON holds the decoded payload when IsJSON is true.
	JSON   any
	Text   string
	IsJSON bool
}

type envelope struct {
	StatusCode int     `json:"status_code"`
	Success    bool    `json:"success"`
	Response   *string `json:"response"`
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	cfg     Config
	pool    *proxy.Pool
	ledger  *pacing.Ledger
	client  *http.Client
	hosts   *ratelimit.Limiter
	logger  *zap.Logger
	metrics *metrics.Collectors
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the default client. The client's own timeouts apply.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.client = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics records request outcomes on m.
func WithMetrics(m *metrics.Collectors) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithHostLimiter caps request rate per target host before a gateway is picked.
func WithHostLimiter(l *ratelimit.Limiter) Option {
	return func(d *Dispatcher) {
		d.hosts = l
	}
}

// New builds a Dispatcher over pool and ledger.
func New(cfg Config, pool *proxy.Pool, ledger *pacing.Ledger, opts ...Option) (*Dispatcher, error) {
	if pool == nil || ledger == nil {
		return nil, fmt.Errorf("%w: dispatcher needs a pool and a ledger", proxy.ErrConfig)
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive", proxy.ErrConfig)
	}
	d := &Dispatcher{
		cfg:    cfg,
		pool:   pool,
		ledger: ledger,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = NewHTTPClient(cfg.Timeout)
	}
	return d, nil
}

// NewHTTPClient returns a client whose timeout covers dialing, the TLS
// handshake and waiting for response headers, but not reading the body.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
			ExpectContinueTimeout: 1 * time.Second,
			MaxIdleConns:          128,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// Pool returns the pool the dispatcher selects from.
func (d *Dispatcher) Pool() *proxy.Pool {
	return d.pool
}

// Fetch asks a gateway to fetch target and decodes the JSON envelope it
// answers with. The payload is decoded as JSON when possible, else kept as
// text.
func (d *Dispatcher) Fetch(ctx context.Context, target string) (Body, error) {
	resp, idx, err := d.do(ctx, OpFetch, target, "")
	if err != nil {
		return Body{}, err
	}
	defer closeBody(resp)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Body{}, d.bodyFailure(ctx, OpFetch, idx, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Body{}, fmt.Errorf("%w: decode %s envelope from proxy %d: %v", ErrUnavailable, OpFetch, idx, err)
	}
	if env.StatusCode == http.StatusTooManyRequests {
		d.punish(idx, "upstream_rate_limited", OpFetch, target)
	}
	if !env.Success || env.Response == nil {
		if env.StatusCode == http.StatusTooManyRequests {
			return Body{}, fmt.Errorf("%w: upstream of proxy %d answered 429", ErrRateLimited, idx)
		}
		return Body{}, fmt.Errorf("%w: proxy %d reported failure (upstream status %d)", ErrUnavailable, idx, env.StatusCode)
	}
	return decodePayload(env.StatusCode, *env.Response), nil
}

// RawFetch asks a gateway to pass target's response through untouched. The
// caller must close the response body.
func (d *Dispatcher) RawFetch(ctx context.Context, target string) (*http.Response, error) {
	resp, _, err := d.do(ctx, OpRawFetch, target, "")
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// FileSize asks a gateway for the byte length of target.
func (d *Dispatcher) FileSize(ctx context.Context, target string) (int64, error) {
	resp, idx, err := d.do(ctx, OpFileSize, target, "")
	if err != nil {
		return 0, err
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("%w: %s via proxy %d returned status %d", ErrUnavailable, OpFileSize, idx, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return 0, d.bodyFailure(ctx, OpFileSize, idx, err)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("%w: %s via proxy %d answered %q", ErrUnavailable, OpFileSize, idx, raw)
	}
	return size, nil
}

// FetchRange asks a gateway for bytes [start, end] of target, inclusive. The
// response is returned unverified and the caller must close its body.
func (d *Dispatcher) FetchRange(ctx context.Context, target string, start, end int64) (*http.Response, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, start, end)
	}
	extra := "&start=" + strconv.FormatInt(start, 10) + "&end=" + strconv.FormatInt(end, 10)
	resp, _, err := d.do(ctx, OpRange, target, extra)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// do runs the shared dispatch path and returns the response for every status
// except 429, which is turned into ErrRateLimited.
func (d *Dispatcher) do(ctx context.Context, op, target, extra string) (*http.Response, int, error) {
	if err := d.hosts.Wait(ctx, target); err != nil {
		return nil, -1, err
	}
	endpoint, idx, err := d.pool.Next()
	if err != nil {
		return nil, -1, fmt.Errorf("select gateway: %w", err)
	}

	waitStart := time.Now()
	if err := d.ledger.Wait(ctx, idx); err != nil {
		return nil, idx, err
	}
	d.metrics.ObservePacingDelay(time.Since(waitStart))

	reqURL := endpoint.String() + op + "?url=" + url.QueryEscape(target) + extra
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, idx, fmt.Errorf("build %s request: %w", op, err)
	}
	req.SetBasicAuth(d.cfg.Username, d.cfg.Password)

	d.logger.Debug("dispatching",
		zap.String("op", op),
		zap.String("url", target),
		zap.Int("proxy_index", idx),
		zap.String("proxy", endpoint.String()),
	)
	sent := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			d.metrics.ObserveRequest(op, metrics.OutcomeCanceled, 0)
			return nil, idx, fmt.Errorf("%s via proxy %d: %w", op, idx, ctxErr)
		}
		d.metrics.ObserveRequest(op, metrics.OutcomeTransport, time.Since(sent))
		d.punish(idx, "transport", op, target, zap.Error(err))
		return nil, idx, fmt.Errorf("%w: %s via %s: %v", ErrTransport, op, endpoint, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		closeBody(resp)
		d.metrics.ObserveRequest(op, metrics.OutcomeRateLimited, time.Since(sent))
		d.punish(idx, "rate_limited", op, target)
		return nil, idx, fmt.Errorf("%w: %s via %s answered 429", ErrRateLimited, op, endpoint)
	}
	d.metrics.ObserveRequest(op, metrics.OutcomeOK, time.Since(sent))
	return resp, idx, nil
}

// bodyFailure classifies an error while reading a response body.
func (d *Dispatcher) bodyFailure(ctx context.Context, op string, idx int, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s body via proxy %d: %w", op, idx, ctxErr)
	}
	d.punish(idx, "transport", op, "", zap.Error(err))
	return fmt.Errorf("%w: read %s body via proxy %d: %v", ErrTransport, op, idx, err)
}

func (d *Dispatcher) punish(idx int, reason, op, target string, fields ...zap.Field) {
	d.ledger.Punish(idx)
	d.metrics.ObservePunishment(reason)
	fields = append(fields,
		zap.Int("proxy_index", idx),
		zap.String("reason", reason),
		zap.String("op", op),
	)
	if target != "" {
		fields = append(fields, zap.String("url", target))
	}
	d.logger.Warn("proxy held back", fields...)
}

func decodePayload(status int, payload string) Body {
	body := Body{StatusCode: status, Text: payload}
	var v any
	if err := json.Unmarshal([]byte(payload), &v); err == nil {
		body.JSON = v
		body.IsJSON = true
	}
	return body
}

func closeBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
