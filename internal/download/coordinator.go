// Package download fetches large files through the gateway pool in ranged
// chunks, verifying every chunk and resuming from what is already on disk.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/gateway-dispatcher/internal/dispatcher"
	"github.com/JakeFAU/gateway-dispatcher/internal/logging"
	"github.com/JakeFAU/gateway-dispatcher/internal/metrics"
	"github.com/JakeFAU/gateway-dispatcher/internal/retry"
)

// DefaultChunkSize is the split size used when none is configured.
const DefaultChunkSize = 1_000_000

var (
	// ErrSizeMismatch reports a chunk or file whose length differs from what was expected.
	ErrSizeMismatch = errors.New("size mismatch")
	// ErrSizeUnavailable reports that no gateway could tell the file size.
	ErrSizeUnavailable = errors.New("file size unavailable")
	// ErrUnexpectedStatus reports a ranged or raw fetch answered with neither 200 nor 206.
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// Source is the subset of the dispatcher a download needs.
type Source interface {
	FileSize(ctx context.Context, target string) (int64, error)
	FetchRange(ctx context.Context, target string, start, end int64) (*http.Response, error)
	RawFetch(ctx context.Context, target string) (*http.Response, error)
}

// Sink stores downloaded bytes by name.
type Sink interface {
	Size(name string) (int64, error)
	Append(name string) (io.WriteCloser, error)
	Create(name string) (io.WriteCloser, error)
	Truncate(name string, size int64) error
	Remove(name string) error
}

// Config tunes a Coordinator.
type Config struct {
	ChunkSize int64
	// NoSplit fetches the whole file with one raw request instead of ranges.
	NoSplit bool
	Retry   retry.Policy
}

// Job names one file to download. An empty Name is derived from the URL.
type Job struct {
	ID   string
	URL  string
	Name string
}

// Result describes a finished download.
type Result struct {
	URL  string
	Name string
	Size int64
	// Written counts bytes written during this call.
	Written int64
	Resumed bool
	Skipped bool
}

// Coordinator runs downloads. It is safe for concurrent use; downloads that
// resolve to the same name run one after another, so a later one finds the
// earlier result on disk.
type Coordinator struct {
	src     Source
	sink    Sink
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collectors
	names   nameLocks
}

// nameLocks serializes work per file name. Entries live only while held or
// awaited.
type nameLocks struct {
	mu   sync.Mutex
	held map[string]*nameLock
}

type nameLock struct {
	sem  chan struct{}
	refs int
}

func (n *nameLocks) acquire(ctx context.Context, name string) (func(), error) {
	n.mu.Lock()
	if n.held == nil {
		n.held = make(map[string]*nameLock)
	}
	l, ok := n.held[name]
	if !ok {
		l = &nameLock{sem: make(chan struct{}, 1)}
		n.held[name] = l
	}
	l.refs++
	n.mu.Unlock()

	drop := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(n.held, name)
		}
	}
	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			drop()
		}, nil
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

// NewCoordinator builds a Coordinator. logger and m may be nil.
func NewCoordinator(src Source, sink Sink, cfg Config, logger *zap.Logger, m *metrics.Collectors) *Coordinator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Coordinator{
		src:     src,
		sink:    sink,
		cfg:     cfg,
		logger:  logging.OrNop(logger),
		metrics: m,
	}
}

// NameFor derives a file name from the last path segment of target.
func NameFor(target string) string {
	u, err := url.Parse(target)
	if err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			return base
		}
		if u.Hostname() != "" {
			return u.Hostname()
		}
	}
	return strings.NewReplacer("/", "_", ":", "_", "?", "_").Replace(target)
}

// Download fetches job.URL into the sink. A file whose length already equals
// the remote size is skipped; a longer one is discarded and fetched again.
func (c *Coordinator) Download(ctx context.Context, job Job) (Result, error) {
	name := job.Name
	if name == "" {
		name = NameFor(job.URL)
	}
	res := Result{URL: job.URL, Name: name}
	log := c.logger.With(zap.String("url", job.URL), zap.String("name", name))
	if job.ID != "" {
		log = log.With(zap.String("job_id", job.ID))
	}

	release, err := c.names.acquire(ctx, name)
	if err != nil {
		c.metrics.ObserveDownload("canceled")
		return res, fmt.Errorf("download %s: %w", job.URL, err)
	}
	defer release()

	res, err = c.download(ctx, job.URL, res, log)
	switch {
	case err == nil && res.Skipped:
		c.metrics.ObserveDownload("skipped")
		log.Info("already complete", zap.Int64("size", res.Size))
	case err == nil:
		c.metrics.ObserveDownload("succeeded")
		log.Info("download complete",
			zap.Int64("size", res.Size),
			zap.Int64("written", res.Written),
			zap.Bool("resumed", res.Resumed),
		)
	case ctx.Err() != nil:
		c.metrics.ObserveDownload("canceled")
		return res, fmt.Errorf("download %s: %w", job.URL, ctx.Err())
	default:
		c.metrics.ObserveDownload("failed")
		log.Warn("download failed", zap.Error(err))
	}
	return res, err
}

func (c *Coordinator) download(ctx context.Context, target string, res Result, log *zap.Logger) (Result, error) {
	size, err := retry.Value(ctx, c.policy(log, "size"), func(ctx context.Context) (int64, error) {
		return c.src.FileSize(ctx, target)
	})
	if err != nil {
		if ctx.Err() != nil {
			return res, err
		}
		return res, fmt.Errorf("%w: %s: %w", ErrSizeUnavailable, target, err)
	}
	res.Size = size

	existing, err := c.sink.Size(res.Name)
	if err != nil {
		return res, fmt.Errorf("inspect %s: %w", res.Name, err)
	}
	switch {
	case existing == size && size > 0:
		res.Skipped = true
		return res, nil
	case existing > size:
		log.Info("discarding oversized partial file", zap.Int64("existing", existing), zap.Int64("size", size))
		if err := c.sink.Remove(res.Name); err != nil {
			return res, err
		}
		existing = 0
	}

	if size == 0 {
		w, err := c.sink.Create(res.Name)
		if err != nil {
			return res, err
		}
		return res, w.Close()
	}
	if c.cfg.NoSplit {
		return c.whole(ctx, target, res, log)
	}
	return c.chunked(ctx, target, res, existing, log)
}

func (c *Coordinator) chunked(ctx context.Context, target string, res Result, existing int64, log *zap.Logger) (Result, error) {
	res.Resumed = existing > 0
	verified := existing
	for _, chunk := range Plan(res.Size, c.cfg.ChunkSize, existing) {
		err := retry.Do(ctx, c.policy(log, "chunk"), func(ctx context.Context) error {
			return c.fetchChunk(ctx, target, res.Name, chunk)
		})
		if err != nil {
			c.rollback(res.Name, verified, log)
			if ctx.Err() != nil {
				return res, err
			}
			return res, fmt.Errorf("chunk [%d, %d): %w", chunk.Start, chunk.End, err)
		}
		verified = chunk.End
		res.Written += chunk.Width()
		c.metrics.AddDownloadBytes(chunk.Width())
	}
	return res, c.verifyFinal(res)
}

// fetchChunk appends chunk to name only once its whole body has been read and
// its length matches the chunk width.
func (c *Coordinator) fetchChunk(ctx context.Context, target, name string, chunk Chunk) error {
	resp, err := c.src.FetchRange(ctx, target, chunk.Start, chunk.End-1)
	if err != nil {
		if errors.Is(err, dispatcher.ErrInvalidRange) {
			return retry.Permanent(err)
		}
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	width := chunk.Width()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	if resp.ContentLength != width {
		return fmt.Errorf("%w: content length %d, want %d", ErrSizeMismatch, resp.ContentLength, width)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, width+1))
	if err != nil {
		return fmt.Errorf("read chunk body: %w", err)
	}
	if int64(len(data)) != width {
		return fmt.Errorf("%w: body length %d, want %d", ErrSizeMismatch, len(data), width)
	}

	w, err := c.sink.Append(name)
	if err != nil {
		return retry.Permanent(err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		_ = c.sink.Truncate(name, chunk.Start)
		return retry.Permanent(fmt.Errorf("write chunk: %w", err))
	}
	if err := w.Close(); err != nil {
		_ = c.sink.Truncate(name, chunk.Start)
		return retry.Permanent(fmt.Errorf("close %s: %w", name, err))
	}
	return nil
}

// whole rewrites name from a single raw fetch.
func (c *Coordinator) whole(ctx context.Context, target string, res Result, log *zap.Logger) (Result, error) {
	err := retry.Do(ctx, c.policy(log, "raw"), func(ctx context.Context) error {
		return c.fetchWhole(ctx, target, res.Name, res.Size)
	})
	if err != nil {
		if removeErr := c.sink.Remove(res.Name); removeErr != nil {
			log.Error("remove incomplete file", zap.Error(removeErr))
		}
		return res, err
	}
	res.Written = res.Size
	c.metrics.AddDownloadBytes(res.Size)
	return res, c.verifyFinal(res)
}

func (c *Coordinator) fetchWhole(ctx context.Context, target, name string, size int64) error {
	resp, err := c.src.RawFetch(ctx, target)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	if resp.ContentLength >= 0 && resp.ContentLength != size {
		return fmt.Errorf("%w: content length %d, want %d", ErrSizeMismatch, resp.ContentLength, size)
	}

	w, err := c.sink.Create(name)
	if err != nil {
		return retry.Permanent(err)
	}
	n, copyErr := io.Copy(w, io.LimitReader(resp.Body, size+1))
	closeErr := w.Close()
	switch {
	case copyErr != nil:
		return fmt.Errorf("read body: %w", copyErr)
	case closeErr != nil:
		return retry.Permanent(fmt.Errorf("close %s: %w", name, closeErr))
	case n != size:
		return fmt.Errorf("%w: body length %d, want %d", ErrSizeMismatch, n, size)
	}
	return nil
}

// rollback cuts name back to its last verified length so a later run resumes
// from there.
func (c *Coordinator) rollback(name string, verified int64, log *zap.Logger) {
	var err error
	if verified == 0 {
		err = c.sink.Remove(name)
	} else {
		err = c.sink.Truncate(name, verified)
	}
	if err != nil {
		log.Error("roll back to last verified length", zap.Int64("length", verified), zap.Error(err))
	}
}

func (c *Coordinator) verifyFinal(res Result) error {
	final, err := c.sink.Size(res.Name)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", res.Name, err)
	}
	if final != res.Size {
		if removeErr := c.sink.Remove(res.Name); removeErr != nil {
			c.logger.Error("remove mismatched file", zap.String("name", res.Name), zap.Error(removeErr))
		}
		return fmt.Errorf("%w: %s is %d bytes, want %d", ErrSizeMismatch, res.Name, final, res.Size)
	}
	return nil
}

func (c *Coordinator) policy(log *zap.Logger, stage string) retry.Policy {
	p := c.cfg.Retry
	p.OnRetry = func(attempt uint, err error) {
		if stage == "chunk" {
			c.metrics.ObserveChunkRetry()
		}
		log.Debug("retrying",
			zap.String("stage", stage),
			zap.Uint("attempt", attempt),
			zap.Error(err),
		)
	}
	return p
}
