// Package worker fans download jobs out over a fixed number of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/gateway-dispatcher/internal/download"
	"github.com/JakeFAU/gateway-dispatcher/internal/logging"
	"github.com/JakeFAU/gateway-dispatcher/internal/metrics"
	"github.com/JakeFAU/gateway-dispatcher/internal/queue/memory"
)

// WorkersPerProxy is the default number of workers per gateway in the pool.
const WorkersPerProxy = 3

// ErrNameCollision reports a job whose file name is already taken by a
// different URL in the same batch.
var ErrNameCollision = errors.New("file name already used by another url")

// Downloader runs one job.
type Downloader interface {
	Download(ctx context.Context, job download.Job) (download.Result, error)
}

// IDGenerator assigns ids to jobs that arrive without one.
type IDGenerator interface {
	MustID() string
}

// Config controls Pool behavior.
type Config struct {
	Concurrency int
	QueueDepth  int
}

// Failure pairs a job with the error that ended it.
type Failure struct {
	Job download.Job
	Err error
}

// Summary tallies a run.
type Summary struct {
	Succeeded int
	Skipped   int
	Failed    int
	Bytes     int64
	Failures  []Failure
}

// Pool consumes jobs from a queue and hands each to the Downloader.
type Pool struct {
	downloader Downloader
	ids        IDGenerator
	cfg        Config
	logger     *zap.Logger
	metrics    *metrics.Collectors

	mu      sync.Mutex
	summary Summary
}

// Concurrency resolves the worker count: configured if positive, otherwise
// WorkersPerProxy for every gateway, and never below one.
func Concurrency(configured, poolSize int) int {
	if configured > 0 {
		return configured
	}
	return max(1, poolSize*WorkersPerProxy)
}

// New constructs a Pool. ids, logger and m may be nil.
func New(d Downloader, ids IDGenerator, cfg Config, logger *zap.Logger, m *metrics.Collectors) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = cfg.Concurrency
	}
	return &Pool{
		downloader: d,
		ids:        ids,
		cfg:        cfg,
		logger:     logging.OrNop(logger),
		metrics:    m,
	}
}

// Process queues jobs and runs them to completion. Every job is given its
// resolved file name; repeats of a URL are dropped and a second URL claiming
// the same name fails with ErrNameCollision. Individual failures are
// collected in the Summary; only cancellation is returned as an error.
func (p *Pool) Process(ctx context.Context, jobs []download.Job) (Summary, error) {
	jobs = p.claimNames(jobs)
	q := memory.NewQueue[download.Job](p.cfg.QueueDepth)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer q.Close()
		for _, job := range jobs {
			if job.ID == "" && p.ids != nil {
				job.ID = p.ids.MustID()
			}
			if err := q.Enqueue(gctx, job); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		return p.Run(gctx, q)
	})
	err := g.Wait()
	return p.Summary(), err
}

func (p *Pool) claimNames(jobs []download.Job) []download.Job {
	owners := make(map[string]string, len(jobs))
	unique := make([]download.Job, 0, len(jobs))
	for _, job := range jobs {
		if job.Name == "" {
			job.Name = download.NameFor(job.URL)
		}
		owner, taken := owners[job.Name]
		switch {
		case !taken:
			owners[job.Name] = job.URL
			unique = append(unique, job)
		case owner == job.URL:
			p.logger.Debug("dropping repeated url", zap.String("url", job.URL))
		default:
			err := fmt.Errorf("%w: %s is claimed by %s", ErrNameCollision, job.Name, owner)
			p.logger.Warn("file name collision", zap.String("url", job.URL), zap.String("name", job.Name), zap.String("owner", owner))
			p.record(job, download.Result{URL: job.URL, Name: job.Name}, err)
		}
	}
	return unique
}

// Run blocks, consuming q with the configured number of workers until q is
// closed and drained or ctx ends.
func (p *Pool) Run(ctx context.Context, q *memory.Queue[download.Job]) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		g.Go(func() error {
			return p.work(gctx, q)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	return nil
}

// Summary returns a snapshot of the tallies so far.
func (p *Pool) Summary() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.summary
	s.Failures = append([]Failure(nil), p.summary.Failures...)
	return s
}

func (p *Pool) work(ctx context.Context, q *memory.Queue[download.Job]) error {
	for {
		job, err := q.Dequeue(ctx)
		if errors.Is(err, memory.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		p.logger.Debug("dequeued job", zap.String("job_id", job.ID), zap.String("url", job.URL))

		p.metrics.IncActiveWorkers()
		res, err := p.downloader.Download(ctx, job)
		p.metrics.DecActiveWorkers()
		if err != nil && ctx.Err() != nil {
			return err
		}
		p.record(job, res, err)
	}
}

func (p *Pool) record(job download.Job, res download.Result, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case err != nil:
		p.summary.Failed++
		p.summary.Failures = append(p.summary.Failures, Failure{Job: job, Err: err})
	case res.Skipped:
		p.summary.Skipped++
	default:
		p.summary.Succeeded++
		p.summary.Bytes += res.Written
	}
}
