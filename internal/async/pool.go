// Package async runs pipeline jobs on a bounded worker pool and owns the
// periodic housekeeping sweep.
package async

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProcessFunc is the job body the pool runs, normally the orchestrator's
// ProcessJob.
type ProcessFunc func(ctx context.Context, id uuid.UUID) error

type Option func(*Pool)

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithProcessTimeout bounds a single job run end to end, on top of the
// orchestrator's per-stage deadlines.
func WithProcessTimeout(d time.Duration) Option {
	return func(p *Pool) {
		p.timeout = d
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// Pool fans queued job ids out to a fixed set of workers. Submission is
// non-blocking: a full queue sheds load and the housekeeping sweep
// re-dispatches anything left behind in QUEUED.
type Pool struct {
	process   ProcessFunc
	queue     chan uuid.UUID
	workers   int
	queueSize int
	timeout   time.Duration
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool(process ProcessFunc, opts ...Option) *Pool {
	p := &Pool{
		process:   process,
		workers:   4,
		queueSize: 256,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.queue = make(chan uuid.UUID, p.queueSize)
	return p
}

// Start launches the workers. ctx is the base context for job runs;
// canceling it aborts in-flight work.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("worker pool started", "workers", p.workers, "queue_size", p.queueSize)
}

func (p *Pool) worker(ctx context.Context, n int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(ctx, id)
		}
	}
}

func (p *Pool) run(ctx context.Context, id uuid.UUID) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	// failures are settled and logged inside the job body
	if err := p.process(ctx, id); err != nil {
		p.logger.Debug("job run returned error", "job_id", id, "error", err)
	}
}

// Submit enqueues a job id without blocking. False means the queue is
// full (or the pool is shutting down) and the job stays in QUEUED until
// the next sweep picks it up.
func (p *Pool) Submit(id uuid.UUID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- id:
		return true
	default:
		p.logger.Warn("worker queue full, job deferred to sweep", "job_id", id)
		return false
	}
}

// Shutdown stops intake and waits for the workers to drain the queue, up
// to ctx's deadline.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
