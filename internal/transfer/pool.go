package transfer

import (
	"context"
	"log/slog"
	"sync"

	"ecobridge/internal/domain"
)

// Pool is a bounded worker pool for the I/O-bound audit/settle jobs. A full
// queue sheds load with an explicit error instead of spawning threads or
// blocking the request path.
type Pool struct {
	log     *slog.Logger
	queue   chan func()
	quit    chan struct{}
	workers int

	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	closed  bool
}

// NewPool sizes the pool. workers bounds concurrency, queueSize bounds the
// pending backlog.
func NewPool(log *slog.Logger, workers, queueSize int) *Pool {
	return &Pool{
		log:     log.With("component", "audit-pool"),
		queue:   make(chan func(), queueSize),
		quit:    make(chan struct{}),
		workers: workers,
	}
}

// Start launches the workers. They drain the queue until Close is called or
// ctx is cancelled, then finish whatever is already queued.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					p.drain()
					return
				case <-p.quit:
					p.drain()
					return
				case job := <-p.queue:
					job()
				}
			}
		}()
	}
	p.log.Info("audit pool started", "workers", p.workers, "queue", cap(p.queue))
}

// drain finishes already-queued jobs so accepted transfers are not lost
// mid-shutdown.
func (p *Pool) drain() {
	for {
		select {
		case job := <-p.queue:
			job()
		default:
			return
		}
	}
}

// Submit enqueues a job. Returns domain.ErrAuditQueueFull when the queue is
// at capacity and domain.ErrShuttingDown after Close.
func (p *Pool) Submit(job func()) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return domain.ErrShuttingDown
	}

	select {
	case p.queue <- job:
		return nil
	default:
		return domain.ErrAuditQueueFull
	}
}

// Close refuses further submissions and waits for the workers to finish
// the queued jobs.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()
	p.wg.Wait()
}
