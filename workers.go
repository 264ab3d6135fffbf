package mqtt311

import (
	"errors"
	"sync"
)

var (
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrPoolFull   = errors.New("worker pool queue is full")
)

// DefaultWorkerCount is the number of workers a pool starts with when
// no size is given.
const DefaultWorkerCount = 32

// WorkerPool runs submitted jobs on a fixed set of goroutines with a
// bounded queue. Submit blocks when the queue is full, applying
// backpressure to the accept loop.
type WorkerPool struct {
	jobs    chan func()
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	workers int
}

// NewWorkerPool creates and starts a pool with the given number of
// workers. The queue holds twice the worker count.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = DefaultWorkerCount
	}

	p := &WorkerPool{
		jobs:    make(chan func(), workers*2),
		workers: workers,
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for job := range p.jobs {
		job()
	}
}

// Submit enqueues a job, blocking while the queue is full.
// Returns ErrPoolClosed after Shutdown.
func (p *WorkerPool) Submit(job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	p.jobs <- job
	return nil
}

// TrySubmit enqueues a job without blocking.
// Returns ErrPoolFull when the queue is full.
func (p *WorkerPool) TrySubmit(job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrPoolFull
	}
}

// Shutdown stops accepting jobs, drains the queue, and waits for all
// workers to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.jobs)
	p.wg.Wait()
}

// Workers returns the pool size.
func (p *WorkerPool) Workers() int {
	return p.workers
}
