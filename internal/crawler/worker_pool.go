package crawler

import (
	"context"
	"errors"
	"sync"
)

type job func(ctx context.Context)

// WorkerPool runs crawl jobs on a fixed set of goroutines. The limit caps how many jobs run at
// once and can be changed while the pool runs; the crawl starts narrow and widens after bootstrap.
type WorkerPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup

	mu      sync.Mutex
	size    int
	limit   int
	active  int
	changed chan struct{}
}

// NewWorkerPool creates a pool of size workers of which at most limit run at once.
func NewWorkerPool(parent context.Context, size, limit int) (*WorkerPool, error) {
	if size <= 0 || limit <= 0 {
		return nil, errors.New("worker pool requires positive size and limit")
	}
	ctx, cancel := context.WithCancel(parent)
	pool := &WorkerPool{
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(chan job, size),
		size:    size,
		limit:   min(limit, size),
		changed: make(chan struct{}),
	}
	pool.start(size)
	return pool, nil
}

func (p *WorkerPool) start(size int) {
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			// Jobs accepted by Go always run, with a cancelled context after shutdown,
			// so every taken slot is released.
			for job := range p.jobs {
				job(p.ctx)
				p.Release()
			}
		}()
	}
}

// Acquire blocks until a slot under the current limit is free and takes it.
func (p *WorkerPool) Acquire(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.active < p.limit {
			p.active++
			p.mu.Unlock()
			return nil
		}
		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.ctx.Done():
			return p.ctx.Err()
		}
	}
}

// Release frees a slot taken by Acquire. Workers release automatically after a job.
func (p *WorkerPool) Release() {
	p.mu.Lock()
	if p.active > 0 {
		p.active--
	}
	p.notifyLocked()
	p.mu.Unlock()
}

// Go runs fn on a slot already taken with Acquire.
func (p *WorkerPool) Go(fn job) error {
	select {
	case <-p.ctx.Done():
		p.Release()
		return p.ctx.Err()
	case p.jobs <- fn:
		return nil
	}
}

// SetLimit changes how many jobs may run at once. It is capped at the pool size.
func (p *WorkerPool) SetLimit(limit int) {
	if limit <= 0 {
		limit = 1
	}
	p.mu.Lock()
	p.limit = min(limit, p.size)
	p.notifyLocked()
	p.mu.Unlock()
}

// Limit returns the current limit.
func (p *WorkerPool) Limit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit
}

// Active returns the number of taken slots.
func (p *WorkerPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Wait blocks until every slot is free or ctx ends.
func (p *WorkerPool) Wait(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.active == 0 {
			p.mu.Unlock()
			return nil
		}
		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *WorkerPool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Close cancels the pool context and waits for the workers. Jobs still queued run with the
// cancelled context.
func (p *WorkerPool) Close() {
	p.cancel()
	close(p.jobs)
	p.wg.Wait()
}
