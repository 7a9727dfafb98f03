// Package pool runs provisioning tasks on a bounded set of goroutines.
// Submitting never blocks the caller; tasks queue behind a semaphore and
// run as soon as a slot frees up.
package pool

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Submit after Shutdown has been called.
var ErrClosed = errors.New("pool is shut down")

// Task is a unit of work.  Every submitted task is called exactly once.
// ctx is cancelled only when the pool is shut down with an expired
// deadline.
type Task func(ctx context.Context)

// Pool is a bounded worker pool.
type Pool struct {
	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Pool that runs at most size tasks concurrently.  A size
// below one is treated as one.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    make(chan struct{}, size),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit schedules task and returns immediately.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-p.ctx.Done():
			// Queued past the shutdown deadline: run with the cancelled
			// context so the task can report its own failure.
		}
		task(p.ctx)
	}()
	return nil
}

// Shutdown stops accepting tasks and waits for queued and running tasks
// to finish.  If ctx expires first, the context of running and queued
// tasks is cancelled and ctx.Err() is returned once they have returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
