// Package workpool runs background tasks (log reads, filtering, inventory encoding) on a
// fixed set of goroutines so they never run on the world-mutation goroutine.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
)

var ErrClosed = errors.New("worker pool closed")

type Pool struct {
	tasks  chan func()
	logger *log.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	once   sync.Once

	completed atomic.Uint64
	panicked  atomic.Uint64
}

func New(workers, queueSize int, logger *log.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = workers * 16
	}
	p := &Pool{tasks: make(chan func(), queueSize), logger: logger}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for fn := range p.tasks {
				p.run(fn)
			}
		}()
	}
	return p
}

func (p *Pool) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			if p.logger != nil {
				p.logger.Printf("workpool task panic: %v", r)
			}
		}
	}()
	fn()
	p.completed.Add(1)
}

// Submit queues fn, blocking while the queue is full until ctx is done.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.tasks <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()
		p.wg.Wait()
	})
}

type Stats struct {
	QueueDepth int
	Completed  uint64
	Panicked   uint64
}

func (p *Pool) Stats() Stats {
	return Stats{QueueDepth: len(p.tasks), Completed: p.completed.Load(), Panicked: p.panicked.Load()}
}

// Do runs fn on the pool and waits for its result. A nil pool runs fn inline.
func Do[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) (T, error) {
	if p == nil {
		return fn(ctx)
	}
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	err := p.Submit(ctx, func() {
		var r result
		defer func() {
			if rec := recover(); rec != nil {
				r.err = fmt.Errorf("task panic: %v", rec)
			}
			done <- r
		}()
		r.v, r.err = fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
