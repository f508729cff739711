package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

var ErrPoolClosed = errors.New("worker pool closed")

// Pool bounds how many blocking partner SDK calls run at once.
type Pool struct {
	workers chan struct{}
	wg      sync.WaitGroup
	closed  bool
	mu      sync.Mutex
	running atomic.Int64
	done    atomic.Uint64
}

// NewPool creates a pool with the given number of worker slots.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{workers: make(chan struct{}, workers)}
}

// Submit runs fn on a worker once a slot frees up. It gives up waiting for
// a slot when ctx is done; fn itself is never interrupted.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	select {
	case p.workers <- struct{}{}: // Acquire worker slot
	case <-ctx.Done():
		p.wg.Done()
		return ctx.Err()
	}

	p.running.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.workers }() // Release worker slot
		defer p.running.Add(-1)
		defer p.done.Add(1)
		defer func() {
			if r := recover(); r != nil {
				slog.Error("worker panic", "panic", r)
			}
		}()
		fn()
	}()
	return nil
}

// Running returns the number of calls currently executing.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Completed returns how many submitted calls have finished.
func (p *Pool) Completed() uint64 {
	return p.done.Load()
}

func (p *Pool) Size() int {
	return cap(p.workers)
}

// Close rejects new work and waits for in-flight calls.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

// CallSync runs a blocking partner call on the broker's worker pool and
// waits for it. Failures, including panics, come back wrapped in
// *common.BrokerOperationError.
func CallSync[T any](ctx context.Context, b *Base, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	var zero T

	run := func() (r result) {
		defer func() {
			if p := recover(); p != nil {
				r = result{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		v, err := fn()
		return result{val: v, err: err}
	}

	if b.pool == nil {
		r := run()
		if r.err != nil {
			return zero, b.Wrap(r.err)
		}
		return r.val, nil
	}

	out := make(chan result, 1)
	if err := b.pool.Submit(ctx, func() { out <- run() }); err != nil {
		return zero, b.Wrap(err)
	}
	select {
	case r := <-out:
		if r.err != nil {
			return zero, b.Wrap(r.err)
		}
		return r.val, nil
	case <-ctx.Done():
		return zero, b.Wrap(ctx.Err())
	}
}

// CallAsync runs a context-aware partner call inline, wrapping its failure.
func CallAsync[T any](ctx context.Context, b *Base, fn func(context.Context) (T, error)) (T, error) {
	v, err := fn(ctx)
	if err != nil {
		var zero T
		return zero, b.Wrap(err)
	}
	return v, nil
}
