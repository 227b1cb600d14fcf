// Package tasks runs fire-and-forget background work on a bounded pool.
package tasks

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"foliocache/internal/logging"
)

// Pool runs at most max tasks at once. Submissions beyond that are dropped.
type Pool struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewPool returns a pool of max concurrent tasks, each bounded by timeout
// (zero for none).
func NewPool(max int, timeout time.Duration, logger *slog.Logger) *Pool {
	if max < 1 {
		max = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:     semaphore.NewWeighted(int64(max)),
		timeout: timeout,
		logger:  logging.OrDiscard(logger),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Go starts fn in the background and reports whether it was accepted.
// A returned error is logged at Warn and otherwise dropped.
func (p *Pool) Go(name string, fn func(ctx context.Context) error) bool {
	if p.ctx.Err() != nil || !p.sem.TryAcquire(1) {
		p.dropped.Add(1)
		return false
	}
	p.started.Add(1)

	ctx, cancel := p.ctx, context.CancelFunc(func() {})
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(p.ctx, p.timeout)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer cancel()

		if err := fn(ctx); err != nil {
			p.failed.Add(1)
			p.logger.Warn("background task failed", slog.String("task", name), slog.Any("error", err))
		}
	}()
	return true
}

// Wait blocks until every accepted task has returned.
func (p *Pool) Wait() { p.wg.Wait() }

// Close cancels running tasks and waits for them.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}

type Counts struct {
	Started uint64
	Dropped uint64
	Failed  uint64
}

func (p *Pool) Counts() Counts {
	return Counts{
		Started: p.started.Load(),
		Dropped: p.dropped.Load(),
		Failed:  p.failed.Load(),
	}
}
