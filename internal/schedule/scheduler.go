package schedule

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"foliocache/internal/logging"
	"foliocache/internal/strategy"
)

// Loader is the cache-first loading primitive, satisfied by
// *strategy.Router.
type Loader interface {
	Load(ctx context.Context, rawURL string, p strategy.Priority) (*strategy.Response, error)
}

var errNoLoader = errors.New("no loader configured")

// Loaded is the notification sent once per item.
type Loaded struct {
	ID     string
	URL    string
	Source strategy.Source
	Err    error
}

type Options struct {
	Loader Loader
	// Immediate items load synchronously at High priority.
	Immediate int
	// Lookahead is the number of items loaded per background batch.
	Lookahead int
	// Idle is the pause between background batches.
	Idle     time.Duration
	OnLoaded func(Loaded)
	Now      func() time.Time
	Logger   *slog.Logger
}

type Scheduler struct {
	loader    Loader
	immediate int
	lookahead int
	idle      time.Duration
	onLoaded  func(Loaded)
	now       func() time.Time
	logger    *slog.Logger
}

func New(opts Options) *Scheduler {
	s := &Scheduler{
		loader:    opts.Loader,
		immediate: opts.Immediate,
		lookahead: opts.Lookahead,
		idle:      opts.Idle,
		onLoaded:  opts.OnLoaded,
		now:       opts.Now,
		logger:    logging.OrDiscard(opts.Logger).With(slog.String("component", "scheduler")),
	}
	if s.immediate < 0 {
		s.immediate = 0
	}
	if s.lookahead < 1 {
		s.lookahead = 1
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Scheduler) Schedule(items []Descriptor, base strategy.Priority) []Scored {
	return Schedule(items, base, s.now())
}

// Run tracks one progressive load.
type Run struct {
	order []Scored
	done  chan struct{}

	mu      sync.Mutex
	claimed map[string]struct{}
	loaded  []string
	failed  map[string]error
}

// Order is the scheduled order.
func (r *Run) Order() []Scored { return r.order }

// Done is closed once every item has been attempted or the run was
// cancelled.
func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Loaded lists the keys of successfully loaded items in completion order.
func (r *Run) Loaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.loaded...)
}

func (r *Run) Failed() map[string]error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]error, len(r.failed))
	for k, v := range r.failed {
		out[k] = v
	}
	return out
}

// claim reports whether key was not claimed before.
func (r *Run) claim(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.claimed[key]; ok {
		return false
	}
	r.claimed[key] = struct{}{}
	return true
}

func (r *Run) finish(key string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failed[key] = err
		return
	}
	r.loaded = append(r.loaded, key)
}

// RunProgressive loads the first Immediate items before returning and hands
// the rest to a background loop that loads Lookahead items per batch at Low
// priority, pausing for Idle between batches. Each item is loaded at most
// once per run, even if it appears twice in items. Cancelling ctx stops the
// background loop after the current batch.
func (s *Scheduler) RunProgressive(ctx context.Context, items []Descriptor, base strategy.Priority) *Run {
	run := &Run{
		order:   s.Schedule(items, base),
		done:    make(chan struct{}),
		claimed: make(map[string]struct{}, len(items)),
		failed:  make(map[string]error),
	}

	n := min(s.immediate, len(run.order))
	for _, it := range run.order[:n] {
		s.loadOne(ctx, run, it.Descriptor, strategy.High)
	}

	rest := run.order[n:]
	if len(rest) == 0 {
		close(run.done)
		return run
	}
	go s.background(ctx, run, rest)
	return run
}

func (s *Scheduler) background(ctx context.Context, run *Run, rest []Scored) {
	defer close(run.done)
	for start := 0; start < len(rest); start += s.lookahead {
		if start > 0 && !s.yield(ctx) {
			s.logger.DebugContext(ctx, "progressive load cancelled", slog.Int("remaining", len(rest)-start))
			return
		}
		batch := rest[start:min(start+s.lookahead, len(rest))]
		g, gctx := errgroup.WithContext(ctx)
		for _, it := range batch {
			d := it.Descriptor
			g.Go(func() error {
				s.loadOne(gctx, run, d, strategy.Low)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// yield gives the runtime to other work between batches.
func (s *Scheduler) yield(ctx context.Context) bool {
	runtime.Gosched()
	if s.idle <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(s.idle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Scheduler) loadOne(ctx context.Context, run *Run, d Descriptor, p strategy.Priority) {
	key := d.key()
	if !run.claim(key) {
		return
	}
	var (
		src strategy.Source
		err error
	)
	if s.loader == nil {
		err = errNoLoader
	} else {
		var resp *strategy.Response
		resp, err = s.loader.Load(ctx, d.URL, p)
		if resp != nil {
			src = resp.Source
		}
	}
	if err != nil {
		s.logger.WarnContext(ctx, "media load failed",
			slog.String("id", key), slog.String("url", d.URL), slog.Any("error", err))
	}
	run.finish(key, err)
	if s.onLoaded != nil {
		s.onLoaded(Loaded{ID: key, URL: d.URL, Source: src, Err: err})
	}
}
