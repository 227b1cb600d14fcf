package strategy

import (
	"context"
	"errors"
	"hash/crc32"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"foliocache/internal/faults"
	"foliocache/internal/logging"
	"foliocache/internal/store"
	"foliocache/internal/tasks"
)

// Source says how a response was produced. It is sent as X-Folio-Cache.
type Source string

const (
	SourceHit         Source = "hit"
	SourceStale       Source = "stale"
	SourceMiss        Source = "miss"
	SourceNetwork     Source = "network"
	SourceFallback    Source = "fallback"
	SourcePlaceholder Source = "placeholder"
	SourceBypass      Source = "bypass"
	// SourcePreview is an upload served from the preview store before the
	// origin has it.
	SourcePreview Source = "preview"
)

var allSources = [...]Source{
	SourceHit, SourceStale, SourceMiss, SourceNetwork,
	SourceFallback, SourcePlaceholder, SourceBypass, SourcePreview,
}

const sourceCount = len(allSources)

func (s Source) index() int {
	for i, v := range allSources {
		if v == s {
			return i
		}
	}
	return -1
}

// Response is what the router resolved a request to.
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	Class     Class
	Source    Source
	FetchedAt time.Time
}

func fromEntry(ent store.Entry, class Class, src Source) *Response {
	return &Response{
		Status:    ent.Status,
		Header:    ent.Header.Clone(),
		Body:      ent.Body,
		Class:     class,
		Source:    src,
		FetchedAt: ent.FetchedAt,
	}
}

type Options struct {
	Rules    Rules
	Policies Policies
	Stores   *store.Registry
	Fetcher  Fetcher

	// Previews holds uploaded files not yet deployed. A GET the origin
	// cannot answer is served from it whatever the request's class.
	Previews *store.Store

	// QuotaThreshold is the used/quota ratio at which an admit evicts first.
	QuotaThreshold float64

	// Background bounds revalidation. When nil the router makes its own
	// pool of MaxRevalidations tasks limited to RevalidateTimeout each.
	Background        *tasks.Pool
	MaxRevalidations  int
	RevalidateTimeout time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// Router resolves requests through the cache partitions. Concurrent
// requests for the same key are not coalesced; each may reach the network.
type Router struct {
	rules     Rules
	policies  Policies
	stores    *store.Registry
	previews  *store.Store
	fetcher   Fetcher
	threshold float64
	now       func() time.Time
	logger    *slog.Logger

	bg          *tasks.Pool
	ownBG       bool
	pressureLog *logging.RateLimited
	degradeLog  *logging.RateLimited
	stats       *Stats
}

func NewRouter(opts Options) (*Router, error) {
	if opts.Stores == nil {
		return nil, errors.New("strategy: nil store registry")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("strategy: nil fetcher")
	}
	for _, c := range Classes() {
		if _, ok := opts.Policies[c]; !ok {
			return nil, errors.New("strategy: no policy for " + c.String())
		}
	}
	logger := logging.OrDiscard(opts.Logger).With(slog.String("component", "router"))
	r := &Router{
		rules:       opts.Rules,
		policies:    opts.Policies,
		stores:      opts.Stores,
		previews:    opts.Previews,
		fetcher:     opts.Fetcher,
		threshold:   opts.QuotaThreshold,
		now:         opts.Now,
		logger:      logger,
		bg:          opts.Background,
		pressureLog: logging.NewRateLimited(logger, time.Minute),
		degradeLog:  logging.NewRateLimited(logger, time.Minute),
		stats:       NewStats(),
	}
	if r.threshold <= 0 {
		r.threshold = 0.9
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.bg == nil {
		max := opts.MaxRevalidations
		if max <= 0 {
			max = 32
		}
		r.bg = tasks.NewPool(max, opts.RevalidateTimeout, logger)
		r.ownBG = true
	}
	return r, nil
}

func (r *Router) Stats() *Stats { return r.stats }

func (r *Router) Rules() Rules { return r.rules }

func (r *Router) Policy(c Class) Policy { return r.policies[c] }

// Wait blocks until in-flight background revalidations finish.
func (r *Router) Wait() { r.bg.Wait() }

// Close stops background work the router owns.
func (r *Router) Close() {
	if r.ownBG {
		r.bg.Close()
	}
}

// Handle resolves req, whose URL must be absolute. It returns an error only
// when neither the network, the cache nor a placeholder can answer.
func (r *Router) Handle(req *http.Request) (*Response, error) {
	return r.serve(req, false)
}

// Load fetches url cache-first at the given priority, the way the scheduler
// warms media. Relative URLs resolve against the origin.
func (r *Router) Load(ctx context.Context, rawURL string, p Priority) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() && r.rules.Origin != nil {
		u = r.rules.Origin.ResolveReference(u)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Priority", p.Header())
	return r.serve(req, true)
}

func (r *Router) serve(req *http.Request, loading bool) (*Response, error) {
	ctx := req.Context()
	class := r.rules.Classify(req.URL)
	pol := r.policies[class]
	if loading && pol.Mode != NetworkOnly {
		pol.Mode = CacheFirst
	}
	if req.Method != http.MethodGet || !r.rules.Trusted(req.URL) {
		pol.Mode = NetworkOnly
	}

	var st *store.Store
	if pol.Mode != NetworkOnly {
		var err error
		st, err = r.stores.Lookup(pol.Store)
		if err != nil {
			r.degradeLog.Warn(ctx, "cache unavailable, serving from network",
				slog.String("class", class.String()), slog.Any("error", err))
			pol.Mode = NetworkOnly
		}
	}

	var (
		resp *Response
		err  error
	)
	switch pol.Mode {
	case CacheFirst:
		resp, err = r.cacheFirst(ctx, req, class, pol, st)
	case NetworkFirst:
		resp, err = r.networkFirst(ctx, req, class, pol, st)
	default:
		resp, err = r.networkOnly(ctx, req, class)
	}
	if originMissed(resp, err) && req.Method == http.MethodGet && r.rules.Trusted(req.URL) {
		if p, ok := r.preview(req, class); ok {
			return p, nil
		}
	}
	return resp, err
}

// originMissed is true when neither the origin nor the class store produced
// the resource.
func originMissed(resp *Response, err error) bool {
	if err != nil {
		return true
	}
	switch {
	case resp.Source == SourcePlaceholder:
		return true
	case resp.Status == http.StatusNotFound || resp.Status == http.StatusGone:
		return true
	}
	return false
}

func (r *Router) preview(req *http.Request, class Class) (*Response, bool) {
	if r.previews == nil {
		return nil, false
	}
	ent, ok := r.previews.Get(store.Key(http.MethodGet, req.URL.String()))
	if !ok {
		return nil, false
	}
	r.logger.DebugContext(req.Context(), "serving upload preview", slog.String("url", req.URL.String()))
	return fromEntry(ent, class, SourcePreview), true
}

func (r *Router) cacheFirst(ctx context.Context, req *http.Request, class Class, pol Policy, st *store.Store) (*Response, error) {
	key := store.Key(req.Method, req.URL.String())
	if ent, ok := st.Get(key); ok {
		if ent.IsStale(r.now(), pol.StaleAfter) {
			r.revalidate(key, req, st)
			return fromEntry(ent, class, SourceStale), nil
		}
		return fromEntry(ent, class, SourceHit), nil
	}

	resp, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		if ent, ok := st.Get(key); ok {
			return fromEntry(ent, class, SourceFallback), nil
		}
		if isVisualMedia(class, req.URL) {
			r.logger.DebugContext(ctx, "network failed, serving placeholder",
				slog.String("url", req.URL.String()), slog.Any("error", err))
			return r.placeholder(class, req.URL), nil
		}
		return nil, faults.Wrap(err, faults.NetworkFailure, "fetch "+req.URL.String())
	}

	resp.Class = class
	if !cacheable(resp) {
		resp.Source = SourceNetwork
		return resp, nil
	}
	r.admit(ctx, st, key, resp)
	resp.Source = SourceMiss
	return resp, nil
}

type fetchResult struct {
	resp *Response
	err  error
}

func (r *Router) networkFirst(ctx context.Context, req *http.Request, class Class, pol Policy, st *store.Store) (*Response, error) {
	key := store.Key(req.Method, req.URL.String())

	fctx, cancel := ctx, context.CancelFunc(func() {})
	if pol.NetworkTimeout > 0 {
		fctx, cancel = context.WithTimeout(ctx, pol.NetworkTimeout)
	}
	defer cancel()

	// The fetch runs on its own goroutine so the timeout wins even against
	// a fetcher that ignores its context. A result arriving after that is
	// dropped with the channel.
	ch := make(chan fetchResult, 1)
	go func() {
		resp, err := r.fetcher.Fetch(fctx, req.WithContext(fctx))
		ch <- fetchResult{resp: resp, err: err}
	}()

	var res fetchResult
	select {
	case res = <-ch:
	case <-fctx.Done():
		res.err = fctx.Err()
	}

	if res.err == nil {
		resp := res.resp
		resp.Class = class
		resp.Source = SourceNetwork
		if cacheable(resp) {
			r.admit(ctx, st, key, resp)
		}
		return resp, nil
	}

	if ent, ok := st.Get(key); ok {
		r.logger.DebugContext(ctx, "network failed, serving cached copy",
			slog.String("url", req.URL.String()), slog.Any("error", res.err))
		return fromEntry(ent, class, SourceFallback), nil
	}
	r.logger.DebugContext(ctx, "network failed with nothing cached, serving placeholder",
		slog.String("url", req.URL.String()), slog.Any("error", res.err))
	return r.placeholder(class, req.URL), nil
}

func (r *Router) networkOnly(ctx context.Context, req *http.Request, class Class) (*Response, error) {
	resp, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, faults.Wrap(err, faults.NetworkFailure, req.Method+" "+req.URL.String())
	}
	resp.Class = class
	resp.Source = SourceBypass
	return resp, nil
}

func (r *Router) placeholder(class Class, u *url.URL) *Response {
	resp := placeholder(class, u)
	resp.Class = class
	resp.Source = SourcePlaceholder
	return resp
}

// admit stores resp under key, evicting the oldest tenth of the store first
// when the quota estimate says it is at the threshold.
func (r *Router) admit(ctx context.Context, st *store.Store, key store.RequestKey, resp *Response) {
	if u := st.EstimateUsage(ctx); !u.HasRoom(r.threshold) {
		evicted := st.EvictFraction(store.FractionPressure)
		r.pressureLog.Warn(ctx, "store over quota, evicting",
			slog.String("store", st.Name()),
			slog.Int64("used", u.Used),
			slog.Int64("quota", u.Quota),
			slog.Int("evicted", len(evicted)))
	}
	now := r.now()
	ent := store.NewEntry(key, resp.Status, resp.Header, resp.Body, now)
	st.Put(key, ent)
	resp.Header = ent.Header.Clone()
	resp.FetchedAt = now
}

// revalidate refreshes key in the background. A 404 or 410 drops the entry;
// any other failure leaves it for offline use.
func (r *Router) revalidate(key store.RequestKey, req *http.Request, st *store.Store) {
	target := req.URL.String()
	hdr := req.Header.Clone()
	accepted := r.bg.Go("revalidate", func(ctx context.Context) error {
		out, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		copyHeaders(out.Header, hdr)
		out.Header.Set("Priority", Low.Header())

		resp, err := r.fetcher.Fetch(ctx, out)
		if err != nil {
			return faults.Wrap(err, faults.NetworkFailure, "revalidate "+target)
		}
		switch {
		case resp.Status == http.StatusNotFound || resp.Status == http.StatusGone:
			return st.Delete(key)
		case !cacheable(resp):
			r.logger.Debug("revalidation response not cacheable", slog.String("url", target), slog.Int("status", resp.Status))
			return nil
		}
		if cur, ok := st.Get(key); ok && cur.Status == resp.Status && cur.Hash32 == crc32.ChecksumIEEE(resp.Body) {
			st.Touch(key, r.now())
			r.logger.Debug("revalidated unchanged", slog.String("url", target))
			return nil
		}
		r.admit(ctx, st, key, resp)
		return nil
	})
	if !accepted {
		r.degradeLog.Warn(context.Background(), "revalidation pool full, skipping", slog.String("url", target))
	}
}
