package strategy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foliocache/internal/config"
	"foliocache/internal/faults"
	"foliocache/internal/store"
)

const origin = "https://folio.example.com"

type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	headers []http.Header
	respond func(req *http.Request) (*Response, error)
}

func (f *fakeFetcher) Fetch(_ context.Context, req *http.Request) (*Response, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[req.URL.String()]++
	f.headers = append(f.headers, req.Header.Clone())
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func okBody(body string) func(*http.Request) (*Response, error) {
	return func(*http.Request) (*Response, error) {
		return &Response{Status: http.StatusOK, Header: http.Header{"Content-Type": {"text/plain"}}, Body: []byte(body)}, nil
	}
}

func failing(*http.Request) (*Response, error) {
	return nil, errors.New("connection refused")
}

type fixture struct {
	router  *Router
	fetcher *fakeFetcher
	stores  *store.Registry
	now     *atomic.Int64
}

func newFixture(t *testing.T, respond func(*http.Request) (*Response, error), tweak func(Policies)) *fixture {
	t.Helper()
	cfg := testConfig(t, "")
	rules, err := RulesFromConfig(cfg)
	require.NoError(t, err)
	policies, err := PoliciesFromConfig(cfg)
	require.NoError(t, err)
	if tweak != nil {
		tweak(policies)
	}

	reg := store.NewRegistry()
	for _, sc := range cfg.Storage.Stores {
		reg.Add(store.New(sc.Name, sc.QuotaBytes()))
	}

	f := &fixture{fetcher: &fakeFetcher{respond: respond}, stores: reg, now: &atomic.Int64{}}
	f.now.Store(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC).UnixNano())

	f.router, err = NewRouter(Options{
		Rules:          rules,
		Policies:       policies,
		Stores:         reg,
		Fetcher:        f.fetcher,
		QuotaThreshold: 0.9,
		Now:            func() time.Time { return time.Unix(0, f.now.Load()).UTC() },
	})
	require.NoError(t, err)
	t.Cleanup(f.router.Close)
	return f
}

func (f *fixture) advance(d time.Duration) { f.now.Add(int64(d)) }

func (f *fixture) store(t *testing.T, name string) *store.Store {
	t.Helper()
	s, ok := f.stores.Get(name)
	require.True(t, ok)
	return s
}

func get(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func TestCacheFirstFreshHitSkipsNetwork(t *testing.T) {
	t.Parallel()

	f := newFixture(t, okBody("png-bytes"), nil)
	u := origin + "/uploads/a.png"

	resp, err := f.router.Handle(get(t, u))
	require.NoError(t, err)
	assert.Equal(t, SourceMiss, resp.Source)
	assert.Equal(t, Media, resp.Class)
	assert.NotEmpty(t, resp.Header.Get(store.HeaderFetchedAt))

	f.advance(720 * time.Hour)
	resp, err = f.router.Handle(get(t, u))
	require.NoError(t, err)
	assert.Equal(t, SourceHit, resp.Source)
	assert.Equal(t, []byte("png-bytes"), resp.Body)
	f.router.Wait()
	assert.Equal(t, 1, f.fetcher.count(u))
}

func TestCacheFirstStaleRevalidatesOnce(t *testing.T) {
	t.Parallel()

	var version atomic.Int32
	f := newFixture(t, func(*http.Request) (*Response, error) {
		v := version.Add(1)
		return &Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte{byte('0' + v)}}, nil
	}, nil)
	u := origin + "/index.html"

	_, err := f.router.Handle(get(t, u))
	require.NoError(t, err)

	f.advance(24*time.Hour + time.Second)
	resp, err := f.router.Handle(get(t, u))
	require.NoError(t, err)
	assert.Equal(t, SourceStale, resp.Source)
	assert.Equal(t, []byte("1"), resp.Body, "stale copy is served immediately")

	f.router.Wait()
	assert.Equal(t, 2, f.fetcher.count(u), "exactly one background refetch")

	ent, ok := f.store(t, config.StoreAppShell).Get(store.Key(http.MethodGet, u))
	require.True(t, ok)
	assert.Equal(t, []byte("2"), ent.Body)

	resp, err = f.router.Handle(get(t, u))
	require.NoError(t, err)
	assert.Equal(t, SourceHit, resp.Source)
	f.router.Wait()
	assert.Equal(t, 2, f.fetcher.count(u))
}

func TestUnchangedRevalidationRefreshesFetchTimeOnly(t *testing.T) {
	t.Parallel()

	var rev atomic.Int32
	f := newFixture(t, func(*http.Request) (*Response, error) {
		h := http.Header{}
		h.Set("X-Rev", strconv.Itoa(int(rev.Add(1))))
		return &Response{Status: http.StatusOK, Header: h, Body: []byte("same")}, nil
	}, nil)
	u := origin + "/index.html"
	key := store.Key(http.MethodGet, u)
	shell := f.store(t, config.StoreAppShell)

	_, err := f.router.Handle(get(t, u))
	require.NoError(t, err)
	first, ok := shell.Get(key)
	require.True(t, ok)

	f.advance(25 * time.Hour)
	resp, err := f.router.Handle(get(t, u))
	require.NoError(t, err)
	assert.Equal(t, SourceStale, resp.Source)
	f.router.Wait()
	require.Equal(t, 2, f.fetcher.count(u))

	ent, ok := shell.Get(key)
	require.True(t, ok)
	assert.Equal(t, "1", ent.Header.Get("X-Rev"), "body and headers kept")
	assert.True(t, ent.FetchedAt.After(first.FetchedAt))
	assert.Equal(t, []store.RequestKey{key}, shell.KeysOrderedByAge())

	resp, err = f.router.Handle(get(t, u))
	require.NoError(t, err)
	assert.Equal(t, SourceHit, resp.Source)
}

func TestRevalidationFailureKeepsEntry(t *testing.T) {
	t.Parallel()

	var status atomic.Int32
	status.Store(http.StatusOK)
	f := newFixture(t, func(*http.Request) (*Response, error) {
		return &Response{Status: int(status.Load()), Header: http.Header{}, Body: []byte("x")}, nil
	}, nil)
	u := origin + "/static/app.js"
	key := store.Key(http.MethodGet, u)
	shell := f.store(t, config.StoreAppShell)

	_, err := f.router.Handle(get(t, u))
	require.NoError(t, err)

	status.Store(http.StatusServiceUnavailable)
	f.advance(169 * time.Hour)
	_, err = f.router.Handle(get(t, u))
	require.NoError(t, err)
	f.router.Wait()
	_, ok := shell.Get(key)
	assert.True(t, ok, "a 503 keeps the offline copy")

	status.Store(http.StatusGone)
	_, err = f.router.Handle(get(t, u))
	require.NoError(t, err)
	f.router.Wait()
	_, ok = shell.Get(key)
	assert.False(t, ok, "a 410 drops it")
}

func TestCacheFirstMissEvictsUnderPressure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, okBody("new"), nil)
	media := store.New(config.StoreMedia, 100, store.WithEstimator(store.EstimatorFunc(
		func(context.Context) (int64, int64, bool) { return 95, 100, true })))
	f.stores.Add(media)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		k := store.Key(http.MethodGet, origin+"/uploads/old"+string(rune('a'+i))+".jpg")
		media.Put(k, store.NewEntry(k, 200, nil, []byte("o"), base.Add(time.Duration(i)*time.Minute)))
	}

	resp, err := f.router.Handle(get(t, origin+"/uploads/new.jpg"))
	require.NoError(t, err)
	assert.Equal(t, SourceMiss, resp.Source)
	assert.Equal(t, 19, media.Len(), "20 evict 2, then 1 admitted")
	_, ok := media.Get(store.Key(http.MethodGet, origin+"/uploads/olda.jpg"))
	assert.False(t, ok)
}

func TestCacheFirstUnmeasuredQuotaNeverEvicts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, okBody("new"), nil)
	media := f.store(t, config.StoreMedia)
	for i := 0; i < 5; i++ {
		_, err := f.router.Handle(get(t, origin+"/uploads/"+string(rune('a'+i))+".png"))
		require.NoError(t, err)
	}
	assert.Equal(t, 5, media.Len())
}

func TestCacheFirstNetworkFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, failing, nil)

	resp, err := f.router.Handle(get(t, origin+"/uploads/hero.webp"))
	require.NoError(t, err)
	assert.Equal(t, SourcePlaceholder, resp.Source)
	assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))

	_, err = f.router.Handle(get(t, origin+"/"))
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.NetworkFailure))
}

func TestNetworkFirstSuccessCaches(t *testing.T) {
	t.Parallel()

	f := newFixture(t, okBody(`{"projects":[]}`), nil)
	u := origin + "/api/projects"

	resp, err := f.router.Handle(get(t, u))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, resp.Source)
	_, ok := f.store(t, config.StoreData).Get(store.Key(http.MethodGet, u))
	assert.True(t, ok)
}

func TestNetworkFirstTimeoutFallsBackAndDiscardsLateResult(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var calls atomic.Int32
	f := newFixture(t, func(*http.Request) (*Response, error) {
		if calls.Add(1) == 1 {
			return &Response{Status: 200, Header: http.Header{}, Body: []byte("cached")}, nil
		}
		<-release
		return &Response{Status: 200, Header: http.Header{}, Body: []byte("late")}, nil
	}, func(p Policies) {
		pol := p[NetworkFirstData]
		pol.NetworkTimeout = 20 * time.Millisecond
		p[NetworkFirstData] = pol
	})
	u := origin + "/api/projects"
	key := store.Key(http.MethodGet, u)

	_, err := f.router.Handle(get(t, u))
	require.NoError(t, err)

	resp, err := f.router.Handle(get(t, u))
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, resp.Source)
	assert.Equal(t, []byte("cached"), resp.Body)

	close(release)
	require.Eventually(t, func() bool { return f.fetcher.count(u) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	ent, ok := f.store(t, config.StoreData).Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("cached"), ent.Body, "late result never reaches the cache")
}

func TestNetworkFirstPlaceholders(t *testing.T) {
	t.Parallel()

	f := newFixture(t, failing, nil)

	resp, err := f.router.Handle(get(t, origin+"/api/projects"))
	require.NoError(t, err)
	assert.Equal(t, SourcePlaceholder, resp.Source)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, placeholderJSON, string(resp.Body))

	resp, err = f.router.Handle(get(t, origin+"/about"))
	require.NoError(t, err)
	assert.Equal(t, SourcePlaceholder, resp.Source)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	resp, err = f.router.Handle(get(t, origin+"/gallery/shot.png?w=200"))
	require.NoError(t, err)
	assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
}

func TestNetworkOnlyForNonGetAndUntrusted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, okBody("ok"), nil)

	req, err := http.NewRequest(http.MethodPost, origin+"/api/projects", nil)
	require.NoError(t, err)
	resp, err := f.router.Handle(req)
	require.NoError(t, err)
	assert.Equal(t, SourceBypass, resp.Source)
	assert.Zero(t, f.store(t, config.StoreData).Len())

	resp, err = f.router.Handle(get(t, "https://tracker.example.net/pixel.png"))
	require.NoError(t, err)
	assert.Equal(t, SourceBypass, resp.Source)
	assert.Zero(t, f.store(t, config.StoreMedia).Len())

	f.fetcher.respond = failing
	_, err = f.router.Handle(get(t, "https://tracker.example.net/pixel.png"))
	assert.True(t, faults.Is(err, faults.NetworkFailure))
}

func TestMissingStoreDegradesToNetwork(t *testing.T) {
	t.Parallel()

	f := newFixture(t, okBody("ok"), func(p Policies) {
		pol := p[Runtime]
		pol.Store = "gone"
		p[Runtime] = pol
	})
	resp, err := f.router.Handle(get(t, origin+"/about"))
	require.NoError(t, err)
	assert.Equal(t, SourceBypass, resp.Source)
}

func TestUploadPreviewServedWhenOriginMisses(t *testing.T) {
	t.Parallel()

	notFound := func(*http.Request) (*Response, error) {
		return &Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
	}
	tests := []struct {
		name    string
		respond func(*http.Request) (*Response, error)
		url     string
		want    Source
		body    string
	}{
		{"document origin 404", notFound, origin + "/media/documents/ab12-brief.pdf", SourcePreview, "%PDF"},
		{"document origin down", failing, origin + "/media/documents/ab12-brief.pdf", SourcePreview, "%PDF"},
		{"origin has it", okBody("deployed"), origin + "/media/documents/ab12-brief.pdf", SourceNetwork, "deployed"},
		{"no preview", notFound, origin + "/media/documents/other.pdf", SourceNetwork, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, tt.respond, nil)
			previews := f.store(t, config.StoreMedia)
			f.router.previews = previews
			key := store.Key(http.MethodGet, origin+"/media/documents/ab12-brief.pdf")
			previews.Put(key, store.NewEntry(key, http.StatusOK, http.Header{"Content-Type": {"application/pdf"}}, []byte("%PDF"), f.router.now()))

			resp, err := f.router.Handle(get(t, tt.url))
			require.NoError(t, err)
			assert.Equal(t, Runtime, resp.Class)
			assert.Equal(t, tt.want, resp.Source)
			assert.Equal(t, tt.body, string(resp.Body))
		})
	}
}

func TestConcurrentMissesAreNotCoalesced(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	var inflight atomic.Int32
	f := newFixture(t, func(*http.Request) (*Response, error) {
		if inflight.Add(1) == 2 {
			close(gate)
		}
		<-gate
		return &Response{Status: 200, Header: http.Header{}, Body: []byte("x")}, nil
	}, nil)
	u := origin + "/uploads/dup.png"

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.router.Handle(get(t, u))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, f.fetcher.count(u))
}

func TestLoadIsCacheFirstWithPriority(t *testing.T) {
	t.Parallel()

	f := newFixture(t, okBody("json"), nil)

	resp, err := f.router.Load(context.Background(), "/content/projects.json", High)
	require.NoError(t, err)
	assert.Equal(t, SourceMiss, resp.Source)
	assert.Equal(t, NetworkFirstData, resp.Class)
	require.Len(t, f.fetcher.headers, 1)
	assert.Equal(t, "u=0", f.fetcher.headers[0].Get("Priority"))

	resp, err = f.router.Load(context.Background(), origin+"/content/projects.json", Low)
	require.NoError(t, err)
	assert.Equal(t, SourceHit, resp.Source)
}

func TestHandlerServesThroughOrigin(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "identity", r.Header.Get("Accept-Encoding"))
		switch r.URL.Path {
		case "/uploads/a.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("PNG"))
		case "/private.txt":
			w.Header().Set("Cache-Control", "no-store")
			_, _ = w.Write([]byte("secret"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	cfg := testConfig(t, "")
	rules, err := RulesFromConfig(cfg)
	require.NoError(t, err)
	rules.Origin.Host = upstream.Listener.Addr().String()
	rules.Origin.Scheme = "http"
	policies, err := PoliciesFromConfig(cfg)
	require.NoError(t, err)
	reg := store.NewRegistry()
	for _, sc := range cfg.Storage.Stores {
		reg.Add(store.New(sc.Name, sc.QuotaBytes()))
	}
	router, err := NewRouter(Options{Rules: rules, Policies: policies, Stores: reg, Fetcher: NewHTTPFetcher(5 * time.Second)})
	require.NoError(t, err)
	t.Cleanup(router.Close)

	srv := httptest.NewServer(router.Handler(upstream.URL))
	t.Cleanup(srv.Close)

	for i, want := range []string{"miss", "hit"} {
		resp, err := http.Get(srv.URL + "/uploads/a.png")
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, want, resp.Header.Get(HeaderCache), "request %d", i)
		assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
		assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), HeaderCache)
	}
	assert.Equal(t, int32(1), hits.Load())

	resp, err := http.Get(srv.URL + "/private.txt")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "network", resp.Header.Get(HeaderCache))

	snap := router.Stats().Snapshot()
	assert.Equal(t, uint64(1), snap.BySource[SourceHit])
	assert.Equal(t, uint64(1), snap.BySource[SourceMiss])
	assert.Equal(t, uint64(2), snap.TotalResponses)
	assert.Equal(t, uint64(3), snap.MaxRespBytes)
}
