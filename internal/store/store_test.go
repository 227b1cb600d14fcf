package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foliocache/internal/faults"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func putAt(s *Store, url string, at time.Time, body string) RequestKey {
	k := Key(http.MethodGet, url)
	s.Put(k, NewEntry(k, http.StatusOK, http.Header{"Content-Type": {"text/plain"}}, []byte(body), at))
	return k
}

func TestNewEntryStampsHeaders(t *testing.T) {
	t.Parallel()

	k := Key("get", "https://folio.example.com/a.json")
	assert.Equal(t, RequestKey("GET https://folio.example.com/a.json"), k)
	assert.Equal(t, "https://folio.example.com/a.json", k.URL())

	src := http.Header{"Content-Length": {"3"}, "X-A": {"1"}}
	e := NewEntry(k, 200, src, []byte("abc"), t0)
	assert.Empty(t, e.Header.Get("Content-Length"))
	assert.Equal(t, "3", src.Get("Content-Length"), "source header must not be mutated")
	assert.Equal(t, t0.Format(time.RFC3339Nano), e.Header.Get(HeaderFetchedAt))
	assert.NotEmpty(t, e.Header.Get("Date"))
	assert.Equal(t, int64(3), e.SizeBytes)

	assert.False(t, e.IsStale(t0.Add(time.Hour), 0))
	assert.False(t, e.IsStale(t0.Add(time.Hour), time.Hour))
	assert.True(t, e.IsStale(t0.Add(time.Hour+time.Second), time.Hour))
}

func TestPutGetDelete(t *testing.T) {
	t.Parallel()

	s := New("api-data", 1<<20)
	k := putAt(s, "https://x/a", t0, "hello")

	got, ok := s.Get(k)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got.Body)
	assert.Equal(t, int64(5), s.TotalSize())

	_, ok = s.Get(Key("GET", "https://x/missing"))
	assert.False(t, ok)

	require.NoError(t, s.Delete(k))
	require.NoError(t, s.Delete(k), "delete is idempotent")
	_, ok = s.Get(k)
	assert.False(t, ok)
	assert.Zero(t, s.TotalSize())
}

func TestPutOverwriteIsFreshInsertion(t *testing.T) {
	t.Parallel()

	s := New("media-assets", 0)
	a := putAt(s, "https://x/a", t0, "1")
	b := putAt(s, "https://x/b", t0, "2")
	putAt(s, "https://x/a", t0, "333")

	assert.Equal(t, []RequestKey{b, a}, s.KeysOrderedByAge())
	assert.Equal(t, int64(4), s.TotalSize())
	assert.Equal(t, 2, s.Len())
}

func TestKeysOrderedByAge(t *testing.T) {
	t.Parallel()

	s := New("runtime-misc", 0)
	c := putAt(s, "https://x/c", t0.Add(2*time.Minute), "c")
	a := putAt(s, "https://x/a", t0, "a")
	b1 := putAt(s, "https://x/b1", t0.Add(time.Minute), "b")
	b2 := putAt(s, "https://x/b2", t0.Add(time.Minute), "b")

	assert.Equal(t, []RequestKey{a, b1, b2, c}, s.KeysOrderedByAge())
}

func TestEvictFractionCounts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n        int
		fraction float64
		want     int
	}{
		{n: 0, fraction: 0.1, want: 0},
		{n: 1, fraction: 0.1, want: 1},
		{n: 9, fraction: 0.1, want: 1},
		{n: 10, fraction: 0.1, want: 1},
		{n: 25, fraction: 0.1, want: 2},
		{n: 25, fraction: 0.2, want: 5},
		{n: 7, fraction: 0.2, want: 1},
		{n: 100, fraction: 0.1, want: 10},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d/f=%.2f", tt.n, tt.fraction), func(t *testing.T) {
			t.Parallel()
			s := New("s", 0)
			for i := 0; i < tt.n; i++ {
				putAt(s, fmt.Sprintf("https://x/%d", i), t0.Add(time.Duration(i)*time.Second), "x")
			}
			removed := s.EvictFraction(tt.fraction)
			assert.Len(t, removed, tt.want)
			assert.Equal(t, tt.n-tt.want, s.Len())
		})
	}
}

func TestEvictFractionRemovesOldest(t *testing.T) {
	t.Parallel()

	s := New("s", 0)
	var keys []RequestKey
	// Inserted newest first so insertion order disagrees with age.
	for i := 9; i >= 0; i-- {
		keys = append(keys, putAt(s, fmt.Sprintf("https://x/%d", i), t0.Add(time.Duration(i)*time.Minute), "x"))
	}
	oldest := keys[len(keys)-1]

	removed := s.EvictFraction(FractionPressure)
	assert.Equal(t, []RequestKey{oldest}, removed)

	removed = s.EvictFraction(FractionSweep)
	require.Len(t, removed, 1)
	assert.Equal(t, keys[len(keys)-2], removed[0])
}

func TestEvictFractionProperty(t *testing.T) {
	t.Parallel()

	for n := 1; n <= 60; n++ {
		for _, f := range []float64{FractionPressure, FractionSweep} {
			s := New("s", 0)
			for i := 0; i < n; i++ {
				putAt(s, fmt.Sprintf("https://x/%d", i), t0.Add(time.Duration(i%7)*time.Second), "x")
			}
			before := s.KeysOrderedByAge()
			removed := s.EvictFraction(f)

			want := int(float64(n) * f)
			if want < 1 {
				want = 1
			}
			require.Len(t, removed, want, "n=%d f=%v", n, f)
			assert.Equal(t, before[:want], removed)
			assert.Equal(t, before[want:], s.KeysOrderedByAge())
		}
	}
}

func TestEstimateUsage(t *testing.T) {
	t.Parallel()

	s := New("s", 100)
	u := s.EstimateUsage(context.Background())
	assert.False(t, u.Measured)
	assert.True(t, u.HasRoom(0.9))

	s = New("s", 0, WithEstimator(EstimatorFunc(func(context.Context) (int64, int64, bool) {
		return 0, 0, false
	})))
	assert.True(t, s.EstimateUsage(context.Background()).HasRoom(0.9))

	self := New("self", 10, WithSelfEstimate())
	putAt(self, "https://x/a", t0, "12345678")
	u = self.EstimateUsage(context.Background())
	assert.True(t, u.Measured)
	assert.True(t, u.HasRoom(0.9))
	putAt(self, "https://x/b", t0, "9")
	assert.False(t, self.EstimateUsage(context.Background()).HasRoom(0.9))
}

func TestUsageHasRoom(t *testing.T) {
	t.Parallel()

	assert.True(t, Usage{Used: 89, Quota: 100, Measured: true}.HasRoom(0.9))
	assert.False(t, Usage{Used: 90, Quota: 100, Measured: true}.HasRoom(0.9))
	assert.True(t, Usage{Used: 1000, Quota: 0, Measured: true}.HasRoom(0.9))
	assert.True(t, Usage{Used: 1000, Quota: 100}.HasRoom(0.9))
}

type memMirror struct {
	mu      sync.Mutex
	entries map[string]map[RequestKey]Persisted
	failDel bool
	failPut bool
}

func newMemMirror() *memMirror {
	return &memMirror{entries: map[string]map[RequestKey]Persisted{}}
}

func (m *memMirror) Put(store string, seq uint64, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return errors.New("disk full")
	}
	if m.entries[store] == nil {
		m.entries[store] = map[RequestKey]Persisted{}
	}
	m.entries[store][e.Key] = Persisted{Seq: seq, Entry: e}
	return nil
}

func (m *memMirror) Delete(store string, key RequestKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDel {
		return errors.New("io error")
	}
	delete(m.entries[store], key)
	return nil
}

func (m *memMirror) Clear(store string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, store)
	return nil
}

func (m *memMirror) Load(store string) ([]Persisted, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Persisted
	for _, p := range m.entries[store] {
		out = append(out, p)
	}
	return out, nil
}

func TestMirrorFailures(t *testing.T) {
	t.Parallel()

	m := newMemMirror()
	m.failPut = true
	s := New("s", 0, WithMirror(m))
	k := putAt(s, "https://x/a", t0, "a")
	_, ok := s.Get(k)
	assert.True(t, ok, "put succeeds even when the mirror fails")

	m.failDel = true
	err := s.Delete(k)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.CacheUnavailable))
	_, ok = s.Get(k)
	assert.False(t, ok)
}

func TestTouchRefreshesFetchTimeOnly(t *testing.T) {
	t.Parallel()

	m := newMemMirror()
	s := New("s", 0, WithMirror(m))
	a := putAt(s, "https://x/a", t0, "a")
	b := putAt(s, "https://x/b", t0.Add(time.Minute), "b")

	later := t0.Add(time.Hour)
	require.True(t, s.Touch(a, later))
	assert.False(t, s.Touch(Key(http.MethodGet, "https://x/missing"), later))

	ent, ok := s.Get(a)
	require.True(t, ok)
	assert.Equal(t, later, ent.FetchedAt)
	assert.Equal(t, later.UTC().Format(time.RFC3339Nano), ent.Header.Get(HeaderFetchedAt))
	assert.Equal(t, "a", string(ent.Body))
	assert.Equal(t, []RequestKey{b, a}, s.KeysOrderedByAge())

	persisted, err := m.Load("s")
	require.NoError(t, err)
	for _, p := range persisted {
		if p.Entry.Key == a {
			assert.Equal(t, t0, p.Entry.FetchedAt, "mirror is not rewritten")
		}
	}
}

func TestRestoreKeepsInsertionOrder(t *testing.T) {
	t.Parallel()

	m := newMemMirror()
	s := New("media-assets", 0, WithMirror(m))
	a := putAt(s, "https://x/a", t0, "a")
	b := putAt(s, "https://x/b", t0, "b")
	c := putAt(s, "https://x/c", t0, "c")
	require.NoError(t, s.Delete(b))

	restored := New("media-assets", 0, WithMirror(m))
	n, err := restored.Restore()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []RequestKey{a, c}, restored.KeysOrderedByAge())

	d := putAt(restored, "https://x/d", t0, "d")
	assert.Equal(t, []RequestKey{a, c, d}, restored.KeysOrderedByAge())
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	shell := New("app-shell", 10)
	media := New("media-assets", 20)
	r := NewRegistry(shell, media)
	assert.Equal(t, []string{"app-shell", "media-assets"}, r.Names())

	got, err := r.Lookup("media-assets")
	require.NoError(t, err)
	assert.Same(t, media, got)

	_, err = r.Lookup("nope")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.CacheUnavailable))

	putAt(shell, "https://x/", t0, "<html>")
	putAt(media, "https://x/a.png", t0, "png")
	usage := r.Usage(context.Background())
	require.Len(t, usage, 2)
	assert.Equal(t, 1, usage[0].Entries)
	assert.Equal(t, int64(6), usage[0].Bytes)

	names, err := r.ClearAll()
	require.NoError(t, err)
	assert.Len(t, names, 2)
	assert.Zero(t, shell.Len())
	assert.Zero(t, media.Len())
}
