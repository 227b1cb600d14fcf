// Package store implements named, size-bounded cache partitions.
//
// A Store keeps entries in insertion order. Eviction removes the oldest
// entries by fetch time, breaking ties by insertion order, and is the only
// way a store shrinks besides explicit deletes and clears. Quota is a
// target: Put never refuses an entry, callers evict first when an estimate
// says the store is under pressure.
package store

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"foliocache/internal/faults"
	"foliocache/internal/logging"
)

// Eviction fractions. Pressure is used when an admit finds the quota
// threshold crossed; Sweep is for explicit make-room passes.
const (
	FractionPressure = 0.10
	FractionSweep    = 0.20
)

// Mirror persists a store's entries outside the process.
type Mirror interface {
	Put(store string, seq uint64, e Entry) error
	Delete(store string, key RequestKey) error
	Clear(store string) error
	Load(store string) ([]Persisted, error)
}

// Persisted is an entry as stored by a Mirror, with its insertion sequence.
type Persisted struct {
	Seq   uint64
	Entry Entry
}

type item struct {
	ent  Entry
	seq  uint64
	prev *item
	next *item
}

type Store struct {
	name      string
	quota     int64
	mirror    Mirror
	estimator Estimator
	logger    *slog.Logger

	mu    sync.Mutex
	items map[RequestKey]*item
	head  *item // oldest insertion
	tail  *item
	seq   uint64
	total int64
}

type Option func(*Store)

// WithMirror persists every put and delete through m.
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// WithEstimator sets the quota collaborator used by EstimateUsage.
func WithEstimator(e Estimator) Option {
	return func(s *Store) { s.estimator = e }
}

// WithSelfEstimate measures the store against its own quota.
func WithSelfEstimate() Option {
	return func(s *Store) { s.estimator = SelfEstimator(s) }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func New(name string, quotaBytes int64, opts ...Option) *Store {
	s := &Store{
		name:  name,
		quota: quotaBytes,
		items: map[RequestKey]*item{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDiscard(s.logger).With(slog.String("store", name))
	return s
}

func (s *Store) Name() string { return s.name }

func (s *Store) Quota() int64 { return s.quota }

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Store) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Get has no side effects.
func (s *Store) Get(key RequestKey) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok {
		return Entry{}, false
	}
	return it.ent, true
}

// Touch moves key's fetch time to t without rewriting the body, its
// insertion order or the mirror. It reports whether key was present.
func (s *Store) Touch(key RequestKey, t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok {
		return false
	}
	h := cloneHeader(it.ent.Header)
	h.Set(HeaderFetchedAt, t.UTC().Format(time.RFC3339Nano))
	it.ent.Header = h
	it.ent.FetchedAt = t
	return true
}

// Put inserts or overwrites. An overwrite counts as a fresh insertion.
// Mirror failures are logged; the in-memory entry is kept regardless.
func (s *Store) Put(key RequestKey, ent Entry) {
	ent.Key = key
	ent.SizeBytes = int64(len(ent.Body))

	s.mu.Lock()
	if old, ok := s.items[key]; ok {
		s.unlink(old)
		s.total -= old.ent.SizeBytes
	}
	s.seq++
	it := &item{ent: ent, seq: s.seq}
	s.items[key] = it
	s.append(it)
	s.total += ent.SizeBytes
	seq := s.seq
	s.mu.Unlock()

	if s.mirror != nil {
		if err := s.mirror.Put(s.name, seq, ent); err != nil {
			s.logger.Warn("mirror put failed", slog.String("key", string(key)), slog.Any("error", err))
		}
	}
}

// Delete is idempotent. The returned error only reports a mirror failure;
// the entry is gone from memory either way.
func (s *Store) Delete(key RequestKey) error {
	s.mu.Lock()
	s.deleteLocked(key)
	s.mu.Unlock()
	return s.mirrorDelete(key)
}

func (s *Store) deleteLocked(key RequestKey) bool {
	it, ok := s.items[key]
	if !ok {
		return false
	}
	s.unlink(it)
	delete(s.items, key)
	s.total -= it.ent.SizeBytes
	return true
}

func (s *Store) mirrorDelete(key RequestKey) error {
	if s.mirror == nil {
		return nil
	}
	if err := s.mirror.Delete(s.name, key); err != nil {
		s.logger.Warn("mirror delete failed", slog.String("key", string(key)), slog.Any("error", err))
		return faults.Wrap(err, faults.CacheUnavailable, "delete "+string(key))
	}
	return nil
}

// KeysOrderedByAge returns keys by ascending fetch time, ties in insertion
// order.
func (s *Store) KeysOrderedByAge() []RequestKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keysByAgeLocked()
}

func (s *Store) keysByAgeLocked() []RequestKey {
	items := make([]*item, 0, len(s.items))
	for it := s.head; it != nil; it = it.next {
		items = append(items, it)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].ent.FetchedAt.Before(items[j].ent.FetchedAt)
	})
	out := make([]RequestKey, len(items))
	for i, it := range items {
		out[i] = it.ent.Key
	}
	return out
}

// EvictFraction deletes the max(1, floor(n*fraction)) oldest entries and
// returns their keys. An empty store evicts nothing.
func (s *Store) EvictFraction(fraction float64) []RequestKey {
	fraction = math.Max(0, math.Min(1, fraction))

	s.mu.Lock()
	n := len(s.items)
	if n == 0 {
		s.mu.Unlock()
		return nil
	}
	count := int(math.Floor(float64(n) * fraction))
	if count < 1 {
		count = 1
	}
	victims := s.keysByAgeLocked()[:count]
	for _, k := range victims {
		s.deleteLocked(k)
	}
	s.mu.Unlock()

	for _, k := range victims {
		_ = s.mirrorDelete(k)
	}
	s.logger.Debug("evicted", slog.Int("count", count), slog.Int("of", n), slog.Float64("fraction", fraction))
	return victims
}

// EstimateUsage asks the estimator collaborator. Without one, or when it
// cannot measure, the result is unmeasured and therefore has room.
func (s *Store) EstimateUsage(ctx context.Context) Usage {
	if s.estimator == nil {
		return Usage{Quota: s.quota}
	}
	used, quota, ok := s.estimator.Estimate(ctx)
	if !ok {
		return Usage{Quota: s.quota}
	}
	return Usage{Used: used, Quota: quota, Measured: true}
}

// Clear drops every entry.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.items = map[RequestKey]*item{}
	s.head, s.tail = nil, nil
	s.total = 0
	s.mu.Unlock()

	if s.mirror == nil {
		return nil
	}
	if err := s.mirror.Clear(s.name); err != nil {
		s.logger.Warn("mirror clear failed", slog.Any("error", err))
		return faults.Wrap(err, faults.CacheUnavailable, "clear "+s.name)
	}
	return nil
}

// Restore reloads entries from the mirror, keeping their stored insertion
// order. Existing in-memory entries are replaced.
func (s *Store) Restore() (int, error) {
	if s.mirror == nil {
		return 0, nil
	}
	persisted, err := s.mirror.Load(s.name)
	if err != nil {
		return 0, faults.Wrap(err, faults.CacheUnavailable, "restore "+s.name)
	}
	sort.Slice(persisted, func(i, j int) bool { return persisted[i].Seq < persisted[j].Seq })

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = map[RequestKey]*item{}
	s.head, s.tail = nil, nil
	s.total = 0
	for _, p := range persisted {
		it := &item{ent: p.Entry, seq: p.Seq}
		s.items[p.Entry.Key] = it
		s.append(it)
		s.total += p.Entry.SizeBytes
		if p.Seq > s.seq {
			s.seq = p.Seq
		}
	}
	return len(persisted), nil
}

func (s *Store) append(it *item) {
	it.next = nil
	it.prev = s.tail
	if s.tail != nil {
		s.tail.next = it
	}
	s.tail = it
	if s.head == nil {
		s.head = it
	}
}

func (s *Store) unlink(it *item) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		s.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		s.tail = it.prev
	}
	it.prev, it.next = nil, nil
}
