package store

import (
	"context"
	"sync"

	"foliocache/internal/faults"
)

// Registry holds every partition by name. It is built once at startup and
// handed to the components that need stores.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]*Store
	order  []string
}

func NewRegistry(stores ...*Store) *Registry {
	r := &Registry{stores: map[string]*Store{}}
	for _, s := range stores {
		r.Add(s)
	}
	return r
}

// Add registers s, replacing a store with the same name.
func (r *Registry) Add(s *Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stores[s.Name()]; !ok {
		r.order = append(r.order, s.Name())
	}
	r.stores[s.Name()] = s
}

func (r *Registry) Get(name string) (*Store, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[name]
	return s, ok
}

// Lookup is Get with a CacheUnavailable error for unknown names.
func (r *Registry) Lookup(name string) (*Store, error) {
	s, ok := r.Get(name)
	if !ok {
		return nil, faults.Newf(faults.CacheUnavailable, "unknown cache store %q", name)
	}
	return s, nil
}

// Names returns store names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ClearAll clears every store and returns the names cleared. Mirror errors
// are reported but do not stop the sweep.
func (r *Registry) ClearAll() ([]string, error) {
	var firstErr error
	names := r.Names()
	for _, name := range names {
		s, _ := r.Get(name)
		if err := s.Clear(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return names, firstErr
}

type StoreUsage struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
	Quota   int64  `json:"quota"`
	// Estimate is what the store's quota collaborator reports.
	Estimate Usage `json:"estimate"`
}

func (r *Registry) Usage(ctx context.Context) []StoreUsage {
	names := r.Names()
	out := make([]StoreUsage, 0, len(names))
	for _, name := range names {
		s, _ := r.Get(name)
		out = append(out, StoreUsage{
			Name:     name,
			Entries:  s.Len(),
			Bytes:    s.TotalSize(),
			Quota:    s.Quota(),
			Estimate: s.EstimateUsage(ctx),
		})
	}
	return out
}
