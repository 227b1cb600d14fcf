// Package schedule orders media by load priority and warms it progressively.
package schedule

import (
	"net/url"
	"sort"
	"time"

	"foliocache/internal/media"
	"foliocache/internal/strategy"
)

// Size bands are decimal megabytes.
const (
	mb          = 1_000_000
	smallBytes  = 1 * mb
	mediumBytes = 5 * mb
	hugeBytes   = 50 * mb
)

// Descriptor is one media item known to the caller. The score is derived
// from it on every Schedule call and never stored.
type Descriptor struct {
	ID              string     `json:"id"`
	URL             string     `json:"url"`
	Kind            media.Kind `json:"-"`
	ApproxSizeBytes int64      `json:"approxSizeBytes"`
	// LastAccessedAt is zero when unknown.
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

func (d Descriptor) key() string {
	if d.ID != "" {
		return d.ID
	}
	return d.URL
}

// kind falls back to the URL's extension when Kind is unset.
func (d Descriptor) kind() media.Kind {
	if d.Kind != media.Unknown || d.URL == "" {
		return d.Kind
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return media.Unknown
	}
	return media.KindOfURL(u)
}

type Scored struct {
	Descriptor
	Score int
}

func baseWeight(p strategy.Priority) int {
	switch p {
	case strategy.High:
		return 100
	case strategy.Low:
		return 10
	default:
		return 50
	}
}

func kindWeight(k media.Kind) int {
	switch k {
	case media.Image:
		return 30
	case media.Video:
		return 20
	default:
		return 0
	}
}

func sizeWeight(n int64) int {
	switch {
	case n < smallBytes:
		return 20
	case n < mediumBytes:
		return 10
	case n > hugeBytes:
		return -20
	default:
		return 0
	}
}

func recencyWeight(last, now time.Time) int {
	if last.IsZero() {
		return 0
	}
	switch age := now.Sub(last); {
	case age < time.Hour:
		return 15
	case age < 24*time.Hour:
		return 5
	default:
		return 0
	}
}

// Score is base + kind + size + recency.
func Score(d Descriptor, base strategy.Priority, now time.Time) int {
	return baseWeight(base) + kindWeight(d.kind()) + sizeWeight(d.ApproxSizeBytes) + recencyWeight(d.LastAccessedAt, now)
}

// Schedule scores items and sorts them by descending score. Ties keep their
// input order.
func Schedule(items []Descriptor, base strategy.Priority, now time.Time) []Scored {
	out := make([]Scored, len(items))
	for i, d := range items {
		out[i] = Scored{Descriptor: d, Score: Score(d, base, now)}
	}
	Sort(out)
	return out
}

// Sort orders items by descending score, keeping the input order of ties.
func Sort(items []Scored) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
}
