package strategy

import (
	"math"
	"sync/atomic"
)

// Stats counts served responses by source and tracks body sizes of cache
// hits and misses.
type Stats struct {
	bySource [sourceCount]atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func NewStats() *Stats {
	s := &Stats{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *Stats) Observe(src Source, respBytes int) {
	if i := src.index(); i >= 0 {
		s.bySource[i].Add(1)
	}
	switch src {
	case SourceHit, SourceStale, SourceMiss:
	default:
		return
	}
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type StatsSnapshot struct {
	BySource       map[Source]uint64
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *Stats) Snapshot() StatsSnapshot {
	out := StatsSnapshot{BySource: map[Source]uint64{}}
	for _, src := range allSources {
		if n := s.bySource[src.index()].Load(); n > 0 {
			out.BySource[src] = n
		}
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	return out
}
