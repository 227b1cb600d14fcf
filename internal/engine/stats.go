package engine

import (
	"context"
	"log/slog"
	"time"

	"foliocache/internal/config"
	"foliocache/internal/store"
	"foliocache/internal/strategy"
	"foliocache/internal/tasks"
)

// Snapshot is a point-in-time view of cache occupancy and traffic.
type Snapshot struct {
	Stores    []store.StoreUsage     `json:"stores"`
	Entries   int                    `json:"entries"`
	Bytes     int64                  `json:"bytes"`
	DiskBytes int64                  `json:"diskBytes"`
	DiskKeys  int                    `json:"diskKeys"`
	Responses strategy.StatsSnapshot `json:"responses"`
	Tasks     tasks.Counts           `json:"tasks"`
	Pending   int                    `json:"pendingActions"`
	Process   *ProcessMemory         `json:"process,omitempty"`
}

func (e *Engine) Snapshot(ctx context.Context) Snapshot {
	s := Snapshot{
		Stores:    e.stores.Usage(ctx),
		Responses: e.router.Stats().Snapshot(),
		Tasks:     e.bg.Counts(),
		Pending:   e.offline.Pending(ctx),
	}
	for _, u := range s.Stores {
		s.Entries += u.Entries
		s.Bytes += u.Bytes
	}
	if e.mirror != nil {
		s.DiskBytes = e.mirror.TotalSize()
		s.DiskKeys = e.mirror.KeyCount()
	}
	s.Process = readProcessMemory(ctx)
	return s
}

func (e *Engine) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-t.C:
			e.logStats(e.ctx)
		}
	}
}

func (e *Engine) logStats(ctx context.Context) {
	s := e.Snapshot(ctx)
	attrs := []any{
		slog.Int("entries", s.Entries),
		slog.String("memory", config.FormatBytes(uint64(s.Bytes))),
		slog.String("disk", config.FormatBytes(uint64(s.DiskBytes))),
		slog.Int("disk_keys", s.DiskKeys),
		slog.String("resp_min", config.FormatBytes(s.Responses.MinRespBytes)),
		slog.String("resp_avg", config.FormatBytes(s.Responses.AvgRespBytes)),
		slog.String("resp_max", config.FormatBytes(s.Responses.MaxRespBytes)),
		slog.Uint64("revalidations_dropped", s.Tasks.Dropped),
		slog.Int("pending_actions", s.Pending),
	}
	for src, n := range s.Responses.BySource {
		attrs = append(attrs, slog.Uint64("source_"+string(src), n))
	}
	if s.Process != nil {
		attrs = append(attrs, slog.Any("process", s.Process))
	}
	e.logger.InfoContext(ctx, "cache stats", attrs...)
}
