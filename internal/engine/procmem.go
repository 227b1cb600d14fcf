package engine

import (
	"context"
	"log/slog"
	"os"

	"github.com/shirou/gopsutil/v4/process"

	"foliocache/internal/config"
)

// ProcessMemory is the engine process's memory footprint in bytes.
type ProcessMemory struct {
	RSS     uint64 `json:"rss"`
	PeakRSS uint64 `json:"peakRss,omitempty"`
	Virtual uint64 `json:"virtual"`
	Swap    uint64 `json:"swap,omitempty"`
}

// readProcessMemory returns nil where the platform exposes no process stats.
func readProcessMemory(ctx context.Context) *ProcessMemory {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil
	}
	mi, err := p.MemoryInfoWithContext(ctx)
	if err != nil || mi == nil || mi.RSS == 0 {
		return nil
	}
	return &ProcessMemory{RSS: mi.RSS, PeakRSS: mi.HWM, Virtual: mi.VMS, Swap: mi.Swap}
}

// LogValue renders the sizes human-readable in the stats line.
func (m *ProcessMemory) LogValue() slog.Value {
	if m == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String("rss", config.FormatBytes(m.RSS)),
		slog.String("virtual", config.FormatBytes(m.Virtual)),
	}
	if m.PeakRSS > 0 {
		attrs = append(attrs, slog.String("peak_rss", config.FormatBytes(m.PeakRSS)))
	}
	if m.Swap > 0 {
		attrs = append(attrs, slog.String("swap", config.FormatBytes(m.Swap)))
	}
	return slog.GroupValue(attrs...)
}
