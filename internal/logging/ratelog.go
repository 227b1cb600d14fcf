package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RateLimited emits at most one record per interval and counts what it drops.
type RateLimited struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	lastAt  time.Time
	dropped int
}

func NewRateLimited(logger *slog.Logger, interval time.Duration) *RateLimited {
	return &RateLimited{logger: OrDiscard(logger), interval: interval, now: time.Now}
}

// Warn logs msg unless another record went out within the interval.
// It reports whether the record was written.
func (l *RateLimited) Warn(ctx context.Context, msg string, args ...any) bool {
	l.mu.Lock()
	now := l.now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		l.mu.Unlock()
		return false
	}
	l.lastAt = now
	dropped := l.dropped
	l.dropped = 0
	l.mu.Unlock()

	if dropped > 0 {
		args = append(args, slog.Int("suppressed", dropped))
	}
	l.logger.WarnContext(ctx, msg, args...)
	return true
}
