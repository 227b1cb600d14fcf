package engine

import (
	"context"
	"log/slog"

	platformerrors "github.com/jmgilman/go/errors"

	"foliocache/internal/offline"
	"foliocache/internal/schedule"
	"foliocache/internal/store"
	"foliocache/internal/strategy"
)

// CommandKind discriminates the closed set of control operations.
type CommandKind string

const (
	CmdClearCache CommandKind = "clear-cache"
	CmdCacheMedia CommandKind = "cache-media"
	CmdCacheSize  CommandKind = "cache-size"
	CmdEvict      CommandKind = "evict"
	CmdFlush      CommandKind = "flush"
)

// Command is one control operation. Fields a kind does not use are ignored.
type Command struct {
	Kind CommandKind `json:"kind"`
	// Store names the target store; empty means all stores for clear-cache.
	Store string `json:"store,omitempty"`
	// URLs are warmed by cache-media.
	URLs []string `json:"urls,omitempty"`
	// Fraction is the evict fraction; zero means store.FractionSweep.
	Fraction float64 `json:"fraction,omitempty"`
	// Priority is the cache-media base priority: high, normal or low.
	Priority string `json:"priority,omitempty"`
}

// Result carries whatever the command produced.
type Result struct {
	Kind      CommandKind        `json:"kind"`
	Cleared   []string           `json:"cleared,omitempty"`
	Evicted   []string           `json:"evicted,omitempty"`
	Usage     []store.StoreUsage `json:"usage,omitempty"`
	Entries   int                `json:"entries,omitempty"`
	Bytes     int64              `json:"bytes,omitempty"`
	Loaded    []string           `json:"loaded,omitempty"`
	Failed    map[string]string  `json:"failed,omitempty"`
	Flushed   int                `json:"flushed,omitempty"`
	Discarded int                `json:"discarded,omitempty"`
	Pending   int                `json:"pending"`
}

func invalidCommand(msg string, kind CommandKind) error {
	return platformerrors.WithContext(platformerrors.New(platformerrors.CodeInvalidInput, msg), "kind", string(kind))
}

// Dispatch runs cmd. Unknown kinds are rejected with an invalid-input
// error.
func (e *Engine) Dispatch(ctx context.Context, cmd Command) (Result, error) {
	res := Result{Kind: cmd.Kind}
	var err error
	switch cmd.Kind {
	case CmdClearCache:
		res.Cleared, err = e.clearCache(cmd.Store)
	case CmdCacheMedia:
		err = e.cacheMedia(ctx, cmd, &res)
	case CmdCacheSize:
		res.Usage = e.stores.Usage(ctx)
		for _, u := range res.Usage {
			res.Entries += u.Entries
			res.Bytes += u.Bytes
		}
	case CmdEvict:
		res.Evicted, err = e.evict(cmd.Store, cmd.Fraction)
	case CmdFlush:
		var fr offline.FlushResult
		fr, err = e.offline.Reconcile(ctx)
		res.Flushed, res.Discarded = fr.Reconciled, fr.Discarded
	default:
		return Result{}, invalidCommand("unknown command kind", cmd.Kind)
	}
	if err != nil {
		return Result{}, err
	}
	res.Pending = e.offline.Pending(ctx)
	e.logger.DebugContext(ctx, "command done", slog.String("kind", string(cmd.Kind)))
	return res, nil
}

func (e *Engine) clearCache(name string) ([]string, error) {
	if name == "" {
		return e.stores.ClearAll()
	}
	st, err := e.stores.Lookup(name)
	if err != nil {
		return nil, err
	}
	return []string{name}, st.Clear()
}

func (e *Engine) evict(name string, fraction float64) ([]string, error) {
	if name == "" {
		return nil, invalidCommand("evict needs a store", CmdEvict)
	}
	if fraction < 0 || fraction > 1 {
		return nil, invalidCommand("fraction must be within [0, 1]", CmdEvict)
	}
	if fraction == 0 {
		fraction = store.FractionSweep
	}
	st, err := e.stores.Lookup(name)
	if err != nil {
		return nil, err
	}
	keys := st.EvictFraction(fraction)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out, nil
}

// cacheMedia warms URLs through the scheduler and waits for the run.
func (e *Engine) cacheMedia(ctx context.Context, cmd Command, res *Result) error {
	if len(cmd.URLs) == 0 {
		return invalidCommand("cache-media needs urls", CmdCacheMedia)
	}
	base, err := strategy.ParsePriority(cmd.Priority)
	if err != nil {
		return invalidCommand(err.Error(), CmdCacheMedia)
	}
	items := make([]schedule.Descriptor, 0, len(cmd.URLs))
	for _, u := range cmd.URLs {
		items = append(items, schedule.Descriptor{URL: u})
	}
	run := e.sched.RunProgressive(ctx, items, base)
	if err := run.Wait(ctx); err != nil {
		return err
	}
	res.Loaded = run.Loaded()
	if failed := run.Failed(); len(failed) > 0 {
		res.Failed = make(map[string]string, len(failed))
		for k, v := range failed {
			res.Failed[k] = v.Error()
		}
	}
	return nil
}
