package engine

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"foliocache/internal/store"
	"foliocache/internal/strategy"
)

// activate loads the offline state and clears every store when the
// configured cache version differs from the persisted one.
func (e *Engine) activate(ctx context.Context) error {
	st := e.offline.Load(ctx)
	changed, err := e.offline.SetManifestVersion(ctx, e.cfg.Cache.Version)
	if err != nil {
		return err
	}
	if !changed {
		e.logger.InfoContext(ctx, "cache version unchanged",
			slog.String("version", e.cfg.Cache.Version),
			slog.Int("pending_actions", len(st.PendingActions)))
		return nil
	}
	cleared, err := e.stores.ClearAll()
	e.logger.InfoContext(ctx, "cache version changed, cleared stores",
		slog.String("from", st.CacheManifestVersion),
		slog.String("to", e.cfg.Cache.Version),
		slog.Any("stores", cleared))
	if err != nil {
		// The memory side is already empty; a stale mirror is reloaded on
		// the next restart and cleared again then.
		e.logger.WarnContext(ctx, "clearing persisted stores failed", slog.Any("error", err))
	}
	return nil
}

// ensureBucket creates the CDN bucket on first start. A failure is logged;
// uploads then fail on their own and small videos fall back to commits.
func (e *Engine) ensureBucket(ctx context.Context) {
	if e.bucket == nil {
		return
	}
	if err := e.bucket.EnsureBucket(ctx, e.cfg.Uploads.CDN.Region); err != nil {
		e.logger.WarnContext(ctx, "cdn bucket unavailable",
			slog.String("bucket", e.cfg.Uploads.CDN.Bucket), slog.Any("error", err))
	}
}

// precacheAppShell fetches each app-shell path and stores the 2xx ones.
func (e *Engine) precacheAppShell(ctx context.Context) int {
	if len(e.cfg.Cache.AppShell) == 0 {
		return 0
	}
	pol := e.router.Policy(strategy.AppShell)
	st, err := e.stores.Lookup(pol.Store)
	if err != nil {
		e.logger.WarnContext(ctx, "app shell store unavailable", slog.Any("error", err))
		return 0
	}

	origin := strings.TrimRight(e.cfg.Server.Origin, "/")
	stored := 0
	for _, p := range e.cfg.Cache.AppShell {
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		u := origin + p
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			e.logger.WarnContext(ctx, "app shell precache", slog.String("url", u), slog.Any("error", err))
			continue
		}
		resp, err := e.fetcher.Fetch(ctx, req)
		if err != nil {
			e.logger.WarnContext(ctx, "app shell precache failed", slog.String("url", u), slog.Any("error", err))
			continue
		}
		if resp.Status < 200 || resp.Status >= 300 {
			e.logger.WarnContext(ctx, "app shell precache skipped", slog.String("url", u), slog.Int("status", resp.Status))
			continue
		}
		key := store.Key(http.MethodGet, u)
		st.Put(key, store.NewEntry(key, resp.Status, resp.Header, resp.Body, e.now()))
		stored++
	}
	e.logger.InfoContext(ctx, "app shell precached", slog.Int("stored", stored), slog.Int("of", len(e.cfg.Cache.AppShell)))
	return stored
}
