package engine

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"foliocache/internal/schedule"
	"foliocache/internal/strategy"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

func (e *Engine) sitemapLoop() {
	if d := e.cfg.PrecacheInitialDelay(); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-e.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	runOnce := func() {
		ctx, cancel := context.WithTimeout(e.ctx, 10*time.Minute)
		defer cancel()
		items, ignored, err := e.discoverMedia(ctx)
		if err != nil {
			e.logger.WarnContext(ctx, "sitemap discovery failed", slog.Any("error", err))
			return
		}
		run := e.sched.RunProgressive(ctx, items, strategy.Low)
		if err := run.Wait(ctx); err != nil {
			e.logger.WarnContext(ctx, "sitemap warmup interrupted", slog.Any("error", err))
			return
		}
		e.logger.InfoContext(ctx, "sitemap warmup done",
			slog.Int("media", len(items)), slog.Int("ignored", ignored),
			slog.Int("loaded", len(run.Loaded())), slog.Int("failed", len(run.Failed())))
	}

	runOnce()
	period := e.cfg.PrecacheRediscoverEvery()
	if period <= 0 {
		return
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-t.C:
			runOnce()
		}
	}
}

// discoverMedia walks the configured sitemaps, following nested sitemap
// indexes, and returns a descriptor for every media loc.
func (e *Engine) discoverMedia(ctx context.Context) (items []schedule.Descriptor, ignored int, _ error) {
	rules := e.router.Rules()
	seen := map[string]struct{}{}
	queue := make([]string, 0, len(e.cfg.Precache.Sitemaps))
	for _, sm := range e.cfg.Precache.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, e.absoluteURL(sm))
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return items, ignored, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := e.fetchSitemap(ctx, smURL)
		if err != nil {
			return items, ignored, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, e.absoluteURL(nested))
			}
		}
		for _, loc := range doc.URLs {
			u, err := url.Parse(e.absoluteURL(loc))
			if loc == "" || err != nil || rules.Classify(u) != strategy.Media {
				ignored++
				continue
			}
			items = append(items, schedule.Descriptor{URL: u.String()})
		}
		e.logger.DebugContext(ctx, "sitemap read", slog.String("sitemap", smURL),
			slog.Int("urls", len(doc.URLs)), slog.Int("nested", len(doc.Sitemaps)))
	}
	return items, ignored, nil
}

func (e *Engine) absoluteURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return strings.TrimRight(e.cfg.Server.Origin, "/") + u
}

func (e *Engine) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// A .gz URL may already have been decoded by the transport, so trust
	// the magic bytes over the extension.
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return sitemapDoc{}, err
		}
		defer gz.Close()
		if body, err = io.ReadAll(gz); err != nil {
			return sitemapDoc{}, err
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
