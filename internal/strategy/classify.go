// Package strategy serves intercepted requests through the cache partitions
// using a per-class fetch strategy.
package strategy

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"foliocache/internal/config"
)

// Class is the resource class a request is served as.
type Class int

const (
	AppShell Class = iota
	StaticAsset
	Media
	NetworkFirstData
	Runtime
)

var classNames = [...]string{
	AppShell:         "app-shell",
	StaticAsset:      "static-asset",
	Media:            "media",
	NetworkFirstData: "network-first-data",
	Runtime:          "runtime",
}

// String doubles as the policy name in configuration.
func (c Class) String() string {
	if c < 0 || int(c) >= len(classNames) {
		return fmt.Sprintf("class(%d)", int(c))
	}
	return classNames[c]
}

// Classes lists every class in classification order.
func Classes() []Class {
	return []Class{AppShell, StaticAsset, Media, NetworkFirstData, Runtime}
}

// Rules is the classification table, fixed at startup.
type Rules struct {
	Origin         *url.URL
	AppShell       []string
	NetworkFirst   []string
	CacheFirst     []string
	Media          *regexp.Regexp
	Data           []string
	TrustedOrigins []string
}

func RulesFromConfig(cfg config.Config) (Rules, error) {
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return Rules{}, fmt.Errorf("server.origin: %w", err)
	}
	return Rules{
		Origin:         origin,
		AppShell:       cfg.Cache.AppShell,
		NetworkFirst:   cfg.Cache.NetworkFirst,
		CacheFirst:     cfg.Cache.CacheFirst,
		Media:          cfg.MediaPattern(),
		Data:           cfg.Cache.DataPatterns,
		TrustedOrigins: cfg.Cache.TrustedOrigins,
	}, nil
}

// Classify picks the first matching class: app-shell paths, network-first
// prefixes, cache-first suffixes or prefixes, the media pattern, data
// heuristics, and otherwise Runtime.
func (r Rules) Classify(u *url.URL) Class {
	p := u.Path
	if p == "" {
		p = "/"
	}
	for _, s := range r.AppShell {
		if p == s {
			return AppShell
		}
	}
	for _, prefix := range r.NetworkFirst {
		if strings.HasPrefix(p, prefix) {
			return NetworkFirstData
		}
	}
	for _, pat := range r.CacheFirst {
		if matchSuffixOrPrefix(p, pat) {
			return StaticAsset
		}
	}
	if r.Media != nil && r.Media.MatchString(p) {
		return Media
	}
	for _, pat := range r.Data {
		if strings.HasPrefix(pat, ".") {
			if strings.HasSuffix(strings.ToLower(p), pat) {
				return NetworkFirstData
			}
			continue
		}
		if strings.Contains(p, pat) {
			return NetworkFirstData
		}
	}
	return Runtime
}

// Trusted reports whether u is same-origin or on the cross-origin allowlist.
func (r Rules) Trusted(u *url.URL) bool {
	if u.Host == "" {
		return true
	}
	if r.Origin != nil && strings.EqualFold(u.Host, r.Origin.Host) {
		return true
	}
	for _, o := range r.TrustedOrigins {
		t, err := url.Parse(o)
		if err != nil || t.Host == "" {
			if strings.EqualFold(strings.TrimSuffix(o, "/"), u.Host) {
				return true
			}
			continue
		}
		if strings.EqualFold(t.Host, u.Host) {
			return true
		}
	}
	return false
}

// Patterns starting with "." are extensions; others are path prefixes.
func matchSuffixOrPrefix(p, pat string) bool {
	if strings.HasPrefix(pat, ".") {
		return strings.HasSuffix(strings.ToLower(p), pat)
	}
	return strings.HasPrefix(p, pat)
}
