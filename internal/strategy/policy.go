package strategy

import (
	"fmt"
	"time"

	"foliocache/internal/config"
)

type Mode int

const (
	CacheFirst Mode = iota
	NetworkFirst
	NetworkOnly
)

func (m Mode) String() string {
	switch m {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	case NetworkOnly:
		return "network-only"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "cache-first":
		return CacheFirst, nil
	case "network-first":
		return NetworkFirst, nil
	case "network-only":
		return NetworkOnly, nil
	default:
		return 0, fmt.Errorf("unknown strategy mode %q", s)
	}
}

// Policy binds a class to a store and a fetch strategy. Zero durations
// mean "never stale" and "no timeout".
type Policy struct {
	Store          string
	Mode           Mode
	StaleAfter     time.Duration
	NetworkTimeout time.Duration
}

type Policies map[Class]Policy

// PoliciesFromConfig builds the table from cache.policies, keyed by class
// name. Every class must have a policy.
func PoliciesFromConfig(cfg config.Config) (Policies, error) {
	out := make(Policies, len(classNames))
	for _, c := range Classes() {
		pc, ok := cfg.Cache.Policies[c.String()]
		if !ok {
			return nil, fmt.Errorf("cache.policies.%s: missing", c)
		}
		mode, err := ParseMode(pc.Mode)
		if err != nil {
			return nil, fmt.Errorf("cache.policies.%s: %w", c, err)
		}
		if mode != NetworkOnly && pc.Store == "" {
			return nil, fmt.Errorf("cache.policies.%s.store: required for %s", c, mode)
		}
		out[c] = Policy{
			Store:          pc.Store,
			Mode:           mode,
			StaleAfter:     pc.StaleAfterDur(),
			NetworkTimeout: pc.NetworkTimeoutDur(),
		}
	}
	return out, nil
}
