package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store names used by the default policy table.
const (
	StoreAppShell = "app-shell"
	StoreMedia    = "media-assets"
	StoreData     = "api-data"
	StoreRuntime  = "runtime-misc"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		DataDir string `yaml:"dataDir"`
		Disk    struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`
		QuotaThreshold float64       `yaml:"quotaThreshold"`
		Stores         []StoreConfig `yaml:"stores"`

		diskMax int64
	} `yaml:"storage"`

	Cache struct {
		Version        string                  `yaml:"version"`
		AppShell       []string                `yaml:"appShell"`
		NetworkFirst   []string                `yaml:"networkFirst"`
		CacheFirst     []string                `yaml:"cacheFirst"`
		MediaPattern   string                  `yaml:"mediaPattern"`
		DataPatterns   []string                `yaml:"dataPatterns"`
		TrustedOrigins []string                `yaml:"trustedOrigins"`
		Policies       map[string]PolicyConfig `yaml:"policies"`
		Revalidate     struct {
			MaxConcurrent int    `yaml:"maxConcurrent"`
			Timeout       string `yaml:"timeout"`

			timeoutDur time.Duration
		} `yaml:"revalidate"`

		mediaRe *regexp.Regexp
	} `yaml:"cache"`

	Uploads struct {
		Thresholds struct {
			VideoMax       string `yaml:"videoMax"`
			VideoRemoteMin string `yaml:"videoRemoteMin"`
			ImageLocalMin  string `yaml:"imageLocalMin"`

			videoMax       int64
			videoRemoteMin int64
			imageLocalMin  int64
		} `yaml:"thresholds"`
		EphemeralStore string     `yaml:"ephemeralStore"`
		CDN            CDNConfig  `yaml:"cdn"`
		Repository     RepoConfig `yaml:"repository"`
		Deploy         struct {
			GitHub GitHubConfig `yaml:"github"`
		} `yaml:"deploy"`
	} `yaml:"uploads"`

	Scheduler struct {
		Lookahead    int    `yaml:"lookahead"`
		Immediate    int    `yaml:"immediate"`
		IdleInterval string `yaml:"idleInterval"`

		idleDur time.Duration
	} `yaml:"scheduler"`

	Sync struct {
		Backend     string `yaml:"backend"`
		DocumentKey string `yaml:"documentKey"`
		Interval    string `yaml:"interval"`
		Postgres    struct {
			DSN   string `yaml:"dsn"`
			Table string `yaml:"table"`
		} `yaml:"postgres"`

		intervalDur time.Duration
	} `yaml:"sync"`

	Precache struct {
		Sitemaps        []string `yaml:"sitemaps"`
		InitialDelay    string   `yaml:"initialDelay"`
		RediscoverEvery string   `yaml:"rediscoverEvery"`

		initialDelayDur    time.Duration
		rediscoverEveryDur time.Duration
	} `yaml:"precache"`

	Logging struct {
		Level         string `yaml:"level"`
		Format        string `yaml:"format"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

type StoreConfig struct {
	Name    string `yaml:"name"`
	Quota   string `yaml:"quota"`
	Persist bool   `yaml:"persist"`

	quotaBytes int64
}

// QuotaBytes returns the compiled quota.
func (s StoreConfig) QuotaBytes() int64 { return s.quotaBytes }

type PolicyConfig struct {
	Store          string `yaml:"store"`
	Mode           string `yaml:"mode"`
	StaleAfter     string `yaml:"staleAfter"`
	NetworkTimeout string `yaml:"networkTimeout"`

	staleDur   time.Duration
	timeoutDur time.Duration
}

func (p PolicyConfig) StaleAfterDur() time.Duration     { return p.staleDur }
func (p PolicyConfig) NetworkTimeoutDur() time.Duration { return p.timeoutDur }

type CDNConfig struct {
	Endpoint      string `yaml:"endpoint"`
	Bucket        string `yaml:"bucket"`
	AccessKey     string `yaml:"accessKey"`
	SecretKey     string `yaml:"secretKey"`
	UseSSL        bool   `yaml:"useSSL"`
	Region        string `yaml:"region"`
	Prefix        string `yaml:"prefix"`
	PublicBaseURL string `yaml:"publicBaseURL"`
}

// Enabled reports whether a CDN endpoint is configured.
func (c CDNConfig) Enabled() bool { return c.Endpoint != "" && c.Bucket != "" }

type RepoConfig struct {
	Path       string `yaml:"path"`
	PathPrefix string `yaml:"pathPrefix"`
	Author     string `yaml:"author"`
	Email      string `yaml:"email"`
	Remote     string `yaml:"remote"`
	Push       bool   `yaml:"push"`
	Username   string `yaml:"username"`
	Token      string `yaml:"token"`
}

// Enabled reports whether a repository path is configured.
func (r RepoConfig) Enabled() bool { return r.Path != "" }

type GitHubConfig struct {
	Owner     string `yaml:"owner"`
	Repo      string `yaml:"repo"`
	Token     string `yaml:"token"`
	EventType string `yaml:"eventType"`
}

// Enabled reports whether deploy notifications go to GitHub.
func (g GitHubConfig) Enabled() bool { return g.Owner != "" && g.Repo != "" }

// Load reads and compiles the YAML config at path.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse compiles a config document. Omitted fields get defaults.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)

	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	var err error
	if cfg.Storage.diskMax, err = ParseBytes(cfg.Storage.Disk.Max); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}
	if cfg.Storage.QuotaThreshold <= 0 || cfg.Storage.QuotaThreshold > 1 {
		return fmt.Errorf("storage.quotaThreshold: must be in (0, 1], got %v", cfg.Storage.QuotaThreshold)
	}

	seen := make(map[string]struct{}, len(cfg.Storage.Stores))
	for i := range cfg.Storage.Stores {
		s := &cfg.Storage.Stores[i]
		if s.Name == "" {
			return fmt.Errorf("storage.stores[%d].name: empty", i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("storage.stores[%d].name: duplicate %q", i, s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.quotaBytes, err = ParseBytes(s.Quota); err != nil {
			return fmt.Errorf("storage.stores[%d].quota: %w", i, err)
		}
	}

	if cfg.Cache.mediaRe, err = regexp.Compile(cfg.Cache.MediaPattern); err != nil {
		return fmt.Errorf("cache.mediaPattern: %w", err)
	}
	for name, p := range cfg.Cache.Policies {
		if _, ok := seen[p.Store]; !ok && p.Store != "" {
			return fmt.Errorf("cache.policies.%s.store: unknown store %q", name, p.Store)
		}
		switch p.Mode {
		case "cache-first", "network-first", "network-only":
		default:
			return fmt.Errorf("cache.policies.%s.mode: unknown mode %q", name, p.Mode)
		}
		if p.staleDur, err = parseOptionalDuration(p.StaleAfter); err != nil {
			return fmt.Errorf("cache.policies.%s.staleAfter: %w", name, err)
		}
		if p.timeoutDur, err = parseOptionalDuration(p.NetworkTimeout); err != nil {
			return fmt.Errorf("cache.policies.%s.networkTimeout: %w", name, err)
		}
		cfg.Cache.Policies[name] = p
	}
	if cfg.Cache.Revalidate.timeoutDur, err = parseOptionalDuration(cfg.Cache.Revalidate.Timeout); err != nil {
		return fmt.Errorf("cache.revalidate.timeout: %w", err)
	}

	th := &cfg.Uploads.Thresholds
	if th.videoMax, err = ParseBytes(th.VideoMax); err != nil {
		return fmt.Errorf("uploads.thresholds.videoMax: %w", err)
	}
	if th.videoRemoteMin, err = ParseBytes(th.VideoRemoteMin); err != nil {
		return fmt.Errorf("uploads.thresholds.videoRemoteMin: %w", err)
	}
	if th.imageLocalMin, err = ParseBytes(th.ImageLocalMin); err != nil {
		return fmt.Errorf("uploads.thresholds.imageLocalMin: %w", err)
	}
	if th.videoRemoteMin > th.videoMax {
		return fmt.Errorf("uploads.thresholds: videoRemoteMin exceeds videoMax")
	}
	if _, ok := seen[cfg.Uploads.EphemeralStore]; !ok {
		return fmt.Errorf("uploads.ephemeralStore: unknown store %q", cfg.Uploads.EphemeralStore)
	}

	if cfg.Scheduler.Lookahead < 1 {
		return fmt.Errorf("scheduler.lookahead: must be >= 1")
	}
	if cfg.Scheduler.idleDur, err = parseOptionalDuration(cfg.Scheduler.IdleInterval); err != nil {
		return fmt.Errorf("scheduler.idleInterval: %w", err)
	}

	switch cfg.Sync.Backend {
	case "leveldb":
	case "postgres":
		if cfg.Sync.Postgres.DSN == "" {
			return fmt.Errorf("sync.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("sync.backend: unknown backend %q", cfg.Sync.Backend)
	}
	if cfg.Sync.intervalDur, err = parseOptionalDuration(cfg.Sync.Interval); err != nil {
		return fmt.Errorf("sync.interval: %w", err)
	}

	if cfg.Precache.initialDelayDur, err = parseOptionalDuration(cfg.Precache.InitialDelay); err != nil {
		return fmt.Errorf("precache.initialDelay: %w", err)
	}
	if cfg.Precache.rediscoverEveryDur, err = parseOptionalDuration(cfg.Precache.RediscoverEvery); err != nil {
		return fmt.Errorf("precache.rediscoverEvery: %w", err)
	}

	if cfg.Logging.logStatsEveryDur, err = parseOptionalDuration(cfg.Logging.LogStatsEvery); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}
	return nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "none" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration")
	}
	return d, nil
}

func (cfg Config) DiskMaxBytes() int64              { return cfg.Storage.diskMax }
func (cfg Config) MediaPattern() *regexp.Regexp     { return cfg.Cache.mediaRe }
func (cfg Config) RevalidateTimeout() time.Duration { return cfg.Cache.Revalidate.timeoutDur }
func (cfg Config) VideoMaxBytes() int64             { return cfg.Uploads.Thresholds.videoMax }
func (cfg Config) VideoRemoteMinBytes() int64       { return cfg.Uploads.Thresholds.videoRemoteMin }
func (cfg Config) ImageLocalMinBytes() int64        { return cfg.Uploads.Thresholds.imageLocalMin }
func (cfg Config) SchedulerIdle() time.Duration     { return cfg.Scheduler.idleDur }
func (cfg Config) SyncInterval() time.Duration      { return cfg.Sync.intervalDur }
func (cfg Config) PrecacheInitialDelay() time.Duration {
	return cfg.Precache.initialDelayDur
}
func (cfg Config) PrecacheRediscoverEvery() time.Duration {
	return cfg.Precache.rediscoverEveryDur
}
func (cfg Config) LogStatsEvery() time.Duration { return cfg.Logging.logStatsEveryDur }

// Store returns the store config named name.
func (cfg Config) Store(name string) (StoreConfig, bool) {
	for _, s := range cfg.Storage.Stores {
		if s.Name == name {
			return s, true
		}
	}
	return StoreConfig{}, false
}
