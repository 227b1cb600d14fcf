package config

// Upload thresholds are plain byte counts: the size policy is defined in
// decimal megabytes, while the k/m/g suffixes are binary.
const (
	defaultVideoMax       = "100000000"
	defaultVideoRemoteMin = "25000000"
	defaultImageLocalMin  = "10000000"
)

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Storage.Disk.Max == "" {
		cfg.Storage.Disk.Max = "2g"
	}
	if cfg.Storage.QuotaThreshold == 0 {
		cfg.Storage.QuotaThreshold = 0.9
	}
	if len(cfg.Storage.Stores) == 0 {
		cfg.Storage.Stores = []StoreConfig{
			{Name: StoreAppShell, Quota: "50m", Persist: true},
			{Name: StoreMedia, Quota: "500m", Persist: true},
			{Name: StoreData, Quota: "20m"},
			{Name: StoreRuntime, Quota: "50m"},
		}
	}
	for i := range cfg.Storage.Stores {
		if cfg.Storage.Stores[i].Quota == "" {
			cfg.Storage.Stores[i].Quota = "50m"
		}
	}

	if cfg.Cache.Version == "" {
		cfg.Cache.Version = "v1"
	}
	if cfg.Cache.AppShell == nil {
		cfg.Cache.AppShell = []string{"/", "/index.html", "/manifest.json", "/offline.html"}
	}
	if cfg.Cache.NetworkFirst == nil {
		cfg.Cache.NetworkFirst = []string{"/admin/", "/api/"}
	}
	if cfg.Cache.CacheFirst == nil {
		cfg.Cache.CacheFirst = []string{".css", ".js", ".woff", ".woff2", ".ttf", ".ico", "/static/", "/assets/"}
	}
	if cfg.Cache.MediaPattern == "" {
		cfg.Cache.MediaPattern = `(?i)\.(jpe?g|png|gif|webp|avif|svg|bmp|mp4|webm|mov|m4v)$`
	}
	if cfg.Cache.DataPatterns == nil {
		cfg.Cache.DataPatterns = []string{".json", "/data/"}
	}
	if cfg.Cache.Policies == nil {
		cfg.Cache.Policies = map[string]PolicyConfig{}
	}
	defaults := map[string]PolicyConfig{
		"app-shell":          {Store: StoreAppShell, Mode: "cache-first", StaleAfter: "24h"},
		"static-asset":       {Store: StoreAppShell, Mode: "cache-first", StaleAfter: "168h"},
		"media":              {Store: StoreMedia, Mode: "cache-first", StaleAfter: "720h"},
		"network-first-data": {Store: StoreData, Mode: "network-first", NetworkTimeout: "2s"},
		"runtime":            {Store: StoreRuntime, Mode: "network-first", NetworkTimeout: "3s"},
	}
	for name, p := range defaults {
		if _, ok := cfg.Cache.Policies[name]; !ok {
			cfg.Cache.Policies[name] = p
		}
	}
	if cfg.Cache.Revalidate.MaxConcurrent == 0 {
		cfg.Cache.Revalidate.MaxConcurrent = 32
	}
	if cfg.Cache.Revalidate.Timeout == "" {
		cfg.Cache.Revalidate.Timeout = "30s"
	}

	th := &cfg.Uploads.Thresholds
	if th.VideoMax == "" {
		th.VideoMax = defaultVideoMax
	}
	if th.VideoRemoteMin == "" {
		th.VideoRemoteMin = defaultVideoRemoteMin
	}
	if th.ImageLocalMin == "" {
		th.ImageLocalMin = defaultImageLocalMin
	}
	if cfg.Uploads.EphemeralStore == "" {
		cfg.Uploads.EphemeralStore = StoreMedia
	}
	if cfg.Uploads.Repository.PathPrefix == "" {
		cfg.Uploads.Repository.PathPrefix = "public/media"
	}
	if cfg.Uploads.Repository.Remote == "" {
		cfg.Uploads.Repository.Remote = "origin"
	}
	if cfg.Uploads.Deploy.GitHub.EventType == "" {
		cfg.Uploads.Deploy.GitHub.EventType = "media-committed"
	}

	if cfg.Scheduler.Lookahead == 0 {
		cfg.Scheduler.Lookahead = 3
	}
	if cfg.Scheduler.Immediate == 0 {
		cfg.Scheduler.Immediate = 2
	}
	if cfg.Scheduler.IdleInterval == "" {
		cfg.Scheduler.IdleInterval = "50ms"
	}

	if cfg.Sync.Backend == "" {
		cfg.Sync.Backend = "leveldb"
	}
	if cfg.Sync.DocumentKey == "" {
		cfg.Sync.DocumentKey = "offline-state"
	}
	if cfg.Sync.Postgres.Table == "" {
		cfg.Sync.Postgres.Table = "foliocache_documents"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}
