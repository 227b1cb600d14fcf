// Package engine wires the cache partitions, the request router, the upload
// router, the scheduler and the offline coordinator into one process.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"foliocache/internal/cdn"
	"foliocache/internal/config"
	"foliocache/internal/gitrepo"
	"foliocache/internal/offline"
	"foliocache/internal/persist"
	"foliocache/internal/schedule"
	"foliocache/internal/store"
	"foliocache/internal/strategy"
	"foliocache/internal/tasks"
	"foliocache/internal/upload"
)

// Engine is the context object every component hangs off. It is built once
// at process start.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger
	now    func() time.Time

	stores  *store.Registry
	mirror  *store.LevelBackend
	fetcher strategy.Fetcher
	router  *strategy.Router
	bg      *tasks.Pool
	uploads *upload.Router
	sched   *schedule.Scheduler
	docs    persist.Documents
	offline *offline.Coordinator
	// bucket is set when the CDN collaborator is the configured S3 client.
	bucket *cdn.Client

	httpClient *http.Client

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type deps struct {
	logger     *slog.Logger
	now        func() time.Time
	fetcher    strategy.Fetcher
	cdn        upload.CDN
	repo       upload.Repository
	deployer   upload.DeployNotifier
	docs       persist.Documents
	httpClient *http.Client
	noMirror   bool
}

type Option func(*deps)

func WithLogger(l *slog.Logger) Option { return func(d *deps) { d.logger = l } }

func WithClock(now func() time.Time) Option { return func(d *deps) { d.now = now } }

// WithFetcher replaces the origin HTTP fetcher.
func WithFetcher(f strategy.Fetcher) Option { return func(d *deps) { d.fetcher = f } }

func WithCDN(c upload.CDN) Option { return func(d *deps) { d.cdn = c } }

func WithRepository(r upload.Repository) Option { return func(d *deps) { d.repo = r } }

func WithDeployer(n upload.DeployNotifier) Option { return func(d *deps) { d.deployer = n } }

// WithDocuments replaces the configured sync backend.
func WithDocuments(docs persist.Documents) Option { return func(d *deps) { d.docs = docs } }

// WithHTTPClient sets the client used for sitemap discovery.
func WithHTTPClient(c *http.Client) Option { return func(d *deps) { d.httpClient = c } }

// WithoutMirror keeps every store in memory regardless of its persist flag.
func WithoutMirror() Option { return func(d *deps) { d.noMirror = true } }

// New builds the engine. Nothing runs in the background until Start.
func New(ctx context.Context, cfg config.Config, opts ...Option) (_ *Engine, err error) {
	d := deps{}
	for _, opt := range opts {
		opt(&d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.now == nil {
		d.now = time.Now
	}

	e := &Engine{
		cfg:        cfg,
		logger:     d.logger,
		now:        d.now,
		httpClient: d.httpClient,
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			e.Close()
		}
	}()
	if e.httpClient == nil {
		e.httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	if err := e.openStores(d.noMirror); err != nil {
		return nil, err
	}

	e.fetcher = d.fetcher
	if e.fetcher == nil {
		e.fetcher = strategy.NewHTTPFetcher(30 * time.Second)
	}
	rules, err := strategy.RulesFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	policies, err := strategy.PoliciesFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	ephemeral, _ := e.stores.Get(cfg.Uploads.EphemeralStore)
	e.bg = tasks.NewPool(cfg.Cache.Revalidate.MaxConcurrent, cfg.RevalidateTimeout(), e.logger.With(slog.String("component", "tasks")))
	e.router, err = strategy.NewRouter(strategy.Options{
		Rules:          rules,
		Policies:       policies,
		Stores:         e.stores,
		Previews:       ephemeral,
		Fetcher:        e.fetcher,
		QuotaThreshold: cfg.Storage.QuotaThreshold,
		Background:     e.bg,
		Now:            e.now,
		Logger:         e.logger,
	})
	if err != nil {
		return nil, err
	}

	e.docs = d.docs
	if e.docs == nil {
		if e.docs, err = openDocuments(ctx, cfg); err != nil {
			return nil, err
		}
	}
	e.offline = offline.New(offline.Options{
		Docs:   e.docs,
		Key:    cfg.Sync.DocumentKey,
		Now:    e.now,
		Logger: e.logger,
	})

	collab, err := openCollaborators(cfg, d)
	if err != nil {
		return nil, err
	}
	e.bucket = collab.bucket
	e.uploads = upload.New(upload.Options{
		Thresholds:     upload.ThresholdsFromConfig(cfg),
		CDN:            collab.cdn,
		Repository:     collab.repo,
		Deployer:       collab.deployer,
		Pending:        offline.CommitRecorder{C: e.offline},
		Ephemeral:      ephemeral,
		Staging:        e.docs,
		PublicBase:     cfg.Server.Origin,
		PathPrefix:     cfg.Uploads.Repository.PathPrefix,
		QuotaThreshold: cfg.Storage.QuotaThreshold,
		Background:     e.bg,
		Now:            e.now,
		Logger:         e.logger,
	})
	e.offline.HandleCommits(e.uploads.RetryCommit)

	e.sched = schedule.New(schedule.Options{
		Loader:    e.router,
		Immediate: cfg.Scheduler.Immediate,
		Lookahead: cfg.Scheduler.Lookahead,
		Idle:      cfg.SchedulerIdle(),
		Now:       e.now,
		Logger:    e.logger,
	})
	return e, nil
}

func (e *Engine) openStores(noMirror bool) error {
	needMirror := false
	for _, sc := range e.cfg.Storage.Stores {
		needMirror = needMirror || sc.Persist
	}
	if needMirror && !noMirror {
		dir := filepath.Join(e.cfg.Storage.DataDir, "cache")
		b, err := store.OpenLevel(dir, e.cfg.DiskMaxBytes(), e.logger)
		if err != nil {
			return fmt.Errorf("open cache mirror %s: %w", dir, err)
		}
		e.mirror = b
	}

	e.stores = store.NewRegistry()
	for _, sc := range e.cfg.Storage.Stores {
		opts := []store.Option{store.WithLogger(e.logger)}
		if sc.Persist && e.mirror != nil {
			opts = append(opts,
				store.WithMirror(e.mirror),
				store.WithEstimator(e.mirror.EstimatorFor(sc.Name, sc.QuotaBytes())))
		} else {
			opts = append(opts, store.WithSelfEstimate())
		}
		s := store.New(sc.Name, sc.QuotaBytes(), opts...)
		if n, err := s.Restore(); err != nil {
			e.logger.Warn("could not restore store", slog.String("store", sc.Name), slog.Any("error", err))
		} else if n > 0 {
			e.logger.Info("restored store", slog.String("store", sc.Name), slog.Int("entries", n))
		}
		e.stores.Add(s)
	}
	return nil
}

func openDocuments(ctx context.Context, cfg config.Config) (persist.Documents, error) {
	switch cfg.Sync.Backend {
	case "postgres":
		return persist.OpenPostgres(ctx, cfg.Sync.Postgres.DSN, cfg.Sync.Postgres.Table)
	default:
		dir := filepath.Join(cfg.Storage.DataDir, "state")
		docs, err := persist.OpenLevel(dir)
		if err != nil {
			return nil, fmt.Errorf("open state %s: %w", dir, err)
		}
		return docs, nil
	}
}

type collaborators struct {
	bucket   *cdn.Client
	cdn      upload.CDN
	repo     upload.Repository
	deployer upload.DeployNotifier
}

// openCollaborators builds the configured upload collaborators. Interfaces
// stay nil when unconfigured so the upload router reports them missing.
func openCollaborators(cfg config.Config, d deps) (collaborators, error) {
	c := collaborators{cdn: d.cdn, repo: d.repo, deployer: d.deployer}
	up := cfg.Uploads
	if c.cdn == nil && up.CDN.Enabled() {
		client, err := cdn.New(up.CDN)
		if err != nil {
			return c, err
		}
		c.cdn, c.bucket = client, client
	}
	if c.repo == nil && up.Repository.Enabled() {
		r, err := gitrepo.Open(up.Repository)
		if err != nil {
			return c, err
		}
		c.repo = r
	}
	if c.deployer == nil && up.Deploy.GitHub.Enabled() {
		n, err := gitrepo.NewDispatcher(up.Deploy.GitHub)
		if err != nil {
			return c, err
		}
		c.deployer = n
	}
	return c, nil
}

// Start activates the cache version, precaches the app shell and starts
// the background loops. It returns once activation is done.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.activate(ctx); err != nil {
		return err
	}
	e.ensureBucket(ctx)
	e.precacheAppShell(ctx)

	if every := e.cfg.LogStatsEvery(); every > 0 {
		e.goLoop(func() { e.statsLoop(every) })
	}
	if every := e.cfg.SyncInterval(); every > 0 {
		e.goLoop(func() { e.flushLoop(every) })
	}
	if len(e.cfg.Precache.Sitemaps) > 0 {
		e.goLoop(e.sitemapLoop)
	}
	return nil
}

func (e *Engine) goLoop(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) flushLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-t.C:
			if _, err := e.offline.Flush(e.ctx); err != nil {
				e.logger.Warn("periodic flush failed", slog.Any("error", err))
			}
		}
	}
}

// Close stops background work and releases storage. It is safe to call
// more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
		if e.bg != nil {
			e.bg.Close()
		}
		if e.router != nil {
			e.router.Close()
		}
		if e.docs != nil {
			if err := e.docs.Close(); err != nil {
				e.logger.Warn("close state", slog.Any("error", err))
			}
		}
		if e.mirror != nil {
			if err := e.mirror.Close(); err != nil {
				e.logger.Warn("close cache mirror", slog.Any("error", err))
			}
		}
	})
}

// Wait blocks until in-flight background tasks finish.
func (e *Engine) Wait() { e.bg.Wait() }

func (e *Engine) Config() config.Config          { return e.cfg }
func (e *Engine) Stores() *store.Registry        { return e.stores }
func (e *Engine) Router() *strategy.Router       { return e.router }
func (e *Engine) Uploads() *upload.Router        { return e.uploads }
func (e *Engine) Scheduler() *schedule.Scheduler { return e.sched }
func (e *Engine) Offline() *offline.Coordinator  { return e.offline }
