// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/searchcrawler/internal/api"
	"github.com/JakeFAU/searchcrawler/internal/clock/system"
	"github.com/JakeFAU/searchcrawler/internal/config"
	"github.com/JakeFAU/searchcrawler/internal/coordinator"
	"github.com/JakeFAU/searchcrawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/searchcrawler/internal/fetcher/colly"
	"github.com/JakeFAU/searchcrawler/internal/fetcher/headless"
	"github.com/JakeFAU/searchcrawler/internal/hash/xxhash"
	"github.com/JakeFAU/searchcrawler/internal/headless/detector"
	"github.com/JakeFAU/searchcrawler/internal/id/uuid"
	"github.com/JakeFAU/searchcrawler/internal/index"
	memindex "github.com/JakeFAU/searchcrawler/internal/index/memory"
	"github.com/JakeFAU/searchcrawler/internal/index/redisearch"
	"github.com/JakeFAU/searchcrawler/internal/logging"
	"github.com/JakeFAU/searchcrawler/internal/parser"
	"github.com/JakeFAU/searchcrawler/internal/progress"
	progresssinks "github.com/JakeFAU/searchcrawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/searchcrawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/searchcrawler/internal/publisher/pubsub"
	"github.com/JakeFAU/searchcrawler/internal/query"
	"github.com/JakeFAU/searchcrawler/internal/robots"
	"github.com/JakeFAU/searchcrawler/internal/search"
	"github.com/JakeFAU/searchcrawler/internal/session"
	"github.com/JakeFAU/searchcrawler/internal/storage"
	memorystorage "github.com/JakeFAU/searchcrawler/internal/storage/memory"
	mongostore "github.com/JakeFAU/searchcrawler/internal/storage/mongo"
	pgstore "github.com/JakeFAU/searchcrawler/internal/storage/postgres"
	"github.com/JakeFAU/searchcrawler/internal/telemetry"
	"github.com/JakeFAU/searchcrawler/internal/worker"
)

const (
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 5 * time.Second
	publisherBacklog  = 1024
)

// Options carries build inputs that are not part of the config file.
type Options struct {
	// ConfigPath is watched for scoring changes; empty disables the watch.
	ConfigPath string
	Version    string
	// Registerer receives the progress collectors. Defaults to the global
	// Prometheus registry.
	Registerer prometheus.Registerer
}

type closer struct {
	name string
	fn   func() error
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	opts   Options
	logger *zap.Logger

	apiServer   *api.Server
	manager     *session.Manager
	sweeper     *coordinator.Sweeper
	bulkSync    *coordinator.BulkSync
	scorer      *query.Scorer
	progressHub *progress.Hub
	store       crawler.PageStore
	index       index.Index
	checks      []api.Check

	// adapters are closed in reverse order of creation.
	adapters       []closer
	tracerShutdown func(context.Context) error
}

// Handler exposes the HTTP router, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the HTTP server and the background loops and blocks until the
// context is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bgCtx, cancelBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBackground()
	g, gctx := errgroup.WithContext(bgCtx)
	g.Go(func() error { return a.manager.Run(gctx) })
	g.Go(func() error { return a.sweeper.Run(gctx) })
	g.Go(func() error { return a.bulkSync.Run(gctx) })

	if err := config.WatchScoring(a.opts.ConfigPath, a.applyScoring, func(err error) {
		a.logger.Warn("scoring reload rejected", zap.Error(err))
	}); err != nil {
		a.logger.Warn("scoring watch disabled", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.manager.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("session shutdown incomplete", zap.Error(err))
	}
	cancelBackground()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("background loop failed", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

func (a *App) applyScoring(sc config.ScoringConfig) {
	if err := a.scorer.Update(profileFrom(sc)); err != nil {
		a.logger.Warn("scoring reload rejected", zap.Error(err))
		return
	}
	a.logger.Info("scoring profile reloaded",
		zap.Float64("title_weight", sc.TitleWeight),
		zap.Float64("body_weight", sc.BodyWeight),
		zap.Float64("offset_boost", sc.OffsetBoost),
		zap.Int("offset_window", sc.OffsetWindow),
	)
}

// Close flushes progress events and releases every backend.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	for i := len(a.adapters) - 1; i >= 0; i-- {
		c := a.adapters[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("adapter close failed", zap.String("adapter", c.name), zap.Error(err))
		}
	}
	a.adapters = nil
	if a.store != nil {
		if err := a.store.Close(ctx); err != nil {
			a.logger.Warn("doc store close failed", zap.Error(err))
		}
	}
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			a.logger.Warn("search index close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}

// Build creates the application's dependencies. On error everything opened
// so far is closed again.
func Build(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	logger, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		File:        cfg.Logging.File,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}

	app := &App{cfg: cfg, opts: opts, logger: logger}
	logger.Info("building application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("version", opts.Version),
	)
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.WithoutCancel(ctx))
			app.closeObservability(context.WithoutCancel(ctx))
		}
	}()

	tp, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName: "searchcrawler",
		Version:     opts.Version,
		SampleRatio: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	if app.store, err = setupStore(ctx, app); err != nil {
		return nil, err
	}
	if app.index, err = setupIndex(ctx, app); err != nil {
		return nil, err
	}
	renderer, err := setupRenderer(app)
	if err != nil {
		return nil, err
	}
	archive, err := setupArchive(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	if app.progressHub, err = setupProgress(ctx, app, publisher); err != nil {
		return nil, err
	}

	pipeline, coord, robotsCache, err := setupPipeline(app, renderer, archive)
	if err != nil {
		return nil, err
	}
	if err = setupSessions(app, pipeline, coord, robotsCache); err != nil {
		return nil, err
	}
	searcher, err := setupSearch(ctx, app)
	if err != nil {
		return nil, err
	}
	coord.OnIndexChanged(searcher.Invalidate)

	app.checks = append([]api.Check{
		{Name: "doc_store", Ping: app.store.Ping},
		{Name: "search_index", Ping: app.index.Ping},
	}, app.checks...)
	apiOpts := api.Options{
		Defaults:       sessionDefaults(cfg),
		HandlerTimeout: time.Duration(cfg.Server.HandlerTimeoutSeconds) * time.Second,
		Checks:         app.checks,
		Logger:         logger,
	}
	if cfg.Auth.Enabled {
		apiOpts.APIKey = cfg.Auth.APIKey
	}
	if cfg.RateLimit.Enabled {
		apiOpts.RateLimit = api.RateLimit{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst}
	}
	app.apiServer = api.NewServer(api.Deps{
		Sessions: app.manager,
		Search:   searcher,
		Prober:   pipeline,
	}, apiOpts)

	return app, nil
}

func (a *App) addAdapter(name string, fn func() error) {
	a.adapters = append(a.adapters, closer{name: name, fn: fn})
}

func setupStore(ctx context.Context, app *App) (crawler.PageStore, error) {
	uri := app.cfg.Storage.DocStoreURI
	switch {
	case uri == "" || uri == "internal":
		app.logger.Info("using in-memory document store")
		return memorystorage.NewPageStore(), nil
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		store, err := pgstore.NewPageStore(ctx, pgstore.PageStoreConfig{DSN: uri})
		if err != nil {
			return nil, fmt.Errorf("postgres doc store init failed: %w", err)
		}
		app.logger.Info("using postgres document store")
		return store, nil
	case strings.HasPrefix(uri, "mongodb://"), strings.HasPrefix(uri, "mongodb+srv://"):
		u, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("parse doc store uri: %w", err)
		}
		database := strings.Trim(u.Path, "/")
		store, err := mongostore.NewPageStore(ctx, mongostore.Config{URI: uri, Database: database})
		if err != nil {
			return nil, fmt.Errorf("mongo doc store init failed: %w", err)
		}
		app.logger.Info("using mongo document store", zap.String("database", database))
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported doc store uri %q", redact(uri))
	}
}

func setupIndex(ctx context.Context, app *App) (index.Index, error) {
	uri := app.cfg.Index.URI
	switch {
	case uri == "" || uri == "internal":
		app.logger.Info("using in-process search index")
		return memindex.New(), nil
	case strings.HasPrefix(uri, "redis://"), strings.HasPrefix(uri, "rediss://"):
		rcfg, err := redisearch.ParseURI(uri)
		if err != nil {
			return nil, err
		}
		if !hasQueryParam(uri, "pool") {
			rcfg.PoolSize = app.cfg.Index.PoolSize
		}
		rcfg.QueryTimeout = time.Duration(app.cfg.Index.QueryTimeoutMs) * time.Millisecond
		rcfg.Logger = app.logger
		client, err := redisearch.New(rcfg)
		if err != nil {
			return nil, fmt.Errorf("search index init failed: %w", err)
		}
		if err := client.EnsureIndex(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ensure search index: %w", err)
		}
		app.logger.Info("using redisearch index",
			zap.String("index", rcfg.IndexName),
			zap.Int("pool_size", rcfg.PoolSize),
		)
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported search index uri %q", redact(uri))
	}
}

// setupRenderer picks the headless backend from RENDERER_URL. A local browser
// that cannot be prepared degrades to the unavailable renderer.
func setupRenderer(app *App) (crawler.Renderer, error) {
	uri := app.cfg.Renderer.URL
	chromeCfg := headless.Config{
		MaxParallel:       app.cfg.Renderer.MaxParallel,
		UserAgent:         app.cfg.Crawler.UserAgent,
		NavigationTimeout: app.cfg.RequestTimeout(),
	}
	switch {
	case uri == "none":
		app.logger.Info("headless rendering disabled")
		return headless.NewUnavailable(), nil
	case uri == "" || uri == "internal":
		r, err := headless.NewChromedp(chromeCfg)
		if err != nil {
			app.logger.Warn("headless renderer init failed", zap.Error(err))
			return headless.NewUnavailable(), nil
		}
		app.addAdapter("chromedp", func() error { r.Close(); return nil })
		app.logger.Info("using local chromedp renderer", zap.Int("max_parallel", chromeCfg.MaxParallel))
		return r, nil
	case strings.HasPrefix(uri, "ws://"), strings.HasPrefix(uri, "wss://"):
		chromeCfg.RemoteURL = uri
		r, err := headless.NewChromedp(chromeCfg)
		if err != nil {
			return nil, fmt.Errorf("remote renderer init failed: %w", err)
		}
		app.addAdapter("chromedp", func() error { r.Close(); return nil })
		app.logger.Info("using remote chromedp renderer")
		return r, nil
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		r := headless.NewHTTPRenderer(uri, &http.Client{Timeout: app.cfg.RequestTimeout()})
		app.checks = append(app.checks, api.Check{Name: "renderer", Ping: r.Health})
		app.logger.Info("using http renderer", zap.String("url", redact(uri)))
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported renderer url %q", redact(uri))
	}
}

func setupArchive(ctx context.Context, app *App) (crawler.BlobStore, error) {
	archive, closeFn, err := storage.OpenArchive(ctx, app.cfg.Storage.ArchiveURI)
	if err != nil {
		return nil, fmt.Errorf("archive init failed: %w", err)
	}
	app.addAdapter("archive", closeFn)
	if archive == nil {
		app.logger.Info("raw page archive disabled")
	} else {
		app.logger.Info("raw page archive enabled", zap.String("uri", redact(app.cfg.Storage.ArchiveURI)))
	}
	return archive, nil
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(app.logger.Named("publisher"), publisherBacklog), nil
	}
	publisher, closeFn, err := gcppublisher.Open(ctx, app.cfg.PubSub.ProjectID, app.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.addAdapter("pubsub", closeFn)
	app.logger.Info(
		"pubsub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return publisher, nil
}

func setupProgress(ctx context.Context, app *App, publisher crawler.Publisher) (*progress.Hub, error) {
	promSink, err := progresssinks.NewPrometheusSink(app.opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	hubCfg := progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      app.logger.Named("progress_hub"),
	}
	hub := progress.NewHub(hubCfg,
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
		promSink,
		progresssinks.NewPublishSink(publisher, app.logger.Named("progress_publish")),
	)
	app.logger.Info("progress hub initialized")
	return hub, nil
}

func setupPipeline(
	app *App,
	renderer crawler.Renderer,
	archive crawler.BlobStore,
) (*worker.Pipeline, *coordinator.Coordinator, *robots.Cache, error) {
	cfg := app.cfg
	clock := system.New()
	hasher := xxhash.New()

	coord, err := coordinator.New(coordinator.Config{
		Store:   app.store,
		Index:   app.index,
		Clock:   clock,
		Emitter: app.progressHub,
		Logger:  app.logger,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("coordinator init failed: %w", err)
	}
	app.sweeper = coordinator.NewSweeper(coord, coordinator.SweeperConfig{
		Window:        time.Duration(cfg.Coordinator.PendingWindowSeconds) * time.Second,
		Interval:      time.Duration(cfg.Coordinator.SweepIntervalSeconds) * time.Second,
		MaxRetries:    cfg.Coordinator.MaxIndexRetries,
		RatePerSecond: cfg.Coordinator.SweepRPS,
	})
	app.bulkSync = coordinator.NewBulkSync(coord, coordinator.BulkSyncConfig{
		Interval:  time.Duration(cfg.Coordinator.SyncIntervalSeconds) * time.Second,
		BatchSize: cfg.Coordinator.SyncBatchSize,
	})

	robotsCache := robots.NewCache(robots.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   time.Duration(cfg.Crawler.RobotsTimeoutMs) * time.Millisecond,
		Logger:    app.logger,
	})
	pipeline, err := worker.New(worker.Config{
		Robots: robotsCache,
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent:    cfg.Crawler.UserAgent,
			Timeout:      cfg.RequestTimeout(),
			MaxBodyBytes: int(cfg.Crawler.MaxBodyBytes),
		}),
		Detector:        detector.NewHeuristic(),
		Renderer:        renderer,
		Parser:          parser.New(hasher, clock),
		Store:           app.store,
		Coordinator:     coord,
		Archive:         archive,
		Hasher:          hasher,
		Clock:           clock,
		Emitter:         app.progressHub,
		Logger:          app.logger,
		SPAEnabled:      cfg.Renderer.SPAEnabled,
		FreshnessWindow: cfg.FreshnessWindow(),
		UserAgent:       cfg.Crawler.UserAgent,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("pipeline init failed: %w", err)
	}
	return pipeline, coord, robotsCache, nil
}

func setupSessions(app *App, pipeline *worker.Pipeline, coord *coordinator.Coordinator, robotsCache *robots.Cache) error {
	cfg := app.cfg
	manager, err := session.NewManager(session.ManagerConfig{
		Pipeline:              pipeline,
		Robots:                robotsCache,
		IDs:                   uuid.New(),
		Clock:                 system.New(),
		Emitter:               app.progressHub,
		Logger:                app.logger,
		MaxConcurrentSessions: cfg.Crawler.MaxConcurrentSessions,
		Retention:             cfg.SessionRetention(),
		LogEntries:            cfg.Crawler.LogEntries,
		PolitenessDelay:       cfg.PolitenessDelay(),
	})
	if err != nil {
		return fmt.Errorf("session manager init failed: %w", err)
	}
	coord.OnIndexFailed(manager.RecordIndexFailure)
	app.manager = manager
	app.logger.Info("session manager ready",
		zap.String("user_agent", cfg.Crawler.UserAgent),
		zap.Bool("spa_rendering", cfg.Renderer.SPAEnabled),
		zap.Int("max_concurrent_sessions", cfg.Crawler.MaxConcurrentSessions),
	)
	return nil
}

func setupSearch(ctx context.Context, app *App) (*search.Service, error) {
	app.scorer = query.NewScorer(profileFrom(app.cfg.Scoring))
	scfg := search.Config{Index: app.index, Scorer: app.scorer, Logger: app.logger}
	if ttl := time.Duration(app.cfg.Search.CacheTTLSeconds) * time.Second; ttl > 0 {
		cache, err := search.NewCache(context.WithoutCancel(ctx), ttl, app.cfg.Search.CacheMaxMB)
		if err != nil {
			return nil, err
		}
		app.addAdapter("search_cache", cache.Close)
		scfg.Cache = cache
	}
	svc, err := search.NewService(scfg)
	if err != nil {
		return nil, fmt.Errorf("search service init failed: %w", err)
	}
	return svc, nil
}

func sessionDefaults(cfg config.Config) session.Defaults {
	return session.Defaults{
		UserAgent:           cfg.Crawler.UserAgent,
		SPARenderingEnabled: cfg.Renderer.SPAEnabled,
		MaxTimeout:          cfg.RequestTimeout(),
		MaxWorkers:          cfg.Crawler.MaxWorkersPerSession,
	}
}

func profileFrom(sc config.ScoringConfig) query.Profile {
	return query.Profile{
		TitleWeight:  sc.TitleWeight,
		BodyWeight:   sc.BodyWeight,
		OffsetBoost:  sc.OffsetBoost,
		OffsetWindow: sc.OffsetWindow,
	}
}

func hasQueryParam(raw, key string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Query().Has(key)
}

// redact drops credentials from a backend URI before it is logged.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
