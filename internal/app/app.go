// Package app builds the frontier services from configuration and runs them
// until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gh-frontier/internal/api"
	"github.com/JakeFAU/gh-frontier/internal/clock/system"
	"github.com/JakeFAU/gh-frontier/internal/config"
	"github.com/JakeFAU/gh-frontier/internal/crawler"
	"github.com/JakeFAU/gh-frontier/internal/dispatcher"
	"github.com/JakeFAU/gh-frontier/internal/github"
	"github.com/JakeFAU/gh-frontier/internal/hash/sha256"
	"github.com/JakeFAU/gh-frontier/internal/id/uuid"
	memorypublisher "github.com/JakeFAU/gh-frontier/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/gh-frontier/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/gh-frontier/internal/storage/gcs"
	localstorage "github.com/JakeFAU/gh-frontier/internal/storage/local"
	memorystorage "github.com/JakeFAU/gh-frontier/internal/storage/memory"
	pgstore "github.com/JakeFAU/gh-frontier/internal/storage/postgres"
	"github.com/JakeFAU/gh-frontier/internal/telemetry"
	"github.com/JakeFAU/gh-frontier/internal/transform"
	"github.com/JakeFAU/gh-frontier/internal/worker"
)

// Service names used for worker pools, logs and metrics.
const (
	ServiceProfileRefresh = "profile_refresh"
	ServiceRepoFollowers  = "repo_followers"
	ServiceRepoQuery      = "repo_query"
	ServiceUserQuery      = "user_query"
)

const shutdownTimeout = 10 * time.Second

// Scraper is the complete upstream capability used by the dispatchers.
type Scraper interface {
	crawler.ProfileScraper
	crawler.RepoScraper
	crawler.KeywordSearcher
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     crawler.Clock
	store     crawler.Store
	scraper   Scraper
	archive   crawler.BlobStore
	publisher crawler.Publisher
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server

	closers   []closer
	closeOnce sync.Once
}

// Option customizes App construction.
type Option func(*App)

// WithStore replaces the configured store.
func WithStore(store crawler.Store) Option {
	return func(a *App) { a.store = store }
}

// WithScraper replaces the GitHub client.
func WithScraper(s Scraper) Option {
	return func(a *App) { a.scraper = s }
}

// WithClock replaces the wall clock.
func WithClock(c crawler.Clock) Option {
	return func(a *App) { a.clock = c }
}

// New wires every component named by cfg. Startup failures are returned
// after releasing whatever was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.build(ctx); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	logger.Info("application created",
		zap.String("store", cfg.Store.Driver),
		zap.String("archive", cfg.Archive.Driver),
		zap.String("publisher", cfg.Publisher.Driver),
		zap.Strings("services", a.dispatch.Services()),
	)
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	if a.clock == nil {
		a.clock = system.New()
	}

	if cfg.Telemetry.TracingEnabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		a.addCloser("tracer", tp.Shutdown)
	}

	if a.store == nil {
		store, err := OpenStore(ctx, cfg, a.clock, a.logger)
		if err != nil {
			return err
		}
		a.store = store
		a.addCloser("store", func(context.Context) error { store.Close(); return nil })
	}

	if a.scraper == nil {
		client, err := github.New(github.Config{
			APIURL:            cfg.GitHub.APIURL,
			Token:             cfg.GitHub.Token,
			UserAgent:         cfg.GitHub.UserAgent,
			Timeout:           cfg.GitHub.Timeout,
			RequestsPerSecond: cfg.GitHub.RequestsPerSecond,
			Burst:             cfg.GitHub.Burst,
			PerPage:           cfg.GitHub.PerPage,
		}, a.logger.Named("github"))
		if err != nil {
			return fmt.Errorf("init github client: %w", err)
		}
		a.scraper = client
	}

	if err := a.buildArchive(ctx); err != nil {
		return err
	}
	if err := a.buildPublisher(ctx); err != nil {
		return err
	}

	runners, err := a.buildServices()
	if err != nil {
		return err
	}
	a.dispatch = dispatcher.New(a.store, runners, cfg.Frontier.SeedDepth, a.logger.Named("dispatcher"))
	a.apiServer = api.NewServer(a.store, a.dispatch, cfg.Auth, a.logger.Named("api"))
	return nil
}

// OpenStore connects the configured store and applies the schema when asked.
func OpenStore(ctx context.Context, cfg config.Config, clock crawler.Clock, logger *zap.Logger) (crawler.Store, error) {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := uuid.New()
	switch cfg.Store.Driver {
	case "memory":
		logger.Warn("using in-memory store; frontier state is lost on exit")
		return memorystorage.NewStore(clock, ids), nil
	case "postgres":
		store, err := pgstore.NewStore(ctx, pgstore.Config{
			DSN:             cfg.Store.Postgres.DSN,
			MaxConns:        cfg.Store.Postgres.MaxConns,
			MinConns:        cfg.Store.Postgres.MinConns,
			MaxConnLifetime: cfg.Store.Postgres.MaxConnLifetime,
		}, clock, ids)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if cfg.Store.Postgres.Migrate {
			if err := store.Migrate(ctx); err != nil {
				store.Close()
				return nil, fmt.Errorf("migrate postgres store: %w", err)
			}
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func (a *App) buildArchive(ctx context.Context) error {
	switch a.cfg.Archive.Driver {
	case "", "none":
	case "memory":
		a.archive = memorystorage.NewBlobStore()
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return fmt.Errorf("init local archive: %w", err)
		}
		a.archive = store
	case "gcs":
		store, err := gcsstorage.NewFromEnv(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket})
		if err != nil {
			return fmt.Errorf("init gcs archive: %w", err)
		}
		a.archive = store
		a.addCloser("gcs", func(context.Context) error { return store.Close() })
	default:
		return fmt.Errorf("unknown archive driver %q", a.cfg.Archive.Driver)
	}
	return nil
}

func (a *App) buildPublisher(ctx context.Context) error {
	switch a.cfg.Publisher.Driver {
	case "", "none":
	case "memory":
		a.publisher = memorypublisher.New()
	case "pubsub":
		pub, err := gcppublisher.NewFromProject(ctx, a.cfg.Publisher.ProjectID)
		if err != nil {
			return fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.publisher = pub
		a.addCloser("pubsub", func(context.Context) error { return pub.Close() })
	default:
		return fmt.Errorf("unknown publisher driver %q", a.cfg.Publisher.Driver)
	}
	return nil
}

func (a *App) buildServices() ([]dispatcher.Runner, error) {
	cfg := a.cfg
	var runners []dispatcher.Runner
	add := func(name string, svc config.ServiceConfig, task worker.Task) error {
		pool, err := worker.New(worker.Config{
			Name:        name,
			Interval:    svc.Interval,
			Workers:     svc.Workers,
			TickTimeout: svc.TickTimeout,
		}, task, a.logger.Named("worker"))
		if err != nil {
			return fmt.Errorf("init %s pool: %w", name, err)
		}
		runners = append(runners, pool)
		return nil
	}

	if svc := cfg.Services.ProfileRefresh; svc.Enabled {
		var topts []transform.Option
		if cfg.Frontier.EnqueueOwnedRepos {
			topts = append(topts, transform.WithOwnedRepoQueue(a.store))
		}
		tr, err := transform.NewTransformer(a.store, a.clock, a.logger.Named("transform"), topts...)
		if err != nil {
			return nil, fmt.Errorf("init transformer: %w", err)
		}
		var popts []dispatcher.ProfileOption
		if a.archive != nil {
			popts = append(popts, dispatcher.WithArchive(a.archive), dispatcher.WithHasher(sha256.New()))
		}
		if a.publisher != nil {
			popts = append(popts, dispatcher.WithPublisher(a.publisher))
		}
		refresher, err := dispatcher.NewProfileRefresher(a.store, a.scraper, tr, a.clock, dispatcher.ProfileRefresherConfig{
			StaleAfter:    cfg.Frontier.StaleAfter,
			MaxPages:      cfg.Frontier.ProfileMaxPages,
			FanOut:        cfg.Frontier.FanOut,
			ArchivePrefix: cfg.Archive.Prefix,
			Topic:         cfg.Publisher.Topic,
		}, a.logger.Named("profile-refresh"), popts...)
		if err != nil {
			return nil, err
		}
		if err := add(ServiceProfileRefresh, svc, refresher.Tick); err != nil {
			return nil, err
		}
	}

	if svc := cfg.Services.RepoFollowers; svc.Enabled {
		loader, err := dispatcher.NewRepoFollowerLoader(a.store, a.store, a.scraper, a.clock, dispatcher.RepoFollowerConfig{
			MaxPages:  cfg.Frontier.RepoMaxPages,
			SeedDepth: cfg.Frontier.SeedDepth,
			FanOut:    cfg.Frontier.FanOut,
		}, a.logger.Named("repo-followers"))
		if err != nil {
			return nil, err
		}
		if err := add(ServiceRepoFollowers, svc, loader.Tick); err != nil {
			return nil, err
		}
	}

	queries := []struct {
		name string
		kind crawler.QueryKind
		svc  config.ServiceConfig
	}{
		{ServiceRepoQuery, crawler.QueryKindRepos, cfg.Services.RepoQuery},
		{ServiceUserQuery, crawler.QueryKindUsers, cfg.Services.UserQuery},
	}
	for _, q := range queries {
		if !q.svc.Enabled {
			continue
		}
		loader, err := dispatcher.NewQueryLoader(a.store, a.store, a.store, a.scraper, dispatcher.QueryLoaderConfig{
			Kind:      q.kind,
			SeedDepth: cfg.Frontier.SeedDepth,
			FanOut:    cfg.Frontier.FanOut,
			PageDelay: cfg.Frontier.QueryPageDelay,
		}, a.logger.Named("query-"+string(q.kind)))
		if err != nil {
			return nil, err
		}
		if err := add(q.name, q.svc, loader.Tick); err != nil {
			return nil, err
		}
	}
	return runners, nil
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Dispatcher exposes the dispatcher for one-shot commands.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatch
}

// Handler returns the operator HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts every enabled service and the HTTP server, blocks until ctx is
// canceled, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.dispatch.Run(ctx)
	}()

	var srv *http.Server
	if a.cfg.Server.Port > 0 {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				stop()
			}
		}()
	}

	a.logger.Info("application started")
	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.logger.Warn("services did not stop before the shutdown deadline")
	}
	return a.Close(shutdownCtx)
}

// Close releases resources in reverse order of creation. It is safe to call
// more than once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			c := a.closers[i]
			if err := c.fn(ctx); err != nil {
				a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
				errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
			}
		}
		a.logger.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
