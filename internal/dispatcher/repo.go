package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/gh-frontier/internal/crawler"
	"github.com/JakeFAU/gh-frontier/internal/metrics"
	"github.com/JakeFAU/gh-frontier/internal/transform"
)

// RepoFollowerConfig controls the repo follower dispatcher.
type RepoFollowerConfig struct {
	MaxPages  int
	SeedDepth int
	FanOut    int
}

// RepoFollowerLoader drains the repo queue, seeding every follower of a
// repository as a new root of the frontier.
type RepoFollowerLoader struct {
	queue    crawler.RepoQueue
	frontier crawler.FrontierStore
	scraper  crawler.RepoScraper
	clock    crawler.Clock
	cfg      RepoFollowerConfig
	logger   *zap.Logger
}

// NewRepoFollowerLoader constructs a RepoFollowerLoader.
func NewRepoFollowerLoader(
	queue crawler.RepoQueue,
	frontier crawler.FrontierStore,
	scraper crawler.RepoScraper,
	clock crawler.Clock,
	cfg RepoFollowerConfig,
	logger *zap.Logger,
) (*RepoFollowerLoader, error) {
	if queue == nil || frontier == nil || scraper == nil || clock == nil {
		return nil, fmt.Errorf("repo follower loader: queue, frontier, scraper and clock are required")
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	if cfg.SeedDepth < 0 {
		return nil, fmt.Errorf("repo follower loader: seed depth must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &RepoFollowerLoader{
		queue:    queue,
		frontier: frontier,
		scraper:  scraper,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Tick consumes at most one repo queue entry. The entry is deleted by the
// claim, so a failed scrape is not retried.
func (l *RepoFollowerLoader) Tick(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "repo_followers.tick")
	defer func() { finishSpan(span, err) }()

	entry, err := l.queue.ClaimRepo(ctx)
	if err != nil {
		return fmt.Errorf("claim repo: %w", err)
	}
	if entry == nil {
		return nil
	}
	metrics.ObserveClaim("repo")

	name := crawler.NormalizeLogin(entry.FullName)
	span.SetAttributes(attribute.String("full_name", name))
	logger := l.logger.With(zap.String("full_name", name))

	payload, err := l.scraper.ScrapeRepo(ctx, name, l.cfg.MaxPages, false)
	if errors.Is(err, crawler.ErrNotFound) {
		payload, err = nil, nil
	}
	if err != nil {
		return fmt.Errorf("scrape repo %s: %w", name, err)
	}
	if payload == nil {
		logger.Info("repository not found, entry dropped")
		return nil
	}

	if repo, err := transform.Repo(*payload, l.clock.Now()); err != nil {
		logger.Warn("skipping repository metadata", zap.Error(err))
	} else if err := l.frontier.SaveRepo(ctx, repo); err != nil {
		logger.Warn("could not save repository", zap.Error(err))
	}

	handles := make([]string, 0, len(payload.Followers))
	for _, h := range payload.Followers {
		if login := crawler.NormalizeLogin(h.Handle); login != "" {
			handles = append(handles, login)
		}
	}

	failures := fanOut(ctx, l.cfg.FanOut, handles, func(ctx context.Context, login string) error {
		err := l.frontier.UpsertFrontier(ctx, crawler.FrontierSeed{
			Login:            login,
			Depth:            l.cfg.SeedDepth,
			ResetLastScraped: true,
		})
		metrics.ObserveFrontierUpsert("repo_follower", err)
		if err != nil {
			logger.Warn("could not seed follower", zap.String("follower", login), zap.Error(err))
		}
		return err
	})

	logger.Info("repository followers seeded",
		zap.Int("followers", len(handles)),
		zap.Int("failed", failures),
	)
	return nil
}
