package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/gh-frontier/internal/crawler"
	"github.com/JakeFAU/gh-frontier/internal/metrics"
)

// ErrTickBudget is returned when the tick deadline cannot fit the page delays
// of a full query. No entry is claimed.
var ErrTickBudget = errors.New("tick deadline too short for a full query")

// QueryLoaderConfig controls a query expansion dispatcher.
type QueryLoaderConfig struct {
	Kind      crawler.QueryKind
	SeedDepth int
	FanOut    int
	// PageDelay is waited between consecutive result pages of one entry.
	PageDelay time.Duration
}

// QueryLoader expands one keyword query per tick into frontier seeds and,
// for repository searches, repo queue entries.
type QueryLoader struct {
	queries  crawler.QueryQueue
	frontier crawler.FrontierStore
	repos    crawler.RepoQueue
	searcher crawler.KeywordSearcher
	cfg      QueryLoaderConfig
	logger   *zap.Logger
}

// NewQueryLoader constructs a QueryLoader for cfg.Kind.
func NewQueryLoader(
	queries crawler.QueryQueue,
	frontier crawler.FrontierStore,
	repos crawler.RepoQueue,
	searcher crawler.KeywordSearcher,
	cfg QueryLoaderConfig,
	logger *zap.Logger,
) (*QueryLoader, error) {
	if _, err := crawler.ParseQueryKind(string(cfg.Kind)); err != nil {
		return nil, fmt.Errorf("query loader: %w", err)
	}
	if queries == nil || frontier == nil || searcher == nil {
		return nil, fmt.Errorf("query loader: queries, frontier and searcher are required")
	}
	if cfg.Kind == crawler.QueryKindRepos && repos == nil {
		return nil, fmt.Errorf("query loader: repo queue is required for repository queries")
	}
	if cfg.PageDelay < 0 {
		return nil, fmt.Errorf("query loader: page delay must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &QueryLoader{
		queries:  queries,
		frontier: frontier,
		repos:    repos,
		searcher: searcher,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Tick consumes at most one query entry and walks its pages in order.
// A failed page aborts the remaining pages; the entry is already consumed.
func (l *QueryLoader) Tick(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "query_"+string(l.cfg.Kind)+".tick")
	defer func() { finishSpan(span, err) }()

	if deadline, ok := ctx.Deadline(); ok {
		if need := time.Duration(crawler.MaxQueryPages-1) * l.cfg.PageDelay; time.Until(deadline) < need {
			return fmt.Errorf("%w: need %s of page delays", ErrTickBudget, need)
		}
	}

	entry, err := l.queries.ClaimQuery(ctx, l.cfg.Kind)
	if err != nil {
		return fmt.Errorf("claim %s query: %w", l.cfg.Kind, err)
	}
	if entry == nil {
		return nil
	}
	metrics.ObserveClaim("query_" + string(l.cfg.Kind))
	span.SetAttributes(attribute.String("query", entry.Query), attribute.Int("pages", entry.Pages))

	logger := l.logger.With(zap.String("query", entry.Query), zap.String("kind", string(entry.Kind)))

	for page := 1; page <= entry.Pages; page++ {
		if page > 1 {
			if err := sleep(ctx, l.cfg.PageDelay); err != nil {
				return fmt.Errorf("query %q interrupted before page %d: %w", entry.Query, page, err)
			}
		}
		results, err := l.search(ctx, entry.Query, page)
		metrics.ObserveQueryPage(string(l.cfg.Kind), err)
		if err != nil {
			return fmt.Errorf("search %s %q page %d: %w", l.cfg.Kind, entry.Query, page, err)
		}
		failures := fanOut(ctx, l.cfg.FanOut, results, func(ctx context.Context, result string) error {
			return l.expand(ctx, result, logger)
		})
		logger.Info("query page expanded",
			zap.Int("page", page),
			zap.Int("results", len(results)),
			zap.Int("failed", failures),
		)
	}
	return nil
}

func (l *QueryLoader) search(ctx context.Context, query string, page int) ([]string, error) {
	switch l.cfg.Kind {
	case crawler.QueryKindRepos:
		return l.searcher.SearchRepos(ctx, query, page)
	case crawler.QueryKindUsers:
		return l.searcher.SearchUsers(ctx, query, page)
	default:
		return nil, fmt.Errorf("unknown query kind %q", l.cfg.Kind)
	}
}

func (l *QueryLoader) expand(ctx context.Context, result string, logger *zap.Logger) error {
	switch l.cfg.Kind {
	case crawler.QueryKindRepos:
		return l.expandRepo(ctx, result, logger)
	case crawler.QueryKindUsers:
		return l.expandUser(ctx, result, logger)
	default:
		return fmt.Errorf("unknown query kind %q", l.cfg.Kind)
	}
}

func (l *QueryLoader) expandRepo(ctx context.Context, fullName string, logger *zap.Logger) error {
	name := crawler.NormalizeLogin(fullName)
	owner, _, err := crawler.SplitFullName(name)
	if err != nil {
		logger.Warn("skipping malformed search result", zap.String("result", fullName), zap.Error(err))
		return err
	}

	err = l.frontier.UpsertFrontier(ctx, crawler.FrontierSeed{
		Login:            owner,
		Depth:            l.cfg.SeedDepth,
		ResetLastScraped: true,
	})
	metrics.ObserveFrontierUpsert("query_repos", err)
	if err != nil {
		logger.Warn("could not seed repository owner", zap.String("login", owner), zap.Error(err))
		return err
	}

	if err := l.repos.EnqueueRepo(ctx, name); err != nil {
		logger.Warn("could not enqueue repository", zap.String("full_name", name), zap.Error(err))
		return err
	}
	metrics.ObserveRepoEnqueued()
	return nil
}

func (l *QueryLoader) expandUser(ctx context.Context, result string, logger *zap.Logger) error {
	login := crawler.NormalizeLogin(result)
	if login == "" {
		return nil
	}
	err := l.frontier.UpsertFrontier(ctx, crawler.FrontierSeed{
		Login:            login,
		Depth:            l.cfg.SeedDepth,
		ResetLastScraped: true,
	})
	metrics.ObserveFrontierUpsert("query_users", err)
	if err != nil {
		logger.Warn("could not seed user", zap.String("login", login), zap.Error(err))
	}
	return err
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
