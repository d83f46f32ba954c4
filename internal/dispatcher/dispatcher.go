// Package dispatcher implements the scrape dispatchers that drain the frontier
// and the work queues, and coordinates the service pools that drive them.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/gh-frontier/internal/crawler"
	"github.com/JakeFAU/gh-frontier/internal/metrics"
)

var tracer = otel.Tracer("github.com/JakeFAU/gh-frontier/internal/dispatcher")

// ErrInvalid marks work rejected before it reaches the store.
var ErrInvalid = errors.New("invalid")

// Runner is a long-lived service, typically a *worker.Pool.
type Runner interface {
	Name() string
	Run(ctx context.Context)
}

// Dispatcher runs the service pools and accepts externally created work.
type Dispatcher struct {
	store     crawler.Store
	runners   []Runner
	seedDepth int
	logger    *zap.Logger
}

// New creates a Dispatcher.
func New(store crawler.Store, runners []Runner, seedDepth int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Dispatcher{
		store:     store,
		runners:   runners,
		seedDepth: seedDepth,
		logger:    logger,
	}
}

// Run starts all services and blocks until the context finishes and every
// service has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, r := range d.runners {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}
	<-ctx.Done()
	wg.Wait()
}

// Services lists the names of the registered services.
func (d *Dispatcher) Services() []string {
	out := make([]string, 0, len(d.runners))
	for _, r := range d.runners {
		out = append(out, r.Name())
	}
	return out
}

// EnqueueQuery validates and appends a keyword query to the query queue.
func (d *Dispatcher) EnqueueQuery(ctx context.Context, entry crawler.QueryQueueEntry) (crawler.QueryQueueEntry, error) {
	if err := entry.Validate(); err != nil {
		return crawler.QueryQueueEntry{}, fmt.Errorf("%w query: %w", ErrInvalid, err)
	}
	saved, err := d.store.EnqueueQuery(ctx, entry)
	if err != nil {
		return crawler.QueryQueueEntry{}, fmt.Errorf("queue enqueue: %w", err)
	}
	d.logger.Info("query enqueued",
		zap.String("id", saved.ID),
		zap.String("kind", string(saved.Kind)),
		zap.String("query", saved.Query),
		zap.Int("pages", saved.Pages),
	)
	return saved, nil
}

// EnqueueRepo validates and appends a repository to the repo queue.
func (d *Dispatcher) EnqueueRepo(ctx context.Context, fullName string) (string, error) {
	name := crawler.NormalizeLogin(fullName)
	if _, _, err := crawler.SplitFullName(name); err != nil {
		return "", fmt.Errorf("%w repository: %w", ErrInvalid, err)
	}
	if err := d.store.EnqueueRepo(ctx, name); err != nil {
		return "", fmt.Errorf("queue enqueue: %w", err)
	}
	metrics.ObserveRepoEnqueued()
	d.logger.Info("repository enqueued", zap.String("full_name", name))
	return name, nil
}

// Seed inserts a root login into the frontier with the highest priority.
// A negative depth selects the configured seed depth.
func (d *Dispatcher) Seed(ctx context.Context, login string, depth int) (crawler.FrontierSeed, error) {
	seed := crawler.FrontierSeed{
		Login:            crawler.NormalizeLogin(login),
		Depth:            depth,
		ResetLastScraped: true,
	}
	if seed.Login == "" {
		return crawler.FrontierSeed{}, fmt.Errorf("%w seed: login is required", ErrInvalid)
	}
	if seed.Depth < 0 {
		seed.Depth = d.seedDepth
	}
	err := d.store.UpsertFrontier(ctx, seed)
	metrics.ObserveFrontierUpsert("seed", err)
	if err != nil {
		return crawler.FrontierSeed{}, fmt.Errorf("seed %s: %w", seed.Login, err)
	}
	d.logger.Info("frontier seeded", zap.String("login", seed.Login), zap.Int("depth", seed.Depth))
	return seed, nil
}

// fanOut runs fn for every item with at most limit in flight and waits for
// all of them. Item errors never cancel siblings; the number of failures is
// returned so callers can log a summary.
func fanOut[T any](ctx context.Context, limit int, items []T, fn func(context.Context, T) error) int {
	if limit <= 0 {
		limit = 1
	}
	var (
		g        errgroup.Group
		failures atomic.Int64
	)
	g.SetLimit(limit)
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := fn(ctx, item); err != nil {
				failures.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(failures.Load())
}

// finishSpan records err on the span before ending it.
func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
