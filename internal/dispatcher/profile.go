package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/gh-frontier/internal/crawler"
	"github.com/JakeFAU/gh-frontier/internal/metrics"
	"github.com/JakeFAU/gh-frontier/internal/transform"
)

// ProfileRefresherConfig controls the profile refresh dispatcher.
type ProfileRefresherConfig struct {
	// StaleAfter is how old a scrape must be before the profile is claimable again.
	StaleAfter time.Duration
	// MaxPages bounds every paged list fetched for one user.
	MaxPages int
	// FanOut bounds concurrent follower writes.
	FanOut int
	// ArchivePrefix is the object prefix for raw payloads.
	ArchivePrefix string
	// Topic receives a ProfileScrapedEvent after every successful refresh.
	Topic string
}

// ProfileScrapedEvent is published after a profile has been stored.
type ProfileScrapedEvent struct {
	Login     string `json:"login"`
	Depth     int    `json:"depth"`
	UserID    int64  `json:"user_id"`
	Followers int    `json:"followers"`
	// CommitAuthors counts the distinct other logins found in the commit history.
	CommitAuthors int       `json:"commit_authors"`
	ArchiveURI    string    `json:"archive_uri,omitempty"`
	Digest        string    `json:"payload_digest,omitempty"`
	ScrapedAt     time.Time `json:"scraped_at"`
}

// ProfileRefresher claims one stale profile per tick, rescrapes it and pushes
// its followers and commit authors into the frontier one level shallower.
type ProfileRefresher struct {
	store       crawler.FrontierStore
	scraper     crawler.ProfileScraper
	transformer *transform.Transformer
	clock       crawler.Clock
	archive     crawler.BlobStore
	hasher      crawler.Hasher
	publisher   crawler.Publisher
	cfg         ProfileRefresherConfig
	logger      *zap.Logger
}

// ProfileOption customizes a ProfileRefresher.
type ProfileOption func(*ProfileRefresher)

// WithArchive stores every raw user payload in the blob store.
func WithArchive(store crawler.BlobStore) ProfileOption {
	return func(r *ProfileRefresher) {
		r.archive = store
	}
}

// WithHasher records a digest of every archived payload in published events.
func WithHasher(h crawler.Hasher) ProfileOption {
	return func(r *ProfileRefresher) {
		r.hasher = h
	}
}

// WithPublisher publishes a ProfileScrapedEvent after every refresh.
func WithPublisher(p crawler.Publisher) ProfileOption {
	return func(r *ProfileRefresher) {
		r.publisher = p
	}
}

// NewProfileRefresher constructs a ProfileRefresher.
func NewProfileRefresher(
	store crawler.FrontierStore,
	scraper crawler.ProfileScraper,
	transformer *transform.Transformer,
	clock crawler.Clock,
	cfg ProfileRefresherConfig,
	logger *zap.Logger,
	opts ...ProfileOption,
) (*ProfileRefresher, error) {
	if store == nil || scraper == nil || transformer == nil || clock == nil {
		return nil, fmt.Errorf("profile refresher: store, scraper, transformer and clock are required")
	}
	if cfg.StaleAfter <= 0 {
		return nil, fmt.Errorf("profile refresher: stale after must be > 0")
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	r := &ProfileRefresher{
		store:       store,
		scraper:     scraper,
		transformer: transformer,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Tick refreshes at most one profile.
func (r *ProfileRefresher) Tick(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "profile_refresh.tick")
	defer func() { finishSpan(span, err) }()

	now := r.clock.Now()
	claim, err := r.store.ClaimProfile(ctx, now.Add(-r.cfg.StaleAfter), now)
	if err != nil {
		return fmt.Errorf("claim profile: %w", err)
	}
	if claim == nil {
		return nil
	}
	metrics.ObserveClaim("profile")
	span.SetAttributes(attribute.String("login", claim.Login), attribute.Int("depth", claim.Depth))

	login := crawler.NormalizeLogin(claim.Login)
	logger := r.logger.With(zap.String("login", login), zap.Int("depth", claim.Depth))

	payload, err := r.scraper.ScrapeUser(ctx, login, r.cfg.MaxPages)
	if errors.Is(err, crawler.ErrNotFound) {
		return r.prune(ctx, claim.Login, login, logger)
	}
	if err != nil {
		return fmt.Errorf("scrape user %s: %w", login, err)
	}

	archiveURI, digest := r.archivePayload(ctx, login, now, payload, logger)

	saved, err := r.transformer.SaveProfile(ctx, payload, claim.Depth)
	if err != nil {
		return fmt.Errorf("store profile %s: %w", login, err)
	}

	// Any non-canonical key (mixed case, padded) is a legacy duplicate of the
	// record just saved.
	if claim.Login != saved.Login {
		if err := r.store.DeleteProfile(ctx, claim.Login); err != nil {
			return fmt.Errorf("delete duplicate profile %q: %w", claim.Login, err)
		}
		logger.Info("removed non-canonical duplicate", zap.String("claimed_login", claim.Login))
	}

	followers := transform.FollowerLogins(payload)
	authors := transform.CommitAuthorLogins(payload)
	if claim.Depth > 0 {
		r.pushFollowers(ctx, transform.DiscoveredLogins(payload), claim.Depth-1, logger)
	}

	r.publish(ctx, ProfileScrapedEvent{
		Login:         saved.Login,
		Depth:         claim.Depth,
		UserID:        payload.ID,
		Followers:     len(followers),
		CommitAuthors: len(authors),
		ArchiveURI:    archiveURI,
		Digest:        digest,
		ScrapedAt:     now,
	}, logger)

	logger.Info("profile refreshed",
		zap.Int("followers", len(followers)),
		zap.Int("commit_authors", len(authors)),
	)
	return nil
}

func (r *ProfileRefresher) prune(ctx context.Context, claimed, login string, logger *zap.Logger) error {
	if err := r.store.DeleteProfile(ctx, claimed); err != nil {
		return fmt.Errorf("delete profile %s: %w", claimed, err)
	}
	if login != claimed {
		if err := r.store.DeleteProfile(ctx, login); err != nil {
			return fmt.Errorf("delete profile %s: %w", login, err)
		}
	}
	metrics.ObserveProfilePruned()
	logger.Info("profile no longer exists, removed from frontier")
	return nil
}

func (r *ProfileRefresher) pushFollowers(ctx context.Context, followers []string, depth int, logger *zap.Logger) {
	failures := fanOut(ctx, r.cfg.FanOut, followers, func(ctx context.Context, follower string) error {
		err := r.store.UpsertFrontier(ctx, crawler.FrontierSeed{Login: follower, Depth: depth})
		metrics.ObserveFrontierUpsert("follower", err)
		if err != nil {
			logger.Warn("could not add follower to frontier", zap.String("follower", follower), zap.Error(err))
		}
		return err
	})
	if failures > 0 {
		logger.Warn("some followers were not added", zap.Int("failed", failures), zap.Int("total", len(followers)))
	}
}

func (r *ProfileRefresher) archivePayload(
	ctx context.Context,
	login string,
	now time.Time,
	payload crawler.UserPayload,
	logger *zap.Logger,
) (uri, digest string) {
	if r.archive == nil {
		return "", ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Warn("could not encode payload for archive", zap.Error(err))
		return "", ""
	}
	if r.hasher != nil {
		if digest, err = r.hasher.Hash(data); err != nil {
			logger.Warn("could not hash payload", zap.Error(err))
			digest = ""
		}
	}
	key := path.Join(r.cfg.ArchivePrefix, "users", login, now.UTC().Format("20060102T150405Z")+".json")
	uri, err = r.archive.PutObject(ctx, key, "application/json", bytes.NewReader(data))
	if err != nil {
		logger.Warn("could not archive payload", zap.String("path", key), zap.Error(err))
		return "", ""
	}
	return uri, digest
}

func (r *ProfileRefresher) publish(ctx context.Context, event ProfileScrapedEvent, logger *zap.Logger) {
	if r.publisher == nil {
		return
	}
	if _, err := r.publisher.Publish(ctx, r.cfg.Topic, event); err != nil {
		logger.Warn("could not publish profile event", zap.String("topic", r.cfg.Topic), zap.Error(err))
	}
}
