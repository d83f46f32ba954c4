// Package transform normalizes scrape payloads into stored records.
package transform

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/gh-frontier/internal/crawler"
	"github.com/JakeFAU/gh-frontier/internal/metrics"
)

// Repo converts a repository payload into a stored record stamped with scrapedAt.
func Repo(p crawler.RepoPayload, scrapedAt time.Time) (crawler.Repo, error) {
	if p.ID == 0 {
		return crawler.Repo{}, fmt.Errorf("repository payload has no id")
	}
	if strings.TrimSpace(p.FullName) == "" {
		return crawler.Repo{}, fmt.Errorf("repository %d has no full name", p.ID)
	}
	return crawler.Repo{
		RepoID:        p.ID,
		Name:          strings.ToLower(p.Name),
		FullName:      strings.ToLower(p.FullName),
		Description:   nonEmpty(p.Description),
		HTMLURL:       nonEmpty(p.HTMLURL),
		OwnerID:       p.Owner.ID,
		OwnerLogin:    p.Owner.Login,
		IsFork:        p.Fork,
		NumStargazers: p.Stargazers,
		NumWatchers:   p.Watchers,
		NumForks:      p.Forks,
		Language:      nonEmpty(p.Language),
		CreatedAt:     nonZero(p.CreatedAt),
		UpdatedAt:     nonZero(p.UpdatedAt),
		PushedAt:      nonZero(p.PushedAt),
		LastScrapedAt: scrapedAt,
	}, nil
}

// Profile converts a user payload into the upsert sent to the store.
// Empty strings, zero timestamps and absent counts become nil so they never
// overwrite stored values. Reported counts, zero included, and the id lists
// are always set.
func Profile(p crawler.UserPayload, depth int, scrapedAt time.Time) crawler.Profile {
	out := crawler.Profile{
		Login:          crawler.NormalizeLogin(p.Login),
		Depth:          depth,
		LastScrapedAt:  scrapedAt,
		Name:           nonEmpty(p.Name),
		HTMLURL:        nonEmpty(p.HTMLURL),
		AvatarURL:      nonEmpty(p.AvatarURL),
		Company:        nonEmpty(p.Company),
		Blog:           nonEmpty(p.Blog),
		Location:       nonEmpty(p.Location),
		Bio:            nonEmpty(p.Bio),
		Hireable:       p.Hireable,
		NumPublicRepos: clonePtr(p.PublicRepos),
		NumPublicGists: clonePtr(p.PublicGists),
		NumFollowers:   clonePtr(p.NumFollowers),
		NumFollowing:   clonePtr(p.NumFollowing),
		StarredRepoIDs: repoIDs(p.StarredRepos),
		OwnedRepoIDs:   repoIDs(p.OwnedRepos),
		FollowerLogins: FollowerLogins(p),
		CreatedAt:      nonZero(p.CreatedAt),
		UpdatedAt:      nonZero(p.UpdatedAt),
	}
	if p.ID != 0 {
		id := p.ID
		out.UserID = &id
	}
	return out
}

// FollowerLogins returns the lowercase logins of every follower in the payload.
func FollowerLogins(p crawler.UserPayload) []string {
	out := make([]string, 0, len(p.Followers))
	for _, f := range p.Followers {
		if login := crawler.NormalizeLogin(f.Login); login != "" {
			out = append(out, login)
		}
	}
	return out
}

// Commit converts one history entry of the user identified by userID.
func Commit(p crawler.CommitPayload, userID int64, scrapedAt time.Time) (crawler.Commit, error) {
	sha := strings.ToLower(strings.TrimSpace(p.SHA))
	if sha == "" {
		return crawler.Commit{}, fmt.Errorf("commit payload has no sha")
	}
	repo := crawler.NormalizeLogin(p.RepoFullName)
	if repo == "" {
		return crawler.Commit{}, fmt.Errorf("commit %s has no repository", sha)
	}
	return crawler.Commit{
		SHA:            sha,
		RepoFullName:   repo,
		UserID:         userID,
		AuthorLogin:    nonEmpty(crawler.NormalizeLogin(p.AuthorLogin)),
		CommitterLogin: nonEmpty(crawler.NormalizeLogin(p.CommitterLogin)),
		Message:        nonEmpty(p.Message),
		HTMLURL:        nonEmpty(p.HTMLURL),
		AuthoredAt:     nonZero(p.AuthoredAt),
		LastScrapedAt:  scrapedAt,
	}, nil
}

// CommitAuthorLogins returns the distinct lowercase author and committer
// logins found in the commit history, excluding the user itself.
func CommitAuthorLogins(p crawler.UserPayload) []string {
	self := crawler.NormalizeLogin(p.Login)
	seen := make(map[string]struct{})
	var out []string
	add := func(raw string) {
		login := crawler.NormalizeLogin(raw)
		if login == "" || login == self {
			return
		}
		if _, ok := seen[login]; ok {
			return
		}
		seen[login] = struct{}{}
		out = append(out, login)
	}
	for _, c := range p.CommitHistory {
		add(c.AuthorLogin)
		add(c.CommitterLogin)
	}
	return out
}

// DiscoveredLogins merges followers and commit authors without duplicates,
// followers first.
func DiscoveredLogins(p crawler.UserPayload) []string {
	followers := FollowerLogins(p)
	seen := make(map[string]struct{}, len(followers))
	out := make([]string, 0, len(followers))
	for _, login := range followers {
		if _, ok := seen[login]; ok {
			continue
		}
		seen[login] = struct{}{}
		out = append(out, login)
	}
	for _, login := range CommitAuthorLogins(p) {
		if _, ok := seen[login]; ok {
			continue
		}
		seen[login] = struct{}{}
		out = append(out, login)
	}
	return out
}

// Transformer persists scraped profiles together with their repositories.
type Transformer struct {
	store  crawler.FrontierStore
	repos  crawler.RepoQueue
	clock  crawler.Clock
	logger *zap.Logger
}

// Option customizes a Transformer.
type Option func(*Transformer)

// WithOwnedRepoQueue enqueues every owned repository on q after it is saved.
func WithOwnedRepoQueue(q crawler.RepoQueue) Option {
	return func(t *Transformer) {
		t.repos = q
	}
}

// NewTransformer constructs a Transformer.
func NewTransformer(store crawler.FrontierStore, clock crawler.Clock, logger *zap.Logger, opts ...Option) (*Transformer, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	t := &Transformer{store: store, clock: clock, logger: logger}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// SaveProfile stores every owned and starred repository and every commit of
// the history best-effort, then upserts the profile keyed by its lowercase login. depth is only applied
// when the record is created.
func (t *Transformer) SaveProfile(ctx context.Context, payload crawler.UserPayload, depth int) (crawler.Profile, error) {
	if crawler.NormalizeLogin(payload.Login) == "" {
		return crawler.Profile{}, fmt.Errorf("user payload has no login")
	}
	now := t.clock.Now()

	t.saveRepos(ctx, payload.OwnedRepos, now, t.repos != nil)
	t.saveRepos(ctx, payload.StarredRepos, now, false)
	t.saveCommits(ctx, payload.ID, payload.CommitHistory, now)

	saved, err := t.store.SaveProfile(ctx, Profile(payload, depth, now))
	if err != nil {
		return crawler.Profile{}, fmt.Errorf("save profile: %w", err)
	}
	return saved, nil
}

func (t *Transformer) saveRepos(ctx context.Context, repos []crawler.RepoPayload, now time.Time, enqueue bool) {
	for _, p := range repos {
		if ctx.Err() != nil {
			return
		}
		repo, err := Repo(p, now)
		if err != nil {
			t.logger.Warn("skipping repository payload", zap.Int64("repo_id", p.ID), zap.Error(err))
			continue
		}
		if err := t.store.SaveRepo(ctx, repo); err != nil {
			t.logger.Warn("could not save repository",
				zap.Int64("repo_id", repo.RepoID),
				zap.String("full_name", repo.FullName),
				zap.Error(err),
			)
			continue
		}
		if !enqueue {
			continue
		}
		if err := t.repos.EnqueueRepo(ctx, repo.FullName); err != nil {
			t.logger.Warn("could not enqueue owned repository",
				zap.String("full_name", repo.FullName),
				zap.Error(err),
			)
			continue
		}
		metrics.ObserveRepoEnqueued()
	}
}

func (t *Transformer) saveCommits(ctx context.Context, userID int64, commits []crawler.CommitPayload, now time.Time) {
	for _, p := range commits {
		if ctx.Err() != nil {
			return
		}
		commit, err := Commit(p, userID, now)
		if err != nil {
			t.logger.Warn("skipping commit payload", zap.String("sha", p.SHA), zap.Error(err))
			continue
		}
		if err := t.store.SaveCommit(ctx, commit); err != nil {
			t.logger.Warn("could not save commit",
				zap.String("sha", commit.SHA),
				zap.String("full_name", commit.RepoFullName),
				zap.Error(err),
			)
		}
	}
}

func repoIDs(repos []crawler.RepoPayload) []string {
	out := make([]string, 0, len(repos))
	for _, r := range repos {
		if r.ID == 0 {
			continue
		}
		out = append(out, strconv.FormatInt(r.ID, 10))
	}
	return out
}

func nonEmpty(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
