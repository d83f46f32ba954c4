// Package postgres provides the Postgres-backed frontier store and work queues.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/gh-frontier/internal/crawler"
)

//go:embed schema.sql
var schemaSQL string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it in tests.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store persists profiles, repositories and both work queues in Postgres.
// Claims use FOR UPDATE SKIP LOCKED so concurrent workers never share an item.
type Store struct {
	pool  pool
	clock crawler.Clock
	ids   crawler.IDGenerator
}

var _ crawler.Store = (*Store)(nil)

// NewStore connects to Postgres using the provided config.
func NewStore(ctx context.Context, cfg Config, clock crawler.Clock, ids crawler.IDGenerator) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewStoreWithPool(p, clock, ids)
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool, clock crawler.Clock, ids crawler.IDGenerator) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	return &Store{pool: p, clock: clock, ids: ids}, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const claimProfileSQL = `
UPDATE profiles AS p
SET last_scraped_at = $2
FROM (
	SELECT login, last_scraped_at
	FROM profiles
	WHERE last_scraped_at IS NULL OR last_scraped_at < $1
	ORDER BY last_scraped_at ASC NULLS FIRST, login
	LIMIT 1
	FOR UPDATE SKIP LOCKED
) AS c
WHERE p.login = c.login
RETURNING p.login, p.depth, c.last_scraped_at`

// ClaimProfile stamps and returns the never-scraped or stalest profile.
func (s *Store) ClaimProfile(ctx context.Context, staleBefore, claimedAt time.Time) (*crawler.ClaimedProfile, error) {
	var (
		claim crawler.ClaimedProfile
		prev  *time.Time
	)
	err := s.pool.QueryRow(ctx, claimProfileSQL, staleBefore, claimedAt).Scan(&claim.Login, &claim.Depth, &prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim profile: %w", err)
	}
	if prev != nil {
		claim.PreviousScrapedAt = *prev
	}
	return &claim, nil
}

const (
	upsertFrontierSQL = `
INSERT INTO profiles (login, depth) VALUES ($1, $2)
ON CONFLICT (login) DO UPDATE SET depth = EXCLUDED.depth`

	upsertFrontierResetSQL = `
INSERT INTO profiles (login, depth, last_scraped_at) VALUES ($1, $2, $3)
ON CONFLICT (login) DO UPDATE SET depth = EXCLUDED.depth, last_scraped_at = EXCLUDED.last_scraped_at`
)

// UpsertFrontier inserts or updates the frontier entry of the normalized login.
func (s *Store) UpsertFrontier(ctx context.Context, seed crawler.FrontierSeed) error {
	seed.Login = crawler.NormalizeLogin(seed.Login)
	if seed.Login == "" {
		return fmt.Errorf("login is required")
	}
	var err error
	if seed.ResetLastScraped {
		_, err = s.pool.Exec(ctx, upsertFrontierResetSQL, seed.Login, seed.Depth, time.Unix(0, 0).UTC())
	} else {
		_, err = s.pool.Exec(ctx, upsertFrontierSQL, seed.Login, seed.Depth)
	}
	if err != nil {
		return fmt.Errorf("upsert frontier %s: %w", seed.Login, err)
	}
	return nil
}

const profileColumns = `login, depth, last_scraped_at, user_id, name, html_url, avatar_url, company,
	blog, location, bio, hireable, num_public_repos, num_public_gists, num_followers,
	num_following, starred_repo_ids, owned_repo_ids, follower_logins, created_at, updated_at`

const saveProfileSQL = `
INSERT INTO profiles (` + profileColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
ON CONFLICT (login) DO UPDATE SET
	last_scraped_at  = COALESCE(EXCLUDED.last_scraped_at, profiles.last_scraped_at),
	user_id          = COALESCE(EXCLUDED.user_id, profiles.user_id),
	name             = COALESCE(EXCLUDED.name, profiles.name),
	html_url         = COALESCE(EXCLUDED.html_url, profiles.html_url),
	avatar_url       = COALESCE(EXCLUDED.avatar_url, profiles.avatar_url),
	company          = COALESCE(EXCLUDED.company, profiles.company),
	blog             = COALESCE(EXCLUDED.blog, profiles.blog),
	location         = COALESCE(EXCLUDED.location, profiles.location),
	bio              = COALESCE(EXCLUDED.bio, profiles.bio),
	hireable         = COALESCE(EXCLUDED.hireable, profiles.hireable),
	num_public_repos = COALESCE(EXCLUDED.num_public_repos, profiles.num_public_repos),
	num_public_gists = COALESCE(EXCLUDED.num_public_gists, profiles.num_public_gists),
	num_followers    = COALESCE(EXCLUDED.num_followers, profiles.num_followers),
	num_following    = COALESCE(EXCLUDED.num_following, profiles.num_following),
	starred_repo_ids = COALESCE(EXCLUDED.starred_repo_ids, profiles.starred_repo_ids),
	owned_repo_ids   = COALESCE(EXCLUDED.owned_repo_ids, profiles.owned_repo_ids),
	follower_logins  = COALESCE(EXCLUDED.follower_logins, profiles.follower_logins),
	created_at       = COALESCE(EXCLUDED.created_at, profiles.created_at),
	updated_at       = COALESCE(EXCLUDED.updated_at, profiles.updated_at)
RETURNING ` + profileColumns

// SaveProfile upserts a scraped profile. NULL columns never overwrite stored
// values, and the depth of an existing record is kept.
func (s *Store) SaveProfile(ctx context.Context, p crawler.Profile) (crawler.Profile, error) {
	if p.Login == "" {
		return crawler.Profile{}, fmt.Errorf("login is required")
	}
	row := s.pool.QueryRow(ctx, saveProfileSQL,
		p.Login,
		p.Depth,
		nullTime(p.LastScrapedAt),
		p.UserID,
		p.Name,
		p.HTMLURL,
		p.AvatarURL,
		p.Company,
		p.Blog,
		p.Location,
		p.Bio,
		p.Hireable,
		p.NumPublicRepos,
		p.NumPublicGists,
		p.NumFollowers,
		p.NumFollowing,
		p.StarredRepoIDs,
		p.OwnedRepoIDs,
		p.FollowerLogins,
		p.CreatedAt,
		p.UpdatedAt,
	)
	saved, err := scanProfile(row)
	if err != nil {
		return crawler.Profile{}, fmt.Errorf("save profile %s: %w", p.Login, err)
	}
	return saved, nil
}

// DeleteProfile removes the profile stored under login, if any.
func (s *Store) DeleteProfile(ctx context.Context, login string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM profiles WHERE login = $1`, login); err != nil {
		return fmt.Errorf("delete profile %s: %w", login, err)
	}
	return nil
}

// GetProfile returns the profile stored under login.
func (s *Store) GetProfile(ctx context.Context, login string) (crawler.Profile, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE login = $1`, login)
	p, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Profile{}, fmt.Errorf("profile %s: %w", login, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Profile{}, fmt.Errorf("get profile %s: %w", login, err)
	}
	return p, nil
}

func scanProfile(row pgx.Row) (crawler.Profile, error) {
	var (
		p           crawler.Profile
		lastScraped *time.Time
	)
	err := row.Scan(
		&p.Login,
		&p.Depth,
		&lastScraped,
		&p.UserID,
		&p.Name,
		&p.HTMLURL,
		&p.AvatarURL,
		&p.Company,
		&p.Blog,
		&p.Location,
		&p.Bio,
		&p.Hireable,
		&p.NumPublicRepos,
		&p.NumPublicGists,
		&p.NumFollowers,
		&p.NumFollowing,
		&p.StarredRepoIDs,
		&p.OwnedRepoIDs,
		&p.FollowerLogins,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return crawler.Profile{}, err
	}
	if lastScraped != nil {
		p.LastScrapedAt = *lastScraped
	}
	return p, nil
}

const saveRepoSQL = `
INSERT INTO repos (
	repo_id, name, full_name, description, html_url, owner_id, owner_login, is_fork,
	num_stargazers, num_watchers, num_forks, language, created_at, updated_at, pushed_at,
	last_scraped_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (repo_id) DO UPDATE SET
	name            = EXCLUDED.name,
	full_name       = EXCLUDED.full_name,
	description     = EXCLUDED.description,
	html_url        = EXCLUDED.html_url,
	owner_id        = EXCLUDED.owner_id,
	owner_login     = EXCLUDED.owner_login,
	is_fork         = EXCLUDED.is_fork,
	num_stargazers  = EXCLUDED.num_stargazers,
	num_watchers    = EXCLUDED.num_watchers,
	num_forks       = EXCLUDED.num_forks,
	language        = EXCLUDED.language,
	created_at      = EXCLUDED.created_at,
	updated_at      = EXCLUDED.updated_at,
	pushed_at       = EXCLUDED.pushed_at,
	last_scraped_at = EXCLUDED.last_scraped_at`

// SaveRepo upserts a repository keyed by its external id.
func (s *Store) SaveRepo(ctx context.Context, r crawler.Repo) error {
	if r.RepoID == 0 {
		return fmt.Errorf("repo id is required")
	}
	_, err := s.pool.Exec(ctx, saveRepoSQL,
		r.RepoID,
		r.Name,
		r.FullName,
		r.Description,
		r.HTMLURL,
		r.OwnerID,
		r.OwnerLogin,
		r.IsFork,
		r.NumStargazers,
		r.NumWatchers,
		r.NumForks,
		r.Language,
		r.CreatedAt,
		r.UpdatedAt,
		r.PushedAt,
		r.LastScrapedAt,
	)
	if err != nil {
		return fmt.Errorf("save repo %s: %w", r.FullName, err)
	}
	return nil
}

const saveCommitSQL = `
INSERT INTO commits (
	sha, repo_full_name, user_id, author_login, committer_login, message, html_url,
	authored_at, last_scraped_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (sha, repo_full_name) DO UPDATE SET
	user_id         = EXCLUDED.user_id,
	author_login    = COALESCE(EXCLUDED.author_login, commits.author_login),
	committer_login = COALESCE(EXCLUDED.committer_login, commits.committer_login),
	message         = COALESCE(EXCLUDED.message, commits.message),
	html_url        = COALESCE(EXCLUDED.html_url, commits.html_url),
	authored_at     = COALESCE(EXCLUDED.authored_at, commits.authored_at),
	last_scraped_at = EXCLUDED.last_scraped_at`

// SaveCommit upserts a commit keyed by SHA and repository.
func (s *Store) SaveCommit(ctx context.Context, c crawler.Commit) error {
	if c.SHA == "" || c.RepoFullName == "" {
		return fmt.Errorf("commit sha and repository are required")
	}
	_, err := s.pool.Exec(ctx, saveCommitSQL,
		c.SHA,
		c.RepoFullName,
		c.UserID,
		c.AuthorLogin,
		c.CommitterLogin,
		c.Message,
		c.HTMLURL,
		c.AuthoredAt,
		c.LastScrapedAt,
	)
	if err != nil {
		return fmt.Errorf("save commit %s in %s: %w", c.SHA, c.RepoFullName, err)
	}
	return nil
}

// EnqueueRepo appends a repository unless it is already pending.
func (s *Store) EnqueueRepo(ctx context.Context, fullName string) error {
	name := crawler.NormalizeLogin(fullName)
	if name == "" {
		return fmt.Errorf("full name is required")
	}
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate id: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO repo_queue (id, full_name, enqueued_at) VALUES ($1, $2, $3) ON CONFLICT (full_name) DO NOTHING`,
		id, name, s.clock.Now())
	if err != nil {
		return fmt.Errorf("enqueue repo %s: %w", name, err)
	}
	return nil
}

const claimRepoSQL = `
DELETE FROM repo_queue
WHERE id = (
	SELECT id FROM repo_queue
	ORDER BY enqueued_at, id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING id, full_name, enqueued_at`

// ClaimRepo removes and returns the oldest pending repository.
func (s *Store) ClaimRepo(ctx context.Context) (*crawler.RepoQueueEntry, error) {
	var e crawler.RepoQueueEntry
	err := s.pool.QueryRow(ctx, claimRepoSQL).Scan(&e.ID, &e.FullName, &e.EnqueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim repo: %w", err)
	}
	return &e, nil
}

// EnqueueQuery validates and appends a query entry.
func (s *Store) EnqueueQuery(ctx context.Context, entry crawler.QueryQueueEntry) (crawler.QueryQueueEntry, error) {
	if err := entry.Validate(); err != nil {
		return crawler.QueryQueueEntry{}, fmt.Errorf("invalid query entry: %w", err)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return crawler.QueryQueueEntry{}, fmt.Errorf("generate id: %w", err)
	}
	entry.ID = id
	entry.EnqueuedAt = s.clock.Now()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO query_queue (id, kind, query, pages, enqueued_at) VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, string(entry.Kind), entry.Query, entry.Pages, entry.EnqueuedAt)
	if err != nil {
		return crawler.QueryQueueEntry{}, fmt.Errorf("enqueue query: %w", err)
	}
	return entry, nil
}

const claimQuerySQL = `
DELETE FROM query_queue
WHERE id = (
	SELECT id FROM query_queue
	WHERE kind = $1
	ORDER BY enqueued_at, id
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING id, kind, query, pages, enqueued_at`

// ClaimQuery removes and returns the oldest entry of the given kind.
func (s *Store) ClaimQuery(ctx context.Context, kind crawler.QueryKind) (*crawler.QueryQueueEntry, error) {
	var (
		e   crawler.QueryQueueEntry
		raw string
	)
	err := s.pool.QueryRow(ctx, claimQuerySQL, string(kind)).Scan(&e.ID, &raw, &e.Query, &e.Pages, &e.EnqueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s query: %w", kind, err)
	}
	e.Kind = crawler.QueryKind(raw)
	return &e, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
