package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/gh-frontier/internal/crawler"
)

var epoch = time.Unix(0, 0).UTC()

// Store is an in-memory crawler.Store for development and tests.
// Every operation runs under one mutex, so claims are atomic.
type Store struct {
	mu         sync.Mutex
	clock      crawler.Clock
	ids        crawler.IDGenerator
	seq        int64
	profiles   map[string]crawler.Profile
	repos      map[int64]crawler.Repo
	commits    map[string]crawler.Commit
	repoQueue  []crawler.RepoQueueEntry
	queryQueue []crawler.QueryQueueEntry
}

var _ crawler.Store = (*Store)(nil)

// NewStore constructs a Store. A nil clock or id generator falls back to
// wall-clock time and sequential ids.
func NewStore(clock crawler.Clock, ids crawler.IDGenerator) *Store {
	return &Store{
		clock:    clock,
		ids:      ids,
		profiles: make(map[string]crawler.Profile),
		repos:    make(map[int64]crawler.Repo),
		commits:  make(map[string]crawler.Commit),
	}
}

// ClaimProfile stamps and returns the never-scraped or stalest profile.
func (s *Store) ClaimProfile(_ context.Context, staleBefore, claimedAt time.Time) (*crawler.ClaimedProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best  crawler.Profile
		found bool
	)
	for _, p := range s.profiles {
		if !p.LastScrapedAt.IsZero() && !p.LastScrapedAt.Before(staleBefore) {
			continue
		}
		if !found || p.LastScrapedAt.Before(best.LastScrapedAt) ||
			(p.LastScrapedAt.Equal(best.LastScrapedAt) && p.Login < best.Login) {
			best = p
			found = true
		}
	}
	if !found {
		return nil, nil
	}

	claim := &crawler.ClaimedProfile{
		Login:             best.Login,
		Depth:             best.Depth,
		PreviousScrapedAt: best.LastScrapedAt,
	}
	best.LastScrapedAt = claimedAt
	s.profiles[best.Login] = best
	return claim, nil
}

// UpsertFrontier inserts or updates the frontier entry of the normalized login.
func (s *Store) UpsertFrontier(_ context.Context, seed crawler.FrontierSeed) error {
	seed.Login = crawler.NormalizeLogin(seed.Login)
	if seed.Login == "" {
		return fmt.Errorf("login is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[seed.Login]
	if !ok {
		p = crawler.Profile{Login: seed.Login}
	}
	p.Depth = seed.Depth
	if seed.ResetLastScraped {
		p.LastScrapedAt = epoch
	}
	s.profiles[seed.Login] = p
	return nil
}

// SaveProfile merges the non-nil fields of profile into the stored record.
func (s *Store) SaveProfile(_ context.Context, profile crawler.Profile) (crawler.Profile, error) {
	if profile.Login == "" {
		return crawler.Profile{}, fmt.Errorf("login is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.profiles[profile.Login]
	if !ok {
		stored = crawler.Profile{Login: profile.Login, Depth: profile.Depth}
	}
	merged := mergeProfile(stored, profile)
	s.profiles[profile.Login] = merged
	return cloneProfile(merged), nil
}

// DeleteProfile removes the profile stored under login, if any.
func (s *Store) DeleteProfile(_ context.Context, login string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, login)
	return nil
}

// GetProfile returns the profile stored under login.
func (s *Store) GetProfile(_ context.Context, login string) (crawler.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[login]
	if !ok {
		return crawler.Profile{}, fmt.Errorf("profile %s: %w", login, crawler.ErrNotFound)
	}
	return cloneProfile(p), nil
}

// SaveRepo upserts a repository keyed by its external id.
func (s *Store) SaveRepo(_ context.Context, repo crawler.Repo) error {
	if repo.RepoID == 0 {
		return fmt.Errorf("repo id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[repo.RepoID] = repo
	return nil
}

// Repo returns a stored repository.
func (s *Store) Repo(repoID int64) (crawler.Repo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.repos[repoID]
	return r, ok
}

// SaveCommit upserts a commit keyed by SHA and repository.
func (s *Store) SaveCommit(_ context.Context, commit crawler.Commit) error {
	if commit.SHA == "" || commit.RepoFullName == "" {
		return fmt.Errorf("commit sha and repository are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits[commitKey(commit.SHA, commit.RepoFullName)] = commit
	return nil
}

// Commit returns a stored commit.
func (s *Store) Commit(sha, repoFullName string) (crawler.Commit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commits[commitKey(sha, repoFullName)]
	return c, ok
}

func commitKey(sha, repo string) string {
	return repo + "@" + sha
}

// EnqueueRepo appends a repository unless it is already pending.
func (s *Store) EnqueueRepo(_ context.Context, fullName string) error {
	name := crawler.NormalizeLogin(fullName)
	if name == "" {
		return fmt.Errorf("full name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.repoQueue {
		if e.FullName == name {
			return nil
		}
	}
	id, err := s.nextID()
	if err != nil {
		return err
	}
	s.repoQueue = append(s.repoQueue, crawler.RepoQueueEntry{ID: id, FullName: name, EnqueuedAt: s.now()})
	return nil
}

// ClaimRepo removes and returns the oldest pending repository.
func (s *Store) ClaimRepo(_ context.Context) (*crawler.RepoQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.repoQueue) == 0 {
		return nil, nil
	}
	entry := s.repoQueue[0]
	s.repoQueue = s.repoQueue[1:]
	return &entry, nil
}

// PendingRepos lists queued repository names in claim order.
func (s *Store) PendingRepos() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.repoQueue))
	for _, e := range s.repoQueue {
		out = append(out, e.FullName)
	}
	return out
}

// EnqueueQuery validates and appends a query entry.
func (s *Store) EnqueueQuery(_ context.Context, entry crawler.QueryQueueEntry) (crawler.QueryQueueEntry, error) {
	if err := entry.Validate(); err != nil {
		return crawler.QueryQueueEntry{}, fmt.Errorf("invalid query entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.nextID()
	if err != nil {
		return crawler.QueryQueueEntry{}, err
	}
	entry.ID = id
	entry.EnqueuedAt = s.now()
	s.queryQueue = append(s.queryQueue, entry)
	return entry, nil
}

// ClaimQuery removes and returns the oldest entry of the given kind.
func (s *Store) ClaimQuery(_ context.Context, kind crawler.QueryKind) (*crawler.QueryQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.queryQueue {
		if e.Kind != kind {
			continue
		}
		s.queryQueue = append(s.queryQueue[:i:i], s.queryQueue[i+1:]...)
		return &e, nil
	}
	return nil, nil
}

// PendingQueries returns a copy of the query queue.
func (s *Store) PendingQueries() []crawler.QueryQueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]crawler.QueryQueueEntry(nil), s.queryQueue...)
}

// Profiles returns every stored profile sorted by login.
func (s *Store) Profiles() []crawler.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, cloneProfile(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Login < out[j].Login })
	return out
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

func (s *Store) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

func (s *Store) nextID() (string, error) {
	if s.ids == nil {
		s.seq++
		return fmt.Sprintf("mem-%d", s.seq), nil
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id, nil
}

func mergeProfile(dst, src crawler.Profile) crawler.Profile {
	if !src.LastScrapedAt.IsZero() {
		dst.LastScrapedAt = src.LastScrapedAt
	}
	setIfNotNil(&dst.UserID, src.UserID)
	setIfNotNil(&dst.Name, src.Name)
	setIfNotNil(&dst.HTMLURL, src.HTMLURL)
	setIfNotNil(&dst.AvatarURL, src.AvatarURL)
	setIfNotNil(&dst.Company, src.Company)
	setIfNotNil(&dst.Blog, src.Blog)
	setIfNotNil(&dst.Location, src.Location)
	setIfNotNil(&dst.Bio, src.Bio)
	setIfNotNil(&dst.Hireable, src.Hireable)
	setIfNotNil(&dst.NumPublicRepos, src.NumPublicRepos)
	setIfNotNil(&dst.NumPublicGists, src.NumPublicGists)
	setIfNotNil(&dst.NumFollowers, src.NumFollowers)
	setIfNotNil(&dst.NumFollowing, src.NumFollowing)
	setIfNotNil(&dst.CreatedAt, src.CreatedAt)
	setIfNotNil(&dst.UpdatedAt, src.UpdatedAt)
	if src.StarredRepoIDs != nil {
		dst.StarredRepoIDs = append([]string(nil), src.StarredRepoIDs...)
	}
	if src.OwnedRepoIDs != nil {
		dst.OwnedRepoIDs = append([]string(nil), src.OwnedRepoIDs...)
	}
	if src.FollowerLogins != nil {
		dst.FollowerLogins = append([]string(nil), src.FollowerLogins...)
	}
	return dst
}

func setIfNotNil[T any](dst **T, src *T) {
	if src != nil {
		v := *src
		*dst = &v
	}
}

func cloneProfile(p crawler.Profile) crawler.Profile {
	p.StarredRepoIDs = cloneStrings(p.StarredRepoIDs)
	p.OwnedRepoIDs = cloneStrings(p.OwnedRepoIDs)
	p.FollowerLogins = cloneStrings(p.FollowerLogins)
	return p
}

func cloneStrings(src []string) []string {
	if src == nil {
		return nil
	}
	return append([]string(nil), src...)
}
