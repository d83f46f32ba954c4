// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"time"
)

// MaxQueryPages bounds QueryQueueEntry.Pages. GitHub search serves at most
// 1000 results per query, which is ten pages of 100.
const MaxQueryPages = 10

// DefaultSeedDepth is the depth budget given to root-equivalent seeds
// discovered through repositories or keyword queries.
const DefaultSeedDepth = 99

// Profile is both the stored GitHub user record and its frontier entry.
// Optional payload fields are nil until a successful scrape populates them;
// nil never overwrites a stored value.
type Profile struct {
	Login         string    `json:"login"`
	Depth         int       `json:"depth"`
	LastScrapedAt time.Time `json:"last_scraped_at"`

	UserID         *int64     `json:"user_id,omitempty"`
	Name           *string    `json:"name,omitempty"`
	HTMLURL        *string    `json:"html_url,omitempty"`
	AvatarURL      *string    `json:"avatar_url,omitempty"`
	Company        *string    `json:"company,omitempty"`
	Blog           *string    `json:"blog,omitempty"`
	Location       *string    `json:"location,omitempty"`
	Bio            *string    `json:"bio,omitempty"`
	Hireable       *bool      `json:"hireable,omitempty"`
	NumPublicRepos *int       `json:"num_public_repos,omitempty"`
	NumPublicGists *int       `json:"num_public_gists,omitempty"`
	NumFollowers   *int       `json:"num_followers,omitempty"`
	NumFollowing   *int       `json:"num_following,omitempty"`
	StarredRepoIDs []string   `json:"starred_repo_ids,omitempty"`
	OwnedRepoIDs   []string   `json:"owned_repo_ids,omitempty"`
	FollowerLogins []string   `json:"follower_logins,omitempty"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

// Scraped reports whether the profile has been successfully scraped at least once.
// A profile without an external id is only a frontier marker.
func (p Profile) Scraped() bool {
	return p.UserID != nil
}

// ClaimedProfile is the frontier entry handed to exactly one worker by an atomic claim.
type ClaimedProfile struct {
	// Login is the key as stored, which may be a mixed-case duplicate.
	Login string
	Depth int
	// PreviousScrapedAt is the timestamp before the claim overwrote it.
	PreviousScrapedAt time.Time
}

// FrontierSeed describes an upsert into the frontier.
type FrontierSeed struct {
	Login string
	Depth int
	// ResetLastScraped marks the login as never scraped (highest priority).
	ResetLastScraped bool
}

// Repo is the stored repository record.
type Repo struct {
	RepoID        int64      `json:"repo_id"`
	Name          string     `json:"name"`
	FullName      string     `json:"full_name"`
	Description   *string    `json:"description,omitempty"`
	HTMLURL       *string    `json:"html_url,omitempty"`
	OwnerID       int64      `json:"owner_id"`
	OwnerLogin    string     `json:"owner_login"`
	IsFork        bool       `json:"is_fork"`
	NumStargazers int        `json:"num_stargazers"`
	NumWatchers   int        `json:"num_watchers"`
	NumForks      int        `json:"num_forks"`
	Language      *string    `json:"language,omitempty"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
	PushedAt      *time.Time `json:"pushed_at,omitempty"`
	LastScrapedAt time.Time  `json:"last_scraped_at"`
}

// RepoQueueEntry is a repository awaiting a one-shot follower scrape.
type RepoQueueEntry struct {
	ID         string    `json:"id"`
	FullName   string    `json:"full_name"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// QueryKind discriminates query queue entries.
type QueryKind string

// Supported query kinds.
const (
	QueryKindRepos QueryKind = "repos"
	QueryKindUsers QueryKind = "users"
)

// ParseQueryKind converts raw input into a QueryKind.
func ParseQueryKind(raw string) (QueryKind, error) {
	switch QueryKind(raw) {
	case QueryKindRepos:
		return QueryKindRepos, nil
	case QueryKindUsers:
		return QueryKindUsers, nil
	default:
		return "", fmt.Errorf("unknown query kind %q", raw)
	}
}

// QueryQueueEntry is a pending keyword search expanded over Pages result pages.
type QueryQueueEntry struct {
	ID         string    `json:"id"`
	Kind       QueryKind `json:"type"`
	Query      string    `json:"query"`
	Pages      int       `json:"pages"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Validate checks the entry before it is enqueued.
func (e QueryQueueEntry) Validate() error {
	if _, err := ParseQueryKind(string(e.Kind)); err != nil {
		return err
	}
	if e.Query == "" {
		return fmt.Errorf("query is required")
	}
	if e.Pages < 1 || e.Pages > MaxQueryPages {
		return fmt.Errorf("pages must be within [1, %d]", MaxQueryPages)
	}
	return nil
}

// UserRef is a follower reference inside a user payload.
type UserRef struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

// Handle is a follower reference inside a repository payload.
type Handle struct {
	Handle string `json:"handle"`
}

// RepoOwner identifies a repository owner.
type RepoOwner struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

// UserPayload is the raw result of scraping one user.
type UserPayload struct {
	ID           int64         `json:"id"`
	Login        string        `json:"login"`
	Name         string        `json:"name"`
	HTMLURL      string        `json:"html_url"`
	AvatarURL    string        `json:"avatar_url"`
	Company      string        `json:"company"`
	Blog         string        `json:"blog"`
	Location     string        `json:"location"`
	Bio          string        `json:"bio"`
	Hireable     *bool         `json:"hireable"`
	// Counts are nil when the response omits them, so an absent count never
	// overwrites a stored one while a reported zero still does.
	PublicRepos   *int            `json:"public_repos"`
	PublicGists   *int            `json:"public_gists"`
	NumFollowers  *int            `json:"followers"`
	NumFollowing  *int            `json:"following"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	OwnedRepos    []RepoPayload   `json:"owned_repos"`
	StarredRepos  []RepoPayload   `json:"starred_repos"`
	Followers     []UserRef       `json:"follower_refs"`
	CommitHistory []CommitPayload `json:"commit_history"`
}

// CommitPayload is one commit from a user's authored history.
type CommitPayload struct {
	SHA            string    `json:"sha"`
	HTMLURL        string    `json:"html_url"`
	Message        string    `json:"message"`
	RepoFullName   string    `json:"repo_full_name"`
	AuthorLogin    string    `json:"author_login"`
	CommitterLogin string    `json:"committer_login"`
	AuthoredAt     time.Time `json:"authored_at"`
}

// Commit is the stored commit record, keyed by SHA and repository.
type Commit struct {
	SHA            string     `json:"sha"`
	RepoFullName   string     `json:"repo_full_name"`
	UserID         int64      `json:"user_id"`
	AuthorLogin    *string    `json:"author_login,omitempty"`
	CommitterLogin *string    `json:"committer_login,omitempty"`
	Message        *string    `json:"message,omitempty"`
	HTMLURL        *string    `json:"html_url,omitempty"`
	AuthoredAt     *time.Time `json:"authored_at,omitempty"`
	LastScrapedAt  time.Time  `json:"last_scraped_at"`
}

// RepoPayload is the raw result of scraping one repository.
type RepoPayload struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	FullName      string    `json:"full_name"`
	Description   string    `json:"description"`
	HTMLURL       string    `json:"html_url"`
	Owner         RepoOwner `json:"owner"`
	Fork          bool      `json:"fork"`
	Stargazers    int       `json:"stargazers_count"`
	Watchers      int       `json:"watchers_count"`
	Forks         int       `json:"forks_count"`
	Language      string    `json:"language"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	PushedAt      time.Time `json:"pushed_at"`
	FollowerCount int       `json:"-"`
	Followers     []Handle  `json:"-"`
}
