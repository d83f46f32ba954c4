package crawler

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound reports that an entity no longer exists upstream or in the store.
var ErrNotFound = errors.New("not found")

// FrontierStore persists profiles and their crawl state.
type FrontierStore interface {
	// ClaimProfile atomically selects one profile whose last scrape is absent or
	// before staleBefore and stamps it with claimedAt. It returns nil when no
	// profile is claimable.
	ClaimProfile(ctx context.Context, staleBefore, claimedAt time.Time) (*ClaimedProfile, error)
	UpsertFrontier(ctx context.Context, seed FrontierSeed) error
	// SaveProfile upserts the payload fields of a scraped profile and returns the stored record.
	SaveProfile(ctx context.Context, profile Profile) (Profile, error)
	DeleteProfile(ctx context.Context, login string) error
	GetProfile(ctx context.Context, login string) (Profile, error)
	SaveRepo(ctx context.Context, repo Repo) error
	SaveCommit(ctx context.Context, commit Commit) error
}

// RepoQueue holds repositories awaiting a follower scrape.
type RepoQueue interface {
	EnqueueRepo(ctx context.Context, fullName string) error
	// ClaimRepo removes and returns the oldest entry, or nil when the queue is empty.
	ClaimRepo(ctx context.Context) (*RepoQueueEntry, error)
}

// QueryQueue holds keyword searches awaiting expansion.
type QueryQueue interface {
	EnqueueQuery(ctx context.Context, entry QueryQueueEntry) (QueryQueueEntry, error)
	// ClaimQuery removes and returns the oldest entry of the given kind, or nil.
	ClaimQuery(ctx context.Context, kind QueryKind) (*QueryQueueEntry, error)
}

// Store is the persistent store acting as both data sink and work queue.
type Store interface {
	FrontierStore
	RepoQueue
	QueryQueue
	Ping(ctx context.Context) error
	Close()
}

// ProfileScraper fetches a user with owned/starred repositories and followers.
type ProfileScraper interface {
	ScrapeUser(ctx context.Context, login string, maxPages int) (UserPayload, error)
}

// RepoScraper fetches repository metadata and follower handles. A nil payload
// with a nil error means the repository does not exist.
type RepoScraper interface {
	ScrapeRepo(ctx context.Context, fullName string, maxPages int, skipFollowers bool) (*RepoPayload, error)
}

// KeywordSearcher runs one page of a keyword search.
type KeywordSearcher interface {
	SearchRepos(ctx context.Context, query string, page int) ([]string, error)
	SearchUsers(ctx context.Context, query string, page int) ([]string, error)
}

// Publisher pushes crawl events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher fingerprints archived payloads.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces queue entry IDs.
type IDGenerator interface {
	NewID() (string, error)
}
