package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gh-frontier/internal/crawler"
	"github.com/JakeFAU/gh-frontier/internal/storage/memory"
)

func newQueryLoader(t *testing.T, store *memory.Store, searcher crawler.KeywordSearcher, kind crawler.QueryKind, delay time.Duration) *QueryLoader {
	t.Helper()
	l, err := NewQueryLoader(store, store, store, searcher, QueryLoaderConfig{
		Kind:      kind,
		SeedDepth: crawler.DefaultSeedDepth,
		FanOut:    3,
		PageDelay: delay,
	}, zap.NewNop())
	require.NoError(t, err)
	return l
}

func TestQueryLoaderReposScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore(nil, nil)
	_, err := store.EnqueueQuery(ctx, crawler.QueryQueueEntry{Kind: crawler.QueryKindRepos, Query: "ml", Pages: 2})
	require.NoError(t, err)

	searcher := &mockSearcher{}
	searcher.On("SearchRepos", mock.Anything, "ml", 1).Return([]string{"Torch/Vision", "malformed", "keras/keras"}, nil).Once()
	searcher.On("SearchRepos", mock.Anything, "ml", 2).Return([]string{"scikit/learn"}, nil).Once()

	delay := 20 * time.Millisecond
	start := time.Now()
	require.NoError(t, newQueryLoader(t, store, searcher, crawler.QueryKindRepos, delay).Tick(ctx))
	assert.GreaterOrEqual(t, time.Since(start), delay, "pages are separated by the page delay")

	searcher.AssertExpectations(t)
	assert.Empty(t, store.PendingQueries())

	for _, owner := range []string{"torch", "keras", "scikit"} {
		p, err := store.GetProfile(ctx, owner)
		require.NoError(t, err, owner)
		assert.Equal(t, 99, p.Depth)
		assert.Equal(t, time.Unix(0, 0).UTC(), p.LastScrapedAt)
	}
	assert.ElementsMatch(t, []string{"torch/vision", "keras/keras", "scikit/learn"}, store.PendingRepos())
	assert.Len(t, store.Profiles(), 3)
}

func TestQueryLoaderLeavesEntryPendingWhenDeadlineTooShort(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(nil, nil)
	_, err := store.EnqueueQuery(context.Background(), crawler.QueryQueueEntry{Kind: crawler.QueryKindUsers, Query: "go", Pages: 5})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	searcher := &mockSearcher{}
	err = newQueryLoader(t, store, searcher, crawler.QueryKindUsers, 40*time.Millisecond).Tick(ctx)
	require.ErrorIs(t, err, ErrTickBudget)

	searcher.AssertNotCalled(t, "SearchUsers", mock.Anything, mock.Anything, mock.Anything)
	assert.Len(t, store.PendingQueries(), 1)
	assert.Empty(t, store.Profiles())
}

func TestQueryLoaderUsersLowercasesLogins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore(nil, nil)
	_, err := store.EnqueueQuery(ctx, crawler.QueryQueueEntry{Kind: crawler.QueryKindUsers, Query: "location:berlin", Pages: 1})
	require.NoError(t, err)
	_, err = store.EnqueueQuery(ctx, crawler.QueryQueueEntry{Kind: crawler.QueryKindRepos, Query: "ignored", Pages: 1})
	require.NoError(t, err)

	searcher := &mockSearcher{}
	searcher.On("SearchUsers", mock.Anything, "location:berlin", 1).Return([]string{"Anna", "ben", ""}, nil).Once()

	require.NoError(t, newQueryLoader(t, store, searcher, crawler.QueryKindUsers, 0).Tick(ctx))
	searcher.AssertExpectations(t)

	profiles := store.Profiles()
	require.Len(t, profiles, 2)
	assert.Equal(t, "anna", profiles[0].Login)
	assert.Equal(t, "ben", profiles[1].Login)
	assert.Empty(t, store.PendingRepos())

	left := store.PendingQueries()
	require.Len(t, left, 1)
	assert.Equal(t, crawler.QueryKindRepos, left[0].Kind)
}

func TestQueryLoaderPageFailureAbortsRemainingPages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore(nil, nil)
	_, err := store.EnqueueQuery(ctx, crawler.QueryQueueEntry{Kind: crawler.QueryKindUsers, Query: "go", Pages: 3})
	require.NoError(t, err)

	searcher := &mockSearcher{}
	searcher.On("SearchUsers", mock.Anything, "go", 1).Return([]string{"rob"}, nil).Once()
	searcher.On("SearchUsers", mock.Anything, "go", 2).Return(nil, errors.New("secondary rate limit")).Once()

	err = newQueryLoader(t, store, searcher, crawler.QueryKindUsers, time.Millisecond).Tick(ctx)
	require.ErrorContains(t, err, "page 2")

	searcher.AssertExpectations(t)
	searcher.AssertNotCalled(t, "SearchUsers", mock.Anything, "go", 3)
	assert.Empty(t, store.PendingQueries(), "entry stays consumed")
	_, err = store.GetProfile(ctx, "rob")
	require.NoError(t, err)
}

func TestQueryLoaderStopsWaitingOnCancel(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(nil, nil)
	_, err := store.EnqueueQuery(context.Background(), crawler.QueryQueueEntry{Kind: crawler.QueryKindUsers, Query: "go", Pages: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	searcher := &mockSearcher{}
	searcher.On("SearchUsers", mock.Anything, "go", 1).Return([]string{}, nil).Run(func(mock.Arguments) { cancel() }).Once()

	err = newQueryLoader(t, store, searcher, crawler.QueryKindUsers, time.Hour).Tick(ctx)
	require.ErrorIs(t, err, context.Canceled)
	searcher.AssertExpectations(t)
}

func TestNewQueryLoaderValidates(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(nil, nil)
	_, err := NewQueryLoader(store, store, store, &mockSearcher{}, QueryLoaderConfig{Kind: "orgs"}, nil)
	require.Error(t, err)
	_, err = NewQueryLoader(store, store, nil, &mockSearcher{}, QueryLoaderConfig{Kind: crawler.QueryKindRepos}, nil)
	require.ErrorContains(t, err, "repo queue")
	_, err = NewQueryLoader(store, store, nil, &mockSearcher{}, QueryLoaderConfig{Kind: crawler.QueryKindUsers}, nil)
	require.NoError(t, err)
}
