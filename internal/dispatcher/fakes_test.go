package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/gh-frontier/internal/crawler"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type userResult struct {
	payload crawler.UserPayload
	err     error
}

type fakeProfileScraper struct {
	mu      sync.Mutex
	results map[string]userResult
	calls   []string
}

func (f *fakeProfileScraper) ScrapeUser(_ context.Context, login string, _ int) (crawler.UserPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, login)
	r, ok := f.results[login]
	if !ok {
		return crawler.UserPayload{}, crawler.ErrNotFound
	}
	return r.payload, r.err
}

type repoResult struct {
	payload *crawler.RepoPayload
	err     error
}

type fakeRepoScraper struct {
	mu      sync.Mutex
	results map[string]repoResult
	calls   []string
}

func (f *fakeRepoScraper) ScrapeRepo(_ context.Context, fullName string, _ int, skipFollowers bool) (*crawler.RepoPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fullName)
	if skipFollowers {
		panic("followers must be requested")
	}
	r := f.results[fullName]
	return r.payload, r.err
}

type mockSearcher struct {
	mock.Mock
}

func (m *mockSearcher) SearchRepos(ctx context.Context, query string, page int) ([]string, error) {
	args := m.Called(ctx, query, page)
	res, _ := args.Get(0).([]string)
	return res, args.Error(1)
}

func (m *mockSearcher) SearchUsers(ctx context.Context, query string, page int) ([]string, error) {
	args := m.Called(ctx, query, page)
	res, _ := args.Get(0).([]string)
	return res, args.Error(1)
}

type stubRunner struct {
	name    string
	started chan struct{}
}

func (s *stubRunner) Name() string { return s.name }

func (s *stubRunner) Run(ctx context.Context) {
	close(s.started)
	<-ctx.Done()
}
