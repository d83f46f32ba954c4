// Package github scrapes the GitHub REST API with a rate limited colly collector.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/gh-frontier/internal/crawler"
	"github.com/JakeFAU/gh-frontier/internal/metrics"
)

const defaultPerPage = 100

// Config controls the upstream client.
type Config struct {
	APIURL    string
	Token     string
	UserAgent string
	Timeout   time.Duration
	// RequestsPerSecond paces every request made by the client. Zero disables pacing.
	RequestsPerSecond float64
	Burst             int
	PerPage           int
}

// StatusError is returned for non-2xx responses other than 404.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("github %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("github %s: status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Client implements crawler.ProfileScraper, crawler.RepoScraper and
// crawler.KeywordSearcher.
type Client struct {
	cfg       Config
	base      *url.URL
	limiter   *rate.Limiter
	collector *colly.Collector
	logger    *zap.Logger
}

var (
	_ crawler.ProfileScraper  = (*Client)(nil)
	_ crawler.RepoScraper     = (*Client)(nil)
	_ crawler.KeywordSearcher = (*Client)(nil)
)

// New builds a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.APIURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("github: invalid api url %q", cfg.APIURL)
	}
	if cfg.PerPage <= 0 || cfg.PerPage > defaultPerPage {
		cfg.PerPage = defaultPerPage
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.IgnoreRobotsTxt(),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(newHTTPTransport())

	return &Client{
		cfg:       cfg,
		base:      base,
		limiter:   rate.NewLimiter(limit, burst),
		collector: c,
		logger:    logger,
	}, nil
}

type loginRef struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

type repoRef struct {
	FullName string `json:"full_name"`
}

type commitItem struct {
	SHA     string `json:"sha"`
	HTMLURL string `json:"html_url"`
	Commit  struct {
		Message string `json:"message"`
		Author  struct {
			Date time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
	Author     *loginRef `json:"author"`
	Committer  *loginRef `json:"committer"`
	Repository repoRef   `json:"repository"`
}

type searchResponse[T any] struct {
	TotalCount int `json:"total_count"`
	Items      []T `json:"items"`
}

// ScrapeUser fetches a user with its owned repositories, starred repositories,
// followers and authored commit history. Each list is read for at most
// maxPages pages. Commit search has its own, tighter quota, so a failed
// history read is logged and leaves the history empty.
func (c *Client) ScrapeUser(ctx context.Context, login string, maxPages int) (crawler.UserPayload, error) {
	login = crawler.NormalizeLogin(login)
	if login == "" {
		return crawler.UserPayload{}, errors.New("github: login is required")
	}
	escaped := url.PathEscape(login)

	var payload crawler.UserPayload
	if err := c.getJSON(ctx, "/users/"+escaped, nil, &payload); err != nil {
		return crawler.UserPayload{}, fmt.Errorf("get user %s: %w", login, err)
	}

	owned, err := listPages[crawler.RepoPayload](ctx, c, "/users/"+escaped+"/repos", maxPages)
	if err != nil {
		return crawler.UserPayload{}, fmt.Errorf("list repos of %s: %w", login, err)
	}
	starred, err := listPages[crawler.RepoPayload](ctx, c, "/users/"+escaped+"/starred", maxPages)
	if err != nil {
		return crawler.UserPayload{}, fmt.Errorf("list starred of %s: %w", login, err)
	}
	followers, err := listPages[loginRef](ctx, c, "/users/"+escaped+"/followers", maxPages)
	if err != nil {
		return crawler.UserPayload{}, fmt.Errorf("list followers of %s: %w", login, err)
	}

	commits, err := c.commitHistory(ctx, login, maxPages)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.UserPayload{}, fmt.Errorf("list commits of %s: %w", login, err)
		}
		c.logger.Warn("commit history unavailable", zap.String("login", login), zap.Error(err))
	}

	payload.OwnedRepos = owned
	payload.StarredRepos = starred
	payload.Followers = make([]crawler.UserRef, 0, len(followers))
	for _, f := range followers {
		payload.Followers = append(payload.Followers, crawler.UserRef{ID: f.ID, Login: f.Login})
	}
	payload.CommitHistory = commits
	return payload, nil
}

// commitHistory pages through the commit search for author:login, newest first.
func (c *Client) commitHistory(ctx context.Context, login string, maxPages int) ([]crawler.CommitPayload, error) {
	if maxPages <= 0 {
		maxPages = 1
	}
	var out []crawler.CommitPayload
	for page := 1; page <= maxPages; page++ {
		params := c.searchParams("author:"+login, page)
		params.Set("sort", "author-date")
		params.Set("order", "desc")

		var resp searchResponse[commitItem]
		if err := c.getJSON(ctx, "/search/commits", params, &resp); err != nil {
			return out, fmt.Errorf("page %d: %w", page, err)
		}
		for _, item := range resp.Items {
			commit := crawler.CommitPayload{
				SHA:          item.SHA,
				HTMLURL:      item.HTMLURL,
				Message:      item.Commit.Message,
				RepoFullName: item.Repository.FullName,
				AuthoredAt:   item.Commit.Author.Date,
			}
			if item.Author != nil {
				commit.AuthorLogin = item.Author.Login
			}
			if item.Committer != nil {
				commit.CommitterLogin = item.Committer.Login
			}
			out = append(out, commit)
		}
		if len(resp.Items) < c.cfg.PerPage {
			break
		}
	}
	return out, nil
}

// ScrapeRepo fetches repository metadata and, unless skipFollowers is set,
// its stargazers as follower handles. A missing repository yields a nil payload.
func (c *Client) ScrapeRepo(ctx context.Context, fullName string, maxPages int, skipFollowers bool) (*crawler.RepoPayload, error) {
	owner, name, err := crawler.SplitFullName(crawler.NormalizeLogin(fullName))
	if err != nil {
		return nil, fmt.Errorf("github: %w", err)
	}
	repoPath := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name)

	var payload crawler.RepoPayload
	err = c.getJSON(ctx, repoPath, nil, &payload)
	if errors.Is(err, crawler.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get repo %s/%s: %w", owner, name, err)
	}
	if skipFollowers {
		return &payload, nil
	}

	stargazers, err := listPages[loginRef](ctx, c, repoPath+"/stargazers", maxPages)
	if err != nil {
		return nil, fmt.Errorf("list stargazers of %s/%s: %w", owner, name, err)
	}
	payload.Followers = make([]crawler.Handle, 0, len(stargazers))
	for _, s := range stargazers {
		payload.Followers = append(payload.Followers, crawler.Handle{Handle: s.Login})
	}
	payload.FollowerCount = len(payload.Followers)
	return &payload, nil
}

// SearchRepos returns the full names on one page of a repository search.
func (c *Client) SearchRepos(ctx context.Context, query string, page int) ([]string, error) {
	var resp searchResponse[repoRef]
	if err := c.getJSON(ctx, "/search/repositories", c.searchParams(query, page), &resp); err != nil {
		return nil, fmt.Errorf("search repositories: %w", err)
	}
	names := make([]string, 0, len(resp.Items))
	for _, item := range resp.Items {
		names = append(names, item.FullName)
	}
	return names, nil
}

// SearchUsers returns the logins on one page of a user search.
func (c *Client) SearchUsers(ctx context.Context, query string, page int) ([]string, error) {
	var resp searchResponse[loginRef]
	if err := c.getJSON(ctx, "/search/users", c.searchParams(query, page), &resp); err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	logins := make([]string, 0, len(resp.Items))
	for _, item := range resp.Items {
		logins = append(logins, item.Login)
	}
	return logins, nil
}

func (c *Client) searchParams(query string, page int) url.Values {
	if page < 1 {
		page = 1
	}
	return url.Values{
		"q":        {query},
		"page":     {strconv.Itoa(page)},
		"per_page": {strconv.Itoa(c.cfg.PerPage)},
	}
}

// listPages reads a paged list until a short page or maxPages is reached.
func listPages[T any](ctx context.Context, c *Client, path string, maxPages int) ([]T, error) {
	if maxPages <= 0 {
		maxPages = 1
	}
	var all []T
	for page := 1; page <= maxPages; page++ {
		var batch []T
		params := url.Values{
			"page":     {strconv.Itoa(page)},
			"per_page": {strconv.Itoa(c.cfg.PerPage)},
		}
		if err := c.getJSON(ctx, path, params, &batch); err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		all = append(all, batch...)
		if len(batch) < c.cfg.PerPage {
			break
		}
	}
	return all, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, dst any) error {
	body, err := c.get(ctx, path, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = params.Encode()
	target := u.String()

	var (
		status   int
		body     []byte
		fetchErr error
	)
	collector := c.collector.Clone()
	collector.Context = ctx
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	if err := collector.Request(http.MethodGet, target, nil, nil, c.headers()); err != nil && fetchErr == nil {
		fetchErr = err
	}
	metrics.ObserveUpstreamRequest(status)

	if fetchErr != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("github request canceled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("github request %s: %w", target, fetchErr)
	}
	switch {
	case status == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", path, crawler.ErrNotFound)
	case status < 200 || status >= 300:
		c.logger.Debug("upstream returned error status", zap.String("url", target), zap.Int("status", status))
		return nil, &StatusError{URL: target, StatusCode: status, Body: truncate(string(body), 256)}
	}
	return body, nil
}

func (c *Client) headers() http.Header {
	hdr := http.Header{}
	hdr.Set("Accept", "application/vnd.github+json")
	hdr.Set("X-GitHub-Api-Version", "2022-11-28")
	if c.cfg.Token != "" {
		hdr.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return hdr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
