package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gh-frontier/internal/crawler"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type seqIDs struct{ n int }

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewStoreWithPool(mock, fixedClock{testNow}, &seqIDs{})
	require.NoError(t, err)
	return store, mock
}

func ptr[T any](v T) *T { return &v }

var profileColumnNames = []string{
	"login", "depth", "last_scraped_at", "user_id", "name", "html_url", "avatar_url", "company",
	"blog", "location", "bio", "hireable", "num_public_repos", "num_public_gists", "num_followers",
	"num_following", "starred_repo_ids", "owned_repo_ids", "follower_logins", "created_at", "updated_at",
}

func TestNewStoreWithPoolValidates(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewStoreWithPool(nil, fixedClock{}, &seqIDs{})
	require.ErrorContains(t, err, "pool")
	_, err = NewStoreWithPool(mock, nil, &seqIDs{})
	require.ErrorContains(t, err, "clock")
	_, err = NewStoreWithPool(mock, fixedClock{}, nil)
	require.ErrorContains(t, err, "id generator")
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS profiles").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimProfileReturnsPreviousTimestamp(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	staleBefore := testNow.Add(-7 * 24 * time.Hour)
	prev := testNow.Add(-30 * 24 * time.Hour)

	mock.ExpectQuery("UPDATE profiles AS p").
		WithArgs(staleBefore, testNow).
		WillReturnRows(mock.NewRows([]string{"login", "depth", "last_scraped_at"}).
			AddRow("Alice", 2, &prev))

	claim, err := store.ClaimProfile(context.Background(), staleBefore, testNow)
	require.NoError(t, err)
	require.Equal(t, &crawler.ClaimedProfile{Login: "Alice", Depth: 2, PreviousScrapedAt: prev}, claim)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimProfileEmptyFrontier(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectQuery("UPDATE profiles AS p").
		WithArgs(pgxmock.AnyArg(), testNow).
		WillReturnError(pgx.ErrNoRows)

	claim, err := store.ClaimProfile(context.Background(), testNow, testNow)
	require.NoError(t, err)
	require.Nil(t, claim)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimProfileError(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectQuery("UPDATE profiles AS p").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	_, err := store.ClaimProfile(context.Background(), testNow, testNow)
	require.ErrorContains(t, err, "claim profile")
}

func TestUpsertFrontier(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO profiles \\(login, depth\\) VALUES").
		WithArgs("bob", 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO profiles \\(login, depth, last_scraped_at\\) VALUES").
		WithArgs("carol", 99, time.Unix(0, 0).UTC()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.UpsertFrontier(ctx, crawler.FrontierSeed{Login: " Bob", Depth: 1}))
	require.NoError(t, store.UpsertFrontier(ctx, crawler.FrontierSeed{Login: "carol", Depth: 99, ResetLastScraped: true}))
	require.Error(t, store.UpsertFrontier(ctx, crawler.FrontierSeed{Depth: 1}))
	require.Error(t, store.UpsertFrontier(ctx, crawler.FrontierSeed{Login: "  ", Depth: 1}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveProfileReturnsStoredRecord(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	created := time.Date(2011, 1, 25, 18, 44, 36, 0, time.UTC)
	in := crawler.Profile{
		Login:          "octocat",
		Depth:          3,
		LastScrapedAt:  testNow,
		UserID:         ptr(int64(583231)),
		Name:           ptr("The Octocat"),
		NumFollowers:   ptr(10),
		FollowerLogins: []string{"hubot"},
		CreatedAt:      &created,
	}

	args := make([]any, 21)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	args[0], args[1] = "octocat", 3

	mock.ExpectQuery("INSERT INTO profiles").
		WithArgs(args...).
		WillReturnRows(mock.NewRows(profileColumnNames).AddRow(
			"octocat", 1, &testNow, ptr(int64(583231)), ptr("The Octocat"), nil, nil, ptr("GitHub"),
			nil, nil, nil, nil, nil, nil, ptr(10),
			nil, nil, nil, []string{"hubot"}, &created, nil,
		))

	saved, err := store.SaveProfile(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, "octocat", saved.Login)
	require.Equal(t, 1, saved.Depth, "existing depth is returned from the row")
	require.Equal(t, testNow, saved.LastScrapedAt)
	require.Equal(t, "GitHub", *saved.Company)
	require.Equal(t, []string{"hubot"}, saved.FollowerLogins)
	require.Nil(t, saved.Bio)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProfileNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectQuery("SELECT login, depth").
		WithArgs("ghost").
		WillReturnRows(mock.NewRows(profileColumnNames))

	_, err := store.GetProfile(context.Background(), "ghost")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteProfile(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectExec("DELETE FROM profiles WHERE login").
		WithArgs("Ghost").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, store.DeleteProfile(context.Background(), "Ghost"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRepo(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	repo := crawler.Repo{
		RepoID:        1296269,
		Name:          "Hello-World",
		FullName:      "octocat/Hello-World",
		OwnerID:       1,
		OwnerLogin:    "octocat",
		NumStargazers: 80,
		LastScrapedAt: testNow,
	}
	mock.ExpectExec("INSERT INTO repos").
		WithArgs(
			repo.RepoID, repo.Name, repo.FullName, repo.Description, repo.HTMLURL, repo.OwnerID,
			repo.OwnerLogin, repo.IsFork, repo.NumStargazers, repo.NumWatchers, repo.NumForks,
			repo.Language, repo.CreatedAt, repo.UpdatedAt, repo.PushedAt, repo.LastScrapedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveRepo(context.Background(), repo))
	require.Error(t, store.SaveRepo(context.Background(), crawler.Repo{FullName: "a/b"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCommit(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	authored := testNow.Add(-time.Hour)
	commit := crawler.Commit{
		SHA:           "abc123",
		RepoFullName:  "acme/widget",
		UserID:        583231,
		AuthorLogin:   ptr("octocat"),
		Message:       ptr("fix parser"),
		AuthoredAt:    &authored,
		LastScrapedAt: testNow,
	}
	mock.ExpectExec("INSERT INTO commits").
		WithArgs(
			commit.SHA, commit.RepoFullName, commit.UserID, commit.AuthorLogin, commit.CommitterLogin,
			commit.Message, commit.HTMLURL, commit.AuthoredAt, commit.LastScrapedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveCommit(context.Background(), commit))
	require.ErrorContains(t, store.SaveCommit(context.Background(), crawler.Commit{SHA: "abc"}), "required")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueRepoLowercasesName(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectExec("INSERT INTO repo_queue").
		WithArgs("id-1", "acme/widget", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.EnqueueRepo(context.Background(), " Acme/Widget "))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimRepo(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectQuery("DELETE FROM repo_queue").
		WillReturnRows(mock.NewRows([]string{"id", "full_name", "enqueued_at"}).
			AddRow("id-9", "acme/widget", testNow))
	mock.ExpectQuery("DELETE FROM repo_queue").
		WillReturnRows(mock.NewRows([]string{"id", "full_name", "enqueued_at"}))

	entry, err := store.ClaimRepo(context.Background())
	require.NoError(t, err)
	require.Equal(t, &crawler.RepoQueueEntry{ID: "id-9", FullName: "acme/widget", EnqueuedAt: testNow}, entry)

	entry, err = store.ClaimRepo(context.Background())
	require.NoError(t, err)
	require.Nil(t, entry)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueAndClaimQuery(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO query_queue").
		WithArgs("id-1", "users", "location:berlin", 3, testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("DELETE FROM query_queue").
		WithArgs("users").
		WillReturnRows(mock.NewRows([]string{"id", "kind", "query", "pages", "enqueued_at"}).
			AddRow("id-1", "users", "location:berlin", 3, testNow))

	saved, err := store.EnqueueQuery(ctx, crawler.QueryQueueEntry{
		Kind:  crawler.QueryKindUsers,
		Query: "location:berlin",
		Pages: 3,
	})
	require.NoError(t, err)
	require.Equal(t, "id-1", saved.ID)
	require.Equal(t, testNow, saved.EnqueuedAt)

	claimed, err := store.ClaimQuery(ctx, crawler.QueryKindUsers)
	require.NoError(t, err)
	require.Equal(t, &saved, claimed)

	_, err = store.EnqueueQuery(ctx, crawler.QueryQueueEntry{Kind: crawler.QueryKindRepos, Pages: 1})
	require.ErrorContains(t, err, "query is required")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("down"))

	require.NoError(t, store.Ping(context.Background()))
	require.ErrorContains(t, store.Ping(context.Background()), "ping postgres")
	require.NoError(t, mock.ExpectationsWereMet())
}
