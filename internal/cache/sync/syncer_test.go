package sync_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moodlog/moodlog/internal/cache/db"
	"github.com/moodlog/moodlog/internal/cache/errs"
	"github.com/moodlog/moodlog/internal/cache/freshness"
	"github.com/moodlog/moodlog/internal/cache/repo"
	"github.com/moodlog/moodlog/internal/cache/schema"
	cachesync "github.com/moodlog/moodlog/internal/cache/sync"
)

type fixedStore struct{ db *db.DB }

func (f fixedStore) Handle() (*db.DB, error) { return f.db, nil }

type simClock struct{ now time.Time }

func (c *simClock) Now() time.Time { return c.now }

// fakeRemote serves canned backend payloads.
type fakeRemote struct {
	months  map[string][]schema.PostWire
	details map[int64]*schema.PostWire
	chars   []schema.CharacterWire
	fail    error

	detailCalls []int64
}

func (f *fakeRemote) ListPosts(_ context.Context, month string) ([]schema.PostWire, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return f.months[month], nil
}

func (f *fakeRemote) GetPost(_ context.Context, id int64) (*schema.PostWire, error) {
	f.detailCalls = append(f.detailCalls, id)
	if f.fail != nil {
		return nil, f.fail
	}
	w, ok := f.details[id]
	if !ok {
		return nil, errors.New("404")
	}
	return w, nil
}

func (f *fakeRemote) ListCharacters(context.Context) ([]schema.CharacterWire, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return f.chars, nil
}

type fixture struct {
	clock  *simClock
	remote *fakeRemote
	posts  *repo.PostRepository
	chars  *repo.CharacterRepository
	policy *freshness.Policy
	syncer cachesync.Syncer
}

func newFixture(t *testing.T, opts ...cachesync.Option) *fixture {
	t.Helper()

	store, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := &simClock{now: time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)}
	ids := repo.StaticIdentity{UserID: "alice"}
	f := &fixture{
		clock:  clock,
		remote: &fakeRemote{months: map[string][]schema.PostWire{}, details: map[int64]*schema.PostWire{}},
		posts:  repo.NewPostRepository(fixedStore{store}, ids, repo.WithClock(clock.Now)),
		chars:  repo.NewCharacterRepository(fixedStore{store}, ids, repo.WithClock(clock.Now)),
	}
	f.policy = freshness.NewPolicy(f.posts, f.chars)
	f.policy.Clock = clock.Now

	opts = append([]cachesync.Option{cachesync.WithRateLimit(0, 0)}, opts...)
	f.syncer = cachesync.New(f.remote, f.posts, f.chars, ids, f.policy, opts...)
	return f
}

func wirePost(id int64, date, content string) schema.PostWire {
	created := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	return schema.PostWire{
		ID:        id,
		UserID:    "alice",
		Content:   content,
		EntryDate: date,
		CreatedAt: created,
		UpdatedAt: created,
		Hashtags:  []schema.HashtagWire{{Name: "daily"}},
	}
}

func TestSyncPostListStoresSkeletons(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.remote.months["2026-10"] = []schema.PostWire{
		wirePost(1, "2026-10-01", "one"),
		wirePost(2, "2026-10-02", "two"),
	}

	stats, err := f.syncer.SyncPostList(ctx, "2026-10")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PostsUpserted)

	p, err := f.posts.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.False(t, p.IsCached)
	assert.Nil(t, p.Hashtags, "list results carry no detail")
}

func TestSyncPostListKeepsFreshDetail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	w := wirePost(1, "2026-10-01", "one")
	f.remote.details[1] = &w
	_, err := f.syncer.SyncPostDetail(ctx, 1)
	require.NoError(t, err)

	f.remote.months["2026-10"] = []schema.PostWire{w, wirePost(2, "2026-10-02", "two")}

	stats, err := f.syncer.SyncPostList(ctx, "2026-10")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PostsUpserted)
	assert.Equal(t, 1, stats.PostsSkipped)

	p, err := f.posts.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.True(t, p.IsCached, "a current complete record is not downgraded")
	assert.Equal(t, []string{"daily"}, p.Hashtags)

	// Once stale, the list result replaces it.
	f.clock.now = f.clock.now.Add(2 * time.Hour)
	stats, err = f.syncer.SyncPostList(ctx, "2026-10")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.PostsUpserted)

	p, err = f.posts.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.False(t, p.IsCached)
}

func TestSyncPostDetailRejectsForeignPost(t *testing.T) {
	f := newFixture(t)
	w := wirePost(1, "2026-10-01", "one")
	w.UserID = "bob"
	f.remote.details[1] = &w

	_, err := f.syncer.SyncPostDetail(context.Background(), 1)
	assert.ErrorIs(t, err, errs.ErrInvalidRecord)
}

func TestSyncCharacters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.remote.chars = []schema.CharacterWire{
		{ID: 1, Name: "mia", UserCharacter: &schema.UserCharacterWire{ID: 10, IsFollowing: true, Affinity: 3}},
		{ID: 2, Name: "ren"},
	}

	stats, err := f.syncer.SyncCharacters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CharactersUpserted)

	following, err := f.chars.ListFollowing(ctx)
	require.NoError(t, err)
	require.Len(t, following, 1)
	assert.Equal(t, "mia", following[0].Name)
}

func TestRefreshStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, id := range []int64{1, 2} {
		w := wirePost(id, "2026-10-01", "entry")
		f.remote.details[id] = &w
	}
	_, err := f.syncer.SyncPostDetail(ctx, 1)
	require.NoError(t, err)
	f.clock.now = f.clock.now.Add(2 * time.Hour)
	_, err = f.syncer.SyncPostDetail(ctx, 2)
	require.NoError(t, err)
	f.remote.detailCalls = nil

	stats, err := f.syncer.RefreshStale(ctx, []int64{1, 2, 99})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.PostsUpserted)
	assert.Equal(t, 1, stats.PostsSkipped)
	assert.Equal(t, []int64{1}, f.remote.detailCalls)
}

func TestRemoteFailure(t *testing.T) {
	f := newFixture(t)
	f.remote.fail = errors.New("connection refused")

	_, err := f.syncer.SyncPostList(context.Background(), "2026-10")
	assert.ErrorContains(t, err, "connection refused")
}

func TestFetchWithoutRemote(t *testing.T) {
	f := newFixture(t)
	s := cachesync.New(nil, f.posts, f.chars, repo.StaticIdentity{UserID: "alice"}, f.policy)

	_, err := s.SyncCharacters(context.Background())
	assert.Error(t, err)
}

func TestNotAuthenticated(t *testing.T) {
	f := newFixture(t)
	s := cachesync.New(f.remote, f.posts, f.chars, repo.StaticIdentity{}, f.policy)

	_, err := s.SyncPostList(context.Background(), "2026-10")
	assert.ErrorIs(t, err, errs.ErrNotAuthenticated)
}

func TestImportFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dir := t.TempDir()

	require.NoError(t, f.posts.UpsertOne(ctx, &schema.Post{ID: 7, OwnerID: "alice", EntryDate: "2026-09-01"}))

	path, err := schema.WriteEnvelope(dir, &schema.Envelope{
		Owner:          "alice",
		Detailed:       true,
		Posts:          []schema.PostWire{wirePost(1, "2026-10-01", "one")},
		Characters:     []schema.CharacterWire{{ID: 3, Name: "sol"}},
		DeletedPostIDs: []int64{7},
	})
	require.NoError(t, err)

	stats, err := f.syncer.ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, cachesync.Stats{
		PostsUpserted:      1,
		PostsDeleted:       1,
		CharactersUpserted: 1,
		FilesRead:          1,
	}, stats)

	p, err := f.posts.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.True(t, p.IsCached)

	_, err = f.posts.GetByID(ctx, 7)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestImportFileRejectsOtherOwner(t *testing.T) {
	f := newFixture(t)
	path, err := schema.WriteEnvelope(t.TempDir(), &schema.Envelope{
		Owner: "bob",
		Posts: []schema.PostWire{{ID: 1, UserID: "bob", EntryDate: "2026-10-01"}},
	})
	require.NoError(t, err)

	_, err = f.syncer.ImportFile(context.Background(), path)
	assert.ErrorContains(t, err, "belongs to")
}

func TestImportDirContinuesPastBadFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, cachesync.WithRemoveImported(true))
	dir := t.TempDir()

	good, err := schema.WriteEnvelope(dir, &schema.Envelope{
		Owner:     "alice",
		FetchedAt: time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC),
		Posts:     []schema.PostWire{wirePost(1, "2026-10-01", "one")},
	})
	require.NoError(t, err)
	bad := filepath.Join(dir, "20261015T090000.000000000-alice.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o644))

	stats, err := f.syncer.ImportDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesRead)
	assert.Equal(t, 1, stats.FilesFailed)
	assert.Equal(t, 1, stats.PostsUpserted)

	assert.NoFileExists(t, good, "applied files are removed")
	assert.FileExists(t, bad, "failed files stay for inspection")
}

func TestImportDirStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	_, err := schema.WriteEnvelope(dir, &schema.Envelope{
		Owner: "alice",
		Posts: []schema.PostWire{wirePost(1, "2026-10-01", "one")},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = f.syncer.ImportDir(ctx, dir)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStatsAdd(t *testing.T) {
	s := cachesync.Stats{PostsUpserted: 1, FilesRead: 1}
	s.Add(cachesync.Stats{PostsUpserted: 2, PostsDeleted: 3, FilesFailed: 1})
	assert.Equal(t, cachesync.Stats{PostsUpserted: 3, PostsDeleted: 3, FilesRead: 1, FilesFailed: 1}, s)
}
