package repo_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moodlog/moodlog/internal/cache/errs"
	"github.com/moodlog/moodlog/internal/cache/query"
	"github.com/moodlog/moodlog/internal/cache/repo"
	"github.com/moodlog/moodlog/internal/cache/schema"
)

func TestPostUpsertThenGet(t *testing.T) {
	ctx := context.Background()
	posts, clock := newPostRepo(t, "alice")

	p := fullPost(1, "2026-10-01", "Walked by the river")
	require.NoError(t, posts.UpsertOne(ctx, p))
	assert.Equal(t, clock.Now(), p.LastSynced, "upsert stamps last_synced")

	got, err := posts.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestPostUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	posts, _ := newPostRepo(t, "alice")

	p := fullPost(1, "2026-10-01", "Same text")
	require.NoError(t, posts.UpsertOne(ctx, p))
	require.NoError(t, posts.UpsertOne(ctx, fullPost(1, "2026-10-01", "Same text")))

	n, err := posts.Count(ctx, query.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := posts.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestPostUpsertReplacesListsWholesale(t *testing.T) {
	ctx := context.Background()
	posts, _ := newPostRepo(t, "alice")

	require.NoError(t, posts.UpsertOne(ctx, fullPost(1, "2026-10-01", "First")))

	updated := fullPost(1, "2026-10-01", "First")
	updated.Hashtags = []string{"rain"}
	updated.Comments = []schema.Comment{}
	require.NoError(t, posts.UpsertOne(ctx, updated))

	got, err := posts.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"rain"}, got.Hashtags)
	assert.NotNil(t, got.Comments, "confirmed-empty comments stay non-nil")
	assert.Empty(t, got.Comments)
}

func TestPostSkeletonKeepsListsUnloaded(t *testing.T) {
	ctx := context.Background()
	posts, _ := newPostRepo(t, "alice")

	require.NoError(t, posts.UpsertOne(ctx, skeletonPost(2, "2026-10-02", "List view only")))

	got, err := posts.GetByID(ctx, 2)
	require.NoError(t, err)
	assert.False(t, got.IsCached)
	assert.Nil(t, got.Comments)
	assert.Nil(t, got.Hashtags)
	assert.Nil(t, got.Images)
}

func TestPostUpsertNormalizesHashtags(t *testing.T) {
	ctx := context.Background()
	posts, _ := newPostRepo(t, "alice")

	p := fullPost(1, "2026-10-01", "Tags")
	p.Hashtags = []string{"#walk", " walk ", "autumn", ""}
	require.NoError(t, posts.UpsertOne(ctx, p))

	got, err := posts.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"walk", "autumn"}, got.Hashtags)
}

func TestPostUpsertManyIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	posts, clock := newPostRepo(t, "alice")

	good := fullPost(1, "2026-10-01", "Good")
	bad := fullPost(2, "not-a-date", "Bad")

	err := posts.UpsertMany(ctx, []*schema.Post{good, bad})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidRecord))
	assert.True(t, good.LastSynced.IsZero(), "caller records untouched on failure")

	_, err = posts.GetByID(ctx, 1)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, posts.UpsertMany(ctx, []*schema.Post{good, fullPost(2, "2026-10-02", "Fixed")}))
	assert.Equal(t, clock.Now(), good.LastSynced)
}

func TestPostUpsertRejectsForeignOwner(t *testing.T) {
	ctx := context.Background()
	posts, _ := newPostRepo(t, "alice")

	p := fullPost(1, "2026-10-01", "Not mine")
	p.OwnerID = "bob"
	err := posts.UpsertOne(ctx, p)
	assert.ErrorIs(t, err, errs.ErrInvalidRecord)
}

func TestPostGetManyByIDs(t *testing.T) {
	ctx := context.Background()
	posts, _ := newPostRepo(t, "alice")

	for i, date := range []string{"2026-10-01", "2026-10-02", "2026-10-03"} {
		require.NoError(t, posts.UpsertOne(ctx, fullPost(int64(i+1), date, "entry")))
	}

	got, err := posts.GetManyByIDs(ctx, []int64{3, 99, 1, 3})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, int64(1), got[1].ID)
}

func TestPostQuery(t *testing.T) {
	ctx := context.Background()
	posts, _ := newPostRepo(t, "alice")

	seed := []*schema.Post{
		fullPost(1, "2026-08-30", "Late summer"),
		fullPost(2, "2026-09-15", "Back to work"),
		skeletonPost(3, "2026-09-20", "Rainy commute"),
		fullPost(4, "2026-10-01", "First frost"),
	}
	seed[1].Mood = nil
	require.NoError(t, posts.UpsertMany(ctx, seed))

	tests := []struct {
		name   string
		filter query.Filter
		sort   query.Sort
		want   []int64
	}{
		{"all newest first", query.Filter{}, query.Sort{}, []int64{4, 3, 2, 1}},
		{"month prefix", query.And(query.Prefix("entry_date", "2026-09-")), query.Sort{}, []int64{3, 2}},
		{"date range", query.And(query.Range("entry_date", "2026-09-01", "2026-09-30")), query.Sort{Field: "entry_date"}, []int64{2, 3}},
		{"open upper bound", query.And(query.Range("entry_date", "2026-09-20", nil)), query.Sort{Field: "id"}, []int64{3, 4}},
		{"skeletons", query.And(query.Eq("is_cached", false)), query.Sort{}, []int64{3}},
		{"null mood", query.And(query.Eq("mood", nil)), query.Sort{}, []int64{2}},
		{"contains fold", query.And(query.ContainsFold("content", "FROST")), query.Sort{}, []int64{4}},
		{"and", query.And(query.Eq("is_cached", true), query.Prefix("entry_date", "2026-09")), query.Sort{}, []int64{2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := posts.Query(ctx, tt.filter, tt.sort)
			require.NoError(t, err)
			ids := make([]int64, len(got))
			for i, p := range got {
				ids[i] = p.ID
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestPostQueryUnknownField(t *testing.T) {
	posts, _ := newPostRepo(t, "alice")

	_, err := posts.Query(context.Background(), query.And(query.Eq("owner_id", "bob")), query.Sort{})
	assert.ErrorIs(t, err, errs.ErrInvalidQuery)

	_, err = posts.Query(context.Background(), query.Filter{}, query.Sort{Field: "nope"})
	assert.ErrorIs(t, err, errs.ErrInvalidQuery)
}

func TestPostQueryPage(t *testing.T) {
	ctx := context.Background()
	posts, _ := newPostRepo(t, "alice")

	for i := 1; i <= 5; i++ {
		require.NoError(t, posts.UpsertOne(ctx, fullPost(int64(i), fmt.Sprintf("2026-10-%02d", i), "entry")))
	}

	page, err := posts.QueryPage(ctx, query.Filter{}, query.Sort{Field: "id"}, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].ID)
	assert.Equal(t, int64(4), page[1].ID)
}

func TestPostDeleteMany(t *testing.T) {
	ctx := context.Background()
	posts, _ := newPostRepo(t, "alice")

	require.NoError(t, posts.UpsertMany(ctx, []*schema.Post{
		fullPost(1, "2026-10-01", "a"),
		fullPost(2, "2026-10-02", "b"),
		fullPost(3, "2026-10-03", "c"),
	}))

	n, err := posts.DeleteMany(ctx, []int64{1, 3, 404})
	require.NoError(t, err, "unknown ids are ignored")
	assert.Equal(t, int64(2), n)

	remaining, err := posts.Query(ctx, query.Filter{}, query.Sort{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, int64(2), remaining[0].ID)

	require.NoError(t, posts.DeleteByID(ctx, 404))
}

func TestPostDistinctValues(t *testing.T) {
	ctx := context.Background()
	posts, _ := newPostRepo(t, "alice")

	a := fullPost(1, "2026-10-02", "a")
	b := fullPost(2, "2026-10-01", "b")
	b.Mood = strPtr("happy")
	c := fullPost(3, "2026-10-02", "c")
	c.Mood = nil
	require.NoError(t, posts.UpsertMany(ctx, []*schema.Post{a, b, c}))

	dates, err := posts.DistinctValues(ctx, "entry_date")
	require.NoError(t, err)
	assert.Equal(t, []any{"2026-10-01", "2026-10-02"}, dates)

	moods, err := posts.DistinctValues(ctx, "mood")
	require.NoError(t, err)
	assert.Equal(t, []any{"calm", "happy"}, moods)

	cached, err := posts.DistinctValues(ctx, "is_cached")
	require.NoError(t, err)
	assert.Equal(t, []any{true}, cached)

	days, err := posts.EntryDates(ctx, "2026-10")
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-10-01", "2026-10-02"}, days)
}

func TestPostDeleteEntryDatesBefore(t *testing.T) {
	ctx := context.Background()
	posts, _ := newPostRepo(t, "alice")

	require.NoError(t, posts.UpsertMany(ctx, []*schema.Post{
		fullPost(1, "2026-07-01", "old"),
		fullPost(2, "2026-07-17", "boundary"),
		fullPost(3, "2026-10-05", "new"),
	}))

	n, err := posts.DeleteEntryDatesBefore(ctx, "2026-07-17")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = posts.GetByID(ctx, 2)
	assert.NoError(t, err, "the cutoff date itself is kept")
}

func TestPostSearch(t *testing.T) {
	ctx := context.Background()
	posts, _ := newPostRepo(t, "alice")

	a := fullPost(1, "2026-10-01", "Coffee with Mia")
	b := fullPost(2, "2026-03-12", "coffee alone")
	c := fullPost(3, "2026-10-02", "Tea")
	c.Mood = strPtr("Coffee-deprived")
	require.NoError(t, posts.UpsertMany(ctx, []*schema.Post{a, b, c}))

	got, err := posts.Search(ctx, "coffee")
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = posts.Search(ctx, "2026-03")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].ID)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = posts.Search(cancelled, "coffee")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPostRepositoryScoping(t *testing.T) {
	ctx := context.Background()
	store := fixedStore{openTestDB(t)}

	alice := repo.NewPostRepository(store, repo.StaticIdentity{UserID: "alice"})
	bob := repo.NewPostRepository(store, repo.StaticIdentity{UserID: "bob"})
	nobody := repo.NewPostRepository(store, repo.StaticIdentity{})
	closed := repo.NewPostRepository(fixedStore{}, repo.StaticIdentity{UserID: "alice"})

	require.NoError(t, alice.UpsertOne(ctx, fullPost(1, "2026-10-01", "alice's")))

	_, err := bob.GetByID(ctx, 1)
	assert.ErrorIs(t, err, errs.ErrNotFound, "rows are scoped by owner")

	_, err = nobody.GetByID(ctx, 1)
	assert.ErrorIs(t, err, errs.ErrNotAuthenticated)

	_, err = closed.GetByID(ctx, 1)
	assert.ErrorIs(t, err, errs.ErrNotInitialized)
}

func TestPostWriteAfterCloseFails(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t)
	posts := repo.NewPostRepository(fixedStore{store}, repo.StaticIdentity{UserID: "alice"})

	require.NoError(t, store.Close())

	err := posts.UpsertOne(ctx, fullPost(1, "2026-10-01", "late"))
	assert.ErrorIs(t, err, errs.ErrWriteFailed)

	_, err = posts.GetByID(ctx, 1)
	assert.ErrorIs(t, err, errs.ErrReadFailed)
}

func TestPostLastSyncedAdvancesWithClock(t *testing.T) {
	ctx := context.Background()
	posts, clock := newPostRepo(t, "alice")

	require.NoError(t, posts.UpsertOne(ctx, fullPost(1, "2026-10-01", "x")))
	first, err := posts.GetByID(ctx, 1)
	require.NoError(t, err)

	clock.Advance(90 * time.Minute)
	require.NoError(t, posts.UpsertOne(ctx, fullPost(1, "2026-10-01", "x")))
	second, err := posts.GetByID(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, 90*time.Minute, second.LastSynced.Sub(first.LastSynced))
}
