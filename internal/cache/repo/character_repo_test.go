package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moodlog/moodlog/internal/cache/errs"
	"github.com/moodlog/moodlog/internal/cache/query"
	"github.com/moodlog/moodlog/internal/cache/repo"
	"github.com/moodlog/moodlog/internal/cache/schema"
)

func newCharacterRepo(t *testing.T, user string) (*repo.CharacterRepository, *testClock) {
	t.Helper()
	clock := newTestClock()
	return repo.NewCharacterRepository(fixedStore{openTestDB(t)}, repo.StaticIdentity{UserID: user}, repo.WithClock(clock.Now)), clock
}

func testCharacter(id int64, name string, following bool, affinity int) *schema.Character {
	c := &schema.Character{
		ID:            id,
		OwnerID:       "alice",
		Name:          name,
		NameLocalized: strPtr(name + "-ja"),
		Description:   "A cheerful listener",
		AvatarURL:     "https://cdn.example.com/" + name + ".png",
		Personality:   []string{"kind", "curious"},
		Greetings: map[string][]string{
			"en": {"Hi there!"},
			"ja": {"こんにちは"},
		},
		IsFollowing: following,
		Affinity:    affinity,
	}
	if following {
		c.FollowID = int64Ptr(id * 100)
	}
	return c
}

func TestCharacterUpsertThenGet(t *testing.T) {
	ctx := context.Background()
	chars, clock := newCharacterRepo(t, "alice")

	c := testCharacter(1, "mia", true, 10)
	require.NoError(t, chars.UpsertOne(ctx, c))
	assert.Equal(t, clock.Now(), c.LastSynced)

	got, err := chars.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = chars.GetByID(ctx, 2)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCharacterValidation(t *testing.T) {
	ctx := context.Background()
	chars, _ := newCharacterRepo(t, "alice")

	c := testCharacter(1, "mia", false, 0)
	c.FollowID = int64Ptr(5)
	assert.ErrorIs(t, chars.UpsertOne(ctx, c), errs.ErrInvalidRecord, "follow id without following")

	c = testCharacter(2, "", false, 0)
	assert.ErrorIs(t, chars.UpsertOne(ctx, c), errs.ErrInvalidRecord, "name is required")
}

func TestCharacterListFollowing(t *testing.T) {
	ctx := context.Background()
	chars, _ := newCharacterRepo(t, "alice")

	require.NoError(t, chars.UpsertMany(ctx, []*schema.Character{
		testCharacter(1, "mia", true, 5),
		testCharacter(2, "ren", false, 50),
		testCharacter(3, "sol", true, 30),
	}))

	got, err := chars.ListFollowing(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "sol", got[0].Name)
	assert.Equal(t, "mia", got[1].Name)

	all, err := chars.Query(ctx, query.Filter{}, query.Sort{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "mia", all[0].Name, "default order is by name")
}

func TestCharacterSetFollowing(t *testing.T) {
	ctx := context.Background()
	chars, clock := newCharacterRepo(t, "alice")

	require.NoError(t, chars.UpsertOne(ctx, testCharacter(1, "mia", false, 0)))
	clock.Advance(time.Hour)

	updated, err := chars.SetFollowing(ctx, 1, true, int64Ptr(77))
	require.NoError(t, err)
	assert.True(t, updated.IsFollowing)
	assert.Equal(t, int64(77), *updated.FollowID)
	assert.Equal(t, clock.Now(), updated.LastSynced)

	got, err := chars.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, updated, got)

	updated, err = chars.SetFollowing(ctx, 1, false, int64Ptr(77))
	require.NoError(t, err)
	assert.False(t, updated.IsFollowing)
	assert.Nil(t, updated.FollowID, "unfollowing clears the follow id")

	_, err = chars.SetFollowing(ctx, 9, true, nil)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.NotErrorIs(t, err, errs.ErrWriteFailed, "a missing row is not a store failure")
}

func TestCharacterAdjustAffinity(t *testing.T) {
	ctx := context.Background()
	chars, _ := newCharacterRepo(t, "alice")

	require.NoError(t, chars.UpsertOne(ctx, testCharacter(1, "mia", true, 10)))

	updated, err := chars.AdjustAffinity(ctx, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, 15, updated.Affinity)

	updated, err = chars.AdjustAffinity(ctx, 1, -20)
	require.NoError(t, err)
	assert.Equal(t, -5, updated.Affinity)

	got, err := chars.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, -5, got.Affinity)
}

func TestCharacterDeleteSyncedBefore(t *testing.T) {
	ctx := context.Background()
	chars, clock := newCharacterRepo(t, "alice")

	require.NoError(t, chars.UpsertOne(ctx, testCharacter(1, "old", false, 0)))
	clock.Advance(31 * 24 * time.Hour)
	require.NoError(t, chars.UpsertOne(ctx, testCharacter(2, "new", false, 0)))

	n, err := chars.DeleteSyncedBefore(ctx, clock.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = chars.GetByID(ctx, 1)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = chars.GetByID(ctx, 2)
	assert.NoError(t, err)
}

func TestCharacterDeleteManyAndDistinct(t *testing.T) {
	ctx := context.Background()
	chars, _ := newCharacterRepo(t, "alice")

	require.NoError(t, chars.UpsertMany(ctx, []*schema.Character{
		testCharacter(1, "mia", true, 5),
		testCharacter(2, "ren", false, 5),
		testCharacter(3, "sol", true, 30),
	}))

	affinities, err := chars.DistinctValues(ctx, "affinity")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(5), int64(30)}, affinities)

	n, err := chars.DeleteMany(ctx, []int64{2, 3, 42})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := chars.GetManyByIDs(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].ID)

	count, err := chars.Count(ctx, query.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
