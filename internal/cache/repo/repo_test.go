package repo_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moodlog/moodlog/internal/cache/db"
	"github.com/moodlog/moodlog/internal/cache/errs"
	"github.com/moodlog/moodlog/internal/cache/repo"
	"github.com/moodlog/moodlog/internal/cache/schema"
)

// fixedStore hands out one store handle.
type fixedStore struct{ db *db.DB }

func (f fixedStore) Handle() (*db.DB, error) {
	if f.db == nil {
		return nil, errs.ErrNotInitialized
	}
	return f.db, nil
}

// testClock is a settable clock.
type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)}
}

// openTestDB creates a file-backed store in a temporary directory.
func openTestDB(t *testing.T) *db.DB {
	t.Helper()

	store, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err, "Open() failed")
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newPostRepo(t *testing.T, user string) (*repo.PostRepository, *testClock) {
	t.Helper()
	clock := newTestClock()
	return repo.NewPostRepository(fixedStore{openTestDB(t)}, repo.StaticIdentity{UserID: user}, repo.WithClock(clock.Now)), clock
}

func strPtr(s string) *string { return &s }

func int64Ptr(n int64) *int64 { return &n }

// fullPost returns a complete post for owner alice.
func fullPost(id int64, date, content string) *schema.Post {
	created := time.Date(2026, 9, 1, 12, 0, 0, 123456789, time.UTC)
	return &schema.Post{
		ID:                 id,
		OwnerID:            "alice",
		Content:            content,
		Mood:               strPtr("calm"),
		EntryDate:          date,
		CreatedAt:          created,
		UpdatedAt:          created.Add(time.Hour),
		AllowAIComments:    true,
		AIProcessingStatus: schema.AIStatusCompleted,
		AIGenerated:        true,
		Comments: []schema.Comment{
			{CharacterID: 7, Message: "Sounds like a good day", CreatedAt: created.Add(2 * time.Hour)},
		},
		Hashtags: []string{"walk", "autumn"},
		Images: []schema.Image{
			{ID: "img-1", StoragePath: "u/alice/1.jpg", DisplayOrder: 0, FileSize: int64Ptr(2048), CreatedAt: created},
		},
		IsCached: true,
	}
}

// skeletonPost returns a list-view post for owner alice.
func skeletonPost(id int64, date, content string) *schema.Post {
	return fullPost(id, date, content).Skeleton()
}
