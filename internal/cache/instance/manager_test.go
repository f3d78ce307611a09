package instance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moodlog/moodlog/internal/cache/errs"
	"github.com/moodlog/moodlog/internal/cache/repo"
	"github.com/moodlog/moodlog/internal/cache/schema"
)

func strPtr(s string) *string { return &s }

func testPost(owner string, id int64) *schema.Post {
	return &schema.Post{
		ID:        id,
		OwnerID:   owner,
		Content:   "entry",
		EntryDate: "2026-10-01",
		CreatedAt: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestHandleBeforeOpen(t *testing.T) {
	m := NewManager(t.TempDir())

	_, err := m.Handle()
	assert.ErrorIs(t, err, errs.ErrNotInitialized)

	_, ok := m.CurrentUserID()
	assert.False(t, ok)
	assert.Empty(t, m.InstanceID())
	assert.NoError(t, m.Close(), "closing without a store is a no-op")
}

func TestOpenUserStore(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)
	defer m.Close()

	handle, err := m.Open(context.Background(), strPtr("alice"))
	require.NoError(t, err)
	assert.False(t, handle.IsEphemeral())
	assert.Equal(t, filepath.Join(root, "users", "alice", DBFileName), handle.Path())

	info, err := os.Stat(filepath.Join(root, "users", "alice"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	user, ok := m.CurrentUserID()
	assert.True(t, ok)
	assert.Equal(t, "alice", user)
	assert.NotEmpty(t, m.InstanceID())
}

func TestOpenEphemeralStore(t *testing.T) {
	m := NewManager(t.TempDir())
	defer m.Close()

	handle, err := m.Open(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, handle.IsEphemeral())

	_, ok := m.CurrentUserID()
	assert.False(t, ok, "ephemeral stores have no user")

	got, err := m.Handle()
	require.NoError(t, err)
	assert.Same(t, handle, got)
}

func TestSwitchUserIsolatesRecords(t *testing.T) {
	ctx := context.Background()
	m := NewManager(t.TempDir())
	defer m.Close()

	posts := repo.NewPostRepository(m, m)

	_, err := m.SwitchUser(ctx, strPtr("alice"))
	require.NoError(t, err)
	require.NoError(t, posts.UpsertOne(ctx, testPost("alice", 1)))

	_, err = m.SwitchUser(ctx, strPtr("bob"))
	require.NoError(t, err)
	_, err = posts.GetByID(ctx, 1)
	assert.ErrorIs(t, err, errs.ErrNotFound, "bob must not see alice's post")

	_, err = m.SwitchUser(ctx, strPtr("alice"))
	require.NoError(t, err)
	got, err := posts.GetByID(ctx, 1)
	require.NoError(t, err, "alice's store survives the switch")
	assert.Equal(t, "alice", got.OwnerID)
}

func TestSwitchClosesPreviousHandle(t *testing.T) {
	ctx := context.Background()
	m := NewManager(t.TempDir())
	defer m.Close()

	first, err := m.Open(ctx, strPtr("alice"))
	require.NoError(t, err)
	firstID := m.InstanceID()

	_, err = m.SwitchUser(ctx, nil)
	require.NoError(t, err)
	assert.NotEqual(t, firstID, m.InstanceID())

	err = first.Conn().PingContext(ctx)
	assert.Error(t, err, "previous handle is closed")
}

func TestOpenFailureLeavesNoHandle(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	// A regular file where the users directory should be.
	require.NoError(t, os.WriteFile(filepath.Join(root, "users"), []byte("x"), 0o600))

	m := NewManager(root)
	_, err := m.Open(ctx, nil)
	require.NoError(t, err)

	_, err = m.Open(ctx, strPtr("alice"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrStoreInitializationFailed)
	assert.True(t, errs.IsFatal(err))

	_, err = m.Handle()
	assert.ErrorIs(t, err, errs.ErrNotInitialized)

	_, err = m.Open(ctx, strPtr(""))
	assert.ErrorIs(t, err, errs.ErrStoreInitializationFailed)
}

func TestSanitizeUserID(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"alice", "alice"},
		{"user_42-b", "user_42-b"},
		{"../etc", "x-2e2e2f657463"},
		{"a/b", "x-612f62"},
		{"x-abc", "x-782d616263"},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeUserID(tt.id))
		})
	}
}
