// Package sync mirrors backend results into the diary cache.
//
// The cache never writes to the backend. Results arrive either through a
// RemoteClient called directly, or as spool files (schema.Envelope) that
// the network layer drops in a directory for the daemon to import.
//
//	RemoteClient ──┐
//	               ├──> Syncer ──> PostRepository / CharacterRepository
//	spool/*.json ──┘
//
// A list fetch yields skeletons. Writing a skeleton over a complete record
// would throw away its detail, so list results are skipped for rows whose
// cached copy is complete and does not need a sync yet.
package sync

import (
	"context"

	"github.com/moodlog/moodlog/internal/cache/schema"
)

// RemoteClient is the read side of the diary backend.
type RemoteClient interface {
	// ListPosts returns the list view of one YYYY-MM month.
	ListPosts(ctx context.Context, month string) ([]schema.PostWire, error)

	// GetPost returns one post with comments, hashtags and images.
	GetPost(ctx context.Context, id int64) (*schema.PostWire, error)

	// ListCharacters returns the characters available to the user.
	ListCharacters(ctx context.Context) ([]schema.CharacterWire, error)
}

// Syncer keeps the cache in step with the backend.
//
// Individual spool file failures do not stop a directory import; they are
// logged and counted in Stats.FilesFailed.
type Syncer interface {
	// SyncPostList fetches a month and stores skeletons for it.
	SyncPostList(ctx context.Context, month string) (Stats, error)

	// SyncPostDetail fetches one post and stores it as complete.
	SyncPostDetail(ctx context.Context, id int64) (*schema.Post, error)

	// SyncCharacters fetches and stores all characters.
	SyncCharacters(ctx context.Context) (Stats, error)

	// RefreshStale refetches the detail of every post among ids whose
	// cached copy needs a sync. Missing ids are ignored.
	RefreshStale(ctx context.Context, ids []int64) (Stats, error)

	// ImportFile applies one spool file.
	ImportFile(ctx context.Context, path string) (Stats, error)

	// ImportDir applies every spool file in dir, oldest first.
	ImportDir(ctx context.Context, dir string) (Stats, error)
}

// Stats counts what a sync call did.
type Stats struct {
	PostsUpserted      int
	PostsSkipped       int
	PostsDeleted       int64
	CharactersUpserted int
	CharactersDeleted  int64
	FilesRead          int
	FilesFailed        int
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.PostsUpserted += o.PostsUpserted
	s.PostsSkipped += o.PostsSkipped
	s.PostsDeleted += o.PostsDeleted
	s.CharactersUpserted += o.CharactersUpserted
	s.CharactersDeleted += o.CharactersDeleted
	s.FilesRead += o.FilesRead
	s.FilesFailed += o.FilesFailed
}
