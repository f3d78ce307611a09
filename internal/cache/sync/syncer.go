package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/moodlog/moodlog/internal/cache/errs"
	"github.com/moodlog/moodlog/internal/cache/schema"
)

// PostStore is the part of repo.PostRepository the syncer writes through.
type PostStore interface {
	UpsertMany(ctx context.Context, posts []*schema.Post) error
	GetManyByIDs(ctx context.Context, ids []int64) ([]*schema.Post, error)
	DeleteMany(ctx context.Context, ids []int64) (int64, error)
}

// CharacterStore is the part of repo.CharacterRepository the syncer
// writes through.
type CharacterStore interface {
	UpsertMany(ctx context.Context, chars []*schema.Character) error
	DeleteMany(ctx context.Context, ids []int64) (int64, error)
}

// Identity reports the user whose cache is being filled.
type Identity interface {
	CurrentUserID() (string, bool)
}

// StalenessChecker is satisfied by *freshness.Policy.
type StalenessChecker interface {
	NeedsSync(lastSynced time.Time) bool
}

// Option configures the syncer.
type Option func(*syncer)

// WithLogger sets the syncer logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *syncer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRateLimit bounds calls to the RemoteClient. A zero or negative
// rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *syncer) {
		if perSecond <= 0 {
			s.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithRemoveImported makes ImportDir delete spool files it applied.
func WithRemoveImported(remove bool) Option {
	return func(s *syncer) {
		s.removeImported = remove
	}
}

// syncer implements the Syncer interface.
type syncer struct {
	remote  RemoteClient
	posts   PostStore
	chars   CharacterStore
	ids     Identity
	policy  StalenessChecker
	limiter *rate.Limiter
	logger  *zap.Logger

	removeImported bool
}

// New creates a Syncer. remote may be nil when only spool imports are
// used; the fetch methods then fail.
func New(remote RemoteClient, posts PostStore, chars CharacterStore, ids Identity, policy StalenessChecker, opts ...Option) Syncer {
	s := &syncer{
		remote:  remote,
		posts:   posts,
		chars:   chars,
		ids:     ids,
		policy:  policy,
		limiter: rate.NewLimiter(rate.Limit(5), 5),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *syncer) owner() (string, error) {
	owner, ok := s.ids.CurrentUserID()
	if !ok || owner == "" {
		return "", errs.ErrNotAuthenticated
	}
	return owner, nil
}

func (s *syncer) wait(ctx context.Context) error {
	if s.remote == nil {
		return fmt.Errorf("no remote client configured")
	}
	return s.limiter.Wait(ctx)
}

// SyncPostList implements Syncer.SyncPostList.
func (s *syncer) SyncPostList(ctx context.Context, month string) (Stats, error) {
	owner, err := s.owner()
	if err != nil {
		return Stats{}, err
	}
	if err := s.wait(ctx); err != nil {
		return Stats{}, err
	}

	wires, err := s.remote.ListPosts(ctx, month)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list posts for %s: %w", month, err)
	}

	stats, err := s.storePosts(ctx, owner, wires, false)
	if err != nil {
		return stats, err
	}
	s.logger.Info("synced post list",
		zap.String("month", month),
		zap.Int("upserted", stats.PostsUpserted),
		zap.Int("skipped", stats.PostsSkipped))
	return stats, nil
}

// SyncPostDetail implements Syncer.SyncPostDetail.
func (s *syncer) SyncPostDetail(ctx context.Context, id int64) (*schema.Post, error) {
	owner, err := s.owner()
	if err != nil {
		return nil, err
	}
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	w, err := s.remote.GetPost(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch post %d: %w", id, err)
	}
	p, err := schema.PostFromWire(w, owner, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrInvalidRecord, err)
	}
	if err := s.posts.UpsertMany(ctx, []*schema.Post{p}); err != nil {
		return nil, err
	}

	s.logger.Debug("synced post detail", zap.Int64("post_id", id))
	return p, nil
}

// SyncCharacters implements Syncer.SyncCharacters.
func (s *syncer) SyncCharacters(ctx context.Context) (Stats, error) {
	owner, err := s.owner()
	if err != nil {
		return Stats{}, err
	}
	if err := s.wait(ctx); err != nil {
		return Stats{}, err
	}

	wires, err := s.remote.ListCharacters(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to list characters: %w", err)
	}

	stats, err := s.storeCharacters(ctx, owner, wires)
	if err != nil {
		return stats, err
	}
	s.logger.Info("synced characters", zap.Int("upserted", stats.CharactersUpserted))
	return stats, nil
}

// RefreshStale implements Syncer.RefreshStale.
func (s *syncer) RefreshStale(ctx context.Context, ids []int64) (Stats, error) {
	var stats Stats

	cached, err := s.posts.GetManyByIDs(ctx, ids)
	if err != nil {
		return stats, err
	}

	for _, p := range cached {
		if !s.policy.NeedsSync(p.LastSynced) {
			stats.PostsSkipped++
			continue
		}
		if _, err := s.SyncPostDetail(ctx, p.ID); err != nil {
			return stats, err
		}
		stats.PostsUpserted++
	}
	return stats, nil
}

// ImportFile implements Syncer.ImportFile.
func (s *syncer) ImportFile(ctx context.Context, path string) (Stats, error) {
	owner, err := s.owner()
	if err != nil {
		return Stats{}, err
	}

	env, err := schema.ReadEnvelope(path)
	if err != nil {
		return Stats{}, err
	}
	if env.Owner != owner {
		return Stats{}, fmt.Errorf("spool file %s belongs to %q, current user is %q", filepath.Base(path), env.Owner, owner)
	}

	stats := Stats{FilesRead: 1}

	ps, err := s.storePosts(ctx, owner, env.Posts, env.Detailed)
	stats.Add(ps)
	if err != nil {
		return stats, err
	}
	cs, err := s.storeCharacters(ctx, owner, env.Characters)
	stats.Add(cs)
	if err != nil {
		return stats, err
	}

	if len(env.DeletedPostIDs) > 0 {
		n, err := s.posts.DeleteMany(ctx, env.DeletedPostIDs)
		if err != nil {
			return stats, err
		}
		stats.PostsDeleted += n
	}
	if len(env.DeletedCharacterIDs) > 0 {
		n, err := s.chars.DeleteMany(ctx, env.DeletedCharacterIDs)
		if err != nil {
			return stats, err
		}
		stats.CharactersDeleted += n
	}

	s.logger.Debug("imported spool file",
		zap.String("file", filepath.Base(path)),
		zap.Int("posts", stats.PostsUpserted),
		zap.Int("characters", stats.CharactersUpserted))
	return stats, nil
}

// ImportDir implements Syncer.ImportDir.
func (s *syncer) ImportDir(ctx context.Context, dir string) (Stats, error) {
	var stats Stats

	paths, err := schema.ListEnvelopes(dir)
	if err != nil {
		return stats, err
	}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		fs, err := s.ImportFile(ctx, path)
		stats.Add(fs)
		if err != nil {
			if errs.IsFatal(err) || ctx.Err() != nil {
				return stats, err
			}
			s.logger.Warn("failed to import spool file", zap.String("file", filepath.Base(path)), zap.Error(err))
			stats.FilesFailed++
			continue
		}

		if s.removeImported {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("failed to remove imported spool file", zap.String("file", path), zap.Error(err))
			}
		}
	}

	s.logger.Info("spool import complete",
		zap.String("dir", dir),
		zap.Int("files", stats.FilesRead),
		zap.Int("failed", stats.FilesFailed))
	return stats, nil
}

// storePosts converts and upserts wires in one batch. For list results,
// rows whose cached copy is complete and current are left alone.
func (s *syncer) storePosts(ctx context.Context, owner string, wires []schema.PostWire, detailed bool) (Stats, error) {
	var stats Stats
	if len(wires) == 0 {
		return stats, nil
	}

	posts := make([]*schema.Post, 0, len(wires))
	for i := range wires {
		p, err := schema.PostFromWire(&wires[i], owner, detailed)
		if err != nil {
			return stats, fmt.Errorf("%w: %w", errs.ErrInvalidRecord, err)
		}
		posts = append(posts, p)
	}

	if !detailed {
		ids := make([]int64, len(posts))
		for i, p := range posts {
			ids[i] = p.ID
		}
		cached, err := s.posts.GetManyByIDs(ctx, ids)
		if err != nil {
			return stats, err
		}
		keep := make(map[int64]bool, len(cached))
		for _, c := range cached {
			if c.IsCached && !s.policy.NeedsSync(c.LastSynced) {
				keep[c.ID] = true
			}
		}

		filtered := posts[:0]
		for _, p := range posts {
			if keep[p.ID] {
				stats.PostsSkipped++
				continue
			}
			filtered = append(filtered, p)
		}
		posts = filtered
	}

	if len(posts) == 0 {
		return stats, nil
	}
	if err := s.posts.UpsertMany(ctx, posts); err != nil {
		return stats, err
	}
	stats.PostsUpserted = len(posts)
	return stats, nil
}

func (s *syncer) storeCharacters(ctx context.Context, owner string, wires []schema.CharacterWire) (Stats, error) {
	var stats Stats
	if len(wires) == 0 {
		return stats, nil
	}

	chars := make([]*schema.Character, 0, len(wires))
	for i := range wires {
		c, err := schema.CharacterFromWire(&wires[i], owner)
		if err != nil {
			return stats, fmt.Errorf("%w: %w", errs.ErrInvalidRecord, err)
		}
		chars = append(chars, c)
	}

	if err := s.chars.UpsertMany(ctx, chars); err != nil {
		return stats, err
	}
	stats.CharactersUpserted = len(chars)
	return stats, nil
}
