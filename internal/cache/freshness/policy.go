// Package freshness decides when cached records are stale and removes the
// ones that have aged out.
package freshness

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/moodlog/moodlog/internal/cache/schema"
)

// Defaults for Policy.
const (
	DefaultSyncThreshold      = 3600 * time.Second
	DefaultFreshThreshold     = 1800 * time.Second
	DefaultPostRetentionDays  = 90
	DefaultCharacterRetention = 30 * 24 * time.Hour
)

// Clock returns the current time. Tests substitute a simulated clock.
type Clock func() time.Time

// PostCleaner deletes posts by entry date.
type PostCleaner interface {
	DeleteEntryDatesBefore(ctx context.Context, date string) (int64, error)
}

// CharacterCleaner deletes characters by last sync time.
type CharacterCleaner interface {
	DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Policy holds the freshness thresholds and retention windows.
type Policy struct {
	SyncThreshold      time.Duration
	FreshThreshold     time.Duration
	PostRetentionDays  int
	CharacterRetention time.Duration

	Clock  Clock
	Posts  PostCleaner
	Chars  CharacterCleaner
	Logger *zap.Logger
}

// NewPolicy returns a Policy with the default thresholds.
func NewPolicy(posts PostCleaner, chars CharacterCleaner) *Policy {
	return &Policy{
		SyncThreshold:      DefaultSyncThreshold,
		FreshThreshold:     DefaultFreshThreshold,
		PostRetentionDays:  DefaultPostRetentionDays,
		CharacterRetention: DefaultCharacterRetention,
		Clock:              time.Now,
		Posts:              posts,
		Chars:              chars,
		Logger:             zap.NewNop(),
	}
}

func (p *Policy) now() time.Time {
	if p.Clock == nil {
		return time.Now()
	}
	return p.Clock()
}

func (p *Policy) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// NeedsSync reports whether more than SyncThreshold has passed since
// lastSynced.
func (p *Policy) NeedsSync(lastSynced time.Time) bool {
	return p.now().Sub(lastSynced) > p.SyncThreshold
}

// IsFresh reports whether less than FreshThreshold has passed since
// lastSynced.
func (p *Policy) IsFresh(lastSynced time.Time) bool {
	return p.now().Sub(lastSynced) < p.FreshThreshold
}

// RetentionCutoff returns the entry date before which posts are removed
// when keeping the given number of days. The date is taken in the clock's
// own location.
func (p *Policy) RetentionCutoff(days int) string {
	return p.now().AddDate(0, 0, -days).Format(schema.EntryDateLayout)
}

// CleanupPosts deletes posts whose entry date is strictly before today
// minus days, regardless of sync time.
func (p *Policy) CleanupPosts(ctx context.Context, days int) (int64, error) {
	cutoff := p.RetentionCutoff(days)
	n, err := p.Posts.DeleteEntryDatesBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	p.logger().Debug("post retention sweep", zap.String("cutoff", cutoff), zap.Int64("deleted", n))
	return n, nil
}

// CleanupCharacters deletes characters not synced within age.
func (p *Policy) CleanupCharacters(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := p.now().Add(-age)
	n, err := p.Chars.DeleteSyncedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	p.logger().Debug("character retention sweep", zap.Time("cutoff", cutoff), zap.Int64("deleted", n))
	return n, nil
}

// SweepResult reports what Sweep removed.
type SweepResult struct {
	PostsDeleted      int64
	CharactersDeleted int64
}

// Sweep runs both retention cleanups with the configured windows. A
// post failure stops the sweep before characters are touched.
func (p *Policy) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var err error

	if res.PostsDeleted, err = p.CleanupPosts(ctx, p.PostRetentionDays); err != nil {
		return res, err
	}
	if res.CharactersDeleted, err = p.CleanupCharacters(ctx, p.CharacterRetention); err != nil {
		return res, err
	}

	p.logger().Info("retention sweep complete",
		zap.Int64("posts_deleted", res.PostsDeleted),
		zap.Int64("characters_deleted", res.CharactersDeleted))
	return res, nil
}
