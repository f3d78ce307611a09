// Package repo provides the Post and Character repositories of the diary
// cache.
//
// Every call is scoped to the user reported by the IdentityProvider at the
// moment of the call, and borrows the store handle from an Accessor for the
// duration of that call only. Repositories never keep a handle, so a user
// switch in the instance manager is picked up by the next call.
package repo

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/moodlog/moodlog/internal/cache/db"
	"github.com/moodlog/moodlog/internal/cache/errs"
)

// Accessor hands out the active store handle. It returns
// errs.ErrNotInitialized when there is none.
type Accessor interface {
	Handle() (*db.DB, error)
}

// IdentityProvider reports the authenticated user.
type IdentityProvider interface {
	CurrentUserID() (string, bool)
}

// StaticIdentity is an IdentityProvider with a fixed user. The zero value
// is unauthenticated.
type StaticIdentity struct {
	UserID string
}

// CurrentUserID implements IdentityProvider.
func (s StaticIdentity) CurrentUserID() (string, bool) {
	return s.UserID, s.UserID != ""
}

// IdentityFunc adapts a function to IdentityProvider.
type IdentityFunc func() (string, bool)

// CurrentUserID implements IdentityProvider.
func (f IdentityFunc) CurrentUserID() (string, bool) {
	return f()
}

// Option configures a repository.
type Option func(*base)

// WithClock sets the clock used to stamp last_synced.
func WithClock(now func() time.Time) Option {
	return func(b *base) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger sets the repository logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *base) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// base holds what both repositories share.
type base struct {
	store  Accessor
	ids    IdentityProvider
	now    func() time.Time
	logger *zap.Logger
}

func newBase(store Accessor, ids IdentityProvider, opts []Option) base {
	b := base{
		store:  store,
		ids:    ids,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// scope resolves the current user and the store handle for one call.
func (b *base) scope() (string, *db.DB, error) {
	owner, ok := b.ids.CurrentUserID()
	if !ok || owner == "" {
		return "", nil, errs.ErrNotAuthenticated
	}
	handle, err := b.store.Handle()
	if err != nil {
		return "", nil, err
	}
	return owner, handle, nil
}

// Now returns the repository clock reading.
func (b *base) Now() time.Time {
	return b.now()
}

// maxChunk bounds the number of bind parameters in one IN clause.
const maxChunk = 500

func chunkIDs(ids []int64) [][]int64 {
	var chunks [][]int64
	for len(ids) > maxChunk {
		chunks = append(chunks, ids[:maxChunk])
		ids = ids[maxChunk:]
	}
	if len(ids) > 0 {
		chunks = append(chunks, ids)
	}
	return chunks
}

// uniqueIDs drops duplicates keeping first occurrence.
func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	b := make([]byte, 0, 2*n)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

func ownerArgs(owner string, ids []int64) []any {
	args := make([]any, 0, len(ids)+1)
	args = append(args, owner)
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}

func invalid(format string, a ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errs.ErrInvalidRecord}, a...)...)
}
