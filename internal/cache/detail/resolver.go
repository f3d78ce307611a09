// Package detail serves a single post for the detail view.
//
// While connected only complete records are served; a skeleton is reported
// as not found so the caller fetches the full record from the backend.
// While disconnected whatever the cache holds is served, skeletons
// included, since nothing better is reachable.
package detail

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/moodlog/moodlog/internal/cache/errs"
	"github.com/moodlog/moodlog/internal/cache/schema"
)

// State is the connectivity state a lookup was resolved under.
type State int

const (
	Connected State = iota
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ConnectivityMonitor reports whether the backend is reachable.
type ConnectivityMonitor interface {
	IsConnected() bool
}

// StaticConnectivity is a fixed ConnectivityMonitor.
type StaticConnectivity bool

// IsConnected implements ConnectivityMonitor.
func (s StaticConnectivity) IsConnected() bool { return bool(s) }

// ConnectivityFunc adapts a function to ConnectivityMonitor.
type ConnectivityFunc func() bool

// IsConnected implements ConnectivityMonitor.
func (f ConnectivityFunc) IsConnected() bool { return f() }

// PostGetter loads one post by id.
type PostGetter interface {
	GetByID(ctx context.Context, id int64) (*schema.Post, error)
}

// Resolver applies the connectivity rule to post lookups.
type Resolver struct {
	posts  PostGetter
	net    ConnectivityMonitor
	logger *zap.Logger
}

// NewResolver creates a Resolver. A nil logger disables logging.
func NewResolver(posts PostGetter, net ConnectivityMonitor, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{posts: posts, net: net, logger: logger}
}

// GetDetail returns the post to show for id, or an error wrapping
// errs.ErrNotFound.
func (r *Resolver) GetDetail(ctx context.Context, id int64) (*schema.Post, error) {
	p, _, err := r.Resolve(ctx, id)
	return p, err
}

// Resolve is GetDetail that also reports the state used. Connectivity is
// read once per call.
func (r *Resolver) Resolve(ctx context.Context, id int64) (*schema.Post, State, error) {
	state := Disconnected
	if r.net.IsConnected() {
		state = Connected
	}

	p, err := r.posts.GetByID(ctx, id)
	if err != nil {
		return nil, state, err
	}

	if state == Connected && !p.IsCached {
		r.logger.Debug("skeleton hidden while connected", zap.Int64("post_id", id))
		return nil, state, fmt.Errorf("post %d has no cached detail: %w", id, errs.ErrNotFound)
	}
	return p, state, nil
}
