// Package search implements the two-tier post search.
//
// Tier 1 scans the posts already held in memory (the recent window) and
// answers at once. Tier 2 scans the whole store in the background and
// replaces the tier-1 answer only when it finds strictly more posts. A new
// search cancels the tier-2 scan of the previous one, and a cancelled scan
// never publishes.
package search

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/moodlog/moodlog/internal/cache/query"
	"github.com/moodlog/moodlog/internal/cache/schema"
)

// Provenance names the tier that produced a Result.
type Provenance string

const (
	ProvenanceNone   Provenance = "none"
	ProvenanceMemory Provenance = "memory"
	ProvenanceDisk   Provenance = "disk"
)

// Result is the published state of the search.
type Result struct {
	Query      string
	Posts      []*schema.Post
	Count      int
	Provenance Provenance
}

func emptyResult() Result {
	return Result{Provenance: ProvenanceNone}
}

// DiskSearcher scans the store. Implementations must check ctx between
// rows and return ctx.Err() once it is cancelled.
type DiskSearcher interface {
	Search(ctx context.Context, text string) ([]*schema.Post, error)
}

// WindowFunc returns the posts currently held in memory.
type WindowFunc func() []*schema.Post

// Option configures a Cascade.
type Option func(*Cascade)

// WithLogger sets the cascade logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cascade) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Cascade runs searches and publishes their results to subscribers.
type Cascade struct {
	disk   DiskSearcher
	window WindowFunc
	logger *zap.Logger

	mu      sync.Mutex
	gen     uint64
	cancel  context.CancelFunc
	current Result
	closed  bool
	seq     uint64

	// notifyMu keeps subscriber calls in publication order.
	notifyMu  sync.Mutex
	subs      []func(Result)
	delivered uint64

	wg sync.WaitGroup
}

// NewCascade creates a Cascade over disk and the in-memory window.
func NewCascade(disk DiskSearcher, window WindowFunc, opts ...Option) *Cascade {
	c := &Cascade{
		disk:    disk,
		window:  window,
		logger:  zap.NewNop(),
		current: emptyResult(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Normalize trims surrounding space and folds ASCII case.
func Normalize(raw string) string {
	return query.FoldASCII(strings.TrimSpace(raw))
}

// Subscribe registers fn to receive every published Result. fn runs on
// the publishing goroutine and must not call Search.
func (c *Cascade) Subscribe(fn func(Result)) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.subs = append(c.subs, fn)
}

// Current returns the last published Result.
func (c *Cascade) Current() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Search starts a search for raw and returns the tier-1 Result. An empty
// query clears the results. The tier-2 scan runs until it finishes, a
// newer Search supersedes it, ctx is cancelled or Close is called.
func (c *Cascade) Search(ctx context.Context, raw string) Result {
	text := Normalize(raw)

	var hits []*schema.Post
	if text != "" && c.window != nil {
		for _, p := range c.window() {
			if p.MatchesText(text) {
				hits = append(hits, p)
			}
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return emptyResult()
	}
	c.gen++
	gen := c.gen
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}

	if text == "" {
		c.current = emptyResult()
		c.publishLocked()
		return emptyResult()
	}

	res := Result{Query: text, Posts: hits, Count: len(hits), Provenance: ProvenanceMemory}
	c.current = res

	scanCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.scan(scanCtx, cancel, gen, text)

	c.publishLocked()
	return res
}

func (c *Cascade) scan(ctx context.Context, cancel context.CancelFunc, gen uint64, text string) {
	defer c.wg.Done()
	defer cancel()

	posts, err := c.disk.Search(ctx, text)

	c.mu.Lock()
	if gen != c.gen || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.cancel = nil
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("disk search failed, keeping memory results",
			zap.String("query", text), zap.Error(err))
		return
	}
	if len(posts) <= c.current.Count {
		c.mu.Unlock()
		c.logger.Debug("disk search found no more than memory",
			zap.String("query", text), zap.Int("count", len(posts)))
		return
	}

	c.current = Result{Query: text, Posts: posts, Count: len(posts), Provenance: ProvenanceDisk}
	c.publishLocked()
}

// publishLocked hands c.current to the subscribers. It is called with
// c.mu held and releases it. A publication overtaken by a newer one while
// waiting for notifyMu is dropped.
func (c *Cascade) publishLocked() {
	c.seq++
	seq, res := c.seq, c.current
	c.mu.Unlock()

	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if seq <= c.delivered {
		return
	}
	c.delivered = seq
	for _, fn := range c.subs {
		fn(res)
	}
}

// Wait blocks until no tier-2 scan is running.
func (c *Cascade) Wait() {
	c.wg.Wait()
}

// Close cancels any running scan and waits for it. Later searches return
// an empty Result.
func (c *Cascade) Close() {
	c.mu.Lock()
	c.closed = true
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
}
