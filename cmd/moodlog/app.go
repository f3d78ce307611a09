package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/moodlog/moodlog/internal/cache/detail"
	"github.com/moodlog/moodlog/internal/cache/freshness"
	"github.com/moodlog/moodlog/internal/cache/instance"
	"github.com/moodlog/moodlog/internal/cache/repo"
	cachesync "github.com/moodlog/moodlog/internal/cache/sync"
	"github.com/moodlog/moodlog/internal/config"
	"github.com/moodlog/moodlog/internal/logging"
)

// App wires the cache components for one CLI invocation.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	Manager  *instance.Manager
	Posts    *repo.PostRepository
	Chars    *repo.CharacterRepository
	Policy   *freshness.Policy
	Syncer   cachesync.Syncer
	Resolver *detail.Resolver

	closeLog func() error
	closed   bool
}

// NewApp opens the store for the configured user and builds every
// component on top of it.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	mgr := instance.NewManager(cfg.DataDir, instance.WithLogger(logger))
	if _, err := mgr.Open(ctx, cfg.UserPtr()); err != nil {
		_ = closeLog()
		return nil, err
	}

	posts := repo.NewPostRepository(mgr, mgr, repo.WithLogger(logger))
	chars := repo.NewCharacterRepository(mgr, mgr, repo.WithLogger(logger))

	policy := freshness.NewPolicy(posts, chars)
	policy.SyncThreshold = cfg.Freshness.SyncThreshold
	policy.FreshThreshold = cfg.Freshness.FreshThreshold
	policy.PostRetentionDays = cfg.Freshness.PostRetentionDays
	policy.CharacterRetention = cfg.Freshness.CharacterRetention
	policy.Logger = logger

	// The CLI has no backend client; it mirrors spool files only.
	syncer := cachesync.New(nil, posts, chars, mgr, policy,
		cachesync.WithLogger(logger),
		cachesync.WithRateLimit(cfg.Remote.RatePerSecond, cfg.Remote.Burst),
		cachesync.WithRemoveImported(cfg.Daemon.RemoveImported))

	resolver := detail.NewResolver(posts, detail.StaticConnectivity(!cfg.Offline), logger)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Manager:  mgr,
		Posts:    posts,
		Chars:    chars,
		Policy:   policy,
		Syncer:   syncer,
		Resolver: resolver,
		closeLog: closeLog,
	}, nil
}

// RequireUser fails for unauthenticated sessions, whose repositories
// reject every call.
func (a *App) RequireUser() (string, error) {
	user, ok := a.Manager.CurrentUserID()
	if !ok {
		return "", fmt.Errorf("this command needs a signed-in user (--user or MOODLOG_USER)")
	}
	return user, nil
}

// Close releases the store and flushes the log. It is safe to call more
// than once.
func (a *App) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	return errors.Join(a.Manager.Close(), a.closeLog())
}
