// Package daemon runs the background side of the cache.
//
// The daemon:
//  1. Imports every spool file already present
//  2. Watches the spool directory and imports new files after a debounce
//  3. Periodically runs the retention sweep
//  4. Shuts down gracefully on Stop or context cancellation
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/moodlog/moodlog/internal/cache/freshness"
	cachesync "github.com/moodlog/moodlog/internal/cache/sync"
)

// Importer applies spool files. cachesync.Syncer satisfies it.
type Importer interface {
	ImportFile(ctx context.Context, path string) (cachesync.Stats, error)
	ImportDir(ctx context.Context, dir string) (cachesync.Stats, error)
}

// Sweeper runs retention. *freshness.Policy satisfies it.
type Sweeper interface {
	Sweep(ctx context.Context) (freshness.SweepResult, error)
}

// Observer is told about completed work. Calls happen on daemon
// goroutines and must not block.
type Observer interface {
	Imported(path string, stats cachesync.Stats)
	Swept(res freshness.SweepResult)
}

// Config holds configuration for the daemon.
type Config struct {
	// SweepInterval is how often retention runs. Zero disables the sweep.
	SweepInterval time.Duration

	// DebounceInterval is how long a spool file must stay quiet before it
	// is imported. This lets the writer finish.
	DebounceInterval time.Duration

	// RemoveImported deletes spool files after a successful import.
	RemoveImported bool

	// MaxImportAttempts bounds retries of a failing spool file; zero retries
	// without limit. The delay
	// doubles from DebounceInterval up to MaxRetryDelay. A file that runs
	// out of attempts stays on disk until it changes again or the daemon
	// restarts.
	MaxImportAttempts int
	MaxRetryDelay     time.Duration

	// Observer, when set, receives every import and sweep.
	Observer Observer

	Logger *zap.Logger
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() *Config {
	return &Config{
		SweepInterval:     time.Hour,
		DebounceInterval:  250 * time.Millisecond,
		RemoveImported:    true,
		MaxImportAttempts: 5,
		MaxRetryDelay:     time.Minute,
		Logger:            zap.NewNop(),
	}
}

// Daemon watches the spool directory and keeps the cache trimmed.
type Daemon struct {
	spoolDir string
	importer Importer
	sweeper  Sweeper
	config   *Config
	logger   *zap.Logger

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // path -> time it becomes due
	attempts      map[string]int       // path -> failed imports so far
	changeQueueMu sync.Mutex

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Daemon. sweeper may be nil to disable retention.
func New(spoolDir string, importer Importer, sweeper Sweeper, config *Config) (*Daemon, error) {
	if spoolDir == "" {
		return nil, fmt.Errorf("spoolDir cannot be empty")
	}
	if importer == nil {
		return nil, fmt.Errorf("importer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.MaxRetryDelay <= 0 {
		config.MaxRetryDelay = DefaultConfig().MaxRetryDelay
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(spoolDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		spoolDir:    spoolDir,
		importer:    importer,
		sweeper:     sweeper,
		config:      config,
		logger:      logger.Named("daemon"),
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		attempts:    make(map[string]int),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start imports the existing spool, starts watching and blocks until ctx
// is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("starting daemon", zap.String("spool", d.spoolDir))

	stats, err := d.importer.ImportDir(d.ctx, d.spoolDir)
	if err != nil {
		return fmt.Errorf("initial import failed: %w", err)
	}
	if d.config.Observer != nil && stats.FilesRead > 0 {
		d.config.Observer.Imported(d.spoolDir, stats)
	}
	if d.ctx.Err() != nil {
		return nil
	}

	if err := d.watcher.Add(d.spoolDir); err != nil {
		_ = d.Stop()
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.processChangeQueue()
	if d.sweeper != nil && d.config.SweepInterval > 0 {
		d.wg.Add(1)
		go d.sweepPeriodically()
	}

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. It is safe to call more than
// once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.logger.Info("stopping daemon")
		d.cancel()
		if err := d.watcher.Close(); err != nil {
			d.logger.Warn("error closing watcher", zap.Error(err))
		}
		d.wg.Wait()
		d.logger.Info("daemon stopped")
	})
	return nil
}

// Pending returns the spool files waiting for their debounce or retry
// delay to expire.
func (d *Daemon) Pending() []string {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	paths := make([]string, 0, len(d.changeQueue))
	for p := range d.changeQueue {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			// Removals are the daemon's own cleanup, or a writer giving up.
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			d.logger.Debug("spool event", zap.String("op", event.Op.String()), zap.String("file", event.Name))
			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// queueChange schedules path one debounce interval from now. A fresh
// change resets its retry budget.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now().Add(d.config.DebounceInterval)
	delete(d.attempts, path)
}

// retryLater schedules a failed import again with exponential backoff. It
// reports false once the file has used up its attempts.
func (d *Daemon) retryLater(path string) (time.Duration, bool) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.attempts[path]++
	n := d.attempts[path]
	if d.config.MaxImportAttempts > 0 && n >= d.config.MaxImportAttempts {
		delete(d.attempts, path)
		return 0, false
	}

	delay := d.config.DebounceInterval << (n - 1)
	if delay > d.config.MaxRetryDelay || delay <= 0 {
		delay = d.config.MaxRetryDelay
	}
	d.changeQueue[path] = time.Now().Add(delay)
	return delay, true
}

func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges imports files whose due time has passed, oldest
// filename first.
func (d *Daemon) processPendingChanges() {
	now := time.Now()

	d.changeQueueMu.Lock()
	var due []string
	for path, dueAt := range d.changeQueue {
		if now.Before(dueAt) {
			continue
		}
		due = append(due, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	sort.Strings(due)
	for _, path := range due {
		if d.ctx.Err() != nil {
			return
		}
		d.importFile(path)
	}
}

func (d *Daemon) importFile(path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		d.forget(path)
		return
	}

	stats, err := d.importer.ImportFile(d.ctx, path)
	if err != nil {
		if d.ctx.Err() != nil {
			return
		}
		if delay, ok := d.retryLater(path); ok {
			d.logger.Warn("failed to import spool file, will retry",
				zap.String("file", path), zap.Duration("retry_in", delay), zap.Error(err))
		} else {
			d.logger.Error("giving up on spool file until it changes or the daemon restarts",
				zap.String("file", path), zap.Error(err))
		}
		return
	}
	d.forget(path)
	d.logger.Info("imported spool file",
		zap.String("file", filepath.Base(path)),
		zap.Int("posts", stats.PostsUpserted),
		zap.Int("characters", stats.CharactersUpserted),
		zap.Int64("posts_deleted", stats.PostsDeleted))
	if d.config.Observer != nil {
		d.config.Observer.Imported(path, stats)
	}

	if d.config.RemoveImported {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("failed to remove imported spool file", zap.String("file", path), zap.Error(err))
		}
	}
}

func (d *Daemon) forget(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	delete(d.attempts, path)
}

func (d *Daemon) sweepPeriodically() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			res, err := d.sweeper.Sweep(d.ctx)
			if err != nil {
				d.logger.Warn("retention sweep failed", zap.Error(err))
				continue
			}
			if d.config.Observer != nil {
				d.config.Observer.Swept(res)
			}
		}
	}
}
