package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/moodlog/moodlog/internal/cache/daemon"
	"github.com/moodlog/moodlog/internal/cache/feed"
	"github.com/moodlog/moodlog/internal/cache/query"
	cachesync "github.com/moodlog/moodlog/internal/cache/sync"
	"github.com/moodlog/moodlog/internal/ui"
)

var importCmd = &cobra.Command{
	Use:   "import <file|dir>",
	Short: "Import spool files into the cache",
	Long: `Apply backend results saved as spool files.

A directory is imported oldest file first. Files that fail are reported
and skipped; the rest are still applied.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := app.RequireUser(); err != nil {
			return err
		}
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		info, err := os.Stat(args[0])
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "%s Importing %s...\n", ui.RenderAccent("🔄"), args[0])
		start := time.Now()

		var stats cachesync.Stats
		if info.IsDir() {
			stats, err = app.Syncer.ImportDir(ctx, args[0])
		} else {
			stats, err = app.Syncer.ImportFile(ctx, args[0])
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "%s Import complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Fprintf(out, "   Files: %d (failed %d)\n", stats.FilesRead, stats.FilesFailed)
		fmt.Fprintf(out, "   Posts: %d upserted, %d kept, %d deleted\n", stats.PostsUpserted, stats.PostsSkipped, stats.PostsDeleted)
		fmt.Fprintf(out, "   Characters: %d upserted, %d deleted\n", stats.CharactersUpserted, stats.CharactersDeleted)
		if stats.FilesFailed > 0 {
			fmt.Fprintf(out, "%s some files failed; see the log for details\n", ui.RenderWarn("⚠"))
		}
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the cache daemon (foreground)",
	Long: `Run the cache daemon in the foreground.

The daemon will:
  1. Import spool files already present
  2. Watch the spool directory and import new files
  3. Run the retention sweep periodically

With --feed (or daemon.feed-addr) it also streams imports and sweeps
as JSON over a WebSocket at ws://<addr>/ws.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := app.RequireUser(); err != nil {
			return err
		}
		cfg := app.Config

		feedAddr := cfg.Daemon.FeedAddr
		if cmd.Flags().Changed("feed") {
			feedAddr, _ = cmd.Flags().GetString("feed")
		}

		dcfg := daemon.DefaultConfig()
		dcfg.SweepInterval = cfg.Daemon.SweepInterval
		dcfg.DebounceInterval = cfg.Daemon.Debounce
		dcfg.RemoveImported = cfg.Daemon.RemoveImported
		dcfg.Logger = app.Logger

		var srv *feed.Server
		if feedAddr != "" {
			srv = feed.NewServer(&feed.Config{
				Addr:   feedAddr,
				Stats:  cacheStats,
				Logger: app.Logger,
			})
			if err := srv.Start(); err != nil {
				return err
			}
			defer func() {
				if err := srv.Stop(); err != nil {
					app.Logger.Warn("feed shutdown failed", zap.Error(err))
				}
			}()
			dcfg.Observer = srv
		}

		d, err := daemon.New(cfg.SpoolDir, app.Syncer, app.Policy, dcfg)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Starting cache daemon...\n", ui.RenderAccent("🚀"))
		fmt.Fprintf(out, "   Spool dir: %s\n", cfg.SpoolDir)
		fmt.Fprintf(out, "   Sweep every: %v\n", cfg.Daemon.SweepInterval)
		if srv != nil {
			fmt.Fprintf(out, "   Feed: ws://%s/ws\n", srv.Addr())
		}
		fmt.Fprintf(out, "\nPress Ctrl+C to stop\n\n")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return d.Start(ctx)
	},
}

// cacheStats snapshots the current user's cache for feed clients.
func cacheStats(ctx context.Context) (feed.StatsData, error) {
	var (
		stats feed.StatsData
		err   error
	)
	if stats.Posts, err = app.Posts.Count(ctx, query.Filter{}); err != nil {
		return stats, err
	}
	if stats.Skeletons, err = app.Posts.Count(ctx, query.And(query.Eq("is_cached", false))); err != nil {
		return stats, err
	}
	if stats.Characters, err = app.Chars.Count(ctx, query.Filter{}); err != nil {
		return stats, err
	}
	stats.Following, err = app.Chars.Count(ctx, query.And(query.Eq("is_following", true)))
	return stats, err
}

func init() {
	daemonCmd.Flags().String("feed", "", "serve the activity feed on this address (e.g. 127.0.0.1:7777)")
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(daemonCmd)
}
