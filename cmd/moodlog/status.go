package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/moodlog/moodlog/internal/cache/query"
	"github.com/moodlog/moodlog/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache status",
	Long: `Display the current status of the cache.

Shows:
  - Store location, size and schema version
  - Number of posts, skeletons and stale posts
  - Number of characters and followed characters`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		handle, err := app.Manager.Handle()
		if err != nil {
			return err
		}
		version, err := handle.SchemaVersionOf(ctx)
		if err != nil {
			return err
		}

		location := handle.Path()
		if handle.IsEphemeral() {
			location = "in-memory (unauthenticated)"
		}
		user, ok := app.Manager.CurrentUserID()
		if !ok {
			user = "-"
		}

		pairs := [][2]string{
			{"User", user},
			{"Location", location},
			{"Size", ui.FormatSize(handle.Size())},
			{"Schema", strconv.Itoa(version)},
			{"Connectivity", connectivityLabel()},
		}

		if ok {
			stale := time.Now().Add(-app.Policy.SyncThreshold).Add(-time.Nanosecond)
			counts := []struct {
				label string
				count func() (int, error)
			}{
				{"Posts", func() (int, error) { return app.Posts.Count(ctx, query.Filter{}) }},
				{"Skeletons", func() (int, error) { return app.Posts.Count(ctx, query.And(query.Eq("is_cached", false))) }},
				{"Stale posts", func() (int, error) {
					return app.Posts.Count(ctx, query.And(query.Range("last_synced", nil, stale)))
				}},
				{"Characters", func() (int, error) { return app.Chars.Count(ctx, query.Filter{}) }},
				{"Following", func() (int, error) { return app.Chars.Count(ctx, query.And(query.Eq("is_following", true))) }},
			}
			for _, c := range counts {
				n, err := c.count()
				if err != nil {
					return err
				}
				pairs = append(pairs, [2]string{c.label, strconv.Itoa(n)})
			}
		}

		fmt.Fprintf(out, "\n%s Cache Status\n\n", ui.RenderAccent("📊"))
		fmt.Fprint(out, ui.KeyValues(pairs))
		fmt.Fprintln(out)
		return nil
	},
}

func connectivityLabel() string {
	if app.Config.Offline {
		return ui.RenderWarn("offline")
	}
	return ui.RenderPass("online")
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
