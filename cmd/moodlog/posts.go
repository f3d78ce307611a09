package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/moodlog/moodlog/internal/cache/detail"
	"github.com/moodlog/moodlog/internal/cache/errs"
	"github.com/moodlog/moodlog/internal/cache/query"
	"github.com/moodlog/moodlog/internal/cache/schema"
	"github.com/moodlog/moodlog/internal/cache/search"
	"github.com/moodlog/moodlog/internal/ui"
)

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one post",
	Long: `Show one cached post.

Online, only posts whose detail is cached are shown. With --offline the
list-view copy is shown as well.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := app.RequireUser(); err != nil {
			return err
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid post id %q", args[0])
		}

		p, state, err := app.Resolver.Resolve(cmd.Context(), id)
		if errors.Is(err, errs.ErrNotFound) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s post %d is not cached\n", ui.RenderWarn("⚠"), id)
			if state == detail.Connected {
				fmt.Fprintf(cmd.OutOrStdout(), "   Fetch it from the backend, or use --offline to see a list-view copy\n")
			}
			return nil
		}
		if err != nil {
			return err
		}
		printPost(cmd.OutOrStdout(), p)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List posts of a month or a day",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := app.RequireUser(); err != nil {
			return err
		}
		ctx := cmd.Context()
		monthFlag, _ := cmd.Flags().GetString("month")
		onFlag, _ := cmd.Flags().GetString("on")

		var (
			posts []*schema.Post
			title string
			err   error
		)
		if onFlag != "" {
			date, perr := parseEntryDate(onFlag, time.Now())
			if perr != nil {
				return perr
			}
			title = date
			posts, err = app.Posts.Query(ctx, query.And(query.Eq("entry_date", date)), query.Sort{})
		} else {
			month, _, perr := parseMonth(monthFlag, time.Now())
			if perr != nil {
				return perr
			}
			title = month
			posts, err = app.Posts.ListMonth(ctx, month)
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "\n%s %s (%d)\n\n", ui.RenderAccent("📅"), ui.RenderHeader(title), len(posts))
		for _, p := range posts {
			printPostLine(out, p)
		}
		if len(posts) == 0 {
			fmt.Fprintln(out, ui.RenderMuted("no cached posts"))
		}
		fmt.Fprintln(out)
		return nil
	},
}

var calendarCmd = &cobra.Command{
	Use:   "calendar",
	Short: "Show which days of a month have posts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := app.RequireUser(); err != nil {
			return err
		}
		monthFlag, _ := cmd.Flags().GetString("month")
		now := time.Now()
		month, first, err := parseMonth(monthFlag, now)
		if err != nil {
			return err
		}

		dates, err := app.Posts.EntryDates(cmd.Context(), month)
		if err != nil {
			return err
		}
		days := make(map[int]bool, len(dates))
		for _, d := range dates {
			if t, err := time.Parse(schema.EntryDateLayout, d); err == nil {
				days[t.Day()] = true
			}
		}

		fmt.Fprintln(cmd.OutOrStdout())
		fmt.Fprint(cmd.OutOrStdout(), ui.Calendar(first, days, now))
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d days with entries\n\n", len(days))
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Search posts",
	Long: `Search post content, mood and date.

Recent months are searched first and shown at once. The whole cache is
then scanned, and its results replace the first ones when it finds more.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := app.RequireUser(); err != nil {
			return err
		}
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		var window []*schema.Post
		for _, month := range recentMonths(time.Now(), app.Config.Search.WindowMonths) {
			posts, err := app.Posts.ListMonth(ctx, month)
			if err != nil {
				return err
			}
			window = append(window, posts...)
		}

		cascade := search.NewCascade(app.Posts, func() []*schema.Post { return window },
			search.WithLogger(app.Logger))
		defer cascade.Close()

		text := strings.Join(args, " ")
		first := cascade.Search(ctx, text)
		printSearchResult(cmd, first)

		cascade.Wait()
		if final := cascade.Current(); final.Provenance == search.ProvenanceDisk {
			fmt.Fprintf(out, "%s older posts found\n", ui.RenderAccent("↻"))
			printSearchResult(cmd, final)
		}
		return nil
	},
}

func printSearchResult(cmd *cobra.Command, res search.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n%s %q: %d result(s) %s\n\n", ui.RenderAccent("🔎"), res.Query, res.Count,
		ui.RenderMuted("("+string(res.Provenance)+")"))
	for _, p := range res.Posts {
		printPostLine(out, p)
	}
	fmt.Fprintln(out)
}

func init() {
	listCmd.Flags().String("month", "", "month to list (YYYY-MM, default current)")
	listCmd.Flags().String("on", "", "single day to list (YYYY-MM-DD or natural language, e.g. yesterday)")
	calendarCmd.Flags().String("month", "", "month to show (YYYY-MM, default current)")

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(calendarCmd)
	rootCmd.AddCommand(searchCmd)
}
