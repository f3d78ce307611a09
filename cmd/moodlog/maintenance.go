package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/moodlog/moodlog/internal/cache/query"
	"github.com/moodlog/moodlog/internal/cache/schema"
	"github.com/moodlog/moodlog/internal/ui"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove posts and characters past retention",
	Long: `Remove aged-out records from the cache.

Posts are removed by entry date, regardless of when they were synced.
Characters are removed when they have not been synced within the
character retention window.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := app.RequireUser(); err != nil {
			return err
		}
		ctx := cmd.Context()

		days := app.Policy.PostRetentionDays
		if cmd.Flags().Changed("days") {
			days, _ = cmd.Flags().GetInt("days")
			if days < 0 {
				return fmt.Errorf("--days must not be negative")
			}
		}

		posts, err := app.Policy.CleanupPosts(ctx, days)
		if err != nil {
			return err
		}
		chars, err := app.Policy.CleanupCharacters(ctx, app.Policy.CharacterRetention)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Cleanup complete\n", ui.RenderPass("✓"))
		fmt.Fprintf(out, "   Posts before %s: %d removed\n", app.Policy.RetentionCutoff(days), posts)
		fmt.Fprintf(out, "   Characters idle over %v: %d removed\n", app.Policy.CharacterRetention, chars)
		return nil
	},
}

// exportDoc is the export file layout.
type exportDoc struct {
	Owner      string              `json:"owner"`
	ExportedAt time.Time           `json:"exported_at"`
	Posts      []*schema.Post      `json:"posts"`
	Characters []*schema.Character `json:"characters"`
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the cache as JSON, JSON lines or YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := app.RequireUser()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		format, _ := cmd.Flags().GetString("format")

		posts, err := app.Posts.Query(ctx, query.Filter{}, query.Sort{Field: "entry_date"})
		if err != nil {
			return err
		}
		chars, err := app.Chars.Query(ctx, query.Filter{}, query.Sort{})
		if err != nil {
			return err
		}

		doc := exportDoc{
			Owner:      owner,
			ExportedAt: time.Now().UTC(),
			Posts:      posts,
			Characters: chars,
		}
		return writeExport(cmd.OutOrStdout(), doc, format)
	},
}

// exportLine is one record of a jsonl export.
type exportLine struct {
	Kind      string            `json:"kind"`
	Post      *schema.Post      `json:"post,omitempty"`
	Character *schema.Character `json:"character,omitempty"`
}

func writeExport(w io.Writer, doc exportDoc, format string) error {
	if format == "jsonl" {
		return writeExportLines(w, doc)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal export: %w", err)
	}

	switch format {
	case "json":
		_, err = w.Write(append(data, '\n'))
		return err
	case "yaml":
		// Going through JSON keeps the snake_case keys and field order of
		// the json tags.
		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return fmt.Errorf("failed to convert export: %w", err)
		}
		blockStyle(&node)
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(&node); err != nil {
			return fmt.Errorf("failed to write yaml: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (want json, jsonl or yaml)", format)
	}
}

// writeExportLines writes one JSON object per line, posts first.
func writeExportLines(w io.Writer, doc exportDoc) error {
	enc := json.NewEncoder(w)
	for _, p := range doc.Posts {
		if err := enc.Encode(exportLine{Kind: "post", Post: p}); err != nil {
			return fmt.Errorf("failed to write post %d: %w", p.ID, err)
		}
	}
	for _, c := range doc.Characters {
		if err := enc.Encode(exportLine{Kind: "character", Character: c}); err != nil {
			return fmt.Errorf("failed to write character %d: %w", c.ID, err)
		}
	}
	return nil
}

// blockStyle clears the flow style JSON input leaves on every node.
func blockStyle(n *yaml.Node) {
	if n.Kind == yaml.MappingNode || n.Kind == yaml.SequenceNode {
		n.Style = 0
	}
	if n.Kind == yaml.ScalarNode && n.Style == yaml.DoubleQuotedStyle {
		n.Style = 0
	}
	for _, c := range n.Content {
		blockStyle(c)
	}
}

var charactersCmd = &cobra.Command{
	Use:   "characters",
	Short: "List cached characters",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := app.RequireUser(); err != nil {
			return err
		}
		ctx := cmd.Context()
		following, _ := cmd.Flags().GetBool("following")
		locale, _ := cmd.Flags().GetString("locale")

		var (
			chars []*schema.Character
			err   error
		)
		if following {
			chars, err = app.Chars.ListFollowing(ctx)
		} else {
			chars, err = app.Chars.Query(ctx, query.Filter{}, query.Sort{})
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "\n%s Characters (%d)\n\n", ui.RenderAccent("🎭"), len(chars))
		for _, c := range chars {
			mark := ui.RenderMuted("·")
			if c.IsFollowing {
				mark = ui.RenderPass("★")
			}
			fmt.Fprintf(out, "%s %s #%d  affinity %d\n", mark, ui.RenderHeader(c.DisplayName()), c.ID, c.Affinity)
			if greet := c.Greeting(locale); len(greet) > 0 {
				fmt.Fprintf(out, "   %s\n", ui.RenderMuted(ui.Truncate(greet[0], 70)))
			}
		}
		fmt.Fprintln(out)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().Int("days", 0, "keep posts from the last N days (default from config)")
	exportCmd.Flags().String("format", "json", "output format: json, jsonl or yaml")
	charactersCmd.Flags().Bool("following", false, "only followed characters")
	charactersCmd.Flags().String("locale", "en", "greeting locale")

	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(charactersCmd)
}
