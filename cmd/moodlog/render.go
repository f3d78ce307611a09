package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/moodlog/moodlog/internal/cache/schema"
	"github.com/moodlog/moodlog/internal/ui"
)

func printPostLine(w io.Writer, p *schema.Post) {
	marker := ui.RenderPass("●")
	if !p.IsCached {
		marker = ui.RenderMuted("○")
	}
	mood := ""
	if m := p.MoodValue(); m != "" {
		mood = " " + ui.RenderMood("["+m+"]")
	}
	fmt.Fprintf(w, "%s %s #%d%s %s\n", marker, p.EntryDate, p.ID, mood, ui.Truncate(p.Content, 60))
}

func printPost(w io.Writer, p *schema.Post) {
	fmt.Fprintf(w, "\n%s %s\n\n", ui.RenderAccent("📔"), ui.RenderHeader(fmt.Sprintf("Post #%d, %s", p.ID, p.EntryDate)))

	pairs := [][2]string{
		{"Mood", orDash(p.MoodValue())},
		{"Created", p.CreatedAt.Local().Format("2006-01-02 15:04")},
		{"Updated", p.UpdatedAt.Local().Format("2006-01-02 15:04")},
		{"AI comments", fmt.Sprintf("%t (%s)", p.AllowAIComments, orDash(p.AIProcessingStatus))},
		{"Last synced", p.LastSynced.Local().Format("2006-01-02 15:04:05")},
	}
	if !p.IsCached {
		pairs = append(pairs, [2]string{"Detail", ui.RenderWarn("not cached (list view only)")})
	}
	fmt.Fprint(w, ui.KeyValues(pairs))
	fmt.Fprintf(w, "\n%s\n", p.Content)

	if !p.IsCached {
		fmt.Fprintln(w)
		return
	}
	if len(p.Hashtags) > 0 {
		tags := make([]string, len(p.Hashtags))
		for i, t := range p.Hashtags {
			tags[i] = "#" + t
		}
		fmt.Fprintf(w, "\n%s\n", ui.RenderMuted(strings.Join(tags, " ")))
	}
	if len(p.Images) > 0 {
		fmt.Fprintf(w, "\n%s\n", ui.RenderHeader("Images"))
		for _, img := range p.Images {
			fmt.Fprintf(w, "  %d. %s\n", img.DisplayOrder, img.StoragePath)
		}
	}
	if len(p.Comments) > 0 {
		fmt.Fprintf(w, "\n%s\n", ui.RenderHeader("Comments"))
		for _, c := range p.Comments {
			fmt.Fprintf(w, "  %s %s\n", ui.RenderAccent(fmt.Sprintf("[%d]", c.CharacterID)), c.Message)
		}
	}
	fmt.Fprintln(w)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
