package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	entryDayStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
	todayStyle    = lipgloss.NewStyle().Reverse(true)
)

// Calendar renders month as a Sunday-first grid. Days present in entries
// are highlighted, and marked with '*' when color is off. today is
// highlighted when it falls inside month.
func Calendar(month time.Time, entries map[int]bool, today time.Time) string {
	first := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	days := first.AddDate(0, 1, -1).Day()

	var b strings.Builder
	title := first.Format("January 2006")
	b.WriteString(RenderHeader(fmt.Sprintf("%*s", (20+len(title))/2, title)))
	b.WriteString("\n")
	b.WriteString(RenderMuted("Su Mo Tu We Th Fr Sa"))
	b.WriteString("\n")

	b.WriteString(strings.Repeat("   ", int(first.Weekday())))
	for day := 1; day <= days; day++ {
		cell := fmt.Sprintf("%2d", day)
		mark := " "
		if entries[day] {
			if colorEnabled {
				cell = entryDayStyle.Render(cell)
			} else {
				mark = "*"
			}
		}
		isToday := today.Year() == first.Year() && today.Month() == first.Month() && today.Day() == day
		if isToday && colorEnabled {
			cell = todayStyle.Render(cell)
		}
		b.WriteString(cell)

		if (int(first.Weekday())+day)%7 == 0 || day == days {
			if mark == "*" {
				b.WriteString(mark)
			}
			b.WriteString("\n")
		} else {
			b.WriteString(mark)
		}
	}
	return b.String()
}
