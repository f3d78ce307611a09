package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/moodlog/moodlog/internal/cache/schema"
)

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseEntryDate accepts YYYY-MM-DD or natural language such as
// "yesterday" or "last friday", resolved against now.
func parseEntryDate(s string, now time.Time) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty date")
	}
	if err := schema.ValidateEntryDate(s); err == nil {
		return s, nil
	}

	r, err := dateParser.Parse(s, now)
	if err != nil {
		return "", fmt.Errorf("failed to parse date %q: %w", s, err)
	}
	if r == nil {
		return "", fmt.Errorf("unrecognized date %q", s)
	}
	return r.Time.Format(schema.EntryDateLayout), nil
}

// parseMonth accepts YYYY-MM, or "" for the month of now.
func parseMonth(s string, now time.Time) (string, time.Time, error) {
	if s == "" {
		return now.Format("2006-01"), time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	}
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("month %q is not YYYY-MM", s)
	}
	return s, t, nil
}

// recentMonths returns the n months ending with the month of now, newest
// first.
func recentMonths(now time.Time, n int) []string {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	months := make([]string, 0, n)
	for i := 0; i < n; i++ {
		months = append(months, first.AddDate(0, -i, 0).Format("2006-01"))
	}
	return months
}
