package content

import (
	"strings"
	"unicode/utf8"
)

// DefaultTimespan is the look-back window when a request names none.
const DefaultTimespan = "24h"

// Query is a free-text news request split into its parts.
type Query struct {
	Text     string
	Topics   []string
	Timespan string
}

// ParseQuery extracts "topics: a, b" and "timespan: 48h" from free text.
// Whatever precedes the first marker is the query itself.
func ParseQuery(text string) Query {
	q := Query{Text: strings.TrimSpace(text), Timespan: DefaultTimespan}
	lower := strings.ToLower(text)

	ti := strings.Index(lower, "topics:")
	si := strings.Index(lower, "timespan:")

	if ti >= 0 {
		end := len(text)
		if si > ti {
			end = si
		}
		q.Topics = splitTopics(text[ti+len("topics:") : end])
	}
	if si >= 0 {
		if fields := strings.Fields(text[si+len("timespan:"):]); len(fields) > 0 {
			q.Timespan = strings.ToLower(fields[0])
		}
	}

	cut := len(text)
	for _, i := range []int{ti, si} {
		if i >= 0 && i < cut {
			cut = i
		}
	}
	q.Text = strings.TrimSpace(text[:cut])
	return q
}

func splitTopics(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Truncate shortens s to at most max runes, ending in "..." when cut.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	if max <= 3 {
		return string([]rune(s)[:max])
	}
	return string([]rune(s)[:max-3]) + "..."
}
