package content

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentoven/newswire/pkg/models"
)

// FormatSummary renders generated content as the markdown body of a
// deliver_news message.
func FormatSummary(title string, c *models.Content) string {
	topics := "General"
	if len(c.Topics) > 0 {
		topics = strings.Join(c.Topics, ", ")
	}
	timespan := c.Timespan
	if timespan == "" {
		timespan = DefaultTimespan
	}
	generated := c.GeneratedAt
	if generated.IsZero() {
		generated = time.Now()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# News Summary: %s\n\n", title)
	fmt.Fprintf(&b, "**Topics:** %s\n", topics)
	fmt.Fprintf(&b, "**Timespan:** %s\n\n", timespan)
	b.WriteString(strings.TrimSpace(c.Summary))
	b.WriteString("\n\n")
	if len(c.Sources) > 0 {
		b.WriteString("Sources:\n")
		for _, s := range c.Sources {
			fmt.Fprintf(&b, "- %s (%.0f%%)\n", s.URL, s.Confidence*100)
		}
		b.WriteString("\n")
	}
	b.WriteString("---\n")
	fmt.Fprintf(&b, "*Summary generated at %s*", generated.UTC().Format("2006-01-02 15:04:05"))
	return b.String()
}

// WelcomeText greets a new conversation and lists the catalog.
func WelcomeText(producer string, plans []models.SubscriptionPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Welcome to %s! I publish news summaries on a subscription basis.\n", producer)
	if len(plans) == 0 {
		b.WriteString("No plans are available right now.")
		return b.String()
	}
	b.WriteString("Available plans:\n")
	b.WriteString(PlanList(plans))
	b.WriteString("\nSend {\"action\": \"subscribe\", \"plan_id\": \"<plan>\"} or a message like 'subscribe topics: ai, robotics' to start.")
	return b.String()
}

// PlanList renders one line per plan.
func PlanList(plans []models.SubscriptionPlan) string {
	var b strings.Builder
	for _, p := range plans {
		name := p.Name
		if name == "" {
			name = p.ID
		}
		topics := "general"
		if len(p.Topics) > 0 {
			topics = strings.Join(p.Topics, ", ")
		}
		fmt.Fprintf(&b, "- %s (%s): %s %s for %s, topics: %s\n", p.ID, name, p.Price, p.Currency, durationText(p.Duration), topics)
	}
	return b.String()
}

func durationText(d time.Duration) string {
	days := int(d.Hours() / 24)
	switch {
	case days >= 1 && d%(24*time.Hour) == 0:
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	default:
		return d.String()
	}
}
