// Package content implements the content generators that summarize news for
// a set of topics, plus the text rendering shared by every delivery surface.
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentoven/newswire/internal/config"
	"github.com/agentoven/newswire/pkg/contracts"
	"github.com/agentoven/newswire/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const systemPrompt = `You are a news copilot that summarizes news for a list of topics.
Be concise, accurate and neutral. Highlight the most important developments first,
give context for complex topics and cite sources when available.

Respond with a single JSON object and nothing else:
{"summary": "<markdown summary>", "sources": [{"source_url": "<url>", "confidence": <0..1>}]}`

func userPrompt(topics []string, timespan string) string {
	t := "general news"
	if len(topics) > 0 {
		t = strings.Join(topics, ", ")
	}
	return fmt.Sprintf("Summarize the news about %s from the last %s.", t, timespan)
}

type generatedJSON struct {
	Summary string          `json:"summary"`
	Sources []models.Source `json:"sources"`
}

// parseResponse reads the model's JSON answer. Models that ignore the
// format instruction still produce usable text, which becomes the summary.
func parseResponse(text string) (string, []models.Source) {
	raw := strings.TrimSpace(text)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var out generatedJSON
	if err := json.Unmarshal([]byte(raw), &out); err == nil && out.Summary != "" {
		return out.Summary, out.Sources
	}
	return strings.TrimSpace(text), nil
}

func newContent(summary string, sources []models.Source, topics []string, timespan string) *models.Content {
	return &models.Content{
		ID:          uuid.NewString(),
		Summary:     summary,
		Sources:     sources,
		Topics:      append([]string(nil), topics...),
		Timespan:    timespan,
		GeneratedAt: time.Now().UTC(),
	}
}

// New picks the generator named by cfg.Provider.
func New(cfg config.ContentConfig) (contracts.ContentGenerator, error) {
	switch cfg.Provider {
	case "", "static":
		return NewStaticGenerator(), nil
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai content provider requires OPENAI_API_KEY")
		}
		return NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.Model), nil
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("anthropic content provider requires ANTHROPIC_API_KEY")
		}
		return NewAnthropicGenerator(cfg.AnthropicAPIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown content provider %q", cfg.Provider)
	}
}

// ── Static ───────────────────────────────────────────────────

// StaticGenerator returns canned summaries. It backs local development and
// the sandbox ledger setup.
type StaticGenerator struct{}

func NewStaticGenerator() *StaticGenerator { return &StaticGenerator{} }

func (StaticGenerator) Name() string { return "static" }

func (StaticGenerator) Generate(ctx context.Context, topics []string, timespan string) (*models.Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if timespan == "" {
		timespan = DefaultTimespan
	}
	var b strings.Builder
	if len(topics) == 0 {
		b.WriteString("- No notable developments in general news.\n")
	}
	for _, t := range topics {
		fmt.Fprintf(&b, "- %s: no notable developments in the last %s.\n", t, timespan)
	}
	log.Debug().Strs("topics", topics).Msg("Static content generated")
	return newContent(strings.TrimSpace(b.String()), nil, topics, timespan), nil
}
