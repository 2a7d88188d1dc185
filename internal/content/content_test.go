package content

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentoven/newswire/internal/config"
	"github.com/agentoven/newswire/pkg/contracts"
	"github.com/agentoven/newswire/pkg/models"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ contracts.ContentGenerator = (*StaticGenerator)(nil)
	_ contracts.ContentGenerator = (*OpenAIGenerator)(nil)
	_ contracts.ContentGenerator = (*AnthropicGenerator)(nil)
)

func TestParseQuery(t *testing.T) {
	tests := []struct {
		in       string
		text     string
		topics   []string
		timespan string
	}{
		{"latest tech news", "latest tech news", nil, "24h"},
		{"Tell me about climate topics: Environment, policy", "Tell me about climate", []string{"environment", "policy"}, "24h"},
		{"Latest tech news timespan: 48h please", "Latest tech news", nil, "48h"},
		{"AI research topics: machine learning, neural networks timespan: 7d", "AI research", []string{"machine learning", "neural networks"}, "7d"},
		{"topics: crypto", "", []string{"crypto"}, "24h"},
	}
	for _, tt := range tests {
		q := ParseQuery(tt.in)
		assert.Equal(t, tt.text, q.Text, tt.in)
		assert.Equal(t, tt.topics, q.Topics, tt.in)
		assert.Equal(t, tt.timespan, q.Timespan, tt.in)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
	assert.Len(t, []rune(Truncate(strings.Repeat("é", 5000), 4096)), 4096)
	assert.Equal(t, "unbounded", Truncate("unbounded", 0))
}

func TestFormatSummary(t *testing.T) {
	c := &models.Content{
		Summary:     "Big things happened.",
		Sources:     []models.Source{{URL: "https://example.com/a", Confidence: 0.9}},
		Topics:      []string{"ai", "robotics"},
		Timespan:    "48h",
		GeneratedAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	out := FormatSummary("AI Daily", c)
	assert.True(t, strings.HasPrefix(out, "# News Summary: AI Daily\n\n"))
	assert.Contains(t, out, "**Topics:** ai, robotics\n")
	assert.Contains(t, out, "**Timespan:** 48h\n")
	assert.Contains(t, out, "- https://example.com/a (90%)")
	assert.True(t, strings.HasSuffix(out, "---\n*Summary generated at 2026-03-01 08:00:00*"))

	out = FormatSummary("General", &models.Content{Summary: "x"})
	assert.Contains(t, out, "**Topics:** General\n")
	assert.Contains(t, out, "**Timespan:** 24h\n")
}

func TestWelcomeListsPlans(t *testing.T) {
	out := WelcomeText("newsbot", []models.SubscriptionPlan{
		{ID: "ai-monthly", Name: "AI Monthly", Price: "5", Currency: "USD", Duration: 30 * 24 * time.Hour, Topics: []string{"ai"}},
	})
	assert.Contains(t, out, "Welcome to newsbot")
	assert.Contains(t, out, "- ai-monthly (AI Monthly): 5 USD for 30 days, topics: ai")
}

func TestParseResponse(t *testing.T) {
	summary, sources := parseResponse("```json\n{\"summary\":\"s\",\"sources\":[{\"source_url\":\"https://x\",\"confidence\":0.5}]}\n```")
	assert.Equal(t, "s", summary)
	assert.Equal(t, []models.Source{{URL: "https://x", Confidence: 0.5}}, sources)

	summary, sources = parseResponse("plain prose answer")
	assert.Equal(t, "plain prose answer", summary)
	assert.Nil(t, sources)
}

func TestStaticGenerator(t *testing.T) {
	c, err := NewStaticGenerator().Generate(context.Background(), []string{"ai"}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "24h", c.Timespan)
	assert.Contains(t, c.Summary, "ai:")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewStaticGenerator().Generate(ctx, nil, "24h")
	assert.Error(t, err)
}

func TestNewPicksProvider(t *testing.T) {
	g, err := New(config.ContentConfig{Provider: "static"})
	require.NoError(t, err)
	assert.Equal(t, "static", g.Name())

	_, err = New(config.ContentConfig{Provider: "openai"})
	assert.Error(t, err, "missing key")

	_, err = New(config.ContentConfig{Provider: "carrier-pigeon"})
	assert.Error(t, err)
}

const modelAnswer = `{"summary":"Robots learned to fold laundry.","sources":[{"source_url":"https://news.example/robots","confidence":0.8}]}`

func TestOpenAIGenerator(t *testing.T) {
	var prompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if len(body.Messages) == 2 {
			prompt = body.Messages[1].Content
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
			"choices": []map[string]interface{}{{
				"index": 0, "finish_reason": "stop",
				"message": map[string]interface{}{"role": "assistant", "content": modelAnswer},
			}},
		})
	}))
	defer srv.Close()

	g := NewOpenAIGenerator("test-key", "", openaiopt.WithBaseURL(srv.URL), openaiopt.WithMaxRetries(0))
	c, err := g.Generate(context.Background(), []string{"robotics"}, "48h")
	require.NoError(t, err)
	assert.Equal(t, "Robots learned to fold laundry.", c.Summary)
	require.Len(t, c.Sources, 1)
	assert.Equal(t, "https://news.example/robots", c.Sources[0].URL)
	assert.Equal(t, []string{"robotics"}, c.Topics)
	assert.Contains(t, prompt, "robotics")
	assert.Contains(t, prompt, "48h")
}

func TestAnthropicGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-3-5-sonnet-20241022",
			"content":     []map[string]interface{}{{"type": "text", "text": "Quiet day in markets."}},
			"stop_reason": "end_turn",
			"usage":       map[string]interface{}{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	g := NewAnthropicGenerator("test-key", "", anthropicopt.WithBaseURL(srv.URL), anthropicopt.WithMaxRetries(0))
	c, err := g.Generate(context.Background(), []string{"markets"}, "")
	require.NoError(t, err)
	assert.Equal(t, "Quiet day in markets.", c.Summary, "non-JSON answers become the summary")
	assert.Nil(t, c.Sources)
	assert.Equal(t, "24h", c.Timespan)
}
