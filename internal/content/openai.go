package content

import (
	"context"
	"fmt"

	"github.com/agentoven/newswire/pkg/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIGenerator summarizes news with the OpenAI Chat Completions API.
type OpenAIGenerator struct {
	client *openai.Client
	model  string
}

func NewOpenAIGenerator(apiKey, model string, opts ...option.RequestOption) *OpenAIGenerator {
	client := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &OpenAIGenerator{client: &client, model: model}
}

func (g *OpenAIGenerator) Name() string { return "openai" }

func (g *OpenAIGenerator) Generate(ctx context.Context, topics []string, timespan string) (*models.Content, error) {
	if timespan == "" {
		timespan = DefaultTimespan
	}
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: g.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt(topics, timespan)),
		},
		Temperature:         openai.Float(0.3),
		MaxCompletionTokens: openai.Int(2048),
	})
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, fmt.Errorf("openai returned no content")
	}
	summary, sources := parseResponse(resp.Choices[0].Message.Content)
	return newContent(summary, sources, topics, timespan), nil
}
