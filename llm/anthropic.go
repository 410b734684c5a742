package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic produces structured output by forcing Claude to call a single tool
// whose input schema is the requested Schema.
type Anthropic struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates a completer around an existing client.
func NewAnthropic(client *anthropic.Client, model string) *Anthropic {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &Anthropic{
		client:    client,
		model:     model,
		maxTokens: 4096,
	}
}

// NewAnthropicFromKey builds a client with the given key and retry budget.
func NewAnthropicFromKey(apiKey, model string, maxRetries int) *Anthropic {
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(maxRetries),
	)
	return NewAnthropic(&client, model)
}

// Complete implements Completer.
func (a *Anthropic) Complete(ctx context.Context, req Request) (json.RawMessage, error) {
	maxTokens := a.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	tool := anthropic.ToolParam{
		Name:        req.Schema.Name,
		Description: anthropic.String(req.Schema.Description),
		InputSchema: anthropic.ToolInputSchemaParam{
			Properties: req.Schema.Properties(),
			Required:   req.Schema.Required(),
		},
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		Tools: []anthropic.ToolUnionParam{{OfTool: &tool}},
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: req.Schema.Name},
		},
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude API error: %w", err)
	}

	for _, block := range resp.Content {
		if block.Type == "tool_use" && block.Name == req.Schema.Name {
			return json.RawMessage(block.Input), nil
		}
	}
	return nil, ErrEmptyCompletion
}
