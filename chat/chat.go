// Package chat runs a single Claude conversation turn with recalled
// memories attached, the way an application built on RecallKit would.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/EAbdou1/recallkit/core"
)

// DefaultSystemPrompt is used when Input.SystemPrompt is empty.
const DefaultSystemPrompt = "You are a helpful assistant. Use the context from previous conversations when it is relevant, and never invent details about the user."

// Recaller returns prompt-ready memories for a conversation.
// client.Client implements it.
type Recaller interface {
	Recall(ctx context.Context, userID string, messages []core.Message) (string, error)
}

// Engine answers conversation turns with Claude.
type Engine struct {
	client   *anthropic.Client
	recaller Recaller
	logger   *slog.Logger
}

// Option configures the engine.
type Option func(*Engine)

// WithRecaller attaches memories to each turn.
func WithRecaller(r Recaller) Option {
	return func(e *Engine) { e.recaller = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine on the given Anthropic client.
func NewEngine(client *anthropic.Client, opts ...Option) *Engine {
	e := &Engine{client: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "chat")
	return e
}

// Input is one turn of a conversation.
type Input struct {
	// UserID scopes memory recall to the end user.
	UserID string

	// Messages is the conversation so far, ending with the user's turn.
	Messages []core.Message

	// SystemPrompt defaults to DefaultSystemPrompt.
	SystemPrompt string

	// Model defaults to claude-sonnet-4-20250514.
	Model string

	// MaxTokens defaults to 1024.
	MaxTokens int
}

// Usage counts tokens for one turn.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Output is the assistant's reply.
type Output struct {
	Text     string
	Memories string
	Usage    Usage
}

// Run recalls memories for the conversation, attaches them to the last
// user message and asks Claude for a reply. Recall failures are logged
// and the turn proceeds without memories.
func (e *Engine) Run(ctx context.Context, in Input) (*Output, error) {
	if len(in.Messages) == 0 {
		return nil, errors.New("chat: no messages")
	}

	var memories string
	if e.recaller != nil && in.UserID != "" {
		var err error
		memories, err = e.recaller.Recall(ctx, in.UserID, in.Messages)
		if err != nil {
			e.logger.Warn("recall failed, continuing without memories", "user", in.UserID, "error", err)
			memories = ""
		}
	}

	model := in.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := in.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	system := in.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}

	var params []anthropic.MessageParam
	for _, m := range AttachMemories(in.Messages, memories) {
		switch m.Role {
		case core.RoleSystem:
			system += "\n\n" + m.Content
		case core.RoleAssistant:
			params = append(params, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	resp, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("claude API error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Output{
		Text:     text.String(),
		Memories: memories,
		Usage:    Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}, nil
}

// AttachMemories returns a copy of messages with memories appended to the
// final message when it is from the user. Blank memories leave it as is.
func AttachMemories(messages []core.Message, memories string) []core.Message {
	out := make([]core.Message, len(messages))
	copy(out, messages)
	if strings.TrimSpace(memories) == "" || len(out) == 0 {
		return out
	}
	last := &out[len(out)-1]
	if last.Role != core.RoleUser {
		return out
	}
	last.Content += "\n\n[Context from your previous conversations: " + memories + "]"
	return out
}
