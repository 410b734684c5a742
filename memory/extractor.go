package memory

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/EAbdou1/recallkit/core"
	"github.com/EAbdou1/recallkit/llm"
)

// DefaultAttempts is how many completions a structured step may consume.
const DefaultAttempts = 2

// FactExtractor turns a conversation into atomic facts about the user.
type FactExtractor struct {
	completer   llm.Completer
	attempts    int
	temperature float64
	now         func() time.Time
	logger      *slog.Logger
}

// ExtractorOption configures a FactExtractor.
type ExtractorOption func(*FactExtractor)

// WithExtractorAttempts sets the schema-retry budget.
func WithExtractorAttempts(n int) ExtractorOption {
	return func(e *FactExtractor) { e.attempts = n }
}

// WithExtractorTemperature overrides the sampling temperature.
func WithExtractorTemperature(t float64) ExtractorOption {
	return func(e *FactExtractor) { e.temperature = t }
}

// WithExtractorClock sets the clock used to date the prompt.
func WithExtractorClock(now func() time.Time) ExtractorOption {
	return func(e *FactExtractor) { e.now = now }
}

// WithExtractorLogger sets the logger.
func WithExtractorLogger(l *slog.Logger) ExtractorOption {
	return func(e *FactExtractor) { e.logger = l }
}

// NewFactExtractor creates an extractor backed by completer.
func NewFactExtractor(completer llm.Completer, opts ...ExtractorOption) *FactExtractor {
	e := &FactExtractor{
		completer:   completer,
		attempts:    DefaultAttempts,
		temperature: llm.DefaultTemperature,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "extractor")
	return e
}

type factsPayload struct {
	Facts []string `json:"facts"`
}

// Extract asks the model for facts in the conversation. Returned facts are
// trimmed and de-duplicated; an empty list is a valid outcome.
func (e *FactExtractor) Extract(ctx context.Context, scope Scope, messages []core.Message) (FactsResult, error) {
	if len(messages) == 0 {
		return FactsResult{}, &ExtractionError{Err: ErrInvalidInput}
	}

	e.logger.Info("extracting facts", "scope", scope.String(), "messages", len(messages))

	req := llm.Request{
		Prompt:      FactExtractionPrompt(e.now()) + "\n\n" + core.Transcript(messages),
		Schema:      FactsSchema,
		Temperature: e.temperature,
	}
	payload, err := llm.Decode(ctx, e.completer, req, e.attempts, func(p factsPayload) error {
		if p.Facts == nil {
			return errors.New("facts: missing array")
		}
		return nil
	})
	if err != nil {
		return FactsResult{}, &ExtractionError{Err: err}
	}

	facts := cleanFacts(payload.Facts)
	e.logger.Info("extracted facts", "scope", scope.String(), "count", len(facts))
	return FactsResult{Facts: facts}, nil
}

func cleanFacts(raw []string) []string {
	facts := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, f := range raw {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		facts = append(facts, f)
	}
	return facts
}
