package memory_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/EAbdou1/recallkit/core"
	"github.com/EAbdou1/recallkit/llm"
	"github.com/EAbdou1/recallkit/llm/llmtest"
	"github.com/EAbdou1/recallkit/memory"
)

var conversation = []core.Message{
	{Role: core.RoleUser, Content: "I'm vegetarian and I live in Paris"},
	{Role: core.RoleAssistant, Content: "Noted!"},
}

func TestFactExtractor_Extract(t *testing.T) {
	completer := llmtest.New(`{"facts": ["  Is vegetarian ", "Lives in Paris", "", "Is vegetarian"]}`)
	ex := memory.NewFactExtractor(completer,
		memory.WithExtractorClock(fixedClock(time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC))))

	got, err := ex.Extract(context.Background(), scope, conversation)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	want := []string{"Is vegetarian", "Lives in Paris"}
	if strings.Join(got.Facts, "|") != strings.Join(want, "|") {
		t.Errorf("facts = %q, want %q", got.Facts, want)
	}

	req := completer.Requests()[0]
	if !strings.Contains(req.Prompt, "user: I'm vegetarian and I live in Paris\nassistant: Noted!") {
		t.Errorf("prompt missing transcript:\n%s", req.Prompt)
	}
	if !strings.Contains(req.Prompt, "2025-03-14") {
		t.Error("prompt missing today's date")
	}
	if req.Schema.Name != memory.FactsSchema.Name {
		t.Errorf("schema = %q", req.Schema.Name)
	}
	if req.Temperature != llm.DefaultTemperature {
		t.Errorf("temperature = %v", req.Temperature)
	}
}

func TestFactExtractor_EmptyFacts(t *testing.T) {
	ex := memory.NewFactExtractor(llmtest.New(`{"facts": []}`))
	got, err := ex.Extract(context.Background(), scope, conversation)
	if err != nil {
		t.Fatal(err)
	}
	if got.Facts == nil || len(got.Facts) != 0 {
		t.Errorf("facts = %#v, want empty non-nil", got.Facts)
	}
}

func TestFactExtractor_NoMessages(t *testing.T) {
	completer := llmtest.New()
	ex := memory.NewFactExtractor(completer)
	_, err := ex.Extract(context.Background(), scope, nil)

	var exErr *memory.ExtractionError
	if !errors.As(err, &exErr) || !errors.Is(err, memory.ErrInvalidInput) {
		t.Fatalf("expected ExtractionError wrapping ErrInvalidInput, got %v", err)
	}
	if completer.Calls() != 0 {
		t.Error("model called for empty conversation")
	}
}

func TestFactExtractor_SchemaViolation(t *testing.T) {
	completer := llmtest.New(`{"facts": "not a list"}`, `{"other": []}`)
	ex := memory.NewFactExtractor(completer, memory.WithExtractorAttempts(2))

	_, err := ex.Extract(context.Background(), scope, conversation)
	var exErr *memory.ExtractionError
	if !errors.As(err, &exErr) {
		t.Fatalf("expected ExtractionError, got %v", err)
	}
	var schemaErr *llm.SchemaError
	if !errors.As(err, &schemaErr) {
		t.Errorf("expected wrapped SchemaError, got %v", err)
	}
	if completer.Calls() != 2 {
		t.Errorf("calls = %d, want 2", completer.Calls())
	}
}
