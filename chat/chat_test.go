package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/EAbdou1/recallkit/chat"
	"github.com/EAbdou1/recallkit/core"
)

type stubRecaller struct {
	memories string
	err      error
	calls    int
}

func (s *stubRecaller) Recall(ctx context.Context, userID string, msgs []core.Message) (string, error) {
	s.calls++
	return s.memories, s.err
}

// claude serves one canned reply and records the request body.
func claude(t *testing.T, reply string) (*anthropic.Client, *map[string]any) {
	t.Helper()
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":            "msg_01",
			"type":          "message",
			"role":          "assistant",
			"model":         "claude-sonnet-4-20250514",
			"content":       []map[string]any{{"type": "text", "text": reply}},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 42, "output_tokens": 7},
		})
	}))
	t.Cleanup(srv.Close)
	c := anthropic.NewClient(
		option.WithBaseURL(srv.URL),
		option.WithAPIKey("test"),
		option.WithMaxRetries(0),
	)
	return &c, &body
}

func lastUserText(t *testing.T, body map[string]any) string {
	t.Helper()
	msgs, _ := body["messages"].([]any)
	if len(msgs) == 0 {
		t.Fatal("no messages sent")
	}
	last := msgs[len(msgs)-1].(map[string]any)
	blocks := last["content"].([]any)
	return blocks[0].(map[string]any)["text"].(string)
}

func TestEngine_RunWithMemories(t *testing.T) {
	client, body := claude(t, "Colorado has great trails in the fall.")
	rec := &stubRecaller{memories: "From recall memories:\n- User enjoys hiking in Colorado"}
	e := chat.NewEngine(client, chat.WithRecaller(rec))

	out, err := e.Run(context.Background(), chat.Input{
		UserID: "u1",
		Messages: []core.Message{
			{Role: core.RoleUser, Content: "hi"},
			{Role: core.RoleAssistant, Content: "Hello!"},
			{Role: core.RoleUser, Content: "Where should I hike?"},
		},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if out.Text != "Colorado has great trails in the fall." || out.Usage.InputTokens != 42 || out.Usage.OutputTokens != 7 {
		t.Errorf("output = %+v", out)
	}
	if rec.calls != 1 {
		t.Errorf("recall calls = %d", rec.calls)
	}
	got := lastUserText(t, *body)
	if !strings.HasPrefix(got, "Where should I hike?\n\n[Context from your previous conversations: From recall memories:") {
		t.Errorf("last message = %q", got)
	}
	if msgs := (*body)["messages"].([]any); len(msgs) != 3 {
		t.Errorf("sent %d messages, want 3", len(msgs))
	}
}

func TestEngine_RecallFailureIsNotFatal(t *testing.T) {
	client, body := claude(t, "Sure.")
	e := chat.NewEngine(client, chat.WithRecaller(&stubRecaller{err: errors.New("connection refused")}))

	out, err := e.Run(context.Background(), chat.Input{
		UserID:   "u1",
		Messages: []core.Message{{Role: core.RoleUser, Content: "hello"}},
	})
	if err != nil || out.Text != "Sure." || out.Memories != "" {
		t.Fatalf("Run = %+v, %v", out, err)
	}
	if got := lastUserText(t, *body); got != "hello" {
		t.Errorf("last message = %q", got)
	}
}

func TestEngine_NoMessages(t *testing.T) {
	client, _ := claude(t, "unused")
	if _, err := chat.NewEngine(client).Run(context.Background(), chat.Input{}); err == nil {
		t.Error("expected an error")
	}
}

func TestAttachMemories(t *testing.T) {
	msgs := []core.Message{{Role: core.RoleUser, Content: "q"}}

	got := chat.AttachMemories(msgs, "From recall memories:\n- x")
	if got[0].Content != "q\n\n[Context from your previous conversations: From recall memories:\n- x]" {
		t.Errorf("content = %q", got[0].Content)
	}
	if msgs[0].Content != "q" {
		t.Error("input slice modified")
	}
	if got := chat.AttachMemories(msgs, "  "); got[0].Content != "q" {
		t.Errorf("blank memories changed content: %q", got[0].Content)
	}
	asst := []core.Message{{Role: core.RoleAssistant, Content: "a"}}
	if got := chat.AttachMemories(asst, "m"); got[0].Content != "a" {
		t.Errorf("assistant message changed: %q", got[0].Content)
	}
}
