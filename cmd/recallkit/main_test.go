package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/EAbdou1/recallkit/core"
	"github.com/EAbdou1/recallkit/memory"
	"github.com/EAbdou1/recallkit/memory/embedder/mock"
	"github.com/EAbdou1/recallkit/memory/store/redisstore"
)

const testDims = 8

// setup starts miniredis with one memory for acme/u1 and writes a config
// file pointing at it.
func setup(t *testing.T, backend string) string {
	t.Helper()
	for _, k := range []string{"REDIS_HOST", "REDIS_PORT", "REDIS_DB", "RECALL_INDEX_BACKEND",
		"RECALL_EMBED_PROVIDER", "RECALL_JOBS_DB", "RECALL_LOG_LEVEL", "RECALL_EMBED_DIMENSIONS"} {
		t.Setenv(k, "")
	}
	mr := miniredis.RunT(t)

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	store := redisstore.New(client, nil)
	vec, _ := mock.New(testDims).Embed(ctx, "User enjoys hiking in Colorado")
	var b memory.Batch
	b.Put(memory.Memory{ID: "m1", Text: "User enjoys hiking in Colorado", Embedding: vec})
	if err := store.Commit(ctx, memory.Scope{Namespace: "acme", UserID: "u1"}, b); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	cfg := fmt.Sprintf(`
redis:
  host: %s
  port: %s
embedding:
  provider: mock
  dimensions: %d
  cacheEntries: 0
index:
  backend: %s
jobs:
  path: %s
log:
  level: error
`, mr.Host(), mr.Port(), testDims, backend, filepath.Join(dir, "jobs.db"))
	path := filepath.Join(dir, "recallkit.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestMemoriesCommands(t *testing.T) {
	cfg := setup(t, "none")

	out, err := run(t, "--config", cfg, "memories", "users", "--namespace", "acme")
	if err != nil || strings.TrimSpace(out) != "u1" {
		t.Errorf("users = %q, %v", out, err)
	}

	out, err = run(t, "--config", cfg, "memories", "count", "-n", "acme", "-u", "u1")
	if err != nil || strings.TrimSpace(out) != "1" {
		t.Errorf("count = %q, %v", out, err)
	}

	out, err = run(t, "--config", cfg, "memories", "list", "-n", "acme", "-u", "u1")
	if err != nil || !strings.Contains(out, "m1  User enjoys hiking in Colorado") {
		t.Errorf("list = %q, %v", out, err)
	}

	out, err = run(t, "--config", cfg, "memories", "list", "-n", "acme", "-u", "nobody")
	if err != nil || out != "No memories found.\n" {
		t.Errorf("empty list = %q, %v", out, err)
	}
}

func TestRecallCommand(t *testing.T) {
	cfg := setup(t, "none")

	out, err := run(t, "--config", cfg, "recall", "-n", "acme", "-u", "u1", "User enjoys hiking in Colorado")
	if err != nil {
		t.Fatalf("recall failed: %v", err)
	}
	if !strings.HasPrefix(out, "1. User enjoys hiking in Colorado\n") || !strings.Contains(out, "score: 1.0000") {
		t.Errorf("recall output = %q", out)
	}

	if _, err := run(t, "--config", cfg, "recall", "-u", "u1", "hiking"); err == nil {
		t.Error("recall without --namespace succeeded")
	}
}

func TestIndexCommands(t *testing.T) {
	t.Run("no backend", func(t *testing.T) {
		cfg := setup(t, "none")
		if _, err := run(t, "--config", cfg, "index", "recreate"); !errors.Is(err, memory.ErrNoIndex) {
			t.Errorf("recreate = %v, want ErrNoIndex", err)
		}
		if _, err := run(t, "--config", cfg, "index", "backfill"); err == nil {
			t.Error("backfill without chromem succeeded")
		}
	})

	t.Run("chromem", func(t *testing.T) {
		cfg := setup(t, "chromem")
		out, err := run(t, "--config", cfg, "index", "backfill")
		if err != nil || out != "Indexed 1 memories.\n" {
			t.Errorf("backfill = %q, %v", out, err)
		}
		out, err = run(t, "--config", cfg, "index", "recreate")
		if err != nil || !strings.Contains(out, "chromem") {
			t.Errorf("recreate = %q, %v", out, err)
		}
	})
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		in   string
		want core.Message
	}{
		{"user:I love hiking", core.Message{Role: core.RoleUser, Content: "I love hiking"}},
		{"Assistant: Noted!", core.Message{Role: core.RoleAssistant, Content: "Noted!"}},
		{"system:be brief", core.Message{Role: core.RoleSystem, Content: "be brief"}},
		{"I moved to Texas", core.Message{Role: core.RoleUser, Content: "I moved to Texas"}},
		{"note: 10:30 meeting", core.Message{Role: core.RoleUser, Content: "note: 10:30 meeting"}},
	}
	for _, tt := range tests {
		if got := parseMessage(tt.in); got != tt.want {
			t.Errorf("parseMessage(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestFormatMatches(t *testing.T) {
	if got := formatMatches(nil); got != "No memories found.\n" {
		t.Errorf("empty = %q", got)
	}
	got := formatMatches([]memory.Match{{ID: "m1", Text: "Likes tea", Score: 0.91234}})
	want := "1. Likes tea\n   id: m1 | score: 0.9123\n"
	if got != want {
		t.Errorf("formatMatches = %q, want %q", got, want)
	}
}
