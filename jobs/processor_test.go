package jobs_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/EAbdou1/recallkit/core"
	"github.com/EAbdou1/recallkit/jobs"
	"github.com/EAbdou1/recallkit/llm/llmtest"
	"github.com/EAbdou1/recallkit/memory"
	"github.com/EAbdou1/recallkit/memory/embedder/mock"
	"github.com/EAbdou1/recallkit/memory/store/redisstore"
)

var scope = memory.Scope{Namespace: "acme", UserID: "u1"}

type env struct {
	completer  *llmtest.Scripted
	memories   *redisstore.Store
	embedder   *mock.Embedder
	jobs       *jobs.SQLiteStore
	extractor  *countingExtractor
	persister  *flakyPersister
	dispatcher *jobs.Dispatcher
}

type countingExtractor struct {
	next  jobs.Extractor
	mu    sync.Mutex
	calls int
}

func (c *countingExtractor) Extract(ctx context.Context, sc memory.Scope, msgs []core.Message) (memory.FactsResult, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.next.Extract(ctx, sc, msgs)
}

func (c *countingExtractor) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// flakyPersister fails its first n calls.
type flakyPersister struct {
	next  jobs.Persister
	fail  int
	calls int
}

func (f *flakyPersister) Persist(ctx context.Context, sc memory.Scope, items []memory.ReconciliationItem) ([]memory.OperationResult, error) {
	f.calls++
	if f.calls <= f.fail {
		return nil, &memory.TransactionError{Scope: sc, Operations: len(items), Err: errors.New("connection reset")}
	}
	return f.next.Persist(ctx, sc, items)
}

func newEnv(t *testing.T, cfg jobs.Config) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	memories := redisstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	t.Cleanup(func() { memories.Close() })

	e := &env{
		completer: llmtest.New(),
		memories:  memories,
		embedder:  mock.New(16),
		jobs:      openStore(t),
	}
	e.extractor = &countingExtractor{next: memory.NewFactExtractor(e.completer)}
	e.persister = &flakyPersister{next: memory.NewPipeline(memories, e.embedder)}
	proc := jobs.NewProcessor(e.extractor, memory.NewReconciler(e.completer), e.persister, memories, e.jobs, nil)
	e.dispatcher = jobs.NewDispatcher(proc, e.jobs, cfg, nil)
	return e
}

var fastRetries = jobs.Config{Workers: 2, MaxRetries: 2, Backoff: time.Millisecond, SerializePerUser: true}

func say(text string) []core.Message {
	return []core.Message{{Role: core.RoleUser, Content: text}}
}

func TestProcess_AddToEmptyUser(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, fastRetries)
	e.completer.
		Push(`{"facts": ["User enjoys hiking in Colorado"]}`).
		Push(`{"memory": [{"id": "0", "text": "User enjoys hiking in Colorado", "event": "ADD", "old_memory": ""}]}`)

	rec, err := e.dispatcher.Process(ctx, jobs.NewProcessEvent(scope, say("I love hiking in Colorado")))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if rec.State != jobs.StateComplete || rec.Result == nil {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Result.FactsProcessed != 1 || rec.Result.MemoriesChanged != 1 {
		t.Errorf("result = %+v", rec.Result)
	}
	if rec.Result.OperationsSummary[memory.EventAdd] != 1 {
		t.Errorf("operations = %v", rec.Result.OperationsSummary)
	}
	for _, step := range []string{jobs.StepExtract, jobs.StepReconcile, jobs.StepPersist} {
		if _, ok := rec.Steps[step]; !ok {
			t.Errorf("step %s not recorded", step)
		}
	}

	ids, _ := e.memories.Members(ctx, scope)
	if len(ids) != 1 {
		t.Fatalf("members = %v", ids)
	}
	doc, err := e.memories.Get(ctx, scope, ids[0])
	if err != nil || doc.Text != "User enjoys hiking in Colorado" {
		t.Errorf("document = %+v, %v", doc, err)
	}
}

func TestProcess_ContradictionRemovesOldMemory(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, fastRetries)
	e.completer.
		Push(`{"facts": ["User enjoys hiking in Colorado"]}`).
		Push(`{"memory": [{"id": "0", "text": "User enjoys hiking in Colorado", "event": "ADD", "old_memory": ""}]}`).
		Push(`{"facts": ["User moved to Texas", "User does not hike anymore"]}`).
		Push(`{"memory": [
			{"id": "0", "text": "User enjoys hiking in Colorado", "event": "DELETE", "old_memory": ""},
			{"id": "1", "text": "User lives in Texas", "event": "ADD", "old_memory": ""}
		]}`)

	if _, err := e.dispatcher.Process(ctx, jobs.NewProcessEvent(scope, say("I love hiking in Colorado"))); err != nil {
		t.Fatal(err)
	}
	rec, err := e.dispatcher.Process(ctx, jobs.NewProcessEvent(scope, say("Actually I moved to Texas and don't hike anymore")))
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != jobs.StateComplete || rec.Result.MemoriesChanged != 2 {
		t.Fatalf("record = %+v", rec)
	}

	// the second reconciliation saw the first memory under alias "0"
	if prompt := e.completer.Requests()[3].Prompt; !strings.Contains(prompt, "User enjoys hiking in Colorado") {
		t.Error("snapshot missing from reconciliation prompt")
	}

	r := memory.NewRetriever(e.embedder, nil, memory.NewFallbackRanker(e.memories, nil), memory.RetrieverConfig{})
	got := r.Retrieve(ctx, memory.Query{Scope: scope, Text: "hiking", TopK: 3})
	for _, text := range got {
		if strings.Contains(text, "Colorado") {
			t.Errorf("deleted memory retrieved: %q", got)
		}
	}
	if len(got) != 1 || got[0] != "User lives in Texas" {
		t.Errorf("Retrieve = %q", got)
	}
}

func TestProcess_EmptyMessagesFailsFatally(t *testing.T) {
	e := newEnv(t, fastRetries)

	rec, err := e.dispatcher.Process(context.Background(), jobs.NewProcessEvent(scope, nil))
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != jobs.StateFailed || rec.Attempts != 1 {
		t.Errorf("record = %+v", rec)
	}
	if !strings.Contains(rec.Error, "invalid input") {
		t.Errorf("error = %q", rec.Error)
	}
	if e.completer.Calls() != 0 || e.extractor.Calls() != 0 {
		t.Error("extractor ran for invalid input")
	}
}

func TestProcess_NoFactsExitsEarly(t *testing.T) {
	e := newEnv(t, fastRetries)
	e.completer.Push(`{"facts": []}`)

	rec, err := e.dispatcher.Process(context.Background(), jobs.NewProcessEvent(scope, say("hi")))
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != jobs.StateNoFacts || rec.Result.Reason != jobs.NoFactsReason || rec.Result.FactsProcessed != 0 {
		t.Errorf("record = %+v, result = %+v", rec, rec.Result)
	}
	if e.completer.Calls() != 1 || e.persister.calls != 0 {
		t.Error("later steps ran without facts")
	}
}

func TestProcess_NoneOnlyChangesNothing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, fastRetries)
	var b memory.Batch
	b.Put(memory.Memory{ID: "m1", Text: "Likes jazz", Embedding: make([]float32, 16)})
	if err := e.memories.Commit(ctx, scope, b); err != nil {
		t.Fatal(err)
	}
	e.completer.
		Push(`{"facts": ["Likes jazz", "Enjoys jazz music"]}`).
		Push(`{"memory": [{"id": "0", "text": "Likes jazz", "event": "NONE", "old_memory": ""}]}`)

	rec, err := e.dispatcher.Process(ctx, jobs.NewProcessEvent(scope, say("I like jazz")))
	if err != nil {
		t.Fatal(err)
	}
	if rec.Result.MemoriesChanged != 0 || rec.Result.OperationsSummary[memory.EventNone] != 1 {
		t.Errorf("result = %+v", rec.Result)
	}
}

func TestProcess_RetryResumesFromFailedStep(t *testing.T) {
	e := newEnv(t, fastRetries)
	e.persister.fail = 1
	e.completer.
		Push(`{"facts": ["Has a dog"]}`).
		Push(`{"memory": [{"id": "0", "text": "Has a dog", "event": "ADD", "old_memory": ""}]}`)

	rec, err := e.dispatcher.Process(context.Background(), jobs.NewProcessEvent(scope, say("I have a dog")))
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != jobs.StateComplete || rec.Attempts != 2 {
		t.Fatalf("record = %+v", rec)
	}
	if e.extractor.Calls() != 1 || e.completer.Calls() != 2 {
		t.Errorf("memoized steps re-ran: extractor %d, completer %d", e.extractor.Calls(), e.completer.Calls())
	}
	if e.persister.calls != 2 {
		t.Errorf("persist calls = %d, want 2", e.persister.calls)
	}
}

func TestProcess_RetryBudgetExhausted(t *testing.T) {
	e := newEnv(t, fastRetries)
	e.persister.fail = 10
	e.completer.
		Push(`{"facts": ["Has a dog"]}`).
		Push(`{"memory": [{"id": "0", "text": "Has a dog", "event": "ADD", "old_memory": ""}]}`)

	rec, err := e.dispatcher.Process(context.Background(), jobs.NewProcessEvent(scope, say("I have a dog")))
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != jobs.StateFailed || rec.Attempts != 3 || e.persister.calls != 3 {
		t.Errorf("record = %+v, persist calls = %d", rec, e.persister.calls)
	}
}
