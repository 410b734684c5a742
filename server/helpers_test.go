package server_test

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/EAbdou1/recallkit/auth"
	"github.com/EAbdou1/recallkit/core"
	"github.com/EAbdou1/recallkit/memory"
	"github.com/EAbdou1/recallkit/memory/embedder/mock"
	"github.com/EAbdou1/recallkit/memory/store/redisstore"
)

const (
	dims   = 8
	apiKey = "rk_live_test"
)

var scope = memory.Scope{Namespace: "acme", UserID: "u1"}

type recordingEnqueuer struct {
	mu     sync.Mutex
	scopes []memory.Scope
}

func (r *recordingEnqueuer) Enqueue(ctx context.Context, sc memory.Scope, msgs []core.Message) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopes = append(r.scopes, sc)
	return "job-1", nil
}

func (r *recordingEnqueuer) Scopes() []memory.Scope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]memory.Scope(nil), r.scopes...)
}

type stubIndex struct {
	recreated int
	err       error
}

func (s *stubIndex) Rank(ctx context.Context, req memory.RankRequest) ([]memory.Match, error) {
	return nil, memory.ErrNoIndex
}
func (s *stubIndex) Ensure(ctx context.Context) error { return nil }
func (s *stubIndex) Recreate(ctx context.Context) error {
	s.recreated++
	return s.err
}

type fixture struct {
	manager  *memory.RecallManager
	authn    *auth.Authenticator
	enqueuer *recordingEnqueuer
	mr       *miniredis.Miniredis
}

// newFixture seeds one memory for acme/u1 and registers apiKey for acme.
func newFixture(t *testing.T, index memory.Index) *fixture {
	t.Helper()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := redisstore.New(client, nil)
	embedder := mock.New(dims).
		Pin("User enjoys hiking in Colorado", mock.Axis(dims, 0, 1, 0)).
		Pin("Where should I hike this weekend?", mock.Axis(dims, 0, 1, 0.1))

	vec, _ := embedder.Embed(ctx, "User enjoys hiking in Colorado")
	var b memory.Batch
	b.Put(memory.Memory{ID: "m1", Text: "User enjoys hiking in Colorado", Embedding: vec})
	if err := store.Commit(ctx, scope, b); err != nil {
		t.Fatal(err)
	}

	authn := auth.New(client, nil)
	if err := authn.Register(ctx, "dev_1", "acme", apiKey); err != nil {
		t.Fatal(err)
	}

	enq := &recordingEnqueuer{}
	r := memory.NewRetriever(embedder, nil, memory.NewFallbackRanker(store, nil), memory.RetrieverConfig{})
	return &fixture{
		manager:  memory.NewRecallManager(store, r, index, enq, nil, nil),
		authn:    authn,
		enqueuer: enq,
		mr:       mr,
	}
}
