package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/EAbdou1/recallkit/memory"
	"github.com/EAbdou1/recallkit/memory/store/redisstore"
)

const dims = 8

var scope = memory.Scope{Namespace: "acme", UserID: "u1"}

func newStore(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := redisstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func seed(t *testing.T, s memory.Store, sc memory.Scope, docs ...memory.Memory) {
	t.Helper()
	var b memory.Batch
	for _, d := range docs {
		if d.CreatedAt.IsZero() {
			d.CreatedAt = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
			d.UpdatedAt = d.CreatedAt
		}
		b.Put(d)
	}
	if err := s.Commit(context.Background(), sc, b); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

// stubRanker returns canned matches or an error and counts calls.
type stubRanker struct {
	mu      sync.Mutex
	matches []memory.Match
	err     error
	calls   int
}

func (s *stubRanker) Rank(ctx context.Context, req memory.RankRequest) ([]memory.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]memory.Match, len(s.matches))
	copy(out, s.matches)
	return out, nil
}

func (s *stubRanker) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// recordingSyncer captures synced batches.
type recordingSyncer struct {
	batches []memory.Batch
	err     error
}

func (r *recordingSyncer) Sync(ctx context.Context, sc memory.Scope, b memory.Batch) error {
	r.batches = append(r.batches, b)
	return r.err
}
