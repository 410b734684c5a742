package redisstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/EAbdou1/recallkit/memory"
	"github.com/EAbdou1/recallkit/memory/store/redisstore"
)

func newStore(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	s := redisstore.New(client, nil)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

var scope = memory.Scope{Namespace: "acme", UserID: "u1"}

func TestStore_CommitPutAndGet(t *testing.T) {
	ctx := context.Background()
	s, mr := newStore(t)

	created := time.Date(2025, 1, 2, 3, 4, 5, 6, time.UTC)
	var b memory.Batch
	b.Put(memory.Memory{ID: "m1", Text: "Likes tea", Embedding: []float32{0.5, -1, 2}, CreatedAt: created, UpdatedAt: created})
	if err := s.Commit(ctx, scope, b); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if !mr.Exists("memories:acme:u1:ids") || !mr.Exists("memories:acme:u1:m1") {
		t.Fatalf("expected membership set and document keys, got %v", mr.Keys())
	}

	got, err := s.Get(ctx, scope, "m1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Text != "Likes tea" || got.Namespace != "acme" || got.UserID != "u1" {
		t.Errorf("unexpected document: %+v", got)
	}
	if len(got.Embedding) != 3 || got.Embedding[1] != -1 {
		t.Errorf("embedding did not round-trip: %v", got.Embedding)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("createdAt = %v, want %v", got.CreatedAt, created)
	}

	ok, err := s.IsMember(ctx, scope, "m1")
	if err != nil || !ok {
		t.Errorf("IsMember = %v, %v", ok, err)
	}
	n, err := s.Count(ctx, scope)
	if err != nil || n != 1 {
		t.Errorf("Count = %d, %v", n, err)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Get(context.Background(), scope, "nope")
	if !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_PatchKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	updated := created.Add(time.Hour)

	var put memory.Batch
	put.Put(memory.Memory{ID: "m1", Text: "Lives in Paris", Embedding: []float32{1, 0}, CreatedAt: created, UpdatedAt: created})
	if err := s.Commit(ctx, scope, put); err != nil {
		t.Fatal(err)
	}

	var patch memory.Batch
	patch.Patch(memory.Memory{ID: "m1", Text: "Lives in Lyon", Embedding: []float32{0, 1}, UpdatedAt: updated})
	if err := s.Commit(ctx, scope, patch); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, scope, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "Lives in Lyon" {
		t.Errorf("text = %q", got.Text)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("createdAt changed to %v", got.CreatedAt)
	}
	if !got.UpdatedAt.Equal(updated) {
		t.Errorf("updatedAt = %v, want %v", got.UpdatedAt, updated)
	}
	if got.Embedding[1] != 1 {
		t.Errorf("embedding not replaced: %v", got.Embedding)
	}
}

func TestStore_RemoveAndGetManySkipsOrphans(t *testing.T) {
	ctx := context.Background()
	s, mr := newStore(t)

	var b memory.Batch
	for _, id := range []string{"a", "b", "c"} {
		b.Put(memory.Memory{ID: id, Text: "fact " + id, Embedding: []float32{1}})
	}
	if err := s.Commit(ctx, scope, b); err != nil {
		t.Fatal(err)
	}

	var rm memory.Batch
	rm.Remove("b")
	if err := s.Commit(ctx, scope, rm); err != nil {
		t.Fatal(err)
	}
	if mr.Exists("memories:acme:u1:b") {
		t.Error("removed document still exists")
	}

	// orphan: member without a document
	mr.Del("memories:acme:u1:c")

	ids, err := s.Members(ctx, scope)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("members = %v, want [a c]", ids)
	}

	docs, err := s.GetMany(ctx, scope, ids)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || docs[0].ID != "a" {
		t.Errorf("GetMany = %+v, want only a", docs)
	}
}

func TestStore_UsersAndScopes(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	for _, sc := range []memory.Scope{
		{Namespace: "acme", UserID: "u2"},
		{Namespace: "acme", UserID: "u1"},
		{Namespace: "other", UserID: "u9"},
	} {
		var b memory.Batch
		b.Put(memory.Memory{ID: "x", Text: "t", Embedding: []float32{1}})
		if err := s.Commit(ctx, sc, b); err != nil {
			t.Fatal(err)
		}
	}

	users, err := s.Users(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users[0] != "u1" || users[1] != "u2" {
		t.Errorf("Users(acme) = %v", users)
	}

	scopes, err := s.Scopes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(scopes) != 3 || scopes[2].Namespace != "other" {
		t.Errorf("Scopes = %v", scopes)
	}
}

func TestStore_PatchOfNonMemberAbortsBatch(t *testing.T) {
	ctx := context.Background()
	s, mr := newStore(t)

	var b memory.Batch
	b.Put(memory.Memory{ID: "new", Text: "Has a cat", Embedding: []float32{1, 0}})
	b.Patch(memory.Memory{ID: "gone", Text: "Lives in Lyon", Embedding: []float32{0, 1}, UpdatedAt: time.Now()})
	err := s.Commit(ctx, scope, b)

	var stale *memory.StaleUpdateError
	if !errors.As(err, &stale) || len(stale.IDs) != 1 || stale.IDs[0] != "gone" {
		t.Fatalf("expected StaleUpdateError for gone, got %v", err)
	}
	if !errors.Is(err, memory.ErrUpdateTargetMissing) {
		t.Error("StaleUpdateError does not match ErrUpdateTargetMissing")
	}
	if mr.Exists("memories:acme:u1:gone") || mr.Exists("memories:acme:u1:new") {
		t.Errorf("aborted batch wrote keys: %v", mr.Keys())
	}
}

func TestStore_CommitEmptyBatch(t *testing.T) {
	s, mr := newStore(t)
	if err := s.Commit(context.Background(), scope, memory.Batch{}); err != nil {
		t.Fatal(err)
	}
	if len(mr.Keys()) != 0 {
		t.Errorf("empty batch wrote keys: %v", mr.Keys())
	}
}

func TestStore_CommitFailsWhenServerDown(t *testing.T) {
	s, mr := newStore(t)
	mr.Close()

	var b memory.Batch
	b.Put(memory.Memory{ID: "m1", Text: "x"})
	if err := s.Commit(context.Background(), scope, b); err == nil {
		t.Fatal("expected commit error with server down")
	}
}

func TestVectorBytes(t *testing.T) {
	in := []float32{0, 1.5, -3.25}
	out, err := redisstore.ParseVector(redisstore.VectorBytes(in))
	if err != nil {
		t.Fatal(err)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("got %v, want %v", out, in)
		}
	}
	if _, err := redisstore.ParseVector([]byte{1, 2, 3}); err == nil {
		t.Error("expected alignment error")
	}
}
