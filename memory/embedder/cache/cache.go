// Package cache memoizes embeddings in a ristretto cache.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/EAbdou1/recallkit/memory"
)

// DefaultMaxEntries bounds how many vectors are kept.
const DefaultMaxEntries = 10_000

// Embedder wraps another memory.Embedder. Identical texts are embedded once
// while their vector stays resident.
type Embedder struct {
	next  memory.Embedder
	cache *ristretto.Cache
	salt  string
}

// New wraps next. maxEntries <= 0 selects DefaultMaxEntries. salt separates
// cache keys of different models sharing a process.
func New(next memory.Embedder, maxEntries int64, salt string) (*Embedder, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		// cost is one per vector
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Embedder{next: next, cache: c, salt: salt}, nil
}

func (e *Embedder) key(text string) string {
	sum := sha256.Sum256([]byte(e.salt + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Embed returns a cached vector or delegates and caches the result.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	k := e.key(text)
	if v, ok := e.cache.Get(k); ok {
		return clone(v.([]float32)), nil
	}
	vec, err := e.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(k, clone(vec), 1)
	return vec, nil
}

// Dimensions returns the wrapped embedder's vector size.
func (e *Embedder) Dimensions() int {
	return e.next.Dimensions()
}

// Wait blocks until pending cache writes are visible.
func (e *Embedder) Wait() {
	e.cache.Wait()
}

// Close stops the cache's background goroutines.
func (e *Embedder) Close() {
	e.cache.Close()
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
