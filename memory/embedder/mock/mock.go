// Package mock provides a deterministic, offline Embedder for tests and local runs.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
)

// DefaultDimensions matches text-embedding-3-small.
const DefaultDimensions = 1536

// Embedder derives a unit vector from a hash of the text. Specific texts can
// be pinned to fixed vectors, or made to fail, to script similarity in tests.
type Embedder struct {
	dimensions int

	mu     sync.Mutex
	pinned map[string][]float32
	fail   map[string]error
	calls  int
}

// New creates a mock embedder. dims <= 0 selects DefaultDimensions.
func New(dims int) *Embedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &Embedder{
		dimensions: dims,
		pinned:     make(map[string][]float32),
		fail:       make(map[string]error),
	}
}

// Pin makes Embed return vec for text. vec is used as given, so it may have
// a different length than Dimensions.
func (m *Embedder) Pin(text string, vec []float32) *Embedder {
	m.mu.Lock()
	m.pinned[text] = vec
	m.mu.Unlock()
	return m
}

// Fail makes Embed return err for text.
func (m *Embedder) Fail(text string, err error) *Embedder {
	m.mu.Lock()
	m.fail[text] = err
	m.mu.Unlock()
	return m
}

// Calls returns how many times Embed was invoked.
func (m *Embedder) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Embed returns the pinned vector for text, or a hash-derived unit vector.
func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.calls++
	err, failing := m.fail[text]
	vec, pinned := m.pinned[text]
	m.mu.Unlock()

	if failing {
		return nil, err
	}
	if pinned {
		out := make([]float32, len(vec))
		copy(out, vec)
		return out, nil
	}
	return hashVector(text, m.dimensions), nil
}

// Dimensions returns the embedding size.
func (m *Embedder) Dimensions() int {
	return m.dimensions
}

// Axis returns a unit vector of length dims pointing along axis i, blended
// with axis j by weight w in [0,1]. Handy for building known similarities.
func Axis(dims, i, j int, w float32) []float32 {
	v := make([]float32, dims)
	v[i] += 1 - w
	v[j] += w
	return normalize(v)
}

func hashVector(text string, dims int) []float32 {
	h := fnv.New64a()
	h.Write([]byte(strings.TrimSpace(text)))
	seed := h.Sum64()

	embedding := make([]float32, dims)
	for i := 0; i < dims; i++ {
		// LCG step, mapped to [-1, 1]
		seed = seed*6364136223846793005 + 1442695040888963407
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(embedding)
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}

	norm = float32(math.Sqrt(float64(norm)))
	normalized := make([]float32, len(vec))
	for i, v := range vec {
		normalized[i] = v / norm
	}
	return normalized
}
