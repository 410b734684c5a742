package memory

import (
	"context"
	"time"
)

// Memory is one durable fact about one end-user, scoped to a namespace.
type Memory struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
	Namespace string    `json:"namespace"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Scope returns the (namespace, userId) pair that owns the memory.
func (m Memory) Scope() Scope {
	return Scope{Namespace: m.Namespace, UserID: m.UserID}
}

// Existing is the {id, text} view of a memory handed to the reconciler.
type Existing struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Store is the storage backend for memory documents and membership sets.
// It carries no business logic. Implementations: redisstore.Store.
type Store interface {
	// Members enumerates the ids in the scope's membership set.
	Members(ctx context.Context, scope Scope) ([]string, error)

	// IsMember reports whether id is in the scope's membership set.
	IsMember(ctx context.Context, scope Scope, id string) (bool, error)

	// Get loads one document. Returns ErrNotFound when it does not exist.
	Get(ctx context.Context, scope Scope, id string) (*Memory, error)

	// GetMany loads documents in the order of ids, skipping missing ones.
	GetMany(ctx context.Context, scope Scope, ids []string) ([]Memory, error)

	// Commit applies every mutation of the batch in a single transaction.
	Commit(ctx context.Context, scope Scope, batch Batch) error

	// Count returns the cardinality of the scope's membership set.
	Count(ctx context.Context, scope Scope) (int64, error)

	// Users lists the user ids that have a membership set in namespace.
	Users(ctx context.Context, namespace string) ([]string, error)

	// Scopes lists every (namespace, userId) pair with a membership set.
	Scopes(ctx context.Context) ([]Scope, error)

	// Close releases resources.
	Close() error
}

// Embedder converts text to vector embeddings.
// Implementations: openai (production), onnx (local), cache (decorator), mock (tests).
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}

// RankRequest asks a Ranker for the topK memories closest to Embedding.
type RankRequest struct {
	Scope     Scope
	Embedding []float32
	TopK      int
}

// Match is a ranked memory. Score is cosine similarity, higher is closer.
type Match struct {
	ID    string
	Text  string
	Score float64
}

// Ranker orders a scope's memories by similarity to a query embedding.
// Implementations: FallbackRanker, redisstore.Index, chromem.Index.
type Ranker interface {
	Rank(ctx context.Context, req RankRequest) ([]Match, error)
}

// Index is an approximate-nearest-neighbour index over memory documents.
type Index interface {
	Ranker

	// Ensure creates the index if it does not exist. It is idempotent.
	Ensure(ctx context.Context) error

	// Recreate drops and rebuilds the index definition.
	Recreate(ctx context.Context) error
}

// IndexSyncer is implemented by indexes that are not maintained by the store
// itself and must be told about committed batches.
type IndexSyncer interface {
	Sync(ctx context.Context, scope Scope, batch Batch) error
}
