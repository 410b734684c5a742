// Package chromem provides an in-process vector index on chromem-go.
//
// The index keeps one collection per (namespace, userId). It is fed by
// memory.Pipeline through the memory.IndexSyncer hook and can be rebuilt
// from the primary store at any time.
package chromem

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/EAbdou1/recallkit/memory"
)

const (
	metaNamespace = "namespace"
	metaUserID    = "userId"
)

// Options configures an Index.
type Options struct {
	// Path persists collections to disk when set. Empty keeps everything in memory.
	Path string

	// Compress gzips persisted documents.
	Compress bool

	// Source is the store Recreate rebuilds from. Optional.
	Source memory.Store

	Logger *slog.Logger
}

// Index implements memory.Index and memory.IndexSyncer.
type Index struct {
	db          *chromem.DB
	source      memory.Store
	collections map[memory.Scope]*chromem.Collection
	mu          sync.RWMutex
	logger      *slog.Logger
}

var (
	_ memory.Index       = (*Index)(nil)
	_ memory.IndexSyncer = (*Index)(nil)
)

// New creates an index.
func New(opts Options) (*Index, error) {
	var db *chromem.DB
	if opts.Path != "" {
		var err error
		db, err = chromem.NewPersistentDB(opts.Path, opts.Compress)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Index{
		db:          db,
		source:      opts.Source,
		collections: make(map[memory.Scope]*chromem.Collection),
		logger:      opts.Logger.With("component", "chromem"),
	}, nil
}

func collectionName(scope memory.Scope) string {
	return scope.Prefix()
}

// collection returns the collection for scope, creating it when create is set.
func (ix *Index) collection(scope memory.Scope, create bool) (*chromem.Collection, error) {
	ix.mu.RLock()
	col, exists := ix.collections[scope]
	ix.mu.RUnlock()
	if exists {
		return col, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	// Double-check after acquiring write lock
	if col, exists := ix.collections[scope]; exists {
		return col, nil
	}

	// persisted collections survive restarts
	if col := ix.db.GetCollection(collectionName(scope), nil); col != nil {
		ix.collections[scope] = col
		return col, nil
	}
	if !create {
		return nil, nil
	}

	col, err := ix.db.CreateCollection(collectionName(scope), map[string]string{
		metaNamespace: scope.Namespace,
		metaUserID:    scope.UserID,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	ix.collections[scope] = col
	return col, nil
}

// Ensure implements memory.Index. Collections are created lazily.
func (ix *Index) Ensure(ctx context.Context) error {
	return nil
}

// Recreate drops every collection and, when a source store is configured,
// rebuilds them from it.
func (ix *Index) Recreate(ctx context.Context) error {
	ix.mu.Lock()
	err := ix.db.Reset()
	ix.collections = make(map[memory.Scope]*chromem.Collection)
	ix.mu.Unlock()
	if err != nil {
		return fmt.Errorf("reset chromem db: %w", err)
	}
	ix.logger.Info("dropped all collections")

	if ix.source == nil {
		return nil
	}
	n, err := memory.Backfill(ctx, ix.source, ix, ix.logger)
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	ix.logger.Info("rebuilt index", "memories", n)
	return nil
}

// Sync implements memory.IndexSyncer.
func (ix *Index) Sync(ctx context.Context, scope memory.Scope, batch memory.Batch) error {
	col, err := ix.collection(scope, true)
	if err != nil {
		return err
	}

	for _, mut := range batch.Mutations {
		m := mut.Memory
		switch mut.Kind {
		case memory.MutationPut, memory.MutationPatch:
			if len(m.Embedding) == 0 {
				ix.logger.Warn("skipping memory without embedding", "scope", scope.String(), "id", m.ID)
				continue
			}
			err = col.AddDocument(ctx, chromem.Document{
				ID:        m.ID,
				Content:   m.Text,
				Embedding: m.Embedding,
				Metadata: map[string]string{
					metaNamespace: scope.Namespace,
					metaUserID:    scope.UserID,
				},
			})
		case memory.MutationRemove:
			err = col.Delete(ctx, nil, nil, m.ID)
		}
		if err != nil {
			return fmt.Errorf("sync %s %s: %w", mut.Kind, m.ID, err)
		}
	}
	return nil
}

// Rank implements memory.Ranker.
func (ix *Index) Rank(ctx context.Context, req memory.RankRequest) ([]memory.Match, error) {
	col, err := ix.collection(req.Scope, false)
	if err != nil {
		return nil, err
	}
	if col == nil {
		return []memory.Match{}, nil
	}

	// chromem-go requires nResults <= collection size
	n := req.TopK
	if n <= 0 {
		n = memory.DefaultTopK
	}
	if count := col.Count(); n > count {
		n = count
	}
	if n == 0 {
		return []memory.Match{}, nil
	}

	results, err := col.QueryEmbedding(ctx, req.Embedding, n, nil, nil)
	if err != nil {
		if isInsufficientDocsError(err) {
			// a concurrent delete shrank the collection
			return []memory.Match{}, nil
		}
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	matches := make([]memory.Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, memory.Match{ID: r.ID, Text: r.Content, Score: float64(r.Similarity)})
	}
	return matches, nil
}

func isInsufficientDocsError(err error) bool {
	return strings.Contains(err.Error(), "nResults must be")
}
