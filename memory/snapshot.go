package memory

import (
	"context"
	"log/slog"
)

// Load reads every document in the scope's membership set.
func Load(ctx context.Context, store Store, scope Scope) ([]Memory, error) {
	ids, err := store.Members(ctx, scope)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Memory{}, nil
	}
	return store.GetMany(ctx, scope, ids)
}

// Snapshot returns the {id, text} view of a scope used for reconciliation.
func Snapshot(ctx context.Context, store Store, scope Scope) ([]Existing, error) {
	docs, err := Load(ctx, store, scope)
	if err != nil {
		return nil, err
	}
	existing := make([]Existing, 0, len(docs))
	for _, d := range docs {
		existing = append(existing, Existing{ID: d.ID, Text: d.Text})
	}
	return existing, nil
}

// Backfill replays every stored memory into syncer, one batch per scope.
// It returns the number of memories synced.
func Backfill(ctx context.Context, store Store, syncer IndexSyncer, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	scopes, err := store.Scopes(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, scope := range scopes {
		docs, err := Load(ctx, store, scope)
		if err != nil {
			return total, err
		}
		var batch Batch
		for _, d := range docs {
			if len(d.Embedding) == 0 {
				continue
			}
			batch.Put(d)
		}
		if batch.Len() == 0 {
			continue
		}
		if err := syncer.Sync(ctx, scope, batch); err != nil {
			return total, err
		}
		total += batch.Len()
		logger.Info("backfilled scope", "component", "backfill", "scope", scope.String(), "memories", batch.Len())
	}
	return total, nil
}
