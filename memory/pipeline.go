package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultEmbedConcurrency bounds concurrent embedding calls per batch.
const DefaultEmbedConcurrency = 4

// Pipeline applies a reconciliation plan to the store as one transaction.
type Pipeline struct {
	store       Store
	embedder    Embedder
	syncer      IndexSyncer
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithIndexSync registers an index that must see every committed batch.
func WithIndexSync(s IndexSyncer) PipelineOption {
	return func(p *Pipeline) { p.syncer = s }
}

// WithEmbedConcurrency bounds concurrent embedding requests.
func WithEmbedConcurrency(n int) PipelineOption {
	return func(p *Pipeline) { p.concurrency = n }
}

// WithPipelineClock sets the clock used for createdAt/updatedAt.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates a persistence pipeline.
func NewPipeline(store Store, embedder Embedder, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:       store,
		embedder:    embedder,
		concurrency: DefaultEmbedConcurrency,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency <= 0 {
		p.concurrency = 1
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "pipeline")
	return p
}

// Persist embeds and commits items. Per-item failures (embedding errors,
// UPDATE of a non-member) are reported in the results and leave the rest of
// the batch intact. A commit failure returns a *TransactionError and no results.
func (p *Pipeline) Persist(ctx context.Context, scope Scope, items []ReconciliationItem) ([]OperationResult, error) {
	if len(items) == 0 {
		return []OperationResult{}, nil
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(items))
	itemErrs := make([]error, len(items))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, it := range items {
		if it.Event != EventAdd && it.Event != EventUpdate {
			continue
		}
		g.Go(func() error {
			if it.Event == EventUpdate {
				ok, err := p.store.IsMember(ctx, scope, it.ID)
				if err != nil {
					itemErrs[i] = fmt.Errorf("check membership: %w", err)
					return nil
				}
				if !ok {
					itemErrs[i] = ErrUpdateTargetMissing
					return nil
				}
			}
			vec, err := p.embed(ctx, it.Text)
			if err != nil {
				itemErrs[i] = err
				return nil
			}
			vectors[i] = vec
			return nil
		})
	}
	// workers record per-item errors, they never fail the group
	_ = g.Wait()

	now := p.now().UTC()
	results := make([]OperationResult, len(items))
	var batch Batch

	for i, it := range items {
		results[i] = OperationResult{MemoryID: it.ID, Operation: it.Event}
		if err := itemErrs[i]; err != nil {
			results[i].Error = err.Error()
			p.logger.Warn("memory operation failed", "scope", scope.String(), "id", it.ID, "event", it.Event, "error", err)
			continue
		}

		switch it.Event {
		case EventAdd:
			batch.Put(Memory{
				ID:        it.ID,
				Text:      it.Text,
				Embedding: vectors[i],
				Namespace: scope.Namespace,
				UserID:    scope.UserID,
				CreatedAt: now,
				UpdatedAt: now,
			})
		case EventUpdate:
			batch.Patch(Memory{
				ID:        it.ID,
				Text:      it.Text,
				Embedding: vectors[i],
				Namespace: scope.Namespace,
				UserID:    scope.UserID,
				UpdatedAt: now,
			})
		case EventDelete:
			batch.Remove(it.ID)
		case EventNone:
		default:
			results[i].Error = fmt.Sprintf("unknown event %q", it.Event)
			continue
		}
		results[i].Success = true
	}

	if batch.Len() > 0 {
		err := p.store.Commit(ctx, scope, batch)
		var stale *StaleUpdateError
		if errors.As(err, &stale) {
			// targets deleted since the membership check; commit the rest
			p.markStale(scope, items, results, stale.IDs)
			batch = batch.WithoutPatches(stale.IDs)
			err = nil
			if batch.Len() > 0 {
				err = p.store.Commit(ctx, scope, batch)
			}
		}
		if err != nil {
			return nil, &TransactionError{Scope: scope, Operations: batch.Len(), Err: err}
		}
		if p.syncer != nil && batch.Len() > 0 {
			if err := p.syncer.Sync(ctx, scope, batch); err != nil {
				p.logger.Warn("index sync failed", "scope", scope.String(), "operations", batch.Len(), "error", err)
			}
		}
	}

	s := Summarize(results)
	p.logger.Info("persisted memory operations",
		"scope", scope.String(),
		"total", s.Total,
		"successful", s.Successful,
		"failed", s.Failed,
		"added", s.Operations[EventAdd],
		"updated", s.Operations[EventUpdate],
		"deleted", s.Operations[EventDelete],
	)
	return results, nil
}

func (p *Pipeline) markStale(scope Scope, items []ReconciliationItem, results []OperationResult, ids []string) {
	stale := make(map[string]bool, len(ids))
	for _, id := range ids {
		stale[id] = true
	}
	for i, it := range items {
		if it.Event == EventUpdate && stale[it.ID] && results[i].Success {
			results[i].Success = false
			results[i].Error = ErrUpdateTargetMissing.Error()
			p.logger.Warn("memory operation failed", "scope", scope.String(), "id", it.ID, "event", it.Event, "error", ErrUpdateTargetMissing)
		}
	}
}

func (p *Pipeline) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := p.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if dims := p.embedder.Dimensions(); dims > 0 && len(vec) != dims {
		return nil, fmt.Errorf("embed: %w: got %d, want %d", ErrDimensionMismatch, len(vec), dims)
	}
	return vec, nil
}
