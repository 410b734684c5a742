package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/EAbdou1/recallkit/core"
	"github.com/EAbdou1/recallkit/memory"
)

// Extractor is the fact-extraction step. memory.FactExtractor implements it.
type Extractor interface {
	Extract(ctx context.Context, scope memory.Scope, messages []core.Message) (memory.FactsResult, error)
}

// Reconciler is the reconciliation step. memory.Reconciler implements it.
type Reconciler interface {
	Reconcile(ctx context.Context, scope memory.Scope, facts []string, existing []memory.Existing) (memory.Plan, error)
}

// Persister is the persistence step. memory.Pipeline implements it.
type Persister interface {
	Persist(ctx context.Context, scope memory.Scope, items []memory.ReconciliationItem) ([]memory.OperationResult, error)
}

// Processor executes one attempt of a job.
type Processor struct {
	extractor  Extractor
	reconciler Reconciler
	persister  Persister
	memories   memory.Store
	jobs       Store
	logger     *slog.Logger
}

// NewProcessor wires the three steps. memories supplies the reconciliation snapshot.
func NewProcessor(extractor Extractor, reconciler Reconciler, persister Persister, memories memory.Store, jobs Store, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		extractor:  extractor,
		reconciler: reconciler,
		persister:  persister,
		memories:   memories,
		jobs:       jobs,
		logger:     logger.With("component", "processor"),
	}
}

// Run executes the job's steps, skipping those whose output rec already
// holds. Invalid input yields a Permanent error before any step runs.
func (p *Processor) Run(ctx context.Context, rec *Record) (*Result, error) {
	if err := rec.Event.Validate(); err != nil {
		return nil, Permanent(err)
	}
	scope := rec.Event.Scope()
	log := p.logger.With("job", rec.ID, "scope", scope.String())

	facts, err := runStep(ctx, p, rec, StepExtract, StateExtracting, func() (memory.FactsResult, error) {
		return p.extractor.Extract(ctx, scope, rec.Event.Data.Messages)
	})
	if err != nil {
		return nil, err
	}

	if len(facts.Facts) == 0 {
		log.Info("no new facts found in conversation")
		return &Result{Status: string(StateComplete), Reason: NoFactsReason}, nil
	}

	plan, err := runStep(ctx, p, rec, StepReconcile, StateReconciling, func() (memory.Plan, error) {
		existing, err := memory.Snapshot(ctx, p.memories, scope)
		if err != nil {
			return memory.Plan{}, fmt.Errorf("snapshot memories: %w", err)
		}
		return p.reconciler.Reconcile(ctx, scope, facts.Facts, existing)
	})
	if err != nil {
		return nil, err
	}

	results, err := runStep(ctx, p, rec, StepPersist, StatePersisting, func() ([]memory.OperationResult, error) {
		log.Info("persisting memory changes", "operations", len(plan.Items))
		return p.persister.Persist(ctx, scope, plan.Items)
	})
	if err != nil {
		return nil, err
	}

	summary := memory.Summarize(results)
	res := &Result{
		Status:            string(StateComplete),
		FactsProcessed:    len(facts.Facts),
		MemoriesChanged:   memory.ChangedCount(results),
		OperationsSummary: summary.Operations,
		Details: &Details{
			ExtractedFacts:     facts.Facts,
			MemoryOperations:   len(plan.Items),
			PersistenceResults: summary,
			Operations:         results,
		},
	}
	log.Info("memory processing complete", "facts", res.FactsProcessed, "changed", res.MemoriesChanged)
	return res, nil
}

// runStep returns the memoized output of step or runs fn and saves its output.
func runStep[T any](ctx context.Context, p *Processor, rec *Record, step string, state State, fn func() (T, error)) (T, error) {
	var out T
	if raw, ok := rec.Steps[step]; ok {
		if err := json.Unmarshal(raw, &out); err == nil {
			p.logger.Debug("replaying step", "job", rec.ID, "step", step)
			return out, nil
		}
		// unreadable output is recomputed
	}

	rec.State = state
	if err := p.jobs.SetState(ctx, rec.ID, state, rec.Attempts); err != nil {
		return out, err
	}

	out, err := fn()
	if err != nil {
		return out, fmt.Errorf("step %s: %w", step, err)
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return out, fmt.Errorf("encode step %s: %w", step, err)
	}
	if err := p.jobs.SaveStep(ctx, rec.ID, step, raw); err != nil {
		return out, err
	}
	if rec.Steps == nil {
		rec.Steps = make(map[string]json.RawMessage)
	}
	rec.Steps[step] = raw
	return out, nil
}
