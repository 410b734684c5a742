package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/EAbdou1/recallkit/llm"
)

// Reconciler decides how new facts change a user's existing memories.
//
// Existing memories are shown to the model under positional aliases ("0",
// "1", ...) rather than their real ids. Every UPDATE, DELETE and NONE in the
// returned plan therefore names a memory from the snapshot, and every ADD
// carries an id minted here.
type Reconciler struct {
	completer   llm.Completer
	attempts    int
	temperature float64
	strict      bool
	newID       func() string
	logger      *slog.Logger
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithReconcilerAttempts sets the schema-retry budget.
func WithReconcilerAttempts(n int) ReconcilerOption {
	return func(r *Reconciler) { r.attempts = n }
}

// WithReconcilerTemperature overrides the sampling temperature.
func WithReconcilerTemperature(t float64) ReconcilerOption {
	return func(r *Reconciler) { r.temperature = t }
}

// WithStrictIDs makes unknown or repeated ids a ReconciliationError instead
// of being repaired.
func WithStrictIDs(strict bool) ReconcilerOption {
	return func(r *Reconciler) { r.strict = strict }
}

// WithIDGenerator replaces uuid.NewString for minted ADD ids.
func WithIDGenerator(gen func() string) ReconcilerOption {
	return func(r *Reconciler) { r.newID = gen }
}

// WithReconcilerLogger sets the logger.
func WithReconcilerLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = l }
}

// NewReconciler creates a reconciler backed by completer.
func NewReconciler(completer llm.Completer, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		completer:   completer,
		attempts:    DefaultAttempts,
		temperature: llm.DefaultTemperature,
		newID:       uuid.NewString,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "reconciler")
	return r
}

type planPayload struct {
	Memory []struct {
		ID        string `json:"id"`
		Text      string `json:"text"`
		Event     Event  `json:"event"`
		OldMemory string `json:"old_memory"`
	} `json:"memory"`
}

func validatePlanPayload(p planPayload) error {
	if p.Memory == nil {
		return fmt.Errorf("memory: missing array")
	}
	for i, it := range p.Memory {
		if !it.Event.Valid() {
			return fmt.Errorf("memory[%d]: unknown event %q", i, it.Event)
		}
	}
	return nil
}

// Reconcile produces a plan for facts against the existing snapshot.
// With no facts it returns an empty plan without calling the model.
func (r *Reconciler) Reconcile(ctx context.Context, scope Scope, facts []string, existing []Existing) (Plan, error) {
	if len(facts) == 0 {
		return Plan{Items: []ReconciliationItem{}}, nil
	}

	aliased := make([]Existing, len(existing))
	byAlias := make(map[string]Existing, len(existing))
	byID := make(map[string]Existing, len(existing))
	for i, m := range existing {
		alias := strconv.Itoa(i)
		aliased[i] = Existing{ID: alias, Text: m.Text}
		byAlias[alias] = m
		byID[m.ID] = m
	}

	prompt, err := ReconciliationPrompt(aliased, facts)
	if err != nil {
		return Plan{}, &ReconciliationError{Reason: "render prompt", Err: err}
	}

	r.logger.Info("reconciling facts", "scope", scope.String(), "facts", len(facts), "existing", len(existing))

	payload, err := llm.Decode(ctx, r.completer, llm.Request{
		Prompt:      prompt,
		Schema:      PlanSchema,
		Temperature: r.temperature,
	}, r.attempts, validatePlanPayload)
	if err != nil {
		return Plan{}, &ReconciliationError{Err: err}
	}

	resolve := func(id string) (Existing, bool) {
		id = strings.TrimSpace(id)
		if m, ok := byAlias[id]; ok {
			return m, true
		}
		m, ok := byID[id]
		return m, ok
	}

	items := make([]ReconciliationItem, 0, len(payload.Memory))
	decided := make(map[string]struct{}, len(payload.Memory))

	for i, raw := range payload.Memory {
		text := strings.TrimSpace(raw.Text)
		if (raw.Event == EventAdd || raw.Event == EventUpdate) && text == "" {
			return Plan{}, &ReconciliationError{Reason: fmt.Sprintf("memory[%d]: %s with empty text", i, raw.Event)}
		}

		if raw.Event == EventAdd {
			items = append(items, ReconciliationItem{ID: r.newID(), Text: text, Event: EventAdd})
			continue
		}

		target, ok := resolve(raw.ID)
		if !ok {
			if r.strict {
				return Plan{}, &ReconciliationError{Reason: fmt.Sprintf("memory[%d]: %s references unknown id %q", i, raw.Event, raw.ID)}
			}
			if raw.Event == EventUpdate {
				r.logger.Warn("update references unknown id, adding instead", "scope", scope.String(), "id", raw.ID)
				items = append(items, ReconciliationItem{ID: r.newID(), Text: text, Event: EventAdd})
			} else {
				r.logger.Warn("dropping decision for unknown id", "scope", scope.String(), "event", raw.Event, "id", raw.ID)
			}
			continue
		}

		if _, dup := decided[target.ID]; dup {
			if r.strict {
				return Plan{}, &ReconciliationError{Reason: fmt.Sprintf("memory[%d]: second decision for id %q", i, target.ID)}
			}
			r.logger.Warn("dropping repeated decision", "scope", scope.String(), "event", raw.Event, "id", target.ID)
			continue
		}
		decided[target.ID] = struct{}{}

		item := ReconciliationItem{ID: target.ID, Event: raw.Event, Text: text}
		switch raw.Event {
		case EventUpdate:
			item.OldMemory = strings.TrimSpace(raw.OldMemory)
			if item.OldMemory == "" {
				item.OldMemory = target.Text
			}
		case EventDelete, EventNone:
			if item.Text == "" {
				item.Text = target.Text
			}
		}
		items = append(items, item)
	}

	plan := Plan{Items: items}
	r.logger.Info("reconciled facts", "scope", scope.String(), "decisions", len(items), "mutating", plan.Mutating())
	return plan, nil
}
