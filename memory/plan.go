package memory

import "fmt"

// Event is a reconciliation decision for a single memory.
type Event string

const (
	EventAdd    Event = "ADD"
	EventUpdate Event = "UPDATE"
	EventDelete Event = "DELETE"
	EventNone   Event = "NONE"
)

// Events lists every decision in the order the prompt presents them.
var Events = []Event{EventAdd, EventUpdate, EventDelete, EventNone}

// Valid reports whether e is one of the four known events.
func (e Event) Valid() bool {
	switch e {
	case EventAdd, EventUpdate, EventDelete, EventNone:
		return true
	}
	return false
}

// FactsResult is the output of fact extraction.
type FactsResult struct {
	Facts []string `json:"facts"`
}

// ReconciliationItem is one decision of a reconciliation plan.
type ReconciliationItem struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Event     Event  `json:"event"`
	OldMemory string `json:"old_memory,omitempty"`
}

// Plan is the ordered list of decisions produced by the reconciler.
type Plan struct {
	Items []ReconciliationItem `json:"memory"`
}

// Mutating reports whether any item would change the store.
func (p Plan) Mutating() bool {
	for _, it := range p.Items {
		if it.Event != EventNone {
			return true
		}
	}
	return false
}

// OperationResult is the outcome of one plan item after persistence.
type OperationResult struct {
	MemoryID  string `json:"memoryId"`
	Operation Event  `json:"operation"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// MutationKind selects how a Mutation touches a document.
type MutationKind int

const (
	// MutationPut writes a whole document and adds it to the membership set.
	MutationPut MutationKind = iota
	// MutationPatch rewrites text, embedding and updatedAt of a document.
	MutationPatch
	// MutationRemove deletes a document and removes it from the membership set.
	MutationRemove
)

func (k MutationKind) String() string {
	switch k {
	case MutationPut:
		return "put"
	case MutationPatch:
		return "patch"
	case MutationRemove:
		return "remove"
	}
	return fmt.Sprintf("MutationKind(%d)", int(k))
}

// Mutation is one write inside a Batch. Remove only reads Memory.ID.
type Mutation struct {
	Kind   MutationKind
	Memory Memory
}

// Batch is an ordered set of mutations committed as one transaction.
type Batch struct {
	Mutations []Mutation
}

func (b *Batch) Put(m Memory)     { b.Mutations = append(b.Mutations, Mutation{Kind: MutationPut, Memory: m}) }
func (b *Batch) Patch(m Memory)   { b.Mutations = append(b.Mutations, Mutation{Kind: MutationPatch, Memory: m}) }
func (b *Batch) Remove(id string) { b.Mutations = append(b.Mutations, Mutation{Kind: MutationRemove, Memory: Memory{ID: id}}) }

// Len returns the number of mutations.
func (b Batch) Len() int { return len(b.Mutations) }

// WithoutPatches returns a copy of b with the patches of ids removed.
func (b Batch) WithoutPatches(ids []string) Batch {
	skip := make(map[string]bool, len(ids))
	for _, id := range ids {
		skip[id] = true
	}
	var out Batch
	for _, mut := range b.Mutations {
		if mut.Kind == MutationPatch && skip[mut.Memory.ID] {
			continue
		}
		out.Mutations = append(out.Mutations, mut)
	}
	return out
}
