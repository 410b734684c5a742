// Package jobs runs the memory write path as durable background jobs.
//
// A job is created from a "memory/process" event and moves through three
// steps: 1-extract-facts, 2-reconcile-memories, 3-persist-changes. Each
// step's output is saved before the next step starts, so a retried job
// resumes at the first unfinished step instead of starting over.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/EAbdou1/recallkit/core"
	"github.com/EAbdou1/recallkit/memory"
)

// EventProcessMemory triggers the memory write path.
const EventProcessMemory = "memory/process"

// Step names, in execution order.
const (
	StepExtract   = "1-extract-facts"
	StepReconcile = "2-reconcile-memories"
	StepPersist   = "3-persist-changes"
)

// NoFactsReason is reported when extraction finds nothing to remember.
const NoFactsReason = "No new facts found."

// EventData is the payload of a memory/process event.
type EventData struct {
	Messages  []core.Message `json:"messages"`
	Namespace string         `json:"namespace"`
	UserID    string         `json:"userId"`
}

// Event is an inbound job trigger.
type Event struct {
	Name string    `json:"name"`
	Data EventData `json:"data"`
}

// NewProcessEvent builds a memory/process event.
func NewProcessEvent(scope memory.Scope, messages []core.Message) Event {
	return Event{
		Name: EventProcessMemory,
		Data: EventData{Messages: messages, Namespace: scope.Namespace, UserID: scope.UserID},
	}
}

// Scope returns the (namespace, userId) the event is about.
func (e Event) Scope() memory.Scope {
	return memory.Scope{Namespace: e.Data.Namespace, UserID: e.Data.UserID}
}

// Validate rejects events that can never succeed.
func (e Event) Validate() error {
	if e.Name != EventProcessMemory {
		return fmt.Errorf("%w: unknown event %q", memory.ErrInvalidInput, e.Name)
	}
	if len(e.Data.Messages) == 0 || strings.TrimSpace(e.Data.Namespace) == "" || strings.TrimSpace(e.Data.UserID) == "" {
		return fmt.Errorf("%w: messages, namespace, and userId are required", memory.ErrInvalidInput)
	}
	return nil
}

// State is the position of a job in its lifecycle.
type State string

const (
	StateReceived    State = "received"
	StateExtracting  State = "extracting"
	StateReconciling State = "reconciling"
	StatePersisting  State = "persisting"
	StateComplete    State = "complete"
	StateNoFacts     State = "no_facts"
	StateFailed      State = "failed"
)

// Terminal reports whether no further work will happen for the job.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateNoFacts || s == StateFailed
}

// Record is the persisted state of one job.
type Record struct {
	ID        string                     `json:"id"`
	Event     Event                      `json:"event"`
	State     State                      `json:"state"`
	Attempts  int                        `json:"attempts"`
	Steps     map[string]json.RawMessage `json:"steps,omitempty"`
	Result    *Result                    `json:"result,omitempty"`
	Error     string                     `json:"error,omitempty"`
	CreatedAt time.Time                  `json:"createdAt"`
	UpdatedAt time.Time                  `json:"updatedAt"`
}

// Details carries the per-step data of a completed job.
type Details struct {
	ExtractedFacts     []string                  `json:"extractedFacts"`
	MemoryOperations   int                       `json:"memoryOperations"`
	PersistenceResults memory.PersistenceSummary `json:"persistenceResults"`
	Operations         []memory.OperationResult  `json:"operations,omitempty"`
}

// Result is what a finished job reports.
type Result struct {
	Status            string               `json:"status"`
	Reason            string               `json:"reason,omitempty"`
	FactsProcessed    int                  `json:"factsProcessed"`
	MemoriesChanged   int                  `json:"memoriesChanged"`
	OperationsSummary map[memory.Event]int `json:"operationsSummary,omitempty"`
	Details           *Details             `json:"details,omitempty"`
}

// ErrJobNotFound is returned by Store.Get for an unknown id.
var ErrJobNotFound = errors.New("job not found")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent
// or is invalid input.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.Is(err, memory.ErrInvalidInput)
}

// State returns the terminal state the result corresponds to.
func (r *Result) State() State {
	if r.Reason == NoFactsReason {
		return StateNoFacts
	}
	return StateComplete
}
