package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks malformed input that will not self-correct on retry.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned by Store.Get for a missing document.
	ErrNotFound = errors.New("memory not found")

	// ErrUpdateTargetMissing is recorded for an UPDATE whose id is not a member.
	ErrUpdateTargetMissing = errors.New("Memory not found for update")

	// ErrDimensionMismatch is returned when two vectors differ in length.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrNoIndex is returned by index operations when no ANN index is configured.
	ErrNoIndex = errors.New("no vector index configured")
)

// ExtractionError reports a fact extraction that produced no valid result.
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract facts: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ReconciliationError reports an invalid reconciliation completion or plan.
type ReconciliationError struct {
	Reason string
	Err    error
}

func (e *ReconciliationError) Error() string {
	if e.Err == nil {
		return "reconcile memories: " + e.Reason
	}
	if e.Reason == "" {
		return fmt.Sprintf("reconcile memories: %v", e.Err)
	}
	return fmt.Sprintf("reconcile memories: %s: %v", e.Reason, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// TransactionError reports a failed batch commit. Whether any part of the
// batch became visible is unknown, so the caller must retry the whole step.
type TransactionError struct {
	Scope      Scope
	Operations int
	Err        error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("commit %d memory operations for %s: %v", e.Operations, e.Scope, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// RetrievalError reports a failed retrieval stage (embed, index, fallback).
type RetrievalError struct {
	Stage string
	Err   error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieve memories (%s): %v", e.Stage, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// StaleUpdateError is returned by Store.Commit when UPDATE targets left the
// membership set between the pipeline's check and the commit. Nothing of the
// batch was applied.
type StaleUpdateError struct {
	IDs []string
}

func (e *StaleUpdateError) Error() string {
	return fmt.Sprintf("update targets no longer members: %v", e.IDs)
}

func (e *StaleUpdateError) Is(target error) bool { return target == ErrUpdateTargetMissing }
