package jobs

import (
	"context"
	"encoding/json"
)

// Store persists job records and step outputs.
type Store interface {
	// Create inserts a new record.
	Create(ctx context.Context, rec *Record) error

	// Get loads a record with its saved steps. Returns ErrJobNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// SaveStep durably records the output of a finished step.
	SaveStep(ctx context.Context, id, step string, output json.RawMessage) error

	// SetState records progress and the attempt counter.
	SetState(ctx context.Context, id string, state State, attempts int) error

	// Finish records a terminal state with its result or error.
	Finish(ctx context.Context, id string, state State, result *Result, errMsg string) error

	// Pending lists records that have not reached a terminal state, oldest first.
	Pending(ctx context.Context) ([]*Record, error)

	Close() error
}
