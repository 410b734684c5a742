// Package llm abstracts the structured-completion providers used to extract
// facts and reconcile memories.
//
// Providers are asked for a single JSON object matching a Schema. Callers parse
// the object at the boundary with Decode, so nothing partially trusted flows
// deeper into the pipeline.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultTemperature keeps extraction and reconciliation output stable.
const DefaultTemperature = 0.1

// Request is a single structured completion request.
type Request struct {
	System      string
	Prompt      string
	Schema      Schema
	Temperature float64
	MaxTokens   int
}

// Completer produces a JSON object for a request.
// Implementations: Anthropic (forced tool use), OpenAI (json_schema response format).
type Completer interface {
	Complete(ctx context.Context, req Request) (json.RawMessage, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, req Request) (json.RawMessage, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// SchemaError reports a completion that never produced a valid object.
type SchemaError struct {
	Schema   string
	Attempts int
	Err      error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("llm: %s output invalid after %d attempt(s): %v", e.Schema, e.Attempts, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// ErrEmptyCompletion is returned by providers that answered without a structured object.
var ErrEmptyCompletion = errors.New("llm: completion contained no structured output")

// Decode requests a completion and parses it strictly into T, re-asking up to
// attempts times when the output does not parse or fails validate.
// Provider errors are returned immediately; SDK clients retry transport failures themselves.
func Decode[T any](ctx context.Context, c Completer, req Request, attempts int, validate func(T) error) (T, error) {
	var zero T
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		raw, err := c.Complete(ctx, req)
		if err != nil && !errors.Is(err, ErrEmptyCompletion) {
			return zero, fmt.Errorf("complete %s: %w", req.Schema.Name, err)
		}
		if err != nil {
			lastErr = err
			continue
		}

		var out T
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&out); err != nil {
			lastErr = fmt.Errorf("decode: %w", err)
			continue
		}
		if validate != nil {
			if err := validate(out); err != nil {
				lastErr = err
				continue
			}
		}
		return out, nil
	}

	return zero, &SchemaError{Schema: req.Schema.Name, Attempts: attempts, Err: lastErr}
}
