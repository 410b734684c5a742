// Package llmtest provides a scripted llm.Completer for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/EAbdou1/recallkit/llm"
)

// ErrExhausted is returned once every scripted response has been consumed.
var ErrExhausted = errors.New("llmtest: no scripted response left")

type reply struct {
	raw string
	err error
}

// Scripted replays queued responses in order and records every request.
type Scripted struct {
	mu       sync.Mutex
	replies  []reply
	requests []llm.Request
}

// New creates a Scripted completer that answers with the given JSON documents.
func New(responses ...string) *Scripted {
	s := &Scripted{}
	for _, r := range responses {
		s.Push(r)
	}
	return s
}

// Push queues a JSON response.
func (s *Scripted) Push(raw string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, reply{raw: raw})
	return s
}

// PushError queues a provider failure.
func (s *Scripted) PushError(err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, reply{err: err})
	return s
}

// Complete implements llm.Completer.
func (s *Scripted) Complete(ctx context.Context, req llm.Request) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.replies) == 0 {
		return nil, ErrExhausted
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	if r.err != nil {
		return nil, r.err
	}
	return json.RawMessage(r.raw), nil
}

// Requests returns a copy of the recorded requests.
func (s *Scripted) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Calls returns how many completions were requested.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Remaining returns how many scripted responses are still queued.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replies)
}
