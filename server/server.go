// Package server exposes recall over HTTP and gRPC.
//
// Both surfaces authenticate a bearer API key, resolve it to a namespace
// and delegate to a memory.RecallManager. The end user being served is
// named by userId in each request.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/EAbdou1/recallkit/auth"
	"github.com/EAbdou1/recallkit/core"
	"github.com/EAbdou1/recallkit/memory"
)

// Authenticator resolves an API key. auth.Authenticator implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (auth.Identity, error)
}

// RecallRequest is the body of a recall call.
type RecallRequest struct {
	UserID   string         `json:"userId"`
	Messages []core.Message `json:"messages"`
}

// RecallResponse is returned by a successful recall call.
type RecallResponse struct {
	Memories  string `json:"memories"`
	Success   bool   `json:"success"`
	Namespace string `json:"namespace"`
	UserID    string `json:"userId"`
}

// StatusResponse reports a user's memory count or an index rebuild.
type StatusResponse struct {
	Success     bool   `json:"success"`
	Namespace   string `json:"namespace"`
	UserID      string `json:"userId"`
	MemoryCount *int64 `json:"memoryCount,omitempty"`
	Message     string `json:"message"`
}

// MemoryView is a memory as listed to operators.
type MemoryView struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// ValidationError lists the fields of a rejected request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for k, v := range e.Fields {
		parts = append(parts, k+": "+v)
	}
	return "invalid request body: " + strings.Join(parts, "; ")
}

// DecodeRecall parses and validates a recall body.
func DecodeRecall(body []byte) (RecallRequest, error) {
	var req RecallRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return req, &ValidationError{Fields: map[string]string{"body": err.Error()}}
	}
	return req, req.Validate()
}

// Validate checks the request shape.
func (r RecallRequest) Validate() error {
	fields := make(map[string]string)
	if strings.TrimSpace(r.UserID) == "" {
		fields["userId"] = "required"
	}
	if len(r.Messages) == 0 {
		fields["messages"] = "messages array must contain at least one message."
	}
	for i, m := range r.Messages {
		if !m.Role.Valid() {
			fields[fmt.Sprintf("messages[%d].role", i)] = fmt.Sprintf("invalid role %q", m.Role)
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// BearerToken extracts the key from an "Authorization: Bearer <key>" value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	key := strings.TrimSpace(header[len(prefix):])
	return key, key != ""
}

// authenticate resolves header to an identity, treating a missing key as
// unauthorized.
func authenticate(ctx context.Context, authn Authenticator, header string) (auth.Identity, error) {
	key, ok := BearerToken(header)
	if !ok {
		return auth.Identity{}, auth.ErrUnauthorized
	}
	return authn.Authenticate(ctx, key)
}

func isConsistency(err error) bool {
	var ce *auth.ConsistencyError
	return errors.As(err, &ce)
}

func toViews(docs []memory.Memory) []MemoryView {
	out := make([]MemoryView, len(docs))
	for i, d := range docs {
		out[i] = MemoryView{ID: d.ID, Text: d.Text, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt}
	}
	return out
}
