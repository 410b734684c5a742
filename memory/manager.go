package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EAbdou1/recallkit/core"
)

// Enqueuer hands a conversation to the background memory-processing job.
// jobs.Dispatcher implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, scope Scope, messages []core.Message) (string, error)
}

// RecallManager is the request-facing side of the memory system.
// It answers recall requests synchronously and schedules the write path.
//
// Features:
//   - Fire-and-forget processing of every conversation it sees
//   - Top-K retrieval with index fallback
//   - Prompt-ready formatting of recalled memories
//   - Listing and counting for operator endpoints
type RecallManager struct {
	store     Store
	retriever *Retriever
	index     Index
	enqueuer  Enqueuer
	config    *Config
	logger    *slog.Logger
}

// NewRecallManager creates a RecallManager. index and enqueuer may be nil.
func NewRecallManager(store Store, retriever *Retriever, index Index, enqueuer Enqueuer, config *Config, logger *slog.Logger) *RecallManager {
	if config == nil {
		config = DefaultConfig
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecallManager{
		store:     store,
		retriever: retriever,
		index:     index,
		enqueuer:  enqueuer,
		config:    config,
		logger:    logger.With("component", "recall"),
	}
}

// Recall schedules the conversation for memory processing and returns the
// memories relevant to its final message. Faults in scheduling or retrieval
// are logged and yield an empty context rather than an error.
func (m *RecallManager) Recall(ctx context.Context, scope Scope, messages []core.Message) (string, error) {
	if err := scope.Validate(); err != nil {
		return "", err
	}
	if len(messages) == 0 {
		return "", fmt.Errorf("%w: messages must not be empty", ErrInvalidInput)
	}

	if m.enqueuer != nil {
		// retrieval below keeps ctx; a slow scheduler only spends its own budget
		enqCtx, cancel := context.WithTimeout(ctx, m.enqueueTimeout())
		id, err := m.enqueuer.Enqueue(enqCtx, scope, messages)
		cancel()
		if err != nil {
			m.logger.Error("failed to schedule memory processing", "scope", scope.String(), "error", err)
		} else {
			m.logger.Debug("scheduled memory processing", "scope", scope.String(), "job", id)
		}
	}

	memories := m.retriever.Retrieve(ctx, Query{
		Scope:         scope,
		Text:          core.LastContent(messages),
		TopK:          m.config.TopK,
		ForceFallback: m.config.ForceFallback,
	})
	return FormatMemories(memories), nil
}

// FormatMemories renders memories as a bulleted block for a system prompt.
func FormatMemories(memories []string) string {
	if len(memories) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("From recall memories:")
	for _, mem := range memories {
		b.WriteString("\n- ")
		b.WriteString(mem)
	}
	return b.String()
}

// Users lists the users with memories in namespace.
func (m *RecallManager) Users(ctx context.Context, namespace string) ([]string, error) {
	return m.store.Users(ctx, namespace)
}

// List returns a user's memories without their embeddings.
func (m *RecallManager) List(ctx context.Context, scope Scope) ([]Memory, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	docs, err := Load(ctx, m.store, scope)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		docs[i].Embedding = nil
	}
	return docs, nil
}

// Count returns the number of memories a user has.
func (m *RecallManager) Count(ctx context.Context, scope Scope) (int64, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}
	return m.store.Count(ctx, scope)
}

// RecreateIndex drops and rebuilds the vector index definition.
func (m *RecallManager) RecreateIndex(ctx context.Context) error {
	if m.index == nil {
		return ErrNoIndex
	}
	m.logger.Info("recreating vector index")
	return m.index.Recreate(ctx)
}

// Config holds RecallManager configuration.
type Config struct {
	// TopK is how many memories a recall returns.
	// Default: 2
	TopK int

	// ForceFallback ranks with exhaustive cosine similarity even when an
	// index is available.
	// Default: true
	ForceFallback bool

	// EnqueueTimeout bounds how long a recall waits to schedule processing.
	// Default: 500ms
	EnqueueTimeout time.Duration
}

// DefaultEnqueueTimeout is used when Config.EnqueueTimeout is unset.
const DefaultEnqueueTimeout = 500 * time.Millisecond

// DefaultConfig mirrors the recall endpoint's behaviour.
var DefaultConfig = &Config{
	TopK:           2,
	ForceFallback:  true,
	EnqueueTimeout: DefaultEnqueueTimeout,
}

func (m *RecallManager) enqueueTimeout() time.Duration {
	if m.config.EnqueueTimeout > 0 {
		return m.config.EnqueueTimeout
	}
	return DefaultEnqueueTimeout
}

func truncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
