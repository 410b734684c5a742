// Package openai embeds text with the OpenAI embeddings API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"
)

const (
	// DefaultModel is the embedding model memories are indexed with.
	DefaultModel = string(goopenai.SmallEmbedding3)

	// DefaultDimensions is the vector size of DefaultModel.
	DefaultDimensions = 1536
)

// Config configures the embedder.
type Config struct {
	APIKey string

	// BaseURL points at an OpenAI-compatible endpoint. Empty uses api.openai.com.
	BaseURL string

	// Model defaults to text-embedding-3-small.
	Model string

	// Dimensions requests shortened vectors from text-embedding-3 models.
	// Default: 1536
	Dimensions int
}

// Embedder implements memory.Embedder.
type Embedder struct {
	client *goopenai.Client
	model  goopenai.EmbeddingModel
	dims   int
}

// New creates an embedder from config.
func New(cfg Config) (*Embedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: APIKey is required")
	}
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return NewWithClient(goopenai.NewClientWithConfig(clientCfg), cfg.Model, cfg.Dimensions), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goopenai.Client, model string, dims int) *Embedder {
	if model == "" {
		model = DefaultModel
	}
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &Embedder{client: client, model: goopenai.EmbeddingModel(model), dims: dims}
}

// Embed converts a single text to an embedding vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	req := goopenai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	}
	// only text-embedding-3 models accept a dimensions parameter
	if strings.HasPrefix(string(e.model), "text-embedding-3") && e.dims != DefaultDimensions {
		req.Dimensions = e.dims
	}

	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("openai embeddings: empty response")
	}
	vec := resp.Data[0].Embedding
	if len(vec) != e.dims {
		return nil, fmt.Errorf("openai embeddings: got %d dimensions, want %d", len(vec), e.dims)
	}
	return vec, nil
}

// Dimensions returns embedding vector size.
func (e *Embedder) Dimensions() int {
	return e.dims
}
