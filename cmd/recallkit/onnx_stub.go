//go:build !onnx

package main

import (
	"errors"
	"log/slog"

	"github.com/EAbdou1/recallkit/config"
	"github.com/EAbdou1/recallkit/memory"
)

func newONNXEmbedder(config.Embedding, *slog.Logger) (memory.Embedder, func() error, error) {
	return nil, nil, errors.New("onnx embeddings need a binary built with -tags onnx")
}
