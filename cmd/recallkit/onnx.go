//go:build onnx

package main

import (
	"log/slog"

	"github.com/EAbdou1/recallkit/config"
	"github.com/EAbdou1/recallkit/memory"
	"github.com/EAbdou1/recallkit/memory/embedder/onnx"
)

func newONNXEmbedder(cfg config.Embedding, logger *slog.Logger) (memory.Embedder, func() error, error) {
	e, err := onnx.New(onnx.Config{
		ModelPath:     cfg.ModelPath,
		TokenizerPath: cfg.TokenizerPath,
		LibraryPath:   cfg.LibraryPath,
		Dimensions:    cfg.Dimensions,
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return e, e.Close, nil
}
