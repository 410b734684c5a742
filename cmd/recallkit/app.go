package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/EAbdou1/recallkit/auth"
	"github.com/EAbdou1/recallkit/config"
	"github.com/EAbdou1/recallkit/jobs"
	"github.com/EAbdou1/recallkit/llm"
	"github.com/EAbdou1/recallkit/memory"
	"github.com/EAbdou1/recallkit/memory/embedder/cache"
	"github.com/EAbdou1/recallkit/memory/embedder/mock"
	"github.com/EAbdou1/recallkit/memory/embedder/openai"
	"github.com/EAbdou1/recallkit/memory/store/chromem"
	"github.com/EAbdou1/recallkit/memory/store/redisstore"
)

// app owns every long-lived resource of the process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	client *redis.Client
	store  *redisstore.Store
	index  memory.Index
	syncer memory.IndexSyncer
	authn  *auth.Authenticator

	// set by buildPipeline
	embedder   memory.Embedder
	retriever  *memory.Retriever
	jobStore   *jobs.SQLiteStore
	dispatcher *jobs.Dispatcher
	manager    *memory.RecallManager

	closers []func() error
}

// newApp connects to Redis and sets up the configured index. It does
// not touch the model providers; call buildPipeline for those.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := newCLILogger(cfg)

	client := redisstore.NewClient(redisstore.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a := &app{
		cfg:    cfg,
		logger: logger,
		client: client,
		store:  redisstore.New(client, logger),
		authn:  auth.New(client, logger),
	}
	a.closers = append(a.closers, client.Close)

	if err := a.store.Ping(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("connect to redis at %s:%d: %w", cfg.Redis.Host, cfg.Redis.Port, err)
	}

	switch cfg.Index.Backend {
	case config.BackendRedis:
		a.index = redisstore.NewIndex(client, redisstore.IndexOptions{
			Name:       cfg.Index.Name,
			Dimensions: cfg.Embedding.Dimensions,
			Logger:     logger,
		})
	case config.BackendChromem:
		ix, err := chromem.New(chromem.Options{
			Path:     cfg.Index.Path,
			Compress: cfg.Index.Compress,
			Source:   a.store,
			Logger:   logger,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open chromem index: %w", err)
		}
		a.index, a.syncer = ix, ix
	}
	return a, nil
}

// buildPipeline creates the embedder, model client, job runner and recall
// manager.
func (a *app) buildPipeline(ctx context.Context) error {
	embedder, err := a.buildEmbedder()
	if err != nil {
		return err
	}
	a.embedder = embedder

	completer, err := a.buildCompleter()
	if err != nil {
		return err
	}

	cfg := a.cfg
	a.retriever = memory.NewRetriever(embedder, a.index, memory.NewFallbackRanker(a.store, a.logger), memory.RetrieverConfig{
		IndexCooldown: cfg.Index.Cooldown,
		Membership:    a.store,
		Logger:        a.logger,
	})

	extractor := memory.NewFactExtractor(completer,
		memory.WithExtractorAttempts(cfg.LLM.Attempts),
		memory.WithExtractorTemperature(cfg.LLM.Temperature),
		memory.WithExtractorLogger(a.logger),
	)
	reconciler := memory.NewReconciler(completer,
		memory.WithReconcilerAttempts(cfg.LLM.Attempts),
		memory.WithReconcilerTemperature(cfg.LLM.Temperature),
		memory.WithStrictIDs(cfg.LLM.StrictIDs),
		memory.WithReconcilerLogger(a.logger),
	)
	pipelineOpts := []memory.PipelineOption{memory.WithPipelineLogger(a.logger)}
	if a.syncer != nil {
		pipelineOpts = append(pipelineOpts, memory.WithIndexSync(a.syncer))
	}
	pipeline := memory.NewPipeline(a.store, embedder, pipelineOpts...)

	a.jobStore, err = jobs.OpenSQLite(ctx, cfg.Jobs.Path)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.jobStore.Close)

	proc := jobs.NewProcessor(extractor, reconciler, pipeline, a.store, a.jobStore, a.logger)
	a.dispatcher = jobs.NewDispatcher(proc, a.jobStore, jobs.Config{
		Workers:          cfg.Jobs.Workers,
		MaxRetries:       cfg.Jobs.MaxRetries,
		Backoff:          cfg.Jobs.Backoff,
		QueueSize:        cfg.Jobs.QueueSize,
		SerializePerUser: cfg.Jobs.SerializePerUser,
	}, a.logger)

	a.manager = memory.NewRecallManager(a.store, a.retriever, a.index, a.dispatcher, &memory.Config{
		TopK:          cfg.Recall.TopK,
		ForceFallback: cfg.Recall.ForceFallback,
	}, a.logger)
	return nil
}

func (a *app) buildEmbedder() (memory.Embedder, error) {
	cfg := a.cfg.Embedding
	var base memory.Embedder
	switch cfg.Provider {
	case config.ProviderOpenAI:
		e, err := openai.New(openai.Config{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, err
		}
		base = e
	case config.ProviderONNX:
		e, closeFn, err := newONNXEmbedder(cfg, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closeFn)
		base = e
	case config.ProviderMock:
		base = mock.New(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}

	if base.Dimensions() != cfg.Dimensions {
		return nil, fmt.Errorf("%w: embedder produces %d dimensions, config says %d",
			memory.ErrDimensionMismatch, base.Dimensions(), cfg.Dimensions)
	}
	if cfg.CacheEntries <= 0 {
		return base, nil
	}
	cached, err := cache.New(base, cfg.CacheEntries, cfg.Provider+"/"+cfg.Model)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { cached.Close(); return nil })
	return cached, nil
}

func (a *app) buildCompleter() (llm.Completer, error) {
	cfg := a.cfg.LLM
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return llm.NewOpenAIFromKey(cfg.APIKey, cfg.BaseURL, cfg.ModelName()), nil
	case config.ProviderAnthropic:
		return llm.NewAnthropicFromKey(cfg.APIKey, cfg.ModelName(), cfg.MaxRetries), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
