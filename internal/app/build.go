package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/parley/internal/chat"
	"github.com/ent0n29/parley/internal/config"
	"github.com/ent0n29/parley/internal/httpapi"
	"github.com/ent0n29/parley/internal/llm"
	"github.com/ent0n29/parley/internal/logging"
	"github.com/ent0n29/parley/internal/memory"
	"github.com/ent0n29/parley/internal/observability"
	"github.com/ent0n29/parley/internal/recall"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Chat         *chat.Service
	Store        memory.Store
	StoreBackend string
	ProviderName string
	Metrics      *observability.Metrics

	// Cleanup should be called on shutdown to release the store connection.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	log := logging.Component("app")
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, backend, err := memory.NewStore(ctx, memory.FactoryConfig{
		Backend:       cfg.MemoryStore,
		DatabaseURL:   cfg.DatabaseURL,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
		Redis: memory.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			Namespace: cfg.RedisNamespace,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	provider, err := llm.NewProvider(llm.Config{
		Provider:           cfg.LLMProvider,
		AnthropicAPIKey:    cfg.AnthropicAPIKey,
		AnthropicModel:     cfg.AnthropicModel,
		AnthropicMaxTokens: cfg.AnthropicMaxTokens,
		HTTPURL:            cfg.LLMHTTPURL,
		HTTPRetries:        cfg.LLMHTTPRetries,
		HTTPTimeout:        cfg.LLMHTTPTimeout,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("llm provider init failed: %w", err)
	}
	if fb, ok := provider.(*llm.FallbackProvider); ok {
		fb.FirstDeltaTimeout = cfg.LLMFirstDeltaTimeout
	}

	memories := recall.NewMemories(store,
		recall.WithPIIRedaction(cfg.MemoryRedactPII),
		recall.WithMemoriesLogger(logging.Component("memories")),
	)
	assembler := recall.NewAssembler(
		recall.NewRetriever(store, recall.WithStoredEntries(cfg.MemoryRetrieveEntries)),
		recall.AssemblerConfig{
			Limit:    cfg.MemoryRetrieveLimit,
			MinScore: cfg.MemoryMinScore,
			Timeout:  cfg.MemoryRetrieveTimeout,
			Logger:   logging.Component("assembler"),
		},
	)
	chatService := chat.New(chat.Config{
		MaxContextTokens: cfg.ChatMaxContextTokens,
		SaveTimeout:      cfg.MemorySaveTimeout,
		PersistPartial:   cfg.ChatPersistPartial,
	}, chat.Deps{
		Store:     store,
		Assembler: assembler,
		Recorder:  recall.NewTurnRecorder(store, memories, logging.Component("turns")),
		Extractor: recall.NewExtractor(memories, nil, logging.Component("extractor")),
		Provider:  provider,
		Metrics:   metrics,
		Logger:    logging.Component("chat"),
	})

	// The memory endpoints always see stored entries so manual adds are
	// visible regardless of what the turn pipeline retrieves.
	api := httpapi.New(cfg, httpapi.Deps{
		Store:     store,
		Memories:  memories,
		Retriever: recall.NewRetriever(store, recall.WithStoredEntries(true)),
		Chat:      chatService,
		Metrics:   metrics,
		Logger:    logging.Component("httpapi"),
	})

	providerName := llm.Name(provider)
	log.WithFields(logrus.Fields{
		"memory_store":     backend,
		"llm_provider":     providerName,
		"redact_pii":       cfg.MemoryRedactPII,
		"retrieve_entries": cfg.MemoryRetrieveEntries,
	}).Info("service assembled")

	cleanup := func() error {
		var errs []error
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s store: %w", backend, err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Chat:         chatService,
		Store:        store,
		StoreBackend: backend,
		ProviderName: providerName,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}
