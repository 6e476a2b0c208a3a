package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/querydeck/querydeck/internal/api"
	"github.com/querydeck/querydeck/internal/archive"
	"github.com/querydeck/querydeck/internal/auth"
	"github.com/querydeck/querydeck/internal/config"
	"github.com/querydeck/querydeck/internal/engine"
	"github.com/querydeck/querydeck/internal/history"
	"github.com/querydeck/querydeck/internal/llm"
	"github.com/querydeck/querydeck/internal/nlq"
	"github.com/querydeck/querydeck/internal/observability"
)

func main() {
	cfg, err := config.LoadFromEnv("querydeck-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	ctx := context.Background()

	eng, err := engine.New(cfg.Data.DatabasePath)
	if err != nil {
		logger.Error("failed to open analytical engine", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = eng.Close() }()

	var datasetArchive *archive.Store
	if cfg.Archive.Enabled {
		datasetArchive, err = archive.New(ctx, archive.Config{
			Endpoint:         cfg.Archive.Endpoint,
			Region:           cfg.Archive.Region,
			Bucket:           cfg.Archive.Bucket,
			AccessKeyID:      cfg.Archive.AccessKeyID,
			SecretAccessKey:  cfg.Archive.SecretAccessKey,
			UseSSL:           cfg.Archive.UseSSL,
			Prefix:           cfg.Archive.Prefix,
			AutoCreateBucket: cfg.Archive.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize dataset archive", slog.Any("error", err))
			os.Exit(1)
		}
		restored, err := datasetArchive.Restore(ctx, cfg.Data.Dir)
		if err != nil {
			logger.Error("failed to restore archived datasets", slog.Any("error", err))
			os.Exit(1)
		}
		if len(restored) > 0 {
			logger.Info("restored archived datasets", slog.Int("count", len(restored)))
		}
	}

	loaded, err := eng.LoadDir(ctx, cfg.Data.Dir)
	if err != nil {
		logger.Error("failed to load data directory", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("loaded datasets", slog.Int("tables", len(loaded)), slog.String("dir", cfg.Data.Dir))
	observability.SetTablesLoaded(len(loaded))

	client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL:        cfg.AI.BaseURL,
		APIKey:         cfg.AI.APIKey,
		Model:          cfg.AI.Model,
		EmbeddingModel: cfg.AI.EmbeddingModel,
		Temperature:    cfg.AI.Temperature,
		MaxTokens:      cfg.AI.MaxTokens,
		Timeout:        cfg.AI.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize AI client", slog.Any("error", err))
		os.Exit(1)
	}

	var embedder llm.Embedder
	if client.SupportsEmbeddings() {
		embedder = client
	}
	resolver := nlq.NewResolver(nlq.ResolverConfig{
		Sampler:     eng,
		Embedder:    embedder,
		Threshold:   cfg.Resolver.FuzzyThreshold,
		SampleLimit: cfg.Resolver.SampleValues,
		Logger:      logger,
	})
	schema, err := eng.Schema(ctx)
	if err != nil {
		logger.Error("failed to inspect schema", slog.Any("error", err))
		os.Exit(1)
	}
	if err := resolver.Refresh(ctx, schema); err != nil {
		logger.Error("failed to build resolver snapshot", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("schema resolver ready", slog.String("mode", string(resolver.Mode())))

	readiness := []api.ReadinessCheck{eng.Ping}
	var recorder nlq.Recorder
	var historyStore *history.Store
	if cfg.History.Enabled {
		historyDB, err := history.Open(ctx, history.DBConfig{
			DSN:             cfg.History.DSN,
			MaxOpenConns:    cfg.History.MaxOpenConns,
			MaxIdleConns:    cfg.History.MaxIdleConns,
			ConnMaxIdleTime: cfg.History.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.History.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to open history db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = historyDB.Close() }()

		historyStore = history.NewStore(historyDB)
		if err := historyStore.EnsureSchema(ctx); err != nil {
			logger.Error("failed to prepare history schema", slog.Any("error", err))
			os.Exit(1)
		}
		recorder = historyStore
		readiness = append(readiness, historyStore.HealthCheck)
	}

	critic := nlq.NewCritic(eng, client, cfg.Critic.MaxRetries, logger)
	orchestrator := nlq.NewOrchestrator(nlq.OrchestratorConfig{
		Engine:             eng,
		Resolver:           resolver,
		Critic:             critic,
		Client:             client,
		Recorder:           recorder,
		Logger:             logger,
		RelevanceThreshold: cfg.Resolver.FuzzyThreshold,
		JoinThreshold:      cfg.Resolver.JoinThreshold,
		CategoricalLimit:   cfg.Resolver.CategoricalLimit,
	})

	deps := api.Dependencies{
		Logger:            logger,
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: time.Second,
		Engine:            eng,
		Pipeline:          orchestrator,
		Refresher:         resolver,
		DataDir:           cfg.Data.Dir,
	}
	if datasetArchive != nil {
		deps.Archive = datasetArchive
	}
	if historyStore != nil {
		deps.History = historyStore
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-runCtx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
