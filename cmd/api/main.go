// Package main implements the EngineQA API server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Milittle/EngineQA/engine/chunker"
	"github.com/Milittle/EngineQA/engine/feedback"
	"github.com/Milittle/EngineQA/engine/indexer"
	"github.com/Milittle/EngineQA/engine/jobs"
	"github.com/Milittle/EngineQA/engine/provider"
	"github.com/Milittle/EngineQA/engine/rag"
	"github.com/Milittle/EngineQA/engine/semantic"
	"github.com/Milittle/EngineQA/pkg/mid"
	"github.com/Milittle/EngineQA/pkg/natsutil"
	"github.com/Milittle/EngineQA/pkg/resilience"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	// .env is optional; real deployments use the process environment.
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Vector store (Qdrant gRPC) ---
	store, err := semantic.New(cfg.QdrantURL, cfg.QdrantCollection, cfg.VectorSize)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer store.Close()

	startupCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = store.EnsureCollection(startupCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}
	logger.Info("collection ready", "collection", store.Collection(), "vector_size", cfg.VectorSize)

	// --- Outbound provider client ---
	outbound := provider.New(cfg.Outbound, logger)
	defer outbound.Close()

	// --- RAG pipeline ---
	breaker := resilience.NewBreaker(resilience.DefaultBreakerOpts)
	ragSvc := rag.New(outbound, store, breaker, rag.DefaultOptions(), logger)

	// --- Indexing pipeline ---
	var embedLimiter *rate.Limiter
	if cfg.EmbedRateLimitRPM > 0 {
		embedLimiter = rate.NewLimiter(rate.Limit(float64(cfg.EmbedRateLimitRPM)/60.0), cfg.ChatBurst)
	}
	pipeline := indexer.New(outbound, store, cfg.KnowledgeDir, indexer.Options{
		ChunkSize:    chunker.DefaultChunkSize,
		Overlap:      chunker.DefaultOverlap,
		Workers:      cfg.OutboundMaxConcurrency,
		EmbedLimiter: embedLimiter,
	}, logger)

	coordinator := jobs.NewCoordinator()
	feedbackStore := feedback.NewStore()

	srvDeps := newServer(cfg, logger, ragSvc, store, pipeline, outbound, coordinator, feedbackStore, nil)

	// --- Optional job event bus ---
	if cfg.NATSURL != "" {
		conn, err := natsutil.Connect(cfg.NATSURL, "engineqa-api", logger)
		if err != nil {
			logger.Warn("nats connect failed, job events disabled", "err", err)
		} else {
			defer conn.Drain()
			srvDeps.events = conn
		}
	}

	handler := mid.Chain(srvDeps.routes(),
		mid.Recover(logger),
		mid.RequestID(),
		mid.OTel("engineqa-api"),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
