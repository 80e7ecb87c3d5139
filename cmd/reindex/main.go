// Command reindex runs one full indexing pass over the knowledge
// directory and prints the summary. Upstream credentials come from the
// environment (INTERNAL_API_* variables, .env supported); everything
// else can be overridden by flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Milittle/EngineQA/engine/chunker"
	"github.com/Milittle/EngineQA/engine/indexer"
	"github.com/Milittle/EngineQA/engine/provider"
	"github.com/Milittle/EngineQA/engine/semantic"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
)

func main() {
	_ = godotenv.Load()

	var (
		dir        = flag.String("dir", envOr("KNOWLEDGE_DIR", "./knowledge"), "knowledge directory to index")
		qdrantAddr = flag.String("qdrant", envOr("QDRANT_URL", "127.0.0.1:6334"), "Qdrant gRPC address")
		collection = flag.String("collection", envOr("QDRANT_COLLECTION", "knowledge_chunks"), "Qdrant collection name")
		vectorSize = flag.Int("vector-size", intEnvOr("EMBEDDING_VECTOR_SIZE", 1536), "embedding vector dimension")
		workers    = flag.Int("workers", intEnvOr("OUTBOUND_MAX_CONCURRENCY", 8), "concurrent embed calls per document")
		embedRPM   = flag.Int("rpm", intEnvOr("EMBED_RATE_LIMIT_RPM", 0), "embed rate limit in requests per minute, 0 disables pacing")
		timeoutMs  = flag.Int("embed-timeout-ms", intEnvOr("EMBED_TIMEOUT_MS", 5000), "per-attempt embed timeout")
		maxRetries = flag.Int("embed-retries", intEnvOr("RETRY_EMBED_MAX", 3), "embed retry budget")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(*dir, *qdrantAddr, *collection, *vectorSize, *workers, *embedRPM, *timeoutMs, *maxRetries, logger); err != nil {
		logger.Error("reindex failed", "err", err)
		os.Exit(1)
	}
}

func run(dir, qdrantAddr, collection string, vectorSize, workers, embedRPM, timeoutMs, maxRetries int, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	baseURL := envOr("INTERNAL_API_EMBED_BASE_URL", envOr("INTERNAL_API_BASE_URL", ""))
	if baseURL == "" {
		return fmt.Errorf("missing required env: INTERNAL_API_EMBED_BASE_URL (or INTERNAL_API_BASE_URL)")
	}
	token := envOr("INTERNAL_API_EMBED_TOKEN", envOr("INTERNAL_API_TOKEN", ""))
	if token == "" {
		return fmt.Errorf("missing required env: INTERNAL_API_TOKEN")
	}

	store, err := semantic.New(qdrantAddr, collection, vectorSize)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer store.Close()

	if err := store.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}

	outbound := provider.New(provider.Config{
		Embed: provider.OpConfig{
			BaseURL:    baseURL,
			Token:      token,
			Path:       envOr("INTERNAL_API_EMBED_PATH", "/embeddings"),
			Model:      envOr("INTERNAL_API_EMBED_MODEL", "embedding-3"),
			Timeout:    time.Duration(timeoutMs) * time.Millisecond,
			MaxRetries: maxRetries,
		},
	}, logger)
	defer outbound.Close()

	var limiter *rate.Limiter
	if embedRPM > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(embedRPM)/60.0), 1)
	}

	pipeline := indexer.New(outbound, store, dir, indexer.Options{
		ChunkSize:    chunker.DefaultChunkSize,
		Overlap:      chunker.DefaultOverlap,
		Workers:      workers,
		EmbedLimiter: limiter,
	}, logger)

	started := time.Now()
	logger.Info("reindex starting", "dir", dir, "collection", collection)

	result, err := pipeline.Index(ctx)
	if err != nil {
		return err
	}

	logger.Info("reindex completed", "duration", time.Since(started).Round(time.Millisecond))
	fmt.Printf("files:  %d total, %d indexed, %d failed\n", result.TotalFiles, result.IndexedFiles, result.FailedFiles)
	fmt.Printf("chunks: %d total, %d written, %d failed, %d deleted\n", result.TotalChunks, result.SuccessfulChunks, result.FailedChunks, result.DeletedChunks)
	fmt.Printf("took:   %dms\n", result.DurationMs)
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intEnvOr(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
