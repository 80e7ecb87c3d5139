package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Milittle/EngineQA/engine/provider"
)

// Config holds all environment-based configuration.
type Config struct {
	Host             string
	Port             int
	Provider         string
	KnowledgeDir     string
	QdrantURL        string
	QdrantCollection string
	VectorSize       int
	NATSURL          string
	CORSOrigin       string

	OutboundMaxConcurrency int
	ChatRateLimitRPM       int
	ChatBurst              int
	EmbedRateLimitRPM      int

	Outbound provider.Config
}

func loadConfig() (Config, error) {
	baseURL := envOr("INTERNAL_API_BASE_URL", "")
	chatBaseURL := envOr("INTERNAL_API_CHAT_BASE_URL", baseURL)
	embedBaseURL := envOr("INTERNAL_API_EMBED_BASE_URL", baseURL)
	if chatBaseURL == "" {
		return Config{}, fmt.Errorf("missing required env: INTERNAL_API_CHAT_BASE_URL (or INTERNAL_API_BASE_URL)")
	}
	if embedBaseURL == "" {
		return Config{}, fmt.Errorf("missing required env: INTERNAL_API_EMBED_BASE_URL (or INTERNAL_API_BASE_URL)")
	}

	token := strings.TrimSpace(os.Getenv("INTERNAL_API_TOKEN"))
	if token == "" {
		return Config{}, fmt.Errorf("missing required env: INTERNAL_API_TOKEN")
	}
	chatToken := envOr("INTERNAL_API_CHAT_TOKEN", token)
	embedToken := envOr("INTERNAL_API_EMBED_TOKEN", token)

	port, err := intEnv("APP_PORT", 8080)
	if err != nil {
		return Config{}, err
	}
	vectorSize, err := intEnv("EMBEDDING_VECTOR_SIZE", 1536)
	if err != nil {
		return Config{}, err
	}
	llmTimeoutMs, err := intEnv("LLM_TIMEOUT_MS", 2200)
	if err != nil {
		return Config{}, err
	}
	embedTimeoutMs, err := intEnv("EMBED_TIMEOUT_MS", 5000)
	if err != nil {
		return Config{}, err
	}
	retryChatMax, err := intEnv("RETRY_CHAT_MAX", 1)
	if err != nil {
		return Config{}, err
	}
	retryEmbedMax, err := intEnv("RETRY_EMBED_MAX", 3)
	if err != nil {
		return Config{}, err
	}
	maxConcurrency, err := intEnv("OUTBOUND_MAX_CONCURRENCY", 8)
	if err != nil {
		return Config{}, err
	}
	chatRPM, err := intEnv("CHAT_RATE_LIMIT_RPM", 120)
	if err != nil {
		return Config{}, err
	}
	chatBurst, err := intEnv("CHAT_BURST", 10)
	if err != nil {
		return Config{}, err
	}
	embedRPM, err := intEnv("EMBED_RATE_LIMIT_RPM", 0)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Host:             envOr("APP_HOST", "127.0.0.1"),
		Port:             port,
		Provider:         envOr("INFER_PROVIDER", "internal_api"),
		KnowledgeDir:     envOr("KNOWLEDGE_DIR", "./knowledge"),
		QdrantURL:        envOr("QDRANT_URL", "127.0.0.1:6334"),
		QdrantCollection: envOr("QDRANT_COLLECTION", "knowledge_chunks"),
		VectorSize:       vectorSize,
		NATSURL:          envOr("NATS_URL", ""),
		CORSOrigin:       envOr("CORS_ORIGIN", "*"),

		OutboundMaxConcurrency: maxConcurrency,
		ChatRateLimitRPM:       chatRPM,
		ChatBurst:              chatBurst,
		EmbedRateLimitRPM:      embedRPM,

		Outbound: provider.Config{
			Chat: provider.OpConfig{
				BaseURL:    chatBaseURL,
				Token:      chatToken,
				Path:       envOr("INTERNAL_API_CHAT_PATH", "/chat/completions"),
				Model:      envOr("INTERNAL_API_CHAT_MODEL", "GLM-4.7"),
				Timeout:    time.Duration(llmTimeoutMs) * time.Millisecond,
				MaxRetries: retryChatMax,
			},
			Embed: provider.OpConfig{
				BaseURL:    embedBaseURL,
				Token:      embedToken,
				Path:       envOr("INTERNAL_API_EMBED_PATH", "/embeddings"),
				Model:      envOr("INTERNAL_API_EMBED_MODEL", "embedding-3"),
				Timeout:    time.Duration(embedTimeoutMs) * time.Millisecond,
				MaxRetries: retryEmbedMax,
			},
		},
	}, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid env %s=%q: expected integer", key, raw)
	}
	return n, nil
}
