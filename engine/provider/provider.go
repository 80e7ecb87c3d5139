// Package provider implements the outbound HTTP client for the two
// upstream services: embeddings and chat completions. Each operation is
// independently configured and every call is retried with linear
// backoff when its classified error allows it.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Milittle/EngineQA/engine/domain"
	"github.com/Milittle/EngineQA/pkg/fn"
	"github.com/Milittle/EngineQA/pkg/resilience"
	"github.com/google/uuid"
)

const (
	// backoffStep scales the linear retry backoff: 0.5s, 1s, 1.5s, ...
	backoffStep = 500 * time.Millisecond

	// maxErrorBody bounds how much of an upstream error body is logged.
	maxErrorBody = 500
)

// OpConfig configures one upstream operation.
type OpConfig struct {
	BaseURL    string
	Token      string
	Path       string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// Config holds both upstream operations.
type Config struct {
	Embed OpConfig
	Chat  OpConfig
}

// Client is the rate-window-instrumented, retrying upstream caller. A
// single Client is shared across all requests; it is safe for
// concurrent use.
type Client struct {
	http   *http.Client
	cfg    Config
	window *resilience.RateWindow
	logger *slog.Logger
}

// New creates a Client. The per-operation timeouts are applied per
// attempt via the request context, not on the http.Client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:   &http.Client{},
		cfg:    cfg,
		window: resilience.NewRateWindow(0),
		logger: logger,
	}
}

// Close releases idle upstream connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// CurrentRPM returns how many outbound requests were issued in the last
// 60 seconds. Advisory telemetry only; the client never gates its own
// calls on this value.
func (c *Client) CurrentRPM() int {
	return c.window.Count()
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text, traceID string) ([]float32, error) {
	var resp embedResponse
	err := c.postJSON(ctx, "embed", c.cfg.Embed, embedRequest{
		Model: c.cfg.Embed.Model,
		Input: text,
	}, &resp, traceID)
	if err != nil {
		return nil, err
	}

	if len(resp.Data) == 0 {
		return nil, domain.NewProviderError(domain.KindParse, "embedding response missing data")
	}
	embedding := resp.Data[0].Embedding
	if len(embedding) == 0 {
		return nil, domain.NewProviderError(domain.KindParse, "embedding response missing vector")
	}

	vec := make([]float32, len(embedding))
	for i, v := range embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

type chatRequest struct {
	Model       string               `json:"model"`
	Messages    []domain.ChatMessage `json:"messages"`
	Temperature float32              `json:"temperature"`
	MaxTokens   int                  `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Chat returns the completion text for the given messages.
func (c *Client) Chat(ctx context.Context, messages []domain.ChatMessage, temperature float32, maxTokens int, traceID string) (string, error) {
	var resp chatResponse
	err := c.postJSON(ctx, "chat", c.cfg.Chat, chatRequest{
		Model:       c.cfg.Chat.Model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}, &resp, traceID)
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", domain.NewProviderError(domain.KindParse, "chat response missing choices")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", domain.NewProviderError(domain.KindParse, "chat response missing message content")
	}
	return content, nil
}

// postJSON issues one logical upstream call: sequential attempts, each
// recorded in the rate window, retried on classified-retryable errors
// only. The successful body is decoded into out.
func (c *Client) postJSON(ctx context.Context, op string, oc OpConfig, payload, out any, traceID string) error {
	url := strings.TrimRight(oc.BaseURL, "/") + oc.Path
	requestID := traceID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.NewProviderError(domain.KindRequest, "marshal %s payload: %v", op, err)
	}

	attempt := 0
	result := fn.Retry(ctx, fn.RetryOpts{
		MaxAttempts: oc.MaxRetries + 1,
		Backoff:     fn.LinearBackoff(backoffStep),
		ShouldRetry: domain.Retryable,
	}, func(ctx context.Context) fn.Result[struct{}] {
		attempt++
		return fn.FromPair(struct{}{}, c.attempt(ctx, op, url, oc, body, out, requestID, attempt))
	})

	if _, err := result.Unwrap(); err != nil {
		var pe *domain.ProviderError
		if errors.As(err, &pe) {
			return err
		}
		// Defensive fallback for errors that escaped classification
		// (context cancellation during backoff).
		return domain.NewProviderError(domain.KindRequest, "upstream request failed: %v", err)
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, op, url string, oc OpConfig, body []byte, out any, requestID string, attempt int) error {
	c.window.Record()

	ctx, cancel := context.WithTimeout(ctx, oc.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.NewProviderError(domain.KindRequest, "build %s request: %v", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+oc.Token)
	req.Header.Set("X-Request-Id", requestID)

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			c.logger.Warn("upstream timeout",
				"operation", op, "trace_id", requestID, "attempt", attempt, "url", url)
			return domain.NewProviderError(domain.KindTimeout, "upstream request timeout")
		}
		c.logger.Warn("upstream request error",
			"operation", op, "trace_id", requestID, "attempt", attempt, "url", url, "err", err)
		return domain.NewProviderError(domain.KindRequest, "upstream request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet := readSnippet(resp.Body, maxErrorBody)
		c.logger.Warn("upstream call failed",
			"operation", op, "trace_id", requestID, "attempt", attempt,
			"status", resp.StatusCode, "url", url, "body", snippet)
		return &domain.ProviderError{
			Kind:       domain.KindAPI,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("upstream api error (%d): %s", resp.StatusCode, snippet),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.logger.Warn("upstream parse error",
			"operation", op, "trace_id", requestID, "url", url, "err", err)
		return domain.NewProviderError(domain.KindParse, "invalid upstream JSON: %v", err)
	}
	return nil
}

// isTimeout distinguishes deadline/timeout failures from other
// transport errors.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func readSnippet(r io.Reader, limit int) string {
	b, _ := io.ReadAll(io.LimitReader(r, int64(limit)))
	return strings.ReplaceAll(string(b), "\n", `\n`)
}
