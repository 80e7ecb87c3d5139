// Package rag orchestrates the retrieval-augmented answer pipeline. It
// embeds a user question, searches the vector store for relevant chunks,
// builds a grounded prompt, and calls the upstream chat model. Every
// failure mode degrades into a structured answer instead of an error;
// callers always get an Answer they can return to the user.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Milittle/EngineQA/engine/domain"
	"github.com/Milittle/EngineQA/pkg/fn"
	"github.com/Milittle/EngineQA/pkg/resilience"
)

const (
	// DefaultTopK is the retrieval depth when the caller does not ask
	// for one.
	DefaultTopK = 6
	// MaxTopK caps caller-supplied retrieval depth.
	MaxTopK = 20
)

const defaultSystemPrompt = `You are a technical documentation assistant.
Answer the user's question using ONLY the provided context. Quote the
relevant passages where possible. If the context does not contain enough
information to answer, say so plainly instead of guessing.`

// Provider is the slice of the outbound client the pipeline needs.
type Provider interface {
	Embed(ctx context.Context, text, traceID string) ([]float32, error)
	Chat(ctx context.Context, messages []domain.ChatMessage, temperature float32, maxTokens int, traceID string) (string, error)
}

// Retriever abstracts vector search over the knowledge collection.
type Retriever interface {
	Search(ctx context.Context, vector []float32, topK int) ([]domain.RetrievedChunk, error)
}

// Options configures the pipeline.
type Options struct {
	TopK         int
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		TopK:         DefaultTopK,
		Temperature:  0.2,
		MaxTokens:    65535,
		SystemPrompt: defaultSystemPrompt,
	}
}

// Service runs the answer pipeline.
type Service struct {
	provider  Provider
	retriever Retriever
	breaker   *resilience.Breaker
	opts      Options
	logger    *slog.Logger
}

// New creates a Service. The breaker guards retrieval; pass nil to run
// without one.
func New(provider Provider, retriever Retriever, breaker *resilience.Breaker, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	return &Service{
		provider:  provider,
		retriever: retriever,
		breaker:   breaker,
		opts:      opts,
		logger:    logger,
	}
}

// Answer is the structured pipeline result. Degraded answers carry the
// error code that triggered the fallback; successful answers carry the
// sources backing the text.
type Answer struct {
	Answer    string           `json:"answer"`
	Sources   []Source         `json:"sources"`
	Degraded  bool             `json:"degraded"`
	ErrorCode domain.ErrorCode `json:"error_code,omitempty"`
	TraceID   string           `json:"trace_id"`
}

// Source is a citation backing the answer.
type Source struct {
	Title   string  `json:"title"`
	Path    string  `json:"path"`
	Snippet string  `json:"snippet"`
	Score   float32 `json:"score"`
}

// Query runs the full pipeline for one question. It never returns an
// error for upstream failures; those become degraded answers.
func (s *Service) Query(ctx context.Context, question string, topK int, traceID string) Answer {
	topK = clampTopK(topK, s.opts.TopK)

	vector, err := s.provider.Embed(ctx, question, traceID)
	if err != nil {
		code := domain.Classify(err)
		s.logger.Warn("question embedding failed", "trace_id", traceID, "code", code, "err", err)
		return s.degradedPlain(code, traceID)
	}

	chunks, err := s.retrieve(ctx, vector, topK)
	if err != nil {
		s.logger.Warn("retrieval failed", "trace_id", traceID, "err", err)
		return s.degradedPlain(domain.CodeRetrievalFailed, traceID)
	}
	if len(chunks) == 0 {
		return Answer{
			Answer:    "No relevant documents were found for this question. Try rephrasing it, or reindex the knowledge base if documents were added recently.",
			Degraded:  true,
			ErrorCode: domain.CodeNoMatch,
			TraceID:   traceID,
		}
	}

	messages := s.buildMessages(question, chunks)
	text, err := s.provider.Chat(ctx, messages, s.opts.Temperature, s.opts.MaxTokens, traceID)
	if err != nil {
		code := domain.Classify(err)
		s.logger.Warn("chat completion failed", "trace_id", traceID, "code", code, "err", err)
		if domain.ShouldDegrade(code) {
			return s.degradedWithSources(code, chunks, traceID)
		}
		return s.degradedPlain(code, traceID)
	}

	return Answer{
		Answer:  text,
		Sources: sourcesFrom(chunks),
		TraceID: traceID,
	}
}

// retrieve runs the vector search, through the breaker when one is
// configured. A tripped breaker surfaces as a retrieval failure.
func (s *Service) retrieve(ctx context.Context, vector []float32, topK int) ([]domain.RetrievedChunk, error) {
	if s.breaker == nil {
		return s.retriever.Search(ctx, vector, topK)
	}
	var chunks []domain.RetrievedChunk
	err := s.breaker.Call(ctx, func(ctx context.Context) error {
		var searchErr error
		chunks, searchErr = s.retriever.Search(ctx, vector, topK)
		return searchErr
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		s.logger.Warn("retrieval breaker open, failing fast")
	}
	return chunks, err
}

func (s *Service) buildMessages(question string, chunks []domain.RetrievedChunk) []domain.ChatMessage {
	var b strings.Builder
	b.WriteString("Context:\n\n")
	for i, c := range chunks {
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", i+1, sourceTitle(c.Chunk), c.Path, c.Text)
	}
	b.WriteString("Question: ")
	b.WriteString(question)

	return []domain.ChatMessage{
		{Role: "system", Content: s.opts.SystemPrompt},
		{Role: "user", Content: b.String()},
	}
}

// degradedPlain carries the code's human-readable description so the
// user learns what went wrong, not just that something did.
func (s *Service) degradedPlain(code domain.ErrorCode, traceID string) Answer {
	return Answer{
		Answer:    fmt.Sprintf("The service is temporarily unavailable: %s.", domain.Description(code)),
		Degraded:  true,
		ErrorCode: code,
		TraceID:   traceID,
	}
}

// degradedWithSources is the fallback for transient upstream failures
// after retrieval already succeeded: the chunks are still useful, so
// list them even though no answer could be generated.
func (s *Service) degradedWithSources(code domain.ErrorCode, chunks []domain.RetrievedChunk, traceID string) Answer {
	var b strings.Builder
	fmt.Fprintf(&b, "The answer service is temporarily unavailable: %s.\n\n", domain.Description(code))
	b.WriteString("These documents may be relevant in the meantime:\n")
	for _, c := range chunks {
		fmt.Fprintf(&b, "- [%s] %s\n", sourceTitle(c.Chunk), c.Path)
	}
	return Answer{
		Answer:    b.String(),
		Sources:   sourcesFrom(chunks),
		Degraded:  true,
		ErrorCode: code,
		TraceID:   traceID,
	}
}

func sourcesFrom(chunks []domain.RetrievedChunk) []Source {
	return fn.Map(chunks, func(c domain.RetrievedChunk) Source {
		return Source{
			Title:   sourceTitle(c.Chunk),
			Path:    c.Path,
			Snippet: c.Text,
			Score:   c.Score,
		}
	})
}

// sourceTitle prefers the heading path and falls back to the file path
// for documents with no headings.
func sourceTitle(c domain.Chunk) string {
	if c.TitlePath != "" {
		return c.TitlePath
	}
	return c.Path
}

func clampTopK(requested, fallback int) int {
	if requested <= 0 {
		return fallback
	}
	if requested > MaxTopK {
		return MaxTopK
	}
	return requested
}
