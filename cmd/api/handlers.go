package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Milittle/EngineQA/engine/domain"
	"github.com/Milittle/EngineQA/engine/feedback"
	"github.com/Milittle/EngineQA/engine/jobs"
	"github.com/Milittle/EngineQA/engine/rag"
	"github.com/Milittle/EngineQA/pkg/metrics"
	"github.com/Milittle/EngineQA/pkg/mid"
	"github.com/Milittle/EngineQA/pkg/natsutil"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// jobEventsSubject carries reindex job lifecycle events when NATS is
// configured.
const jobEventsSubject = "engineqa.jobs"

type querier interface {
	Query(ctx context.Context, question string, topK int, traceID string) rag.Answer
}

type pointCounter interface {
	Count(ctx context.Context) (int, error)
}

type indexRunner interface {
	Index(ctx context.Context) (domain.IndexResult, error)
}

type rpmReporter interface {
	CurrentRPM() int
}

// server owns the HTTP surface and its dependencies.
type server struct {
	cfg      Config
	logger   *slog.Logger
	rag      querier
	counter  pointCounter
	indexer  indexRunner
	outbound rpmReporter
	jobs     *jobs.Coordinator
	feedback *feedback.Store
	events   *nats.Conn

	registry      *metrics.Registry
	queryDuration *metrics.Histogram
	indexSize     *metrics.Gauge
}

func newServer(cfg Config, logger *slog.Logger, ragSvc querier, counter pointCounter, indexer indexRunner, outbound rpmReporter, coordinator *jobs.Coordinator, feedbackStore *feedback.Store, events *nats.Conn) *server {
	registry := metrics.New()
	return &server{
		cfg:      cfg,
		logger:   logger,
		rag:      ragSvc,
		counter:  counter,
		indexer:  indexer,
		outbound: outbound,
		jobs:     coordinator,
		feedback: feedbackStore,
		events:   events,

		registry:      registry,
		queryDuration: registry.Histogram("engineqa_query_duration_seconds", "Query pipeline latency", nil),
		indexSize:     registry.Gauge("engineqa_index_size", "Points in the knowledge collection"),
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/query", s.handleQuery)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/feedback", s.handleFeedback)
	mux.HandleFunc("POST /api/reindex", s.handleReindex)
	mux.HandleFunc("GET /api/reindex", s.handleReindexStatus)
	mux.Handle("GET /metrics", s.registry.Handler())
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type queryRequest struct {
	Question string `json:"question"`
	TopK     int    `json:"top_k"`
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	traceID := mid.TraceID(r.Context())
	if traceID == "" {
		traceID = uuid.NewString()
	}

	start := time.Now()
	s.logger.Info("query received",
		"trace_id", traceID,
		"top_k", req.TopK,
		"question_length", len(question),
	)

	answer := s.rag.Query(r.Context(), question, req.TopK, traceID)

	s.queryDuration.Since(start)
	s.registry.Counter(metrics.WithLabels("engineqa_queries_total",
		"degraded", boolLabel(answer.Degraded)), "Queries by outcome").Inc()

	s.logger.Info("query completed",
		"trace_id", traceID,
		"degraded", answer.Degraded,
		"error_code", string(answer.ErrorCode),
		"sources_count", len(answer.Sources),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	writeJSON(w, http.StatusOK, answer)
}

type rateLimitState struct {
	RPMLimit   int `json:"rpm_limit"`
	CurrentRPM int `json:"current_rpm"`
}

type statusResponse struct {
	Provider        string         `json:"provider"`
	Model           string         `json:"model"`
	IndexSize       int            `json:"index_size"`
	LastIndexTime   *time.Time     `json:"last_index_time,omitempty"`
	UpstreamHealth  string         `json:"upstream_health"`
	RateLimitState  rateLimitState `json:"rate_limit_state"`
	QdrantConnected bool           `json:"qdrant_connected"`
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	connected := true
	size, err := s.counter.Count(r.Context())
	if err != nil {
		connected = false
		size = 0
		s.logger.Warn("status vector store check failed", "err", err)
	} else {
		s.indexSize.Set(int64(size))
	}

	resp := statusResponse{
		Provider:       s.cfg.Provider,
		Model:          s.cfg.Outbound.Chat.Model,
		IndexSize:      size,
		UpstreamHealth: "ok",
		RateLimitState: rateLimitState{
			RPMLimit:   s.cfg.ChatRateLimitRPM,
			CurrentRPM: s.outbound.CurrentRPM(),
		},
		QdrantConnected: connected,
	}
	if last, ok := s.jobs.LastIndexTime(); ok {
		resp.LastIndexTime = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

type feedbackResponse struct {
	OK bool   `json:"ok"`
	ID string `json:"id"`
}

func (s *server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var fb domain.Feedback
	if err := json.NewDecoder(r.Body).Decode(&fb); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if fb.Rating != domain.RatingUseful && fb.Rating != domain.RatingUseless {
		writeError(w, http.StatusBadRequest, "rating must be useful or useless")
		return
	}

	id := s.feedback.Save(fb)
	s.logger.Info("feedback saved", "trace_id", fb.TraceID, "rating", string(fb.Rating))
	writeJSON(w, http.StatusOK, feedbackResponse{OK: true, ID: id})
}

type reindexResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

func (s *server) handleReindex(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.jobs.Start()
	if err != nil {
		if errors.Is(err, jobs.ErrJobInProgress) {
			s.logger.Warn("reindex rejected", "reason", "job_in_progress")
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to start reindex job")
		return
	}

	s.logger.Info("reindex started", "job_id", jobID)
	s.publishJobEvent(r.Context(), jobID, domain.JobRunning, nil)
	go s.runReindex(jobID)

	writeJSON(w, http.StatusOK, reindexResponse{
		JobID:   jobID,
		Message: "Reindex job started successfully",
	})
}

type reindexStatusResponse struct {
	Job *domain.Job `json:"job"`
}

func (s *server) handleReindexStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, reindexStatusResponse{Job: s.jobs.Current()})
}

// runReindex executes one reindex pass in the background. The request
// context is gone by the time this runs, so the pipeline gets its own.
func (s *server) runReindex(jobID string) {
	ctx := context.Background()

	result, err := s.indexer.Index(ctx)
	if err != nil {
		s.logger.Error("reindex failed", "job_id", jobID, "err", err)
		s.jobs.Fail(err.Error())
		s.registry.Counter(metrics.WithLabels("engineqa_reindex_runs_total", "status", "failed"), "Reindex runs by outcome").Inc()
		s.publishJobEvent(ctx, jobID, domain.JobFailed, nil)
		return
	}

	s.logger.Info("reindex completed",
		"job_id", jobID,
		"successful_chunks", result.SuccessfulChunks,
		"failed_chunks", result.FailedChunks,
		"duration_ms", result.DurationMs,
	)
	s.jobs.Complete(result)
	s.registry.Counter(metrics.WithLabels("engineqa_reindex_runs_total", "status", "completed"), "Reindex runs by outcome").Inc()
	s.registry.Counter("engineqa_indexed_chunks_total", "Chunks written across reindex runs").Add(int64(result.SuccessfulChunks))
	s.indexSize.Set(int64(result.SuccessfulChunks))
	s.publishJobEvent(ctx, jobID, domain.JobCompleted, &result)
}

// jobEvent is the NATS payload for job lifecycle transitions.
type jobEvent struct {
	JobID  string              `json:"job_id"`
	Status domain.JobStatus    `json:"status"`
	Result *domain.IndexResult `json:"result,omitempty"`
}

func (s *server) publishJobEvent(ctx context.Context, jobID string, status domain.JobStatus, result *domain.IndexResult) {
	if s.events == nil {
		return
	}
	ev := jobEvent{JobID: jobID, Status: status, Result: result}
	if err := natsutil.Publish(ctx, s.events, jobEventsSubject, ev); err != nil {
		s.logger.Warn("job event publish failed", "job_id", jobID, "err", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
