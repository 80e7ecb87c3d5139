package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Milittle/EngineQA/engine/domain"
	"github.com/Milittle/EngineQA/engine/feedback"
	"github.com/Milittle/EngineQA/engine/jobs"
	"github.com/Milittle/EngineQA/engine/provider"
	"github.com/Milittle/EngineQA/engine/rag"
)

type fakeQuerier struct {
	answer      rag.Answer
	gotQuestion string
	gotTopK     int
}

func (f *fakeQuerier) Query(_ context.Context, question string, topK int, traceID string) rag.Answer {
	f.gotQuestion = question
	f.gotTopK = topK
	a := f.answer
	a.TraceID = traceID
	return a
}

type fakeCounter struct {
	n   int
	err error
}

func (f *fakeCounter) Count(context.Context) (int, error) { return f.n, f.err }

type fakeIndexer struct {
	result  domain.IndexResult
	err     error
	release chan struct{}
}

func (f *fakeIndexer) Index(context.Context) (domain.IndexResult, error) {
	if f.release != nil {
		<-f.release
	}
	return f.result, f.err
}

type fakeRPM struct{ n int }

func (f *fakeRPM) CurrentRPM() int { return f.n }

func testConfig() Config {
	return Config{
		Provider:         "internal_api",
		ChatRateLimitRPM: 120,
		Outbound: provider.Config{
			Chat: provider.OpConfig{Model: "GLM-4.7"},
		},
	}
}

func testServer(q querier, c pointCounter, ix indexRunner) *server {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	if q == nil {
		q = &fakeQuerier{}
	}
	if c == nil {
		c = &fakeCounter{}
	}
	if ix == nil {
		ix = &fakeIndexer{}
	}
	return newServer(testConfig(), logger, q, c, ix, &fakeRPM{n: 3}, jobs.NewCoordinator(), feedback.NewStore(), nil)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v\n%s", err, rec.Body.String())
	}
	return v
}

func TestHealth(t *testing.T) {
	rec := doJSON(t, testServer(nil, nil, nil).routes(), "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody[map[string]string](t, rec)
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestQuerySuccess(t *testing.T) {
	q := &fakeQuerier{answer: rag.Answer{
		Answer:  "42",
		Sources: []rag.Source{{Title: "Guide", Path: "guide.md", Score: 0.9}},
	}}
	rec := doJSON(t, testServer(q, nil, nil).routes(), "POST", "/api/query", `{"question":"  meaning of life  ","top_k":4}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if q.gotQuestion != "meaning of life" {
		t.Fatalf("question = %q, want trimmed", q.gotQuestion)
	}
	if q.gotTopK != 4 {
		t.Fatalf("topK = %d", q.gotTopK)
	}
	answer := decodeBody[rag.Answer](t, rec)
	if answer.Answer != "42" || len(answer.Sources) != 1 {
		t.Fatalf("answer = %+v", answer)
	}
	if answer.TraceID == "" {
		t.Fatal("missing trace id")
	}
}

func TestQueryDegradedStillOK(t *testing.T) {
	q := &fakeQuerier{answer: rag.Answer{
		Answer:    "fallback",
		Degraded:  true,
		ErrorCode: domain.CodeUpstreamTimeout,
	}}
	rec := doJSON(t, testServer(q, nil, nil).routes(), "POST", "/api/query", `{"question":"q"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("degraded answers must be 200, got %d", rec.Code)
	}
	answer := decodeBody[rag.Answer](t, rec)
	if !answer.Degraded || answer.ErrorCode != domain.CodeUpstreamTimeout {
		t.Fatalf("answer = %+v", answer)
	}
}

func TestQueryValidation(t *testing.T) {
	srv := testServer(nil, nil, nil).routes()

	rec := doJSON(t, srv, "POST", "/api/query", `{"question":"   "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank question: status = %d", rec.Code)
	}

	rec = doJSON(t, srv, "POST", "/api/query", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: status = %d", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	srv := testServer(nil, &fakeCounter{n: 42}, nil)
	rec := doJSON(t, srv.routes(), "GET", "/api/status", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeBody[statusResponse](t, rec)
	if resp.IndexSize != 42 || !resp.QdrantConnected {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Model != "GLM-4.7" || resp.Provider != "internal_api" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.RateLimitState.RPMLimit != 120 || resp.RateLimitState.CurrentRPM != 3 {
		t.Fatalf("rate limit state = %+v", resp.RateLimitState)
	}
	if resp.LastIndexTime != nil {
		t.Fatalf("unexpected last index time: %v", resp.LastIndexTime)
	}
}

func TestStatusStoreDown(t *testing.T) {
	srv := testServer(nil, &fakeCounter{err: errors.New("unreachable")}, nil)
	rec := doJSON(t, srv.routes(), "GET", "/api/status", "")

	resp := decodeBody[statusResponse](t, rec)
	if resp.QdrantConnected || resp.IndexSize != 0 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestFeedback(t *testing.T) {
	srv := testServer(nil, nil, nil)
	rec := doJSON(t, srv.routes(), "POST", "/api/feedback",
		`{"question":"q","answer":"a","rating":"useful","trace_id":"t1"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[feedbackResponse](t, rec)
	if !resp.OK || resp.ID == "" {
		t.Fatalf("resp = %+v", resp)
	}
	if srv.feedback.Len() != 1 {
		t.Fatalf("store len = %d", srv.feedback.Len())
	}
}

func TestFeedbackInvalidRating(t *testing.T) {
	rec := doJSON(t, testServer(nil, nil, nil).routes(), "POST", "/api/feedback",
		`{"question":"q","answer":"a","rating":"meh"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestReindexLifecycle(t *testing.T) {
	ix := &fakeIndexer{result: domain.IndexResult{TotalFiles: 2, SuccessfulChunks: 5}}
	srv := testServer(nil, nil, ix)
	routes := srv.routes()

	rec := doJSON(t, routes, "POST", "/api/reindex", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[reindexResponse](t, rec)
	if resp.JobID == "" {
		t.Fatal("missing job id")
	}

	waitForStatus(t, srv.jobs, domain.JobCompleted)

	rec = doJSON(t, routes, "GET", "/api/reindex", "")
	status := decodeBody[reindexStatusResponse](t, rec)
	if status.Job == nil || status.Job.Status != domain.JobCompleted {
		t.Fatalf("job = %+v", status.Job)
	}
	if status.Job.Result == nil || status.Job.Result.SuccessfulChunks != 5 {
		t.Fatalf("result = %+v", status.Job.Result)
	}
}

func TestReindexConflict(t *testing.T) {
	ix := &fakeIndexer{release: make(chan struct{})}
	srv := testServer(nil, nil, ix)
	routes := srv.routes()

	rec := doJSON(t, routes, "POST", "/api/reindex", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("first start: status = %d", rec.Code)
	}

	rec = doJSON(t, routes, "POST", "/api/reindex", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("second start: status = %d, want 409", rec.Code)
	}

	close(ix.release)
	waitForStatus(t, srv.jobs, domain.JobCompleted)

	rec = doJSON(t, routes, "POST", "/api/reindex", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("restart after completion: status = %d", rec.Code)
	}
	waitForStatus(t, srv.jobs, domain.JobCompleted)
}

func TestReindexFailureRecorded(t *testing.T) {
	ix := &fakeIndexer{err: errors.New("qdrant down")}
	srv := testServer(nil, nil, ix)
	routes := srv.routes()

	doJSON(t, routes, "POST", "/api/reindex", "")
	waitForStatus(t, srv.jobs, domain.JobFailed)

	rec := doJSON(t, routes, "GET", "/api/reindex", "")
	status := decodeBody[reindexStatusResponse](t, rec)
	if status.Job == nil || status.Job.Status != domain.JobFailed {
		t.Fatalf("job = %+v", status.Job)
	}
	if status.Job.Error != "qdrant down" {
		t.Fatalf("error = %q", status.Job.Error)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := testServer(&fakeQuerier{answer: rag.Answer{Answer: "ok"}}, nil, nil)
	routes := srv.routes()

	doJSON(t, routes, "POST", "/api/query", `{"question":"q"}`)

	rec := doJSON(t, routes, "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `engineqa_queries_total{degraded="false"} 1`) {
		t.Fatalf("metrics output:\n%s", rec.Body.String())
	}
}

func waitForStatus(t *testing.T, c *jobs.Coordinator, want domain.JobStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if job := c.Current(); job != nil && job.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job never reached status %q", want)
}
