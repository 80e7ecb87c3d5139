// Package domain defines the core types shared across the EngineQA
// pipeline: document chunks, retrieval results, index summaries, reindex
// jobs, and the upstream error taxonomy.
package domain

import "time"

// Chunk is a contiguous, bounded slice of document text, individually
// embedded and indexed.
type Chunk struct {
	DocID     string `json:"doc_id"`
	Path      string `json:"path"`
	TitlePath string `json:"title_path"`
	Section   string `json:"section"`
	Text      string `json:"text"`
	Hash      string `json:"hash"`
}

// RetrievedChunk is a chunk returned from vector search together with
// its similarity score. Only chunks at or above the retriever's score
// threshold reach callers.
type RetrievedChunk struct {
	Chunk
	Score float32 `json:"score"`
}

// ChatMessage is a single message in a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// IndexResult summarizes one full reindex run. It is built once by the
// indexer and never mutated afterwards.
type IndexResult struct {
	TotalFiles       int   `json:"total_files"`
	IndexedFiles     int   `json:"indexed_files"`
	SkippedFiles     int   `json:"skipped_files"`
	FailedFiles      int   `json:"failed_files"`
	TotalChunks      int   `json:"total_chunks"`
	SuccessfulChunks int   `json:"successful_chunks"`
	FailedChunks     int   `json:"failed_chunks"`
	DeletedChunks    int   `json:"deleted_chunks"`
	DurationMs       int64 `json:"duration_ms"`
}

// JobStatus is the lifecycle state of a reindex job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job records the current or most recent reindex run. At most one job
// is running system-wide at any time.
type Job struct {
	JobID     string       `json:"job_id"`
	Status    JobStatus    `json:"status"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
	Result    *IndexResult `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// FeedbackRating is a user's verdict on an answer.
type FeedbackRating string

const (
	RatingUseful  FeedbackRating = "useful"
	RatingUseless FeedbackRating = "useless"
)

// Feedback is a single piece of user feedback on an answer.
type Feedback struct {
	Question  string         `json:"question"`
	Answer    string         `json:"answer"`
	Rating    FeedbackRating `json:"rating"`
	Comment   string         `json:"comment,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	TraceID   string         `json:"trace_id"`
}
