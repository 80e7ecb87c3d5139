// Package indexer implements the full-rebuild indexing pipeline: scan
// the knowledge directory, reset the collection, chunk and embed every
// document, and batch-upsert the points.
package indexer

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Milittle/EngineQA/engine/chunker"
	"github.com/Milittle/EngineQA/engine/domain"
	"github.com/Milittle/EngineQA/engine/semantic"
	"github.com/Milittle/EngineQA/pkg/fn"
	"golang.org/x/time/rate"
)

const (
	// UpsertBatchSize is the max points per upsert call.
	UpsertBatchSize = 32

	markdownExt = ".md"
)

// Embedder is the slice of the provider client the indexer needs.
type Embedder interface {
	Embed(ctx context.Context, text, traceID string) ([]float32, error)
}

// Store is the slice of the vector store the indexer needs.
type Store interface {
	Reset(ctx context.Context) (int, error)
	Upsert(ctx context.Context, records []semantic.VectorRecord) error
}

// Options tunes the pipeline.
type Options struct {
	ChunkSize int
	Overlap   int
	// Workers bounds how many chunks of one document embed concurrently.
	Workers int
	// EmbedLimiter optionally paces embed calls against upstream quota.
	EmbedLimiter *rate.Limiter
}

// Indexer runs reindex passes over a knowledge directory.
type Indexer struct {
	embedder     Embedder
	store        Store
	chunker      *chunker.Chunker
	knowledgeDir string
	workers      int
	limiter      *rate.Limiter
	logger       *slog.Logger
}

// New creates an Indexer.
func New(embedder Embedder, store Store, knowledgeDir string, opts Options, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Indexer{
		embedder:     embedder,
		store:        store,
		chunker:      chunker.New(opts.ChunkSize, opts.Overlap),
		knowledgeDir: knowledgeDir,
		workers:      workers,
		limiter:      opts.EmbedLimiter,
		logger:       logger,
	}
}

// Index performs one full rebuild and returns its summary. Per-chunk
// embedding failures are counted and skipped; unreadable files are
// counted as failed. Store failures abort the run.
func (ix *Indexer) Index(ctx context.Context) (domain.IndexResult, error) {
	started := time.Now()

	files, err := ix.scan()
	if err != nil {
		return domain.IndexResult{}, err
	}

	deleted, err := ix.store.Reset(ctx)
	if err != nil {
		return domain.IndexResult{}, err
	}

	result := domain.IndexResult{
		TotalFiles:    len(files),
		DeletedChunks: deleted,
	}

	var buffer []semantic.VectorRecord
	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		if err := ix.store.Upsert(ctx, buffer); err != nil {
			return err
		}
		buffer = buffer[:0]
		return nil
	}

	for _, path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			ix.logger.Warn("skipping unreadable file", "path", path, "err", err)
			result.FailedFiles++
			continue
		}
		result.IndexedFiles++

		relPath := ix.relativePath(path)
		docID := chunker.DocID(relPath)
		chunks := ix.chunker.Chunk(string(content), docID, relPath)

		vectors := fn.ParMapResult(chunks, ix.workers, func(c domain.Chunk) fn.Result[[]float32] {
			if ix.limiter != nil {
				if err := ix.limiter.Wait(ctx); err != nil {
					return fn.Err[[]float32](err)
				}
			}
			return fn.FromPair(ix.embedder.Embed(ctx, c.Text, ""))
		})

		for i, c := range chunks {
			result.TotalChunks++
			vec, err := vectors[i].Unwrap()
			if err != nil {
				ix.logger.Warn("chunk embedding failed",
					"path", relPath, "chunk_index", i, "err", err)
				result.FailedChunks++
				continue
			}
			buffer = append(buffer, semantic.VectorRecord{
				ID:     chunker.PointID(docID, i, c.Hash),
				Vector: vec,
				Chunk:  c,
			})
			result.SuccessfulChunks++
			if len(buffer) >= UpsertBatchSize {
				if err := flush(); err != nil {
					return domain.IndexResult{}, err
				}
			}
		}
	}

	if err := flush(); err != nil {
		return domain.IndexResult{}, err
	}

	result.DurationMs = time.Since(started).Milliseconds()

	if result.IndexedFiles > 0 && result.TotalChunks == 0 {
		ix.logger.Warn("reindex produced no chunks",
			"total_files", result.TotalFiles,
			"indexed_files", result.IndexedFiles,
			"reason", "markdown contains only headings or empty sections")
	}

	return result, nil
}

// scan returns the markdown files under the knowledge directory,
// lexicographically sorted for deterministic ordering across runs. A
// missing directory yields an empty set, not an error.
func (ix *Indexer) scan() ([]string, error) {
	if _, err := os.Stat(ix.knowledgeDir); os.IsNotExist(err) {
		return nil, nil
	}

	var files []string
	err := filepath.WalkDir(ix.knowledgeDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), markdownExt) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func (ix *Indexer) relativePath(path string) string {
	rel, err := filepath.Rel(ix.knowledgeDir, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
