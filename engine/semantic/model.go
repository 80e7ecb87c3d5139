package semantic

import "github.com/Milittle/EngineQA/engine/domain"

// VectorRecord is a single point to store: a chunk, its embedding, and
// its deterministic storage id.
type VectorRecord struct {
	ID     string
	Vector []float32
	Chunk  domain.Chunk
}
