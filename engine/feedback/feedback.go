// Package feedback stores user feedback on answers in memory.
package feedback

import (
	"sync"
	"time"

	"github.com/Milittle/EngineQA/engine/domain"
	"github.com/google/uuid"
)

// Record is one saved piece of feedback.
type Record struct {
	ID        string          `json:"id"`
	Feedback  domain.Feedback `json:"feedback"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is an append-only in-memory feedback log.
type Store struct {
	mu      sync.Mutex
	records []Record
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{}
}

// Save appends a feedback record and returns its id.
func (s *Store) Save(fb domain.Feedback) string {
	rec := Record{
		ID:        uuid.NewString(),
		Feedback:  fb,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return rec.ID
}

// Len returns how many records have been saved.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
