// Package jobs coordinates reindex runs: at most one job executes at a
// time system-wide, and only the current or most recent job is retained.
package jobs

import (
	"errors"
	"sync"
	"time"

	"github.com/Milittle/EngineQA/engine/domain"
	"github.com/google/uuid"
)

// ErrJobInProgress is returned by Start while another job is running.
var ErrJobInProgress = errors.New("another reindex job is already in progress")

// Coordinator is the single-flight job state machine. All mutations are
// serialized under one mutex; critical sections are pure in-memory work.
type Coordinator struct {
	mu            sync.Mutex
	current       *domain.Job
	lastIndexTime *time.Time
	now           func() time.Time
}

// NewCoordinator creates an idle Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{now: time.Now}
}

// Start transitions to running and returns the new job id, or
// ErrJobInProgress if a job is already running. Starting discards any
// previous terminal job record.
func (c *Coordinator) Start() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && c.current.Status == domain.JobRunning {
		return "", ErrJobInProgress
	}

	jobID := uuid.NewString()
	c.current = &domain.Job{
		JobID:     jobID,
		Status:    domain.JobRunning,
		StartedAt: c.now(),
	}
	return jobID, nil
}

// Complete marks the tracked job completed and records the end time as
// the last successful index time. A no-op when no job is tracked.
func (c *Coordinator) Complete(result domain.IndexResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return
	}
	ended := c.now()
	c.current.Status = domain.JobCompleted
	c.current.EndedAt = &ended
	c.current.Result = &result
	c.current.Error = ""
	c.lastIndexTime = &ended
}

// Fail marks the tracked job failed with the given message. A no-op
// when no job is tracked.
func (c *Coordinator) Fail(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return
	}
	ended := c.now()
	c.current.Status = domain.JobFailed
	c.current.EndedAt = &ended
	c.current.Error = message
}

// Current returns a snapshot of the current or most recent job, or nil
// if none has run. Callers never see a live reference.
func (c *Coordinator) Current() *domain.Job {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return nil
	}
	snap := *c.current
	if c.current.EndedAt != nil {
		ended := *c.current.EndedAt
		snap.EndedAt = &ended
	}
	if c.current.Result != nil {
		result := *c.current.Result
		snap.Result = &result
	}
	return &snap
}

// LastIndexTime returns when the last successful reindex finished.
func (c *Coordinator) LastIndexTime() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastIndexTime == nil {
		return time.Time{}, false
	}
	return *c.lastIndexTime, true
}
