package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/dmoren/styleforge/pkg/models"
	"github.com/dmoren/styleforge/pkg/style"
)

// MemoryStore is an in-memory implementation of the data store
type MemoryStore struct {
	locks    map[string]*style.Record
	batches  map[string]*models.BatchRun
	jobs     map[string]*models.GenerationJob
	results  map[string][]*models.GenerationResult
	locksMu  sync.RWMutex
	batchMu  sync.RWMutex
	jobsMu   sync.RWMutex
	resultMu sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:   make(map[string]*style.Record),
		batches: make(map[string]*models.BatchRun),
		jobs:    make(map[string]*models.GenerationJob),
		results: make(map[string][]*models.GenerationResult),
	}
}

// Lock record operations

// SaveLockRecord stores or replaces the lock record for a project
func (s *MemoryStore) SaveLockRecord(rec *style.Record) error {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	cp := *rec
	s.locks[rec.ProjectID] = &cp
	return nil
}

// GetLockRecord retrieves the lock record for a project
func (s *MemoryStore) GetLockRecord(projectID string) (*style.Record, error) {
	s.locksMu.RLock()
	defer s.locksMu.RUnlock()

	rec, ok := s.locks[projectID]
	if !ok {
		return nil, ErrLockNotFound
	}
	cp := *rec
	return &cp, nil
}

// DeleteLockRecord removes a project's lock record
func (s *MemoryStore) DeleteLockRecord(projectID string) error {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if _, ok := s.locks[projectID]; !ok {
		return ErrLockNotFound
	}
	delete(s.locks, projectID)
	return nil
}

// Batch operations

// CreateBatch adds a new batch run
func (s *MemoryStore) CreateBatch(b *models.BatchRun) error {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	s.batches[b.ID] = copyBatch(b)
	return nil
}

// GetBatch retrieves a batch run by ID
func (s *MemoryStore) GetBatch(id string) (*models.BatchRun, error) {
	s.batchMu.RLock()
	defer s.batchMu.RUnlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return copyBatch(b), nil
}

// ListBatches returns all batch runs
func (s *MemoryStore) ListBatches() ([]*models.BatchRun, error) {
	s.batchMu.RLock()
	defer s.batchMu.RUnlock()

	batches := make([]*models.BatchRun, 0, len(s.batches))
	for _, b := range s.batches {
		batches = append(batches, copyBatch(b))
	}
	return batches, nil
}

// UpdateBatch replaces the stored batch run
func (s *MemoryStore) UpdateBatch(b *models.BatchRun) error {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	if _, ok := s.batches[b.ID]; !ok {
		return ErrBatchNotFound
	}
	s.batches[b.ID] = copyBatch(b)
	return nil
}

// Job operations

// CreateJob adds a new generation job
func (s *MemoryStore) CreateJob(j *models.GenerationJob) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	s.jobs[j.ID] = copyJob(j)
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(id string) (*models.GenerationJob, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(j), nil
}

// GetBatchJobs returns all jobs belonging to a batch
func (s *MemoryStore) GetBatchJobs(batchID string) ([]*models.GenerationJob, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	jobs := make([]*models.GenerationJob, 0)
	for _, j := range s.jobs {
		if j.BatchID == batchID {
			jobs = append(jobs, copyJob(j))
		}
	}
	return jobs, nil
}

// BeginAttempt moves a pending job to in_flight and consumes one attempt.
// The transition and the increment happen under one lock so two workers can
// never start the same attempt.
func (s *MemoryStore) BeginAttempt(id string) (*models.GenerationJob, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}

	if err := models.ValidateTransition(j.Status, models.JobStatusInFlight); err != nil {
		return nil, err
	}

	now := time.Now()
	j.StateTransitions = append(j.StateTransitions, models.StateTransition{
		From:      j.Status,
		To:        models.JobStatusInFlight,
		Timestamp: now,
		Reason:    fmt.Sprintf("attempt %d", j.AttemptCount+1),
	})
	j.Status = models.JobStatusInFlight
	j.AttemptCount++
	if j.StartedAt == nil {
		j.StartedAt = &now
	}

	return copyJob(j), nil
}

// TransitionJob applies an FSM-validated state change to a job
func (s *MemoryStore) TransitionJob(id string, to models.JobStatus, reason string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	if err := models.ValidateTransition(j.Status, to); err != nil {
		return err
	}

	now := time.Now()
	j.StateTransitions = append(j.StateTransitions, models.StateTransition{
		From:      j.Status,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	j.Status = to

	switch to {
	case models.JobStatusFailedTransient, models.JobStatusFailedConsistency, models.JobStatusFailedPermanent:
		j.Error = reason
	case models.JobStatusPending:
		j.Error = ""
	}

	if models.JobTerminal(j) {
		j.CompletedAt = &now
	}
	return nil
}

// AppendScore records a consistency score for a job
func (s *MemoryStore) AppendScore(id string, score models.ConsistencyScore) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Scores = append(j.Scores, score)
	return nil
}

// Attempt results

// RecordResult stores one attempt outcome
func (s *MemoryStore) RecordResult(res *models.GenerationResult) error {
	s.resultMu.Lock()
	defer s.resultMu.Unlock()

	cp := *res
	s.results[res.JobID] = append(s.results[res.JobID], &cp)
	return nil
}

// GetJobResults returns all attempt outcomes for a job, oldest first
func (s *MemoryStore) GetJobResults(jobID string) ([]*models.GenerationResult, error) {
	s.resultMu.RLock()
	defer s.resultMu.RUnlock()

	results := make([]*models.GenerationResult, 0, len(s.results[jobID]))
	for _, r := range s.results[jobID] {
		cp := *r
		results = append(results, &cp)
	}
	return results, nil
}

// Metrics operations

// GetBatchMetrics returns aggregated counts across all batches and jobs
func (s *MemoryStore) GetBatchMetrics() (*BatchMetrics, error) {
	m := &BatchMetrics{
		JobsByStatus:    make(map[models.JobStatus]int),
		BatchesByStatus: make(map[models.BatchStatus]int),
	}

	s.batchMu.RLock()
	m.TotalBatches = len(s.batches)
	for _, b := range s.batches {
		m.BatchesByStatus[b.Status]++
	}
	s.batchMu.RUnlock()

	s.jobsMu.RLock()
	m.TotalJobs = len(s.jobs)
	for _, j := range s.jobs {
		m.JobsByStatus[j.Status]++
		m.TotalAttempts += j.AttemptCount
		if j.Status == models.JobStatusInFlight || j.Status == models.JobStatusPending {
			m.ActiveJobs++
		}
	}
	s.jobsMu.RUnlock()

	return m, nil
}

// HealthCheck always succeeds for the in-memory store
func (s *MemoryStore) HealthCheck() error {
	return nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

// copyJob returns a deep copy so callers never share slices with the store
func copyJob(j *models.GenerationJob) *models.GenerationJob {
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Scores = append([]models.ConsistencyScore(nil), j.Scores...)
	cp.StateTransitions = append([]models.StateTransition(nil), j.StateTransitions...)
	return &cp
}

func copyBatch(b *models.BatchRun) *models.BatchRun {
	cp := *b
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		cp.CompletedAt = &t
	}
	cp.JobIDs = append([]string(nil), b.JobIDs...)
	return &cp
}
