package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
)

// MemoryStore keeps job records in process. A single mutex serializes all
// writes, which gives the same compare-and-swap guarantees as the SQL store.
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]*domain.Job
	byKey map[string][]string
	now   func() time.Time
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock overrides the store clock
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		jobs:  make(map[string]*domain.Job),
		byKey: make(map[string][]string),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.JobID]; exists {
		return fmt.Errorf("%w: job %s already exists", domain.ErrWriteConflict, job.JobID)
	}
	if job.Status != domain.JobStatusPending {
		return fmt.Errorf("%w: new job must be PENDING, got %s", domain.ErrInvalidTransition, job.Status)
	}

	now := s.now()
	stored := job.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.AvailableAt.IsZero() {
		stored.AvailableAt = stored.CreatedAt
	}
	stored.UpdatedAt = stored.CreatedAt
	s.jobs[stored.JobID] = stored
	s.byKey[stored.CorrelationKey] = append(s.byKey[stored.CorrelationKey], stored.JobID)

	*job = *stored.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) GetByCorrelation(_ context.Context, key string) ([]*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byKey[key]
	out := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		if job, ok := s.jobs[id]; ok {
			out = append(out, job.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) Claim(_ context.Context, jobID, workerID string, lease time.Duration) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusPending {
		return nil, domain.ErrJobAlreadyClaimed
	}
	now := s.now()
	if job.AvailableAt.After(now) {
		return nil, domain.ErrJobNotDue
	}

	leaseUntil := now.Add(lease)
	job.Status = domain.JobStatusRunning
	job.WorkerID = workerID
	job.AttemptCount++
	job.LeaseExpiresAt = &leaseUntil
	job.UpdatedAt = now
	return job.Clone(), nil
}

func (s *MemoryStore) ExtendLease(_ context.Context, jobID, workerID string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.owned(jobID, workerID)
	if err != nil {
		return err
	}
	now := s.now()
	leaseUntil := now.Add(lease)
	job.LeaseExpiresAt = &leaseUntil
	job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, jobID, workerID string, result json.RawMessage) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.owned(jobID, workerID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	job.Status = domain.JobStatusSucceeded
	job.Result = append(json.RawMessage(nil), result...)
	job.Error = ""
	job.LeaseExpiresAt = nil
	job.UpdatedAt = now
	job.CompletedAt = &now
	return job.Clone(), nil
}

func (s *MemoryStore) Fail(_ context.Context, jobID, workerID, errMsg string, retryable bool, retryDelay time.Duration) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.owned(jobID, workerID)
	if err != nil {
		return nil, err
	}
	s.applyFailure(job, errMsg, retryable, s.now().Add(retryDelay))
	return job.Clone(), nil
}

func (s *MemoryStore) Abandon(_ context.Context, jobID, errMsg string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusPending {
		return nil, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, jobID, job.Status)
	}

	now := s.now()
	job.Status = domain.JobStatusFailed
	job.Error = errMsg
	job.UpdatedAt = now
	job.CompletedAt = &now
	return job.Clone(), nil
}

func (s *MemoryStore) RecoverExpired(_ context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*domain.Job
	for _, job := range s.jobs {
		if job.Status == domain.JobStatusRunning && job.LeaseExpiresAt != nil && job.LeaseExpiresAt.Before(now) {
			expired = append(expired, job)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].LeaseExpiresAt.Before(*expired[j].LeaseExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	out := make([]*domain.Job, 0, len(expired))
	for _, job := range expired {
		s.applyFailure(job, LeaseExpiredError, true, s.now())
		out = append(out, job.Clone())
	}
	return out, nil
}

func (s *MemoryStore) ListStalePending(_ context.Context, class domain.QueueClass, before time.Time, limit int) ([]*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Job
	for _, job := range s.jobs {
		if job.QueueClass != class || job.Status != domain.JobStatusPending {
			continue
		}
		if job.AvailableAt.After(before) || job.UpdatedAt.After(before) {
			continue
		}
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PurgeTerminal(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for id, job := range s.jobs {
		if !job.Status.IsTerminal() || job.CompletedAt == nil || !job.CompletedAt.Before(before) {
			continue
		}
		delete(s.jobs, id)
		ids := s.byKey[job.CorrelationKey]
		for i, other := range ids {
			if other == id {
				s.byKey[job.CorrelationKey] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(s.byKey[job.CorrelationKey]) == 0 {
			delete(s.byKey, job.CorrelationKey)
		}
		purged++
	}
	return purged, nil
}

// owned returns the live record if it is RUNNING under workerID
func (s *MemoryStore) owned(jobID, workerID string) (*domain.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if job.Status != domain.JobStatusRunning || job.WorkerID != workerID {
		return nil, fmt.Errorf("%w: job %s is %s (worker %q)", domain.ErrInvalidTransition, jobID, job.Status, job.WorkerID)
	}
	return job, nil
}

func (s *MemoryStore) applyFailure(job *domain.Job, errMsg string, retryable bool, retryAt time.Time) {
	now := s.now()
	job.Error = errMsg
	job.WorkerID = ""
	job.LeaseExpiresAt = nil
	job.UpdatedAt = now

	switch {
	case !retryable:
		job.Status = domain.JobStatusFailed
		job.CompletedAt = &now
	case job.AttemptCount >= job.MaxAttempts:
		job.Status = domain.JobStatusDeadLettered
		job.CompletedAt = &now
	default:
		job.Status = domain.JobStatusPending
		job.AvailableAt = retryAt
	}
}
