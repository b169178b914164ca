package jobstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
)

// Store is the single source of truth for job records.
// Every status write is a compare-and-swap on the current status, so two
// workers can never both own a job and a terminal record never changes.
type Store interface {
	// Create persists a new PENDING job
	Create(ctx context.Context, job *domain.Job) error

	// Get returns the job or domain.ErrJobNotFound
	Get(ctx context.Context, jobID string) (*domain.Job, error)

	// GetByCorrelation returns every job submitted for key, oldest first
	GetByCorrelation(ctx context.Context, key string) ([]*domain.Job, error)

	// Claim moves a due PENDING job to RUNNING for workerID and bumps attempt_count
	Claim(ctx context.Context, jobID, workerID string, lease time.Duration) (*domain.Job, error)

	// ExtendLease pushes out the lease of a job still RUNNING under workerID
	ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error

	// Complete moves a RUNNING job owned by workerID to SUCCEEDED
	Complete(ctx context.Context, jobID, workerID string, result json.RawMessage) (*domain.Job, error)

	// Fail records a failed attempt. Retryable failures with attempts left go
	// back to PENDING, due retryDelay after the store's own clock; exhausted
	// ones go to DEAD_LETTERED and non-retryable ones to FAILED.
	Fail(ctx context.Context, jobID, workerID, errMsg string, retryable bool, retryDelay time.Duration) (*domain.Job, error)

	// Abandon moves a PENDING job straight to FAILED with errMsg, for jobs
	// whose submission could not be completed
	Abandon(ctx context.Context, jobID, errMsg string) (*domain.Job, error)

	// RecoverExpired treats RUNNING jobs whose lease ended before now as timed-out attempts
	RecoverExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)

	// ListStalePending returns PENDING jobs of class that were due and untouched since before
	ListStalePending(ctx context.Context, class domain.QueueClass, before time.Time, limit int) ([]*domain.Job, error)

	// PurgeTerminal deletes terminal jobs completed before the cutoff
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}

// LeaseExpiredError is the error recorded on jobs recovered from an expired lease
const LeaseExpiredError = "lease expired: hard timeout exceeded"
