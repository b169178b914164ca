package jobstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
)

// Publisher receives a message for every job status transition
type Publisher interface {
	Publish(ctx context.Context, msg domain.StatusMessage) error
}

// PublishingStore wraps a Store and announces each successful transition.
// Publishing is best effort: a failed publish is logged and never turns a
// committed write into an error.
type PublishingStore struct {
	Store
	publisher Publisher
	logger    *slog.Logger
}

// WithPublisher decorates store so transitions are pushed to publisher
func WithPublisher(store Store, publisher Publisher, logger *slog.Logger) *PublishingStore {
	return &PublishingStore{
		Store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

func (s *PublishingStore) Create(ctx context.Context, job *domain.Job) error {
	if err := s.Store.Create(ctx, job); err != nil {
		return err
	}
	s.publish(ctx, job)
	return nil
}

func (s *PublishingStore) Claim(ctx context.Context, jobID, workerID string, lease time.Duration) (*domain.Job, error) {
	job, err := s.Store.Claim(ctx, jobID, workerID, lease)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, job)
	return job, nil
}

func (s *PublishingStore) Complete(ctx context.Context, jobID, workerID string, result json.RawMessage) (*domain.Job, error) {
	job, err := s.Store.Complete(ctx, jobID, workerID, result)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, job)
	return job, nil
}

func (s *PublishingStore) Fail(ctx context.Context, jobID, workerID, errMsg string, retryable bool, retryDelay time.Duration) (*domain.Job, error) {
	job, err := s.Store.Fail(ctx, jobID, workerID, errMsg, retryable, retryDelay)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, job)
	return job, nil
}

func (s *PublishingStore) Abandon(ctx context.Context, jobID, errMsg string) (*domain.Job, error) {
	job, err := s.Store.Abandon(ctx, jobID, errMsg)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, job)
	return job, nil
}

func (s *PublishingStore) RecoverExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	jobs, err := s.Store.RecoverExpired(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		s.publish(ctx, job)
	}
	return jobs, nil
}

func (s *PublishingStore) publish(ctx context.Context, job *domain.Job) {
	if err := s.publisher.Publish(ctx, job.StatusMessage()); err != nil {
		s.logger.Warn("Failed to publish job status",
			slog.String("job_id", job.JobID),
			slog.String("correlation_key", job.CorrelationKey),
			slog.String("status", string(job.Status)),
			slog.Any("error", err),
		)
	}
}
