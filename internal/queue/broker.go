package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"github.com/cuongbtq/grievance-pipeline/internal/jobstore"
	"github.com/google/uuid"
)

// EnqueueRequest describes one job submission
type EnqueueRequest struct {
	QueueClass     domain.QueueClass
	JobType        string
	CorrelationKey string
	Payload        json.RawMessage
	MaxAttempts    int

	// BeforePublish runs after the record is persisted and before the id is
	// handed to the transport. An error aborts the publish and the record is
	// moved to FAILED.
	BeforePublish func(ctx context.Context, job *domain.Job) error
}

// Broker persists jobs and makes them visible to the pool of their queue class
type Broker struct {
	store       jobstore.Store
	transport   Transport
	maxAttempts map[domain.QueueClass]int
	logger      *slog.Logger
	newID       func() string
}

// NewBroker creates a broker accepting exactly the classes in maxAttempts
func NewBroker(store jobstore.Store, transport Transport, maxAttempts map[domain.QueueClass]int, logger *slog.Logger) *Broker {
	classes := make(map[domain.QueueClass]int, len(maxAttempts))
	for class, n := range maxAttempts {
		classes[class] = n
	}
	return &Broker{
		store:       store,
		transport:   transport,
		maxAttempts: classes,
		logger:      logger,
		newID:       uuid.NewString,
	}
}

// Accepts reports whether class has a configured pool
func (b *Broker) Accepts(class domain.QueueClass) bool {
	_, ok := b.maxAttempts[class]
	return ok
}

// Enqueue validates and persists the job as PENDING, then publishes its id.
// A publish failure is logged but not returned: the record is durable and the
// sweeper republishes stale PENDING jobs.
func (b *Broker) Enqueue(ctx context.Context, req EnqueueRequest) (*domain.Job, error) {
	defaultAttempts, ok := b.maxAttempts[req.QueueClass]
	if !ok {
		return nil, &domain.UnknownQueueClassError{Class: string(req.QueueClass)}
	}
	if strings.TrimSpace(req.CorrelationKey) == "" {
		return nil, fmt.Errorf("%w: correlation_key is required", domain.ErrInvalidPayload)
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}
	if !json.Valid(req.Payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", domain.ErrInvalidPayload)
	}

	jobType := strings.TrimSpace(req.JobType)
	if jobType == "" {
		jobType = string(req.QueueClass)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}

	// timestamps are stamped by the store so available_at shares Claim's clock
	job := &domain.Job{
		JobID:          b.newID(),
		CorrelationKey: req.CorrelationKey,
		JobType:        jobType,
		QueueClass:     req.QueueClass,
		Payload:        req.Payload,
		Status:         domain.JobStatusPending,
		MaxAttempts:    maxAttempts,
	}

	if err := b.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	if req.BeforePublish != nil {
		if err := req.BeforePublish(ctx, job); err != nil {
			// no session waits on the job, so it must never reach a worker
			if _, abandonErr := b.store.Abandon(ctx, job.JobID, fmt.Sprintf("submission aborted: %v", err)); abandonErr != nil {
				b.logger.Error("Failed to abandon unpublished job",
					slog.String("job_id", job.JobID),
					slog.Any("error", abandonErr),
				)
			}
			return nil, fmt.Errorf("job %s not published: %w", job.JobID, err)
		}
	}

	if err := b.transport.Publish(ctx, job.QueueClass, job.JobID); err != nil {
		b.logger.Warn("Failed to publish job, sweeper will retry",
			slog.String("job_id", job.JobID),
			slog.String("queue_class", string(job.QueueClass)),
			slog.Any("error", err),
		)
	}

	b.logger.Info("Job enqueued",
		slog.String("job_id", job.JobID),
		slog.String("job_type", job.JobType),
		slog.String("queue_class", string(job.QueueClass)),
		slog.String("correlation_key", job.CorrelationKey),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	return job, nil
}
