package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"github.com/cuongbtq/grievance-pipeline/internal/synchronizer"
)

// DefaultInterval is the fixed polling period
const DefaultInterval = 1500 * time.Millisecond

// MissingRecordError is the skip reason for a pending job whose record is gone
const MissingRecordError = "job record no longer exists"

// JobLister reads job records for a correlation key
type JobLister interface {
	GetByCorrelation(ctx context.Context, key string) ([]*domain.Job, error)
}

// Merger is the idempotent merge path shared with push delivery
type Merger interface {
	Correlation(ctx context.Context, key string) (*domain.Correlation, error)
	Apply(ctx context.Context, msg domain.StatusMessage) (synchronizer.Result, error)
}

// Poller finds terminal jobs whose push message never arrived
type Poller struct {
	jobs     JobLister
	merger   Merger
	interval time.Duration
	logger   *slog.Logger
}

func New(jobs JobLister, merger Merger, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		jobs:     jobs,
		merger:   merger,
		interval: interval,
		logger:   logger.With(slog.String("component", "poller")),
	}
}

// Interval returns the polling period
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Cycle reports what one poll did
type Cycle struct {
	Applied   []synchronizer.Result
	Remaining int
}

// Poll runs one cycle for key: every terminal job still in the pending set is
// handed to the merger as if it had been pushed.
func (p *Poller) Poll(ctx context.Context, key string) (Cycle, error) {
	var cycle Cycle

	c, err := p.merger.Correlation(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrCorrelationNotFound) {
			return cycle, nil
		}
		return cycle, fmt.Errorf("failed to read correlation: %w", err)
	}
	if len(c.PendingJobIDs) == 0 {
		return cycle, nil
	}

	jobs, err := p.jobs.GetByCorrelation(ctx, key)
	if err != nil {
		return cycle, fmt.Errorf("failed to list jobs: %w", err)
	}

	remaining := len(c.PendingJobIDs)
	seen := make(map[string]struct{}, len(jobs))
	msgs := make([]domain.StatusMessage, 0, len(c.PendingJobIDs))
	for _, job := range jobs {
		seen[job.JobID] = struct{}{}
		if _, pending := c.PendingJobIDs[job.JobID]; !pending || !job.Status.IsTerminal() {
			continue
		}
		msgs = append(msgs, job.StatusMessage())
	}

	// a pending id without a record (purged or lost) can never finish
	for id, jobType := range c.PendingJobIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		reason := MissingRecordError
		msgs = append(msgs, domain.StatusMessage{
			Event:          domain.EventJobStatus,
			JobID:          id,
			CorrelationKey: key,
			JobType:        jobType,
			Status:         domain.JobStatusFailed,
			Error:          &reason,
			UpdatedAt:      time.Now().UTC(),
		})
	}

	for _, msg := range msgs {
		res, err := p.merger.Apply(ctx, msg)
		if err != nil {
			p.logger.Error("Failed to apply polled status",
				slog.String("correlation_key", key),
				slog.String("job_id", msg.JobID),
				slog.Any("error", err),
			)
			continue
		}
		remaining--
		cycle.Applied = append(cycle.Applied, res)

		p.logger.Info("Poller picked up terminal job",
			slog.String("correlation_key", key),
			slog.String("job_id", msg.JobID),
			slog.String("status", string(msg.Status)),
			slog.String("outcome", string(res.Outcome)),
		)
	}

	cycle.Remaining = remaining
	return cycle, nil
}

// Run polls key every interval until nothing is pending or ctx is canceled
func (p *Poller) Run(ctx context.Context, key string) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cycle, err := p.Poll(ctx, key)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Warn("Poll cycle failed",
					slog.String("correlation_key", key),
					slog.Any("error", err),
				)
				continue
			}
			if cycle.Remaining == 0 {
				p.logger.Debug("Nothing pending, poller stopping",
					slog.String("correlation_key", key),
				)
				return nil
			}
		}
	}
}
