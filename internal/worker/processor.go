package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"github.com/cuongbtq/grievance-pipeline/internal/retry"
)

// notDueRecheck is the shortest wait before re-offering a job that was not
// yet due, bounding the loop when store and worker clocks disagree
const notDueRecheck = 50 * time.Millisecond

// processJob runs one attempt of jobID. A nil return means the delivery is
// done with, whatever the attempt outcome; errors describe deliveries that
// could not be processed at all.
func (w *Pool) processJob(ctx context.Context, jobID string) error {
	// Step 1: Claim job from store (PENDING → RUNNING)
	job, err := w.store.Claim(ctx, jobID, w.workerID, w.leaseDuration)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotDue) && w.deferNotDue(ctx, jobID) {
			return nil
		}
		switch {
		case errors.Is(err, domain.ErrJobAlreadyClaimed),
			errors.Is(err, domain.ErrJobNotDue),
			errors.Is(err, domain.ErrJobNotFound):
			w.logger.Debug("Job not claimable, skipping",
				slog.String("job_id", jobID),
				slog.String("reason", err.Error()),
			)
			return fmt.Errorf("claim %s: %w", jobID, err)
		}
		w.logger.Error("Failed to claim job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}

	w.logger.Info("Processing job",
		slog.String("job_id", job.JobID),
		slog.String("job_type", job.JobType),
		slog.Int("attempt", job.AttemptCount),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	// Step 2: the attempt survives pool shutdown; only the hard timeout stops it
	runCtx := context.WithoutCancel(ctx)
	jobCtx, cancel := context.WithTimeout(runCtx, w.hardTimeout)
	defer cancel()

	// Step 3: soft timeout warning and lease heartbeat
	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, job.JobID, heartbeatDone)
	defer close(heartbeatDone)

	if w.softTimeout > 0 && w.softTimeout < w.hardTimeout {
		soft := time.AfterFunc(w.softTimeout, func() {
			w.logger.Warn("Job exceeded soft timeout",
				slog.String("job_id", job.JobID),
				slog.String("job_type", job.JobType),
				slog.Duration("soft_timeout", w.softTimeout),
			)
		})
		defer soft.Stop()
	}

	// Step 4: Execute
	started := time.Now()
	result, execErr := w.executeJob(jobCtx, job)
	if execErr == nil && jobCtx.Err() != nil {
		execErr = jobCtx.Err()
	}
	if execErr != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		execErr = domain.NewRetryableError(fmt.Errorf("job exceeded hard timeout %s: %w", w.hardTimeout, execErr))
	}

	// Step 5: Record the outcome
	if execErr == nil {
		return w.completeJob(runCtx, job, result, time.Since(started))
	}
	return w.failJob(runCtx, job, execErr)
}

func (w *Pool) completeJob(ctx context.Context, job *domain.Job, result json.RawMessage, took time.Duration) error {
	updated, err := w.store.Complete(ctx, job.JobID, w.workerID, result)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			w.logger.Warn("Lost ownership before completing job, result discarded",
				slog.String("job_id", job.JobID),
				slog.Any("error", err),
			)
			return nil
		}
		w.logger.Error("Failed to update job status to SUCCEEDED",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
		// the lease expires and the sweeper recovers the job
		return nil
	}

	w.logger.Info("Job completed successfully",
		slog.String("job_id", updated.JobID),
		slog.String("job_type", updated.JobType),
		slog.Int("attempt", updated.AttemptCount),
		slog.Duration("took", took),
	)
	return nil
}

func (w *Pool) failJob(ctx context.Context, job *domain.Job, execErr error) error {
	decision := w.policy.Decide(job.AttemptCount, job.MaxAttempts, execErr, w.now())
	retryable := decision.Action != retry.ActionFailPermanent

	w.logger.Warn("Job execution failed",
		slog.String("job_id", job.JobID),
		slog.String("job_type", job.JobType),
		slog.Int("attempt", job.AttemptCount),
		slog.String("action", decision.Action.String()),
		slog.Any("error", execErr),
	)

	updated, err := w.store.Fail(ctx, job.JobID, w.workerID, execErr.Error(), retryable, decision.Delay)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			w.logger.Warn("Lost ownership before recording failure",
				slog.String("job_id", job.JobID),
				slog.Any("error", err),
			)
			return nil
		}
		w.logger.Error("Failed to record job failure",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
		return nil
	}

	switch updated.Status {
	case domain.JobStatusPending:
		w.scheduleRetry(ctx, updated, decision.Delay)
	case domain.JobStatusDeadLettered:
		w.logger.Warn("Job exceeded max attempts",
			slog.String("job_id", updated.JobID),
			slog.Int("attempt_count", updated.AttemptCount),
			slog.Int("max_attempts", updated.MaxAttempts),
		)
	case domain.JobStatusFailed:
		w.logger.Warn("Job failed permanently",
			slog.String("job_id", updated.JobID),
		)
	}
	return nil
}

// scheduleRetry re-enqueues after delay measured on this host's clock.
// available_at was stamped by the store, whose clock may differ.
func (w *Pool) scheduleRetry(ctx context.Context, job *domain.Job, delay time.Duration) {
	w.logger.Info("Job will be retried",
		slog.String("job_id", job.JobID),
		slog.Int("attempt_count", job.AttemptCount),
		slog.Duration("delay", delay),
		slog.Time("available_at", job.AvailableAt),
	)

	if w.scheduler == nil {
		return
	}
	if err := w.scheduler.Schedule(ctx, job.QueueClass, job.JobID, w.now().Add(delay)); err != nil {
		// the sweeper republishes due PENDING jobs
		w.logger.Error("Failed to schedule retry",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
	}
}

// deferNotDue hands a delivery that arrived before the job's available_at
// back to the scheduler. It reports false when nothing was scheduled.
func (w *Pool) deferNotDue(ctx context.Context, jobID string) bool {
	if w.scheduler == nil {
		return false
	}
	job, err := w.store.Get(ctx, jobID)
	if err != nil || job.Status != domain.JobStatusPending {
		return false
	}

	wait := job.AvailableAt.Sub(w.now())
	if wait < notDueRecheck {
		wait = notDueRecheck
	}
	if wait > w.policy.MaxDelay {
		wait = w.policy.MaxDelay
	}
	if err := w.scheduler.Schedule(ctx, job.QueueClass, job.JobID, w.now().Add(wait)); err != nil {
		w.logger.Error("Failed to reschedule job that was not yet due",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return false
	}

	w.logger.Debug("Job not yet due, rescheduled",
		slog.String("job_id", jobID),
		slog.Time("available_at", job.AvailableAt),
		slog.Duration("wait", wait),
	)
	return true
}

// executeJob runs the executor, converting panics into failed attempts
func (w *Pool) executeJob(ctx context.Context, job *domain.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Executor panicked",
				slog.String("job_id", job.JobID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			result = nil
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()

	result, err = w.executor.Execute(ctx, job)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(result) {
		return nil, domain.NewPermanentError(errors.New("executor returned invalid JSON result"))
	}
	return result, nil
}

// sendJobHeartbeat keeps the lease alive while the attempt runs
func (w *Pool) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.store.ExtendLease(ctx, jobID, w.workerID, w.leaseDuration); err != nil {
				w.logger.Warn("Failed to extend job lease",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
	}
}
