package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Pool) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Pool) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for msg := range w.jobsChan {
		err := w.processJob(ctx, msg.JobID)

		if err != nil {
			requeue := w.shouldRequeueJob(err)
			if requeue {
				w.logger.Warn("Job delivery requeued",
					slog.String("worker_name", workerName),
					slog.String("job_id", msg.JobID),
					slog.Any("error", err),
				)
			} else {
				w.logger.Debug("Job delivery dropped",
					slog.String("worker_name", workerName),
					slog.String("job_id", msg.JobID),
					slog.Any("error", err),
				)
			}

			if nackErr := msg.Nack(requeue); nackErr != nil {
				w.logger.Error("Failed to NACK message",
					slog.String("worker_name", workerName),
					slog.String("job_id", msg.JobID),
					slog.Any("error", nackErr),
				)
			}
			continue
		}

		if ackErr := msg.Ack(); ackErr != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.JobID),
				slog.Any("error", ackErr),
			)
		}
	}

	w.logger.Debug("Worker goroutine stopping - jobsChan closed",
		slog.String("worker_name", workerName),
	)
}

// shouldRequeueJob decides whether a delivery that could not be processed
// goes back on the queue. Attempt failures never reach here: they are
// recorded in the store and retried through the scheduler.
func (w *Pool) shouldRequeueJob(err error) bool {
	switch {
	case errors.Is(err, domain.ErrJobAlreadyClaimed),
		errors.Is(err, domain.ErrJobNotDue),
		errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrInvalidTransition):
		return false
	}

	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
