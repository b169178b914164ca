package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/grievance-pipeline/internal/queue"
)

// setupConsumer subscribes to the class queue under the pool's worker id
func (w *Pool) setupConsumer(ctx context.Context) (<-chan queue.Delivery, error) {
	deliveries, err := w.transport.Consume(ctx, w.class, w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("Consumer started",
		slog.String("consumer_tag", w.workerID),
	)
	return deliveries, nil
}

// startMessageDispatcher feeds deliveries to the worker goroutines until the
// transport closes or ctx is canceled.
func (w *Pool) startMessageDispatcher(ctx context.Context, deliveries <-chan queue.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Delivery channel closed")
				return
			}

			select {
			case w.jobsChan <- delivery:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("job_id", delivery.JobID),
				)
			case <-ctx.Done():
				w.logger.Info("Message dispatcher stopped while dispatching job")
				// hand the message back so it can be reprocessed
				if nackErr := delivery.Nack(true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown",
						slog.String("job_id", delivery.JobID),
						slog.Any("error", nackErr),
					)
				}
				return
			}
		}
	}
}
