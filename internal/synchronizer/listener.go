package synchronizer

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/grievance-pipeline/internal/notify"
)

// Subscriber is the push side of the notification channel
type Subscriber interface {
	Subscribe(key string) *notify.Subscription
	Unsubscribe(sub *notify.Subscription)
}

// Listen feeds every terminal status message published for key into Apply
// until ctx is canceled. Use notify.AllKeys to merge for every session.
func (s *Synchronizer) Listen(ctx context.Context, hub Subscriber, key string) error {
	sub := hub.Subscribe(key)
	defer hub.Unsubscribe(sub)

	s.logger.Debug("Push listener started", slog.String("correlation_key", key))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			if !msg.IsTerminal() {
				continue
			}
			if _, err := s.Apply(ctx, msg); err != nil {
				// the poller will pick the job up again
				s.logger.Error("Failed to apply pushed status",
					slog.String("correlation_key", msg.CorrelationKey),
					slog.String("job_id", msg.JobID),
					slog.Any("error", err),
				)
			}
		}
	}
}
