package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"github.com/cuongbtq/grievance-pipeline/internal/jobstore"
	"github.com/cuongbtq/grievance-pipeline/internal/queue"
)

// SweeperConfig holds sweeper configuration
type SweeperConfig struct {
	Logger    *slog.Logger
	Store     jobstore.Store
	Transport queue.Transport
	Classes   []domain.QueueClass

	Interval time.Duration
	// StaleAfter is how long a due PENDING job may sit untouched before it is republished
	StaleAfter time.Duration
	// Retention is how long terminal jobs are kept; zero disables purging
	Retention time.Duration
	BatchSize int
}

// Sweeper repairs what workers and the transport can lose: expired leases,
// PENDING jobs whose message vanished, and old terminal records.
type Sweeper struct {
	logger     *slog.Logger
	store      jobstore.Store
	transport  queue.Transport
	classes    []domain.QueueClass
	interval   time.Duration
	staleAfter time.Duration
	retention  time.Duration
	batchSize  int
	now        func() time.Time
}

func NewSweeper(cfg *SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = time.Minute
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		logger:     logger.With(slog.String("component", "sweeper")),
		store:      cfg.Store,
		transport:  cfg.Transport,
		classes:    cfg.Classes,
		interval:   interval,
		staleAfter: staleAfter,
		retention:  cfg.Retention,
		batchSize:  batch,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps every interval until ctx is canceled
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// SweepStats counts what one pass did
type SweepStats struct {
	Recovered   int
	Republished int
	Purged      int64
}

// Sweep runs one pass
func (s *Sweeper) Sweep(ctx context.Context) SweepStats {
	var stats SweepStats
	now := s.now()

	recovered, err := s.store.RecoverExpired(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("Failed to recover expired leases", slog.Any("error", err))
	}
	for _, job := range recovered {
		stats.Recovered++
		s.logger.Warn("Recovered job with expired lease",
			slog.String("job_id", job.JobID),
			slog.String("status", string(job.Status)),
			slog.Int("attempt_count", job.AttemptCount),
		)
		if job.Status == domain.JobStatusPending {
			s.republish(ctx, job)
		}
	}

	for _, class := range s.classes {
		stale, err := s.store.ListStalePending(ctx, class, now.Add(-s.staleAfter), s.batchSize)
		if err != nil {
			s.logger.Error("Failed to list stale pending jobs",
				slog.String("queue_class", string(class)),
				slog.Any("error", err),
			)
			continue
		}
		for _, job := range stale {
			if s.republish(ctx, job) {
				stats.Republished++
			}
		}
	}

	if s.retention > 0 {
		purged, err := s.store.PurgeTerminal(ctx, now.Add(-s.retention))
		if err != nil {
			s.logger.Error("Failed to purge terminal jobs", slog.Any("error", err))
		}
		stats.Purged = purged
	}

	if stats.Recovered > 0 || stats.Republished > 0 || stats.Purged > 0 {
		s.logger.Info("Sweep finished",
			slog.Int("recovered", stats.Recovered),
			slog.Int("republished", stats.Republished),
			slog.Int64("purged", stats.Purged),
		)
	}
	return stats
}

func (s *Sweeper) republish(ctx context.Context, job *domain.Job) bool {
	if err := s.transport.Publish(ctx, job.QueueClass, job.JobID); err != nil {
		s.logger.Error("Failed to republish job",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
		return false
	}
	return true
}
