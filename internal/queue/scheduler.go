package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Scheduler re-publishes a job id once its backoff window has elapsed
type Scheduler interface {
	Schedule(ctx context.Context, class domain.QueueClass, jobID string, at time.Time) error
	Run(ctx context.Context) error
}

// TimerScheduler keeps one in-process timer per scheduled job.
// Pending timers are lost on restart; the sweeper republishes those jobs.
type TimerScheduler struct {
	transport Transport
	logger    *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func NewTimerScheduler(transport Transport, logger *slog.Logger) *TimerScheduler {
	return &TimerScheduler{
		transport: transport,
		logger:    logger,
		timers:    make(map[string]*time.Timer),
	}
}

func (s *TimerScheduler) Schedule(_ context.Context, class domain.QueueClass, jobID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrTransportClosed
	}
	if existing, ok := s.timers[jobID]; ok {
		existing.Stop()
	}

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	s.timers[jobID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, jobID)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.transport.Publish(ctx, class, jobID); err != nil {
			s.logger.Warn("Failed to republish delayed job",
				slog.String("job_id", jobID),
				slog.String("queue_class", string(class)),
				slog.Any("error", err),
			)
		}
	})
	return nil
}

// Run blocks until ctx is done, then cancels outstanding timers
func (s *TimerScheduler) Run(ctx context.Context) error {
	<-ctx.Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	return nil
}

// Pending reports how many timers are outstanding
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// RedisScheduler parks job ids in a sorted set per class scored by due time.
// Run moves due ids to the transport.
type RedisScheduler struct {
	rdb       *redis.Client
	transport Transport
	classes   []domain.QueueClass
	interval  time.Duration
	batch     int64
	prefix    string
	logger    *slog.Logger
}

// RedisSchedulerConfig tunes the mover loop
type RedisSchedulerConfig struct {
	Classes   []domain.QueueClass
	Interval  time.Duration
	Batch     int64
	KeyPrefix string
}

func NewRedisScheduler(rdb *redis.Client, transport Transport, cfg RedisSchedulerConfig, logger *slog.Logger) *RedisScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "pipeline:delay:"
	}
	return &RedisScheduler{
		rdb:       rdb,
		transport: transport,
		classes:   cfg.Classes,
		interval:  cfg.Interval,
		batch:     cfg.Batch,
		prefix:    cfg.KeyPrefix,
		logger:    logger,
	}
}

func (s *RedisScheduler) key(class domain.QueueClass) string {
	return s.prefix + string(class)
}

func (s *RedisScheduler) Schedule(ctx context.Context, class domain.QueueClass, jobID string, at time.Time) error {
	err := s.rdb.ZAdd(ctx, s.key(class), redis.Z{Score: float64(at.UnixMilli()), Member: jobID}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", jobID, err)
	}
	return nil
}

func (s *RedisScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, class := range s.classes {
				if _, err := s.MoveDue(ctx, class, time.Now()); err != nil && ctx.Err() == nil {
					s.logger.Error("Failed to move due jobs",
						slog.String("queue_class", string(class)),
						slog.Any("error", err),
					)
				}
			}
		}
	}
}

// MoveDue publishes ids whose due time is at or before now. ZREM acts as the
// claim so concurrent movers never publish the same id twice.
func (s *RedisScheduler) MoveDue(ctx context.Context, class domain.QueueClass, now time.Time) (int, error) {
	key := s.key(class)
	ids, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: s.batch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read due jobs: %w", err)
	}

	moved := 0
	for _, id := range ids {
		removed, err := s.rdb.ZRem(ctx, key, id).Result()
		if err != nil {
			return moved, fmt.Errorf("failed to claim due job %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}

		if err := s.transport.Publish(ctx, class, id); err != nil {
			if addErr := s.rdb.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: id}).Err(); addErr != nil {
				s.logger.Error("Failed to park job after publish failure",
					slog.String("job_id", id),
					slog.Any("error", addErr),
				)
			}
			return moved, fmt.Errorf("failed to publish due job %s: %w", id, err)
		}
		moved++
	}
	return moved, nil
}
