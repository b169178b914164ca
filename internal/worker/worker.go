package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/grievance-pipeline/internal/classifier"
	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"github.com/cuongbtq/grievance-pipeline/internal/jobstore"
	"github.com/cuongbtq/grievance-pipeline/internal/queue"
	"github.com/cuongbtq/grievance-pipeline/internal/retry"
	"github.com/google/uuid"
)

// Config holds the configuration of one queue class pool
type Config struct {
	Logger    *slog.Logger
	Store     jobstore.Store
	Transport queue.Transport
	Scheduler queue.Scheduler
	Executor  classifier.Executor

	Class       domain.QueueClass
	WorkerID    string
	Concurrency int
	Policy      retry.Policy

	// SoftTimeout only logs; HardTimeout cancels the attempt
	SoftTimeout time.Duration
	HardTimeout time.Duration

	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
}

// Pool runs Concurrency workers for a single queue class
type Pool struct {
	logger    *slog.Logger
	store     jobstore.Store
	transport queue.Transport
	scheduler queue.Scheduler
	executor  classifier.Executor

	class             domain.QueueClass
	workerID          string
	concurrency       int
	policy            retry.Policy
	softTimeout       time.Duration
	hardTimeout       time.Duration
	leaseDuration     time.Duration
	heartbeatInterval time.Duration

	jobsChan chan queue.Delivery
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewPool creates a pool; zero durations fall back to defaults
func NewPool(cfg *Config) (*Pool, error) {
	if cfg.Store == nil || cfg.Transport == nil || cfg.Executor == nil {
		return nil, errors.New("worker pool requires store, transport and executor")
	}
	if _, err := domain.ParseQueueClass(string(cfg.Class)); err != nil {
		return nil, err
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	hardTimeout := cfg.HardTimeout
	if hardTimeout <= 0 {
		hardTimeout = 60 * time.Second
	}
	leaseDuration := cfg.LeaseDuration
	if leaseDuration <= 0 {
		leaseDuration = hardTimeout + 30*time.Second
	}
	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = leaseDuration / 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		logger:            logger.With(slog.String("queue_class", string(cfg.Class))),
		store:             cfg.Store,
		transport:         cfg.Transport,
		scheduler:         cfg.Scheduler,
		executor:          cfg.Executor,
		class:             cfg.Class,
		workerID:          workerID,
		concurrency:       concurrency,
		policy:            cfg.Policy.WithDefaults(),
		softTimeout:       cfg.SoftTimeout,
		hardTimeout:       hardTimeout,
		leaseDuration:     leaseDuration,
		heartbeatInterval: heartbeatInterval,
		jobsChan:          make(chan queue.Delivery),
		stopChan:          make(chan struct{}),
		now:               func() time.Time { return time.Now().UTC() },
	}, nil
}

// Class returns the queue class the pool consumes
func (w *Pool) Class() domain.QueueClass {
	return w.class
}

// Start consumes the class queue and blocks until ctx is canceled or Stop is
// called. In-flight jobs finish (bounded by the hard timeout) before it returns.
func (w *Pool) Start(ctx context.Context) error {
	w.logger.Info("Starting worker pool",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("soft_timeout", w.softTimeout),
		slog.Duration("hard_timeout", w.hardTimeout),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)
	w.startMessageDispatcher(ctx, deliveries)

	close(w.jobsChan)
	w.wg.Wait()

	w.logger.Info("Worker pool stopped", slog.String("worker_id", w.workerID))
	return nil
}

// Stop asks Start to return
func (w *Pool) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker pool...")
		close(w.stopChan)
	})
}
