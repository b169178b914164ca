package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cuongbtq/grievance-pipeline/internal/classifier"
	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"github.com/cuongbtq/grievance-pipeline/internal/jobstore"
	"github.com/cuongbtq/grievance-pipeline/internal/notify"
	"github.com/cuongbtq/grievance-pipeline/internal/poller"
	"github.com/cuongbtq/grievance-pipeline/internal/queue"
	"github.com/cuongbtq/grievance-pipeline/internal/retry"
	"github.com/cuongbtq/grievance-pipeline/internal/synchronizer"
	"github.com/cuongbtq/grievance-pipeline/internal/worker"
)

// QueueConfig is the per queue class configuration surface
type QueueConfig struct {
	Concurrency       int
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	SoftTimeout       time.Duration
	HardTimeout       time.Duration
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
}

// Config holds service configuration
type Config struct {
	WorkerID     string
	Queues       map[domain.QueueClass]QueueConfig
	PollInterval time.Duration

	SweepInterval  time.Duration
	StaleAfter     time.Duration
	Retention      time.Duration
	SweepBatchSize int
}

// Dependencies are the handles the service owns for its lifetime
type Dependencies struct {
	Logger       *slog.Logger
	Store        jobstore.Store
	Transport    queue.Transport
	Scheduler    queue.Scheduler
	Executor     classifier.Executor
	Correlations synchronizer.CorrelationStore

	// Publisher receives job status and session events; usually the Hub or a RedisBus
	Publisher jobstore.Publisher
	// Hub is the local fan-out used for push listeners; nil disables push tracking
	Hub *notify.Hub
}

// Service owns the broker, the worker pools, the store handles and the
// synchronizer. It is built once at process start.
type Service struct {
	cfg       *Config
	logger    *slog.Logger
	store     jobstore.Store
	transport queue.Transport
	scheduler queue.Scheduler
	executor  classifier.Executor
	broker    *queue.Broker
	syncer    *synchronizer.Synchronizer
	poller    *poller.Poller
	tracker   *Tracker
	manager   *worker.Manager

	root   context.Context
	cancel context.CancelFunc
}

func New(cfg *Config, deps Dependencies) (*Service, error) {
	if deps.Store == nil || deps.Transport == nil || deps.Correlations == nil {
		return nil, errors.New("pipeline requires a job store, a transport and a correlation store")
	}
	if len(cfg.Queues) == 0 {
		return nil, errors.New("pipeline requires at least one queue class")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store := deps.Store
	var notifier synchronizer.Notifier
	if deps.Publisher != nil {
		store = jobstore.WithPublisher(deps.Store, deps.Publisher, logger)
		notifier = deps.Publisher
	}

	maxAttempts := make(map[domain.QueueClass]int, len(cfg.Queues))
	for class, q := range cfg.Queues {
		if _, err := domain.ParseQueueClass(string(class)); err != nil {
			return nil, err
		}
		maxAttempts[class] = q.MaxAttempts
	}

	syncer := synchronizer.New(deps.Correlations, notifier, logger)
	p := poller.New(store, syncer, cfg.PollInterval, logger)

	var hub synchronizer.Subscriber
	if deps.Hub != nil {
		hub = deps.Hub
	}

	root, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		transport: deps.Transport,
		scheduler: deps.Scheduler,
		executor:  deps.Executor,
		broker:    queue.NewBroker(store, deps.Transport, maxAttempts, logger),
		syncer:    syncer,
		poller:    p,
		tracker:   NewTracker(syncer, p, hub, logger),
		root:      root,
		cancel:    cancel,
	}, nil
}

// StartWorkers launches one pool per configured queue class plus the sweeper
func (s *Service) StartWorkers(ctx context.Context) error {
	if s.executor == nil {
		return errors.New("worker pools require an executor")
	}
	if s.manager != nil {
		return errors.New("workers already started")
	}

	classes := s.classes()
	pools := make([]*worker.Pool, 0, len(classes))
	for _, class := range classes {
		q := s.cfg.Queues[class]
		pool, err := worker.NewPool(&worker.Config{
			Logger:    s.logger,
			Store:     s.store,
			Transport: s.transport,
			Scheduler: s.scheduler,
			Executor:  s.executor,
			Class:     class,
			WorkerID:  s.workerID(class),
			Policy: retry.Policy{
				BaseDelay:   q.BaseDelay,
				MaxDelay:    q.MaxDelay,
				MaxAttempts: q.MaxAttempts,
			},
			Concurrency:       q.Concurrency,
			SoftTimeout:       q.SoftTimeout,
			HardTimeout:       q.HardTimeout,
			LeaseDuration:     q.LeaseDuration,
			HeartbeatInterval: q.HeartbeatInterval,
		})
		if err != nil {
			return fmt.Errorf("failed to create %s pool: %w", class, err)
		}
		pools = append(pools, pool)
	}

	sweeper := worker.NewSweeper(&worker.SweeperConfig{
		Logger:     s.logger,
		Store:      s.store,
		Transport:  s.transport,
		Classes:    classes,
		Interval:   s.cfg.SweepInterval,
		StaleAfter: s.cfg.StaleAfter,
		Retention:  s.cfg.Retention,
		BatchSize:  s.cfg.SweepBatchSize,
	})

	s.manager = worker.NewManager(s.logger, pools, sweeper, s.scheduler)
	s.manager.Start(ctx)
	return nil
}

// SubmitRequest is a job submission from the conversation engine
type SubmitRequest struct {
	QueueClass     domain.QueueClass
	JobType        string
	CorrelationKey string
	Payload        json.RawMessage
	MaxAttempts    int
}

// Submit persists the job, registers it as the latest of its type for the
// session, then publishes it. It returns once the broker has acknowledged.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	return s.broker.Enqueue(ctx, queue.EnqueueRequest{
		QueueClass:     req.QueueClass,
		JobType:        req.JobType,
		CorrelationKey: req.CorrelationKey,
		Payload:        req.Payload,
		MaxAttempts:    req.MaxAttempts,
		BeforePublish: func(ctx context.Context, job *domain.Job) error {
			_, err := s.syncer.Register(ctx, job.CorrelationKey, job.JobType, job.JobID)
			return err
		},
	})
}

// GetStatus returns the job record
func (s *Service) GetStatus(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.store.Get(ctx, jobID)
}

// GetLatest returns the latest submitted job id of jobType for key
func (s *Service) GetLatest(ctx context.Context, key, jobType string) (string, error) {
	c, err := s.syncer.Correlation(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrCorrelationNotFound) {
			return "", domain.ErrJobNotFound
		}
		return "", err
	}
	id := c.LastSubmittedJobID(jobType)
	if id == "" {
		return "", domain.ErrJobNotFound
	}
	return id, nil
}

// EditField records a user edit on a session field
func (s *Service) EditField(ctx context.Context, key, field string, value json.RawMessage) (*domain.Correlation, error) {
	return s.syncer.EditField(ctx, key, field, value)
}

// Session returns the merged session state for key
func (s *Service) Session(ctx context.Context, key string) (*domain.Correlation, error) {
	return s.syncer.Correlation(ctx, key)
}

// Jobs returns every job submitted for key
func (s *Service) Jobs(ctx context.Context, key string) ([]*domain.Job, error) {
	return s.store.GetByCorrelation(ctx, key)
}

// Poll runs one fallback poll cycle for key
func (s *Service) Poll(ctx context.Context, key string) (poller.Cycle, error) {
	return s.poller.Poll(ctx, key)
}

// Apply merges a status message; push listeners and pollers both end here
func (s *Service) Apply(ctx context.Context, msg domain.StatusMessage) (synchronizer.Result, error) {
	return s.syncer.Apply(ctx, msg)
}

// Track starts the push listener and poller for key in the background
func (s *Service) Track(key string) bool {
	return s.tracker.Track(s.root, key)
}

// Shutdown stops workers and trackers. Cleanup of store and transport
// handles stays with the caller that opened them.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan error, 1)
	go func() {
		s.tracker.Stop()
		if s.manager != nil {
			done <- s.manager.Stop()
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("pipeline shutdown: %w", ctx.Err())
	}
}

func (s *Service) classes() []domain.QueueClass {
	classes := make([]domain.QueueClass, 0, len(s.cfg.Queues))
	for class := range s.cfg.Queues {
		classes = append(classes, class)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
	return classes
}

func (s *Service) workerID(class domain.QueueClass) string {
	if s.cfg.WorkerID == "" {
		return ""
	}
	return s.cfg.WorkerID + "-" + string(class)
}
