package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"github.com/cuongbtq/grievance-pipeline/internal/jobstore"
	"github.com/cuongbtq/grievance-pipeline/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedJob(t *testing.T, store jobstore.Store, id string, created time.Time) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &domain.Job{
		JobID:          id,
		CorrelationKey: "G100",
		JobType:        "classify_grievance",
		QueueClass:     domain.QueueClassification,
		Payload:        json.RawMessage(`{}`),
		Status:         domain.JobStatusPending,
		MaxAttempts:    3,
		AvailableAt:    created,
		CreatedAt:      created,
		UpdatedAt:      created,
	}))
}

func TestSweeper_RecoversExpiredLease(t *testing.T) {
	now := time.Now().UTC()
	clock := now
	store := jobstore.NewMemoryStore(jobstore.WithClock(func() time.Time { return clock }))
	transport := queue.NewMemoryTransport(8)

	seedJob(t, store, "job-1", now)
	_, err := store.Claim(context.Background(), "job-1", "dead-worker", time.Second)
	require.NoError(t, err)

	clock = now.Add(5 * time.Second)
	sweeper := NewSweeper(&SweeperConfig{
		Logger:    testLogger(),
		Store:     store,
		Transport: transport,
		Classes:   []domain.QueueClass{domain.QueueClassification},
	})
	sweeper.now = func() time.Time { return clock }

	stats := sweeper.Sweep(context.Background())
	assert.Equal(t, 1, stats.Recovered)

	job, err := store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, jobstore.LeaseExpiredError, job.Error)
	assert.GreaterOrEqual(t, transport.Len(domain.QueueClassification), 1)
}

func TestSweeper_RepublishesStalePending(t *testing.T) {
	now := time.Now().UTC()
	store := jobstore.NewMemoryStore(jobstore.WithClock(func() time.Time { return now }))
	transport := queue.NewMemoryTransport(8)

	seedJob(t, store, "old", now.Add(-10*time.Minute))
	seedJob(t, store, "fresh", now)

	sweeper := NewSweeper(&SweeperConfig{
		Logger:     testLogger(),
		Store:      store,
		Transport:  transport,
		Classes:    []domain.QueueClass{domain.QueueClassification},
		StaleAfter: time.Minute,
	})
	sweeper.now = func() time.Time { return now }

	stats := sweeper.Sweep(context.Background())
	assert.Equal(t, 1, stats.Republished)
	assert.Equal(t, 1, transport.Len(domain.QueueClassification))
}

func TestSweeper_PurgesPastRetention(t *testing.T) {
	now := time.Now().UTC()
	clock := now.Add(-48 * time.Hour)
	store := jobstore.NewMemoryStore(jobstore.WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	seedJob(t, store, "done", clock)
	_, err := store.Claim(ctx, "done", "w", time.Minute)
	require.NoError(t, err)
	_, err = store.Complete(ctx, "done", "w", json.RawMessage(`{}`))
	require.NoError(t, err)

	clock = now
	sweeper := NewSweeper(&SweeperConfig{
		Logger:    testLogger(),
		Store:     store,
		Transport: queue.NewMemoryTransport(8),
		Retention: 24 * time.Hour,
	})
	sweeper.now = func() time.Time { return now }

	stats := sweeper.Sweep(ctx)
	assert.Equal(t, int64(1), stats.Purged)

	_, err = store.Get(ctx, "done")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestManager_StartStop(t *testing.T) {
	logger := testLogger()
	store := jobstore.NewMemoryStore()
	transport := queue.NewMemoryTransport(8)
	scheduler := queue.NewTimerScheduler(transport, logger)

	pool, err := NewPool(&Config{
		Logger:    logger,
		Store:     store,
		Transport: transport,
		Scheduler: scheduler,
		Executor:  noopExecutor(),
		Class:     domain.QueueDefault,
	})
	require.NoError(t, err)

	manager := NewManager(logger, []*Pool{pool}, NewSweeper(&SweeperConfig{
		Logger:    logger,
		Store:     store,
		Transport: transport,
	}), scheduler)

	manager.Start(context.Background())

	stopped := make(chan error, 1)
	go func() { stopped <- manager.Stop() }()

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}
	assert.NoError(t, manager.Wait())
}
