package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewMemoryStore(WithClock(clock.Now)), clock
}

func newPendingJob(id, key string, maxAttempts int) *domain.Job {
	return &domain.Job{
		JobID:          id,
		CorrelationKey: key,
		JobType:        "classification",
		QueueClass:     domain.QueueClassification,
		Payload:        json.RawMessage(`{"text":"water supply cut for 3 days"}`),
		Status:         domain.JobStatusPending,
		MaxAttempts:    maxAttempts,
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)

	job := newPendingJob("j1", "G100", 3)
	require.NoError(t, store.Create(ctx, job))
	assert.Equal(t, clock.Now(), job.CreatedAt)
	assert.Equal(t, clock.Now(), job.AvailableAt)

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, got.Status)
	assert.Equal(t, "G100", got.CorrelationKey)

	err = store.Create(ctx, newPendingJob("j1", "G100", 3))
	assert.ErrorIs(t, err, domain.ErrWriteConflict)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestMemoryStore_CreateRejectsNonPending(t *testing.T) {
	store, _ := newTestStore(t)
	job := newPendingJob("j1", "G100", 3)
	job.Status = domain.JobStatusRunning

	err := store.Create(context.Background(), job)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestMemoryStore_ClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	require.NoError(t, store.Create(ctx, newPendingJob("j1", "G100", 3)))

	const contenders = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			workerID := fmt.Sprintf("worker-%d", n)
			job, err := store.Claim(ctx, "j1", workerID, time.Minute)
			if err == nil {
				mu.Lock()
				winners = append(winners, job.WorkerID)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, got.Status)
	assert.Equal(t, winners[0], got.WorkerID)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestMemoryStore_ClaimRespectsBackoffWindow(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	require.NoError(t, store.Create(ctx, newPendingJob("j1", "G100", 3)))

	_, err := store.Claim(ctx, "j1", "w1", time.Minute)
	require.NoError(t, err)
	_, err = store.Fail(ctx, "j1", "w1", "upstream 503", true, 2*time.Second)
	require.NoError(t, err)

	_, err = store.Claim(ctx, "j1", "w2", time.Minute)
	assert.ErrorIs(t, err, domain.ErrJobNotDue)

	clock.Advance(2 * time.Second)
	job, err := store.Claim(ctx, "j1", "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, job.AttemptCount)
}

func TestMemoryStore_FailTransitions(t *testing.T) {
	tests := []struct {
		name       string
		attempts   int
		retryable  bool
		wantStatus domain.JobStatus
	}{
		{name: "retryable with attempts left goes back to pending", attempts: 1, retryable: true, wantStatus: domain.JobStatusPending},
		{name: "retryable on last attempt is dead lettered", attempts: 3, retryable: true, wantStatus: domain.JobStatusDeadLettered},
		{name: "non retryable fails immediately", attempts: 1, retryable: false, wantStatus: domain.JobStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store, _ := newTestStore(t)
			require.NoError(t, store.Create(ctx, newPendingJob("j1", "G100", 3)))

			var job *domain.Job
			for i := 1; i <= tt.attempts; i++ {
				_, err := store.Claim(ctx, "j1", "w1", time.Minute)
				require.NoError(t, err)
				retryable := tt.retryable
				job, err = store.Fail(ctx, "j1", "w1", "boom", retryable, 0)
				require.NoError(t, err)
				if i < tt.attempts {
					require.Equal(t, domain.JobStatusPending, job.Status)
				}
			}

			assert.Equal(t, tt.wantStatus, job.Status)
			assert.Equal(t, tt.attempts, job.AttemptCount)
			assert.Equal(t, "boom", job.Error)
			assert.Empty(t, job.WorkerID)
			assert.Nil(t, job.LeaseExpiresAt)
			if tt.wantStatus.IsTerminal() {
				assert.NotNil(t, job.CompletedAt)
			}
		})
	}
}

func TestMemoryStore_TerminalRecordsAreImmutable(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	require.NoError(t, store.Create(ctx, newPendingJob("j1", "G100", 3)))

	_, err := store.Claim(ctx, "j1", "w1", time.Minute)
	require.NoError(t, err)
	done, err := store.Complete(ctx, "j1", "w1", json.RawMessage(`{"category":"water"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, done.Status)

	_, err = store.Complete(ctx, "j1", "w1", json.RawMessage(`{"category":"roads"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = store.Fail(ctx, "j1", "w1", "late", true, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = store.Claim(ctx, "j1", "w2", time.Minute)
	assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"category":"water"}`, string(got.Result))
	assert.Equal(t, domain.JobStatusSucceeded, got.Status)
}

func TestMemoryStore_CompleteRequiresOwner(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	require.NoError(t, store.Create(ctx, newPendingJob("j1", "G100", 3)))
	_, err := store.Claim(ctx, "j1", "w1", time.Minute)
	require.NoError(t, err)

	_, err = store.Complete(ctx, "j1", "w2", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestMemoryStore_RecoverExpired(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	require.NoError(t, store.Create(ctx, newPendingJob("retry-me", "G100", 3)))
	require.NoError(t, store.Create(ctx, newPendingJob("last-try", "G200", 1)))
	require.NoError(t, store.Create(ctx, newPendingJob("healthy", "G300", 3)))

	_, err := store.Claim(ctx, "retry-me", "w1", time.Second)
	require.NoError(t, err)
	_, err = store.Claim(ctx, "last-try", "w2", time.Second)
	require.NoError(t, err)
	_, err = store.Claim(ctx, "healthy", "w3", time.Hour)
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	recovered, err := store.RecoverExpired(ctx, clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, recovered, 2)

	byID := map[string]*domain.Job{}
	for _, j := range recovered {
		byID[j.JobID] = j
	}
	assert.Equal(t, domain.JobStatusPending, byID["retry-me"].Status)
	assert.Equal(t, domain.JobStatusDeadLettered, byID["last-try"].Status)
	assert.Equal(t, LeaseExpiredError, byID["last-try"].Error)

	_, err = store.Complete(ctx, "retry-me", "w1", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "worker that lost its lease cannot complete")

	healthy, err := store.Get(ctx, "healthy")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, healthy.Status)
}

func TestMemoryStore_ListStalePending(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	require.NoError(t, store.Create(ctx, newPendingJob("old", "G100", 3)))
	clock.Advance(time.Minute)
	require.NoError(t, store.Create(ctx, newPendingJob("fresh", "G100", 3)))

	other := newPendingJob("other-queue", "G100", 3)
	other.QueueClass = domain.QueueNotification
	require.NoError(t, store.Create(ctx, other))

	stale, err := store.ListStalePending(ctx, domain.QueueClassification, clock.Now().Add(-30*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].JobID)
}

func TestMemoryStore_PurgeTerminal(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	require.NoError(t, store.Create(ctx, newPendingJob("done", "G100", 3)))
	require.NoError(t, store.Create(ctx, newPendingJob("pending", "G100", 3)))

	_, err := store.Claim(ctx, "done", "w1", time.Minute)
	require.NoError(t, err)
	_, err = store.Complete(ctx, "done", "w1", json.RawMessage(`{}`))
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	purged, err := store.PurgeTerminal(ctx, clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	jobs, err := store.GetByCorrelation(ctx, "G100")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "pending", jobs[0].JobID)
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []domain.StatusMessage
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, msg domain.StatusMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return p.err
}

func TestPublishingStore_AnnouncesEveryTransition(t *testing.T) {
	ctx := context.Background()
	mem, _ := newTestStore(t)
	pub := &recordingPublisher{}
	store := WithPublisher(mem, pub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, store.Create(ctx, newPendingJob("j1", "G100", 3)))
	_, err := store.Claim(ctx, "j1", "w1", time.Minute)
	require.NoError(t, err)
	_, err = store.Fail(ctx, "j1", "w1", "timeout", true, 0)
	require.NoError(t, err)
	_, err = store.Claim(ctx, "j1", "w1", time.Minute)
	require.NoError(t, err)
	_, err = store.Complete(ctx, "j1", "w1", json.RawMessage(`{"category":"water"}`))
	require.NoError(t, err)

	var statuses []domain.JobStatus
	for _, m := range pub.msgs {
		statuses = append(statuses, m.Status)
		assert.Equal(t, "G100", m.CorrelationKey)
	}
	assert.Equal(t, []domain.JobStatus{
		domain.JobStatusPending,
		domain.JobStatusRunning,
		domain.JobStatusPending,
		domain.JobStatusRunning,
		domain.JobStatusSucceeded,
	}, statuses)

	last := pub.msgs[len(pub.msgs)-1]
	assert.JSONEq(t, `{"category":"water"}`, string(last.Result))
	assert.Nil(t, last.Error)
}

func TestPublishingStore_PublishFailureDoesNotFailWrite(t *testing.T) {
	ctx := context.Background()
	mem, _ := newTestStore(t)
	pub := &recordingPublisher{err: errors.New("redis down")}
	store := WithPublisher(mem, pub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, store.Create(ctx, newPendingJob("j1", "G100", 3)))
	got, err := mem.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, got.Status)
}

func TestMemoryStore_Abandon(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	require.NoError(t, store.Create(ctx, newPendingJob("j1", "G100", 3)))
	require.NoError(t, store.Create(ctx, newPendingJob("j2", "G100", 3)))

	job, err := store.Abandon(ctx, "j1", "submission aborted")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, "submission aborted", job.Error)
	assert.Equal(t, 0, job.AttemptCount)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, clock.Now(), *job.CompletedAt)

	_, err = store.Claim(ctx, "j1", "w1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)

	_, err = store.Claim(ctx, "j2", "w1", time.Minute)
	require.NoError(t, err)
	_, err = store.Abandon(ctx, "j2", "too late")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = store.Abandon(ctx, "missing", "x")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestMemoryStore_FailSchedulesRetryOnStoreClock(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore(t)
	require.NoError(t, store.Create(ctx, newPendingJob("j1", "G100", 3)))

	_, err := store.Claim(ctx, "j1", "w1", time.Minute)
	require.NoError(t, err)
	job, err := store.Fail(ctx, "j1", "w1", "upstream 503", true, 3*time.Second)
	require.NoError(t, err)

	assert.Equal(t, clock.Now().Add(3*time.Second), job.AvailableAt)
}
