package synchronizer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"github.com/cuongbtq/grievance-pipeline/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jobType = "classify_grievance"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.StatusMessage
}

func (n *recordingNotifier) Publish(_ context.Context, msg domain.StatusMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, msg)
	return nil
}

func (n *recordingNotifier) Events() []domain.StatusMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.StatusMessage(nil), n.events...)
}

func newTestSynchronizer() (*Synchronizer, *recordingNotifier) {
	notifier := &recordingNotifier{}
	return New(NewMemoryStore(), notifier, testLogger()), notifier
}

func succeeded(key, jobID, result string) domain.StatusMessage {
	return domain.StatusMessage{
		Event:          domain.EventJobStatus,
		JobID:          jobID,
		CorrelationKey: key,
		JobType:        jobType,
		Status:         domain.JobStatusSucceeded,
		Result:         json.RawMessage(result),
	}
}

func failed(key, jobID string, status domain.JobStatus, errMsg string) domain.StatusMessage {
	return domain.StatusMessage{
		Event:          domain.EventJobStatus,
		JobID:          jobID,
		CorrelationKey: key,
		JobType:        jobType,
		Status:         status,
		Error:          &errMsg,
	}
}

func TestSynchronizer_MergeSucceeded(t *testing.T) {
	s, notifier := newTestSynchronizer()
	ctx := context.Background()

	_, err := s.Register(ctx, "G100", jobType, "J1")
	require.NoError(t, err)

	res, err := s.Apply(ctx, succeeded("G100", "J1", `{"category":"water","urgency":"high"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Equal(t, []string{"category", "urgency"}, res.MergedFields)

	c, err := s.Correlation(ctx, "G100")
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionSucceeded, c.State(jobType))
	assert.JSONEq(t, `"water"`, string(c.Fields["category"].Value))
	assert.Equal(t, domain.FieldSourceJob, c.Fields["category"].Source)
	assert.Empty(t, c.PendingJobIDs)

	events := notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventFieldsMerged, events[0].Event)
	assert.Equal(t, []string{"category", "urgency"}, events[0].Fields)
}

func TestSynchronizer_UserEditWinsOverInFlightJob(t *testing.T) {
	s, _ := newTestSynchronizer()
	ctx := context.Background()

	_, err := s.Register(ctx, "G100", jobType, "J1")
	require.NoError(t, err)

	_, err = s.EditField(ctx, "G100", "category", json.RawMessage(`"electricity"`))
	require.NoError(t, err)

	res, err := s.Apply(ctx, succeeded("G100", "J1", `{"category":"water","urgency":"high"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Equal(t, []string{"urgency"}, res.MergedFields)
	assert.Equal(t, []string{"category"}, res.SkippedFields)

	c, err := s.Correlation(ctx, "G100")
	require.NoError(t, err)
	assert.JSONEq(t, `"electricity"`, string(c.Fields["category"].Value))
	assert.Equal(t, domain.FieldSourceUser, c.Fields["category"].Source)
	assert.JSONEq(t, `"high"`, string(c.Fields["urgency"].Value))
}

func TestSynchronizer_EditBeforeSubmitDoesNotBlockMerge(t *testing.T) {
	s, _ := newTestSynchronizer()
	ctx := context.Background()

	_, err := s.EditField(ctx, "G100", "category", json.RawMessage(`"electricity"`))
	require.NoError(t, err)
	_, err = s.Register(ctx, "G100", jobType, "J1")
	require.NoError(t, err)

	res, err := s.Apply(ctx, succeeded("G100", "J1", `{"category":"water"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"category"}, res.MergedFields)
}

func TestSynchronizer_LastSubmissionWins(t *testing.T) {
	s, _ := newTestSynchronizer()
	ctx := context.Background()

	_, err := s.Register(ctx, "G100", jobType, "J1")
	require.NoError(t, err)
	_, err = s.Register(ctx, "G100", jobType, "J2")
	require.NoError(t, err)

	res, err := s.Apply(ctx, succeeded("G100", "J2", `{"category":"roads"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, res.Outcome)

	// J1 arrives late and must not overwrite J2
	res, err = s.Apply(ctx, succeeded("G100", "J1", `{"category":"water"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, res.Outcome)

	c, err := s.Correlation(ctx, "G100")
	require.NoError(t, err)
	assert.JSONEq(t, `"roads"`, string(c.Fields["category"].Value))
	assert.Equal(t, "J2", c.Fields["category"].JobID)
	assert.Empty(t, c.PendingJobIDs)
}

func TestSynchronizer_StaleResultBeforeLatestCompletes(t *testing.T) {
	s, _ := newTestSynchronizer()
	ctx := context.Background()

	_, err := s.Register(ctx, "G100", jobType, "J1")
	require.NoError(t, err)
	_, err = s.Register(ctx, "G100", jobType, "J2")
	require.NoError(t, err)

	res, err := s.Apply(ctx, succeeded("G100", "J1", `{"category":"water"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, res.Outcome)

	c, err := s.Correlation(ctx, "G100")
	require.NoError(t, err)
	assert.NotContains(t, c.Fields, "category")
	assert.Equal(t, domain.SubmissionPending, c.State(jobType))
	assert.Equal(t, []string{"J2"}, c.PendingIDs())
}

func TestSynchronizer_ApplyIsIdempotent(t *testing.T) {
	s, notifier := newTestSynchronizer()
	ctx := context.Background()

	_, err := s.Register(ctx, "G100", jobType, "J1")
	require.NoError(t, err)

	msg := succeeded("G100", "J1", `{"category":"water"}`)
	_, err = s.Apply(ctx, msg)
	require.NoError(t, err)
	once, err := s.Correlation(ctx, "G100")
	require.NoError(t, err)

	res, err := s.Apply(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)

	twice, err := s.Correlation(ctx, "G100")
	require.NoError(t, err)
	assert.Equal(t, once, twice)
	assert.Len(t, notifier.Events(), 1)
}

func TestSynchronizer_TerminalFailureMarksSkipped(t *testing.T) {
	tests := []struct {
		name   string
		status domain.JobStatus
	}{
		{name: "dead lettered", status: domain.JobStatusDeadLettered},
		{name: "failed", status: domain.JobStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, notifier := newTestSynchronizer()
			ctx := context.Background()

			_, err := s.Register(ctx, "G100", jobType, "J1")
			require.NoError(t, err)

			res, err := s.Apply(ctx, failed("G100", "J1", tt.status, "upstream 503"))
			require.NoError(t, err)
			assert.Equal(t, OutcomeSkipped, res.Outcome)

			c, err := s.Correlation(ctx, "G100")
			require.NoError(t, err)
			assert.Equal(t, domain.SubmissionFailedSkipped, c.State(jobType))
			assert.Equal(t, "upstream 503", c.Submissions[jobType].SkipReason)
			assert.False(t, c.HasPending())

			events := notifier.Events()
			require.Len(t, events, 1)
			assert.Equal(t, domain.EventJobSkipped, events[0].Event)
		})
	}
}

func TestSynchronizer_IgnoresNonTerminalAndUnknown(t *testing.T) {
	s, _ := newTestSynchronizer()
	ctx := context.Background()

	res, err := s.Apply(ctx, domain.StatusMessage{
		Event: domain.EventJobStatus, JobID: "J1", CorrelationKey: "G100", Status: domain.JobStatusRunning,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	res, err = s.Apply(ctx, domain.StatusMessage{
		Event: domain.EventFieldsMerged, JobID: "J1", CorrelationKey: "G100", Status: domain.JobStatusSucceeded,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	res, err = s.Apply(ctx, succeeded("nobody", "J9", `{}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, res.Outcome)

	_, err = s.Correlation(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrCorrelationNotFound)
}

func TestSynchronizer_ResolvesJobTypeFromPendingSet(t *testing.T) {
	s, _ := newTestSynchronizer()
	ctx := context.Background()

	_, err := s.Register(ctx, "G100", jobType, "J1")
	require.NoError(t, err)

	msg := succeeded("G100", "J1", `"plain text summary"`)
	msg.JobType = ""
	res, err := s.Apply(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Equal(t, []string{jobType}, res.MergedFields)
}

func TestSynchronizer_Validation(t *testing.T) {
	s, _ := newTestSynchronizer()
	ctx := context.Background()

	_, err := s.Register(ctx, "", jobType, "J1")
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = s.EditField(ctx, "G100", "", json.RawMessage(`1`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = s.EditField(ctx, "G100", "category", json.RawMessage(`{`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestSynchronizer_ConcurrentApplyMergesOnce(t *testing.T) {
	s, notifier := newTestSynchronizer()
	ctx := context.Background()

	_, err := s.Register(ctx, "G100", jobType, "J1")
	require.NoError(t, err)

	msg := succeeded("G100", "J1", `{"category":"water"}`)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Apply(ctx, msg)
		}()
	}
	wg.Wait()

	assert.Len(t, notifier.Events(), 1)
}

func TestSynchronizer_ListenAppliesPushedMessages(t *testing.T) {
	s, _ := newTestSynchronizer()
	hub := notify.NewHub(testLogger(), 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := s.Register(ctx, "G100", jobType, "J1")
	require.NoError(t, err)

	go func() { _ = s.Listen(ctx, hub, "G100") }()
	require.Eventually(t, func() bool { return hub.Subscribers("G100") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, succeeded("G100", "J1", `{"category":"water"}`)))

	require.Eventually(t, func() bool {
		c, err := s.Correlation(ctx, "G100")
		return err == nil && c.State(jobType) == domain.SubmissionSucceeded
	}, time.Second, 5*time.Millisecond)
}
