package queue

import (
	"context"
	"testing"
	"time"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTransport_PublishConsume(t *testing.T) {
	transport := NewMemoryTransport(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := transport.Consume(ctx, domain.QueueClassification, "test")
	require.NoError(t, err)

	require.NoError(t, transport.Publish(ctx, domain.QueueClassification, "job-1"))

	select {
	case d := <-deliveries:
		assert.Equal(t, "job-1", d.JobID)
		assert.Equal(t, domain.QueueClassification, d.Class)
		assert.NoError(t, d.Ack())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemoryTransport_ClassesAreIsolated(t *testing.T) {
	transport := NewMemoryTransport(8)
	ctx := context.Background()

	require.NoError(t, transport.Publish(ctx, domain.QueueDefault, "job-1"))

	assert.Equal(t, 1, transport.Len(domain.QueueDefault))
	assert.Equal(t, 0, transport.Len(domain.QueueClassification))
}

func TestMemoryTransport_NackRequeue(t *testing.T) {
	transport := NewMemoryTransport(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := transport.Consume(ctx, domain.QueueDefault, "test")
	require.NoError(t, err)
	require.NoError(t, transport.Publish(ctx, domain.QueueDefault, "job-1"))

	first := <-deliveries
	require.NoError(t, first.Nack(true))

	select {
	case again := <-deliveries:
		assert.Equal(t, "job-1", again.JobID)
	case <-time.After(time.Second):
		t.Fatal("requeued delivery never arrived")
	}
}

func TestMemoryTransport_ClosedRejectsPublish(t *testing.T) {
	transport := NewMemoryTransport(8)
	require.NoError(t, transport.Close())

	err := transport.Publish(context.Background(), domain.QueueDefault, "job-1")
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestTimerScheduler_PublishesWhenDue(t *testing.T) {
	transport := NewMemoryTransport(8)
	scheduler := NewTimerScheduler(transport, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = scheduler.Run(ctx) }()

	require.NoError(t, scheduler.Schedule(ctx, domain.QueueDefault, "job-1", time.Now().Add(20*time.Millisecond)))
	assert.Equal(t, 0, transport.Len(domain.QueueDefault))

	assert.Eventually(t, func() bool {
		return transport.Len(domain.QueueDefault) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, scheduler.Pending())
}

func TestTimerScheduler_RescheduleReplacesTimer(t *testing.T) {
	transport := NewMemoryTransport(8)
	scheduler := NewTimerScheduler(transport, discardLogger())
	ctx := context.Background()

	require.NoError(t, scheduler.Schedule(ctx, domain.QueueDefault, "job-1", time.Now().Add(time.Hour)))
	require.NoError(t, scheduler.Schedule(ctx, domain.QueueDefault, "job-1", time.Now().Add(time.Hour)))

	assert.Equal(t, 1, scheduler.Pending())
}

func TestTimerScheduler_StopCancelsTimers(t *testing.T) {
	transport := NewMemoryTransport(8)
	scheduler := NewTimerScheduler(transport, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, scheduler.Schedule(ctx, domain.QueueDefault, "job-1", time.Now().Add(time.Hour)))

	cancel()
	require.NoError(t, scheduler.Run(ctx))

	assert.Equal(t, 0, scheduler.Pending())
	assert.ErrorIs(t, scheduler.Schedule(context.Background(), domain.QueueDefault, "job-2", time.Now()), ErrTransportClosed)
}
