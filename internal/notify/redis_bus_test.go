package notify

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisBus_ForwardsIntoHub(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	bus, err := NewRedisBus(rdb, "pipeline:test:"+t.Name(), testLogger())
	require.NoError(t, err)
	defer bus.Close()

	hub := NewHub(testLogger(), 4)
	sub := hub.Subscribe("session-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bus.StartForwarder(ctx, func(msg domain.StatusMessage) {
		_ = hub.Publish(ctx, msg)
	}))

	require.NoError(t, bus.Publish(ctx, domain.StatusMessage{
		Event:          domain.EventJobStatus,
		JobID:          "job-1",
		CorrelationKey: "session-1",
		Status:         domain.JobStatusSucceeded,
		UpdatedAt:      time.Now().UTC(),
	}))

	got := recvMessage(t, sub.C())
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, domain.JobStatusSucceeded, got.Status)
}
