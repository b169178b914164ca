package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuongbtq/grievance-pipeline/internal/config"
	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadClasses(t *testing.T) (*config.Config, map[domain.QueueClass]config.QueueClassConfig) {
	t.Helper()
	cfg, err := config.Load("../config/testdata/valid_config.yaml")
	require.NoError(t, err)
	classes, err := cfg.QueueClasses()
	require.NoError(t, err)
	return cfg, classes
}

func TestRabbitConfig_DeclaresQueuePerClass(t *testing.T) {
	cfg, classes := loadClasses(t)

	rc := RabbitConfig(&cfg.RabbitMQ, classes)
	assert.Equal(t, "pipeline.jobs", rc.ExchangeName)
	require.Len(t, rc.Queues, 3)

	routes := map[string]string{}
	for _, q := range rc.Queues {
		assert.True(t, q.Durable)
		routes[q.RoutingKey] = q.Name
	}
	assert.Equal(t, "pipeline.classification", routes["classification"])
	assert.Equal(t, "pipeline.default", routes["default"])
	assert.Equal(t, "pipeline.notification", routes["notification"])
}

func TestPipelineConfig(t *testing.T) {
	cfg, classes := loadClasses(t)

	pc := PipelineConfig(cfg, classes)
	assert.Equal(t, "worker-local", pc.WorkerID)
	assert.Equal(t, 1500*time.Millisecond, pc.PollInterval)
	assert.Equal(t, 100, pc.SweepBatchSize)

	q := pc.Queues[domain.QueueClassification]
	assert.Equal(t, 4, q.Concurrency)
	assert.Equal(t, 3, q.MaxAttempts)
	assert.Equal(t, 2*time.Second, q.BaseDelay)
	assert.Equal(t, 20*time.Second, q.SoftTimeout)
}

func TestClasses_PriorityOrder(t *testing.T) {
	_, classes := loadClasses(t)
	assert.Equal(t, []domain.QueueClass{domain.QueueClassification, domain.QueueDefault, domain.QueueNotification}, Classes(classes))
}

type schemaFunc func(ctx context.Context) error

func (f schemaFunc) EnsureSchema(ctx context.Context) error { return f(ctx) }

func TestEnsureSchemas_StopsAtFirstError(t *testing.T) {
	var calls int
	ok := schemaFunc(func(context.Context) error { calls++; return nil })
	bad := schemaFunc(func(context.Context) error { calls++; return errors.New("permission denied") })

	err := EnsureSchemas(context.Background(), ok, bad, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Equal(t, 2, calls)
}
