package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"github.com/cuongbtq/grievance-pipeline/internal/notify"
	"github.com/cuongbtq/grievance-pipeline/internal/pipeline"
	"github.com/cuongbtq/grievance-pipeline/internal/poller"
)

// Pipeline is the service surface the HTTP layer drives
type Pipeline interface {
	Submit(ctx context.Context, req pipeline.SubmitRequest) (*domain.Job, error)
	GetStatus(ctx context.Context, jobID string) (*domain.Job, error)
	GetLatest(ctx context.Context, key, jobType string) (string, error)
	EditField(ctx context.Context, key, field string, value json.RawMessage) (*domain.Correlation, error)
	Session(ctx context.Context, key string) (*domain.Correlation, error)
	Jobs(ctx context.Context, key string) ([]*domain.Job, error)
	Poll(ctx context.Context, key string) (poller.Cycle, error)
	Track(key string) bool
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Pipeline Pipeline
	// Hub backs the SSE endpoint; nil disables streaming
	Hub               *notify.Hub
	HeartbeatInterval time.Duration
	// HealthChecks are run by GET /health, keyed by dependency name
	HealthChecks map[string]func(ctx context.Context) error
}

// JobHandler handles job and session HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	pipeline  Pipeline
	hub       *notify.Hub
	heartbeat time.Duration
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &JobHandler{
		logger:    deps.Logger,
		pipeline:  deps.Pipeline,
		hub:       deps.Hub,
		heartbeat: heartbeat,
	}
}
