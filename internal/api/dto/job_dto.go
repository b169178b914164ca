package dto

import (
	"encoding/json"
	"time"
)

type CreateJobRequest struct {
	QueueClass     string          `json:"queue_class" binding:"required"`
	JobType        string          `json:"job_type"`
	CorrelationKey string          `json:"correlation_key" binding:"required"`
	Payload        json.RawMessage `json:"payload"`
	MaxAttempts    int             `json:"max_attempts" binding:"omitempty,min=1,max=20"`
}

type CreateJobResponse struct {
	JobID          string `json:"job_id"`
	CorrelationKey string `json:"correlation_key"`
	Status         string `json:"status"`
}

type JobDTO struct {
	JobID          string          `json:"job_id"`
	CorrelationKey string          `json:"correlation_key"`
	JobType        string          `json:"job_type"`
	QueueClass     string          `json:"queue_class"`
	Status         string          `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *string         `json:"error,omitempty"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
	CompletedAt    *string         `json:"completed_at,omitempty"`
}

type ListJobsRequest struct {
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
