package domain

import (
	"encoding/json"
	"time"
)

// Job is the durable record of one unit of offloaded work
type Job struct {
	JobID          string          `json:"job_id" db:"job_id"`
	CorrelationKey string          `json:"correlation_key" db:"correlation_key"`
	JobType        string          `json:"job_type" db:"job_type"`
	QueueClass     QueueClass      `json:"queue_class" db:"queue_class"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
	Status         JobStatus       `json:"status" db:"status"`
	AttemptCount   int             `json:"attempt_count" db:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts" db:"max_attempts"`
	WorkerID       string          `json:"worker_id,omitempty" db:"worker_id"`
	AvailableAt    time.Time       `json:"available_at" db:"available_at"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	Result         json.RawMessage `json:"result,omitempty" db:"result"`
	Error          string          `json:"error,omitempty" db:"error_message"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// Clone returns a deep copy so callers never share mutable slices with a store
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload = cloneRaw(j.Payload)
	c.Result = cloneRaw(j.Result)
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// StatusMessage returns the push message describing the job's current state
func (j *Job) StatusMessage() StatusMessage {
	msg := StatusMessage{
		Event:          EventJobStatus,
		JobID:          j.JobID,
		CorrelationKey: j.CorrelationKey,
		JobType:        j.JobType,
		Status:         j.Status,
		AttemptCount:   j.AttemptCount,
		UpdatedAt:      j.UpdatedAt,
	}
	if j.Status == JobStatusSucceeded {
		msg.Result = cloneRaw(j.Result)
	}
	if j.Status == JobStatusFailed || j.Status == JobStatusDeadLettered {
		e := j.Error
		msg.Error = &e
	}
	return msg
}

// JobMessage is the body published on the queue transport
type JobMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}
