package domain

import (
	"encoding/json"
	"time"
)

// Event distinguishes the messages carried on a correlation key's channel
type Event string

const (
	EventJobStatus    Event = "job_status"
	EventFieldsMerged Event = "fields_merged"
	EventJobSkipped   Event = "job_skipped"
)

// StatusMessage is fanned out to every subscriber of a correlation key.
// Result is set only for SUCCEEDED, Error only for FAILED and DEAD_LETTERED.
type StatusMessage struct {
	Event          Event           `json:"event"`
	JobID          string          `json:"job_id"`
	CorrelationKey string          `json:"correlation_key"`
	JobType        string          `json:"job_type,omitempty"`
	Status         JobStatus       `json:"status,omitempty"`
	Result         json.RawMessage `json:"result"`
	Error          *string         `json:"error"`
	AttemptCount   int             `json:"attempt_count,omitempty"`
	Fields         []string        `json:"fields,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the message carries a terminal job status
func (m StatusMessage) IsTerminal() bool {
	return m.Event == EventJobStatus && m.Status.IsTerminal()
}
