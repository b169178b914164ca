package dto

import "encoding/json"

type FieldDTO struct {
	Value     json.RawMessage `json:"value"`
	Source    string          `json:"source"`
	Version   int64           `json:"version"`
	JobID     string          `json:"job_id,omitempty"`
	UpdatedAt string          `json:"updated_at"`
}

type SubmissionDTO struct {
	JobID         string   `json:"job_id"`
	State         string   `json:"state"`
	Message       string   `json:"message"`
	SubmittedAt   string   `json:"submitted_at"`
	MergedFields  []string `json:"merged_fields,omitempty"`
	SkippedFields []string `json:"skipped_fields,omitempty"`
}

type SessionResponse struct {
	CorrelationKey string                   `json:"correlation_key"`
	MergeVersion   int64                    `json:"merge_version"`
	Fields         map[string]FieldDTO      `json:"fields"`
	Submissions    map[string]SubmissionDTO `json:"submissions"`
	Pending        []string                 `json:"pending_job_ids"`
}

type EditFieldRequest struct {
	Value json.RawMessage `json:"value" binding:"required"`
}

type LatestResponse struct {
	CorrelationKey string `json:"correlation_key"`
	JobType        string `json:"job_type"`
	JobID          string `json:"job_id"`
}

type PollOutcomeDTO struct {
	JobID         string   `json:"job_id"`
	JobType       string   `json:"job_type"`
	Outcome       string   `json:"outcome"`
	MergedFields  []string `json:"merged_fields,omitempty"`
	SkippedFields []string `json:"skipped_fields,omitempty"`
}

type PollResponse struct {
	Applied   []PollOutcomeDTO `json:"applied"`
	Remaining int              `json:"remaining"`
}
