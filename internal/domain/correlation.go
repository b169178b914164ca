package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// SubmissionState is the per-job-type status a conversation sees for a correlation key
type SubmissionState string

const (
	SubmissionNotStarted    SubmissionState = "not_started"
	SubmissionPending       SubmissionState = "pending"
	SubmissionSucceeded     SubmissionState = "succeeded"
	SubmissionFailedSkipped SubmissionState = "failed_skipped"
)

// FieldSource records who last wrote a session field
type FieldSource string

const (
	FieldSourceUser FieldSource = "user"
	FieldSourceJob  FieldSource = "job"
)

// Submission tracks the latest job of one type for a correlation key
type Submission struct {
	JobID         string          `json:"job_id"`
	BaseVersion   int64           `json:"base_version"`
	State         SubmissionState `json:"state"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	SkipReason    string          `json:"skip_reason,omitempty"`
	MergedFields  []string        `json:"merged_fields,omitempty"`
	SkippedFields []string        `json:"skipped_fields,omitempty"`
}

// Resolved reports whether the submission reached a merged or skipped outcome
func (s *Submission) Resolved() bool {
	return s.State == SubmissionSucceeded || s.State == SubmissionFailedSkipped
}

// FieldValue is one conversation-owned session field
type FieldValue struct {
	Value     json.RawMessage `json:"value"`
	Source    FieldSource     `json:"source"`
	Version   int64           `json:"version"`
	JobID     string          `json:"job_id,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Correlation is the per-session bookkeeping the synchronizer merges into.
// MergeVersion only ever increases and is bumped on every user edit.
type Correlation struct {
	CorrelationKey string                 `json:"correlation_key"`
	MergeVersion   int64                  `json:"merge_version"`
	Submissions    map[string]*Submission `json:"submissions"`
	PendingJobIDs  map[string]string      `json:"pending_job_ids"`
	Fields         map[string]FieldValue  `json:"fields"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// NewCorrelation creates an empty entry for key
func NewCorrelation(key string, now time.Time) *Correlation {
	return &Correlation{
		CorrelationKey: key,
		Submissions:    make(map[string]*Submission),
		PendingJobIDs:  make(map[string]string),
		Fields:         make(map[string]FieldValue),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// LastSubmittedJobID returns the latest job id registered for jobType, or ""
func (c *Correlation) LastSubmittedJobID(jobType string) string {
	if s, ok := c.Submissions[jobType]; ok {
		return s.JobID
	}
	return ""
}

// State returns the tagged submission state for jobType
func (c *Correlation) State(jobType string) SubmissionState {
	if s, ok := c.Submissions[jobType]; ok {
		return s.State
	}
	return SubmissionNotStarted
}

// HasPending reports whether any job type is still waiting on a result
func (c *Correlation) HasPending() bool {
	for _, s := range c.Submissions {
		if s.State == SubmissionPending {
			return true
		}
	}
	return false
}

// EditedSince reports whether the user wrote field after version
func (c *Correlation) EditedSince(field string, version int64) bool {
	f, ok := c.Fields[field]
	return ok && f.Source == FieldSourceUser && f.Version > version
}

// PendingIDs returns the pending job ids in a stable order
func (c *Correlation) PendingIDs() []string {
	ids := make([]string, 0, len(c.PendingJobIDs))
	for id := range c.PendingJobIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy
func (c *Correlation) Clone() *Correlation {
	if c == nil {
		return nil
	}
	out := *c
	out.Submissions = make(map[string]*Submission, len(c.Submissions))
	for k, s := range c.Submissions {
		cp := *s
		if s.ResolvedAt != nil {
			t := *s.ResolvedAt
			cp.ResolvedAt = &t
		}
		cp.MergedFields = append([]string(nil), s.MergedFields...)
		cp.SkippedFields = append([]string(nil), s.SkippedFields...)
		out.Submissions[k] = &cp
	}
	out.PendingJobIDs = make(map[string]string, len(c.PendingJobIDs))
	for k, v := range c.PendingJobIDs {
		out.PendingJobIDs[k] = v
	}
	out.Fields = make(map[string]FieldValue, len(c.Fields))
	for k, v := range c.Fields {
		v.Value = cloneRaw(v.Value)
		out.Fields[k] = v
	}
	return &out
}

// Normalize fills nil maps after decoding a stored document
func (c *Correlation) Normalize() {
	if c.Submissions == nil {
		c.Submissions = make(map[string]*Submission)
	}
	if c.PendingJobIDs == nil {
		c.PendingJobIDs = make(map[string]string)
	}
	if c.Fields == nil {
		c.Fields = make(map[string]FieldValue)
	}
}
