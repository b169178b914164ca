package synchronizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
)

// Outcome says what Apply did with a status message
type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeStale     Outcome = "stale"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeMerged    Outcome = "merged"
	OutcomeSkipped   Outcome = "skipped"
)

// Result describes one Apply call
type Result struct {
	Outcome       Outcome
	JobID         string
	JobType       string
	MergedFields  []string
	SkippedFields []string
}

// Notifier receives session-level events after a merge or skip
type Notifier interface {
	Publish(ctx context.Context, msg domain.StatusMessage) error
}

const maxConflictRetries = 5

// Synchronizer merges terminal job results into correlation entries.
// Push and poll both call Apply; repeated calls with the same message are no-ops.
type Synchronizer struct {
	store    CorrelationStore
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func New(store CorrelationStore, notifier Notifier, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		store:    store,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "synchronizer")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Correlation returns the current entry for key
func (s *Synchronizer) Correlation(ctx context.Context, key string) (*domain.Correlation, error) {
	return s.store.Get(ctx, key)
}

// Register records jobID as the latest submission of jobType for key.
// Earlier submissions of the same type become stale.
func (s *Synchronizer) Register(ctx context.Context, key, jobType, jobID string) (*domain.Correlation, error) {
	if strings.TrimSpace(key) == "" || strings.TrimSpace(jobType) == "" || strings.TrimSpace(jobID) == "" {
		return nil, fmt.Errorf("%w: correlation key, job type and job id are required", domain.ErrInvalidPayload)
	}

	var superseded string
	c, err := s.update(ctx, key, func(c *domain.Correlation) (bool, error) {
		if prev, ok := c.Submissions[jobType]; ok {
			if prev.JobID == jobID {
				return false, nil
			}
			if !prev.Resolved() {
				superseded = prev.JobID
			}
		}
		c.Submissions[jobType] = &domain.Submission{
			JobID:       jobID,
			BaseVersion: c.MergeVersion,
			State:       domain.SubmissionPending,
			SubmittedAt: s.now(),
		}
		c.PendingJobIDs[jobID] = jobType
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	attrs := []any{
		slog.String("correlation_key", key),
		slog.String("job_type", jobType),
		slog.String("job_id", jobID),
		slog.Int64("base_version", c.MergeVersion),
	}
	if superseded != "" {
		attrs = append(attrs, slog.String("superseded_job_id", superseded))
	}
	s.logger.Info("Submission registered", attrs...)
	return c, nil
}

// EditField stores a user edit and bumps the merge version so in-flight jobs
// cannot overwrite it.
func (s *Synchronizer) EditField(ctx context.Context, key, field string, value json.RawMessage) (*domain.Correlation, error) {
	if strings.TrimSpace(field) == "" {
		return nil, fmt.Errorf("%w: field name is required", domain.ErrInvalidPayload)
	}
	if !json.Valid(value) {
		return nil, fmt.Errorf("%w: field value is not valid JSON", domain.ErrInvalidPayload)
	}

	c, err := s.update(ctx, key, func(c *domain.Correlation) (bool, error) {
		c.MergeVersion++
		c.Fields[field] = domain.FieldValue{
			Value:     append(json.RawMessage(nil), value...),
			Source:    domain.FieldSourceUser,
			Version:   c.MergeVersion,
			UpdatedAt: s.now(),
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Field edited by user",
		slog.String("correlation_key", key),
		slog.String("field", field),
		slog.Int64("merge_version", c.MergeVersion),
	)
	return c, nil
}

// Apply runs the merge algorithm for one status message
func (s *Synchronizer) Apply(ctx context.Context, msg domain.StatusMessage) (Result, error) {
	res := Result{Outcome: OutcomeIgnored, JobID: msg.JobID, JobType: msg.JobType}
	if !msg.IsTerminal() || msg.CorrelationKey == "" {
		return res, nil
	}

	if _, err := s.store.Get(ctx, msg.CorrelationKey); err != nil {
		if errors.Is(err, domain.ErrCorrelationNotFound) {
			// nothing was registered for this key, so no session is waiting on it
			res.Outcome = OutcomeStale
			return res, nil
		}
		return res, err
	}

	_, err := s.update(ctx, msg.CorrelationKey, func(c *domain.Correlation) (bool, error) {
		res = s.apply(c, msg)
		return res.Outcome == OutcomeStale || res.Outcome == OutcomeMerged || res.Outcome == OutcomeSkipped, nil
	})
	if err != nil {
		return res, err
	}

	s.logger.Info("Status message applied",
		slog.String("correlation_key", msg.CorrelationKey),
		slog.String("job_id", msg.JobID),
		slog.String("job_type", res.JobType),
		slog.String("status", string(msg.Status)),
		slog.String("outcome", string(res.Outcome)),
		slog.Any("merged_fields", res.MergedFields),
		slog.Any("skipped_fields", res.SkippedFields),
	)

	s.notify(ctx, msg, res)
	return res, nil
}

// apply mutates c for msg. It never returns an error: every path is a defined outcome.
func (s *Synchronizer) apply(c *domain.Correlation, msg domain.StatusMessage) Result {
	res := Result{JobID: msg.JobID}

	jobType := msg.JobType
	if jobType == "" {
		jobType = c.PendingJobIDs[msg.JobID]
	}
	res.JobType = jobType

	sub, ok := c.Submissions[jobType]
	if !ok || sub.JobID != msg.JobID {
		// superseded or unknown: drop it from the pending set and discard
		_, wasPending := c.PendingJobIDs[msg.JobID]
		delete(c.PendingJobIDs, msg.JobID)
		res.Outcome = OutcomeStale
		if !wasPending {
			res.Outcome = OutcomeDuplicate
		}
		return res
	}

	if sub.Resolved() {
		res.Outcome = OutcomeDuplicate
		return res
	}

	now := s.now()
	delete(c.PendingJobIDs, msg.JobID)
	sub.ResolvedAt = &now

	if msg.Status != domain.JobStatusSucceeded {
		sub.State = domain.SubmissionFailedSkipped
		sub.SkipReason = string(msg.Status)
		if msg.Error != nil && *msg.Error != "" {
			sub.SkipReason = *msg.Error
		}
		res.Outcome = OutcomeSkipped
		return res
	}

	fields := resultFields(jobType, msg.Result)
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if c.EditedSince(name, sub.BaseVersion) {
			res.SkippedFields = append(res.SkippedFields, name)
			continue
		}
		c.Fields[name] = domain.FieldValue{
			Value:     fields[name],
			Source:    domain.FieldSourceJob,
			Version:   c.MergeVersion,
			JobID:     msg.JobID,
			UpdatedAt: now,
		}
		res.MergedFields = append(res.MergedFields, name)
	}

	sub.State = domain.SubmissionSucceeded
	sub.MergedFields = append([]string(nil), res.MergedFields...)
	sub.SkippedFields = append([]string(nil), res.SkippedFields...)
	res.Outcome = OutcomeMerged
	return res
}

// resultFields splits a JSON object result into session fields. Any other
// JSON value is stored whole under the job type.
func resultFields(jobType string, result json.RawMessage) map[string]json.RawMessage {
	fields := make(map[string]json.RawMessage)
	if len(result) == 0 {
		return fields
	}
	if err := json.Unmarshal(result, &fields); err != nil {
		return map[string]json.RawMessage{jobType: append(json.RawMessage(nil), result...)}
	}
	return fields
}

func (s *Synchronizer) notify(ctx context.Context, msg domain.StatusMessage, res Result) {
	if s.notifier == nil {
		return
	}

	var event domain.StatusMessage
	switch res.Outcome {
	case OutcomeMerged:
		event = domain.StatusMessage{
			Event:          domain.EventFieldsMerged,
			JobID:          msg.JobID,
			CorrelationKey: msg.CorrelationKey,
			JobType:        res.JobType,
			Status:         msg.Status,
			Fields:         res.MergedFields,
			UpdatedAt:      s.now(),
		}
	case OutcomeSkipped:
		event = domain.StatusMessage{
			Event:          domain.EventJobSkipped,
			JobID:          msg.JobID,
			CorrelationKey: msg.CorrelationKey,
			JobType:        res.JobType,
			Status:         msg.Status,
			Error:          msg.Error,
			UpdatedAt:      s.now(),
		}
	default:
		return
	}

	if err := s.notifier.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to notify session",
			slog.String("correlation_key", msg.CorrelationKey),
			slog.String("event", string(event.Event)),
			slog.Any("error", err),
		)
	}
}

// update retries write conflicts so a lost race is never silently dropped
func (s *Synchronizer) update(ctx context.Context, key string, fn UpdateFunc) (*domain.Correlation, error) {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		c, err := s.store.Update(ctx, key, fn)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, domain.ErrWriteConflict) {
			return nil, err
		}
		lastErr = err
		s.logger.Debug("Correlation write conflict, retrying",
			slog.String("correlation_key", key),
			slog.Int("attempt", attempt+1),
		)
	}
	return nil, fmt.Errorf("correlation %s: %w", key, lastErr)
}
