package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/grievance-pipeline/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_jobs (
	job_id           TEXT PRIMARY KEY,
	correlation_key  TEXT NOT NULL,
	job_type         TEXT NOT NULL,
	queue_class      TEXT NOT NULL,
	payload          JSONB NOT NULL DEFAULT '{}'::jsonb,
	status           TEXT NOT NULL,
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL,
	worker_id        TEXT NOT NULL DEFAULT '',
	available_at     TIMESTAMPTZ NOT NULL,
	lease_expires_at TIMESTAMPTZ,
	result           JSONB,
	error_message    TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_pipeline_jobs_correlation ON pipeline_jobs (correlation_key, created_at);
CREATE INDEX IF NOT EXISTS idx_pipeline_jobs_pending ON pipeline_jobs (queue_class, status, available_at);
CREATE INDEX IF NOT EXISTS idx_pipeline_jobs_lease ON pipeline_jobs (status, lease_expires_at);
`

const jobColumns = `job_id, correlation_key, job_type, queue_class, payload, status,
	attempt_count, max_attempts, worker_id, available_at, lease_expires_at,
	result, error_message, created_at, updated_at, completed_at`

// uniqueViolation is the Postgres error code for duplicate keys
const uniqueViolation = "23505"

// jobRow mirrors pipeline_jobs; JSONB columns scan into []byte so NULL is allowed
type jobRow struct {
	JobID          string     `db:"job_id"`
	CorrelationKey string     `db:"correlation_key"`
	JobType        string     `db:"job_type"`
	QueueClass     string     `db:"queue_class"`
	Payload        []byte     `db:"payload"`
	Status         string     `db:"status"`
	AttemptCount   int        `db:"attempt_count"`
	MaxAttempts    int        `db:"max_attempts"`
	WorkerID       string     `db:"worker_id"`
	AvailableAt    time.Time  `db:"available_at"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at"`
	Result         []byte     `db:"result"`
	ErrorMessage   string     `db:"error_message"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
	CompletedAt    *time.Time `db:"completed_at"`
}

func (r *jobRow) toJob() *domain.Job {
	return &domain.Job{
		JobID:          r.JobID,
		CorrelationKey: r.CorrelationKey,
		JobType:        r.JobType,
		QueueClass:     domain.QueueClass(r.QueueClass),
		Payload:        json.RawMessage(r.Payload),
		Status:         domain.JobStatus(r.Status),
		AttemptCount:   r.AttemptCount,
		MaxAttempts:    r.MaxAttempts,
		WorkerID:       r.WorkerID,
		AvailableAt:    r.AvailableAt,
		LeaseExpiresAt: r.LeaseExpiresAt,
		Result:         json.RawMessage(r.Result),
		Error:          r.ErrorMessage,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		CompletedAt:    r.CompletedAt,
	}
}

// PostgresStore persists jobs in PostgreSQL. Claims and outcome writes are
// conditional UPDATEs on the current status, so concurrent workers race
// safely on the row.
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore instance
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the jobs table and its indexes when missing
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, job *domain.Job) error {
	if job.Status != domain.JobStatusPending {
		return fmt.Errorf("%w: new job must be PENDING, got %s", domain.ErrInvalidTransition, job.Status)
	}

	payload := string(job.Payload)
	if payload == "" {
		payload = "{}"
	}

	// zero timestamps are taken from the database clock, the same clock Claim
	// compares available_at against
	query := `
		INSERT INTO pipeline_jobs (
			job_id, correlation_key, job_type, queue_class, payload, status,
			attempt_count, max_attempts, available_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5::jsonb, $6,
			0, $7, COALESCE($8::timestamptz, $9::timestamptz, NOW()), COALESCE($9::timestamptz, NOW()), COALESCE($9::timestamptz, NOW())
		)
		RETURNING available_at, created_at, updated_at
	`

	var stamps struct {
		AvailableAt time.Time `db:"available_at"`
		CreatedAt   time.Time `db:"created_at"`
		UpdatedAt   time.Time `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &stamps, query,
		job.JobID,
		job.CorrelationKey,
		job.JobType,
		string(job.QueueClass),
		payload,
		string(job.Status),
		job.MaxAttempts,
		nullTime(job.AvailableAt),
		nullTime(job.CreatedAt),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fmt.Errorf("%w: job %s already exists", domain.ErrWriteConflict, job.JobID)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	job.AvailableAt = stamps.AvailableAt.UTC()
	job.CreatedAt = stamps.CreatedAt.UTC()
	job.UpdatedAt = stamps.UpdatedAt.UTC()
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM pipeline_jobs WHERE job_id = $1`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toJob(), nil
}

func (s *PostgresStore) GetByCorrelation(ctx context.Context, key string) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM pipeline_jobs WHERE correlation_key = $1 ORDER BY created_at ASC, job_id ASC`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, key); err != nil {
		return nil, fmt.Errorf("failed to list jobs by correlation: %w", err)
	}
	return toJobs(rows), nil
}

func (s *PostgresStore) Claim(ctx context.Context, jobID, workerID string, lease time.Duration) (*domain.Job, error) {
	query := `
		UPDATE pipeline_jobs
		SET status = $1,
		    worker_id = $2,
		    attempt_count = attempt_count + 1,
		    lease_expires_at = $3,
		    updated_at = NOW()
		WHERE job_id = $4
		  AND status = $5
		  AND available_at <= NOW()
		RETURNING ` + jobColumns

	leaseUntil := time.Now().UTC().Add(lease)

	var row jobRow
	err := s.db.GetContext(ctx, &row, query,
		string(domain.JobStatusRunning), workerID, leaseUntil, jobID, string(domain.JobStatusPending))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.claimMissReason(ctx, jobID, workerID)
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.String("job_type", row.JobType),
		slog.Int("attempt", row.AttemptCount),
	)

	return row.toJob(), nil
}

// claimMissReason explains why the conditional claim matched no row
func (s *PostgresStore) claimMissReason(ctx context.Context, jobID, workerID string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == domain.JobStatusPending {
		return domain.ErrJobNotDue
	}
	s.logger.Warn("Failed to claim job - already claimed or finished",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.String("status", string(job.Status)),
	)
	return domain.ErrJobAlreadyClaimed
}

func (s *PostgresStore) ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	query := `
		UPDATE pipeline_jobs
		SET lease_expires_at = $1,
		    updated_at = NOW()
		WHERE job_id = $2 AND status = $3 AND worker_id = $4
	`

	result, err := s.db.ExecContext(ctx, query, time.Now().UTC().Add(lease), jobID, string(domain.JobStatusRunning), workerID)
	if err != nil {
		return fmt.Errorf("failed to extend job lease: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: job %s no longer running under worker %s", domain.ErrInvalidTransition, jobID, workerID)
	}
	return nil
}

func (s *PostgresStore) Complete(ctx context.Context, jobID, workerID string, result json.RawMessage) (*domain.Job, error) {
	query := `
		UPDATE pipeline_jobs
		SET status = $1,
		    result = $2::jsonb,
		    error_message = '',
		    lease_expires_at = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $3 AND status = $4 AND worker_id = $5
		RETURNING ` + jobColumns

	resultJSON := string(result)
	if resultJSON == "" {
		resultJSON = "{}"
	}

	var row jobRow
	err := s.db.GetContext(ctx, &row, query,
		string(domain.JobStatusSucceeded), resultJSON, jobID, string(domain.JobStatusRunning), workerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.ownershipLost(ctx, jobID, workerID)
		}
		return nil, fmt.Errorf("failed to complete job: %w", err)
	}
	return row.toJob(), nil
}

func (s *PostgresStore) Fail(ctx context.Context, jobID, workerID, errMsg string, retryable bool, retryDelay time.Duration) (*domain.Job, error) {
	query := `
		UPDATE pipeline_jobs
		SET status = CASE
		        WHEN NOT $1::boolean THEN $2
		        WHEN attempt_count >= max_attempts THEN $3
		        ELSE $4
		    END,
		    available_at = CASE
		        WHEN $1::boolean AND attempt_count < max_attempts THEN NOW() + $5::bigint * INTERVAL '1 microsecond'
		        ELSE available_at
		    END,
		    completed_at = CASE
		        WHEN NOT $1::boolean OR attempt_count >= max_attempts THEN NOW()
		        ELSE NULL
		    END,
		    error_message = $6,
		    worker_id = '',
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE job_id = $7 AND status = $8 AND worker_id = $9
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.GetContext(ctx, &row, query,
		retryable,
		string(domain.JobStatusFailed),
		string(domain.JobStatusDeadLettered),
		string(domain.JobStatusPending),
		retryDelay.Microseconds(),
		errMsg,
		jobID,
		string(domain.JobStatusRunning),
		workerID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.ownershipLost(ctx, jobID, workerID)
		}
		return nil, fmt.Errorf("failed to record job failure: %w", err)
	}
	return row.toJob(), nil
}

func (s *PostgresStore) Abandon(ctx context.Context, jobID, errMsg string) (*domain.Job, error) {
	query := `
		UPDATE pipeline_jobs
		SET status = $1,
		    error_message = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $3 AND status = $4
		RETURNING ` + jobColumns

	var row jobRow
	err := s.db.GetContext(ctx, &row, query,
		string(domain.JobStatusFailed), errMsg, jobID, string(domain.JobStatusPending))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			job, getErr := s.Get(ctx, jobID)
			if getErr != nil {
				return nil, getErr
			}
			return nil, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, jobID, job.Status)
		}
		return nil, fmt.Errorf("failed to abandon job: %w", err)
	}
	return row.toJob(), nil
}

func (s *PostgresStore) ownershipLost(ctx context.Context, jobID, workerID string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s (worker %q, expected %q)",
		domain.ErrInvalidTransition, jobID, job.Status, job.WorkerID, workerID)
}

func (s *PostgresStore) RecoverExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		UPDATE pipeline_jobs
		SET status = CASE WHEN attempt_count >= max_attempts THEN $1 ELSE $2 END,
		    completed_at = CASE WHEN attempt_count >= max_attempts THEN NOW() ELSE NULL END,
		    available_at = $3,
		    error_message = $4,
		    worker_id = '',
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE job_id IN (
			SELECT job_id FROM pipeline_jobs
			WHERE status = $5 AND lease_expires_at < $3
			ORDER BY lease_expires_at
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, query,
		string(domain.JobStatusDeadLettered),
		string(domain.JobStatusPending),
		now.UTC(),
		LeaseExpiredError,
		string(domain.JobStatusRunning),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to recover expired leases: %w", err)
	}
	return toJobs(rows), nil
}

func (s *PostgresStore) ListStalePending(ctx context.Context, class domain.QueueClass, before time.Time, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + jobColumns + `
		FROM pipeline_jobs
		WHERE queue_class = $1 AND status = $2 AND available_at <= $3 AND updated_at <= $3
		ORDER BY created_at ASC
		LIMIT $4`

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, string(class), string(domain.JobStatusPending), before.UTC(), limit); err != nil {
		return nil, fmt.Errorf("failed to list stale pending jobs: %w", err)
	}
	return toJobs(rows), nil
}

func (s *PostgresStore) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM pipeline_jobs
		WHERE status IN ($1, $2, $3) AND completed_at < $4
	`

	result, err := s.db.ExecContext(ctx, query,
		string(domain.JobStatusSucceeded),
		string(domain.JobStatusFailed),
		string(domain.JobStatusDeadLettered),
		before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal jobs: %w", err)
	}
	return result.RowsAffected()
}

func toJobs(rows []jobRow) []*domain.Job {
	out := make([]*domain.Job, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toJob())
	}
	return out
}
