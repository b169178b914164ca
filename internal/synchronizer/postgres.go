package synchronizer

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

const correlationSchema = `
CREATE TABLE IF NOT EXISTS pipeline_correlations (
	correlation_key TEXT PRIMARY KEY,
	merge_version   BIGINT NOT NULL DEFAULT 0,
	document        JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// PostgresStore keeps one JSONB document per correlation key and serializes
// updates with SELECT ... FOR UPDATE.
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// EnsureSchema creates the correlations table if it does not exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, correlationSchema); err != nil {
		return fmt.Errorf("failed to create correlation schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*domain.Correlation, error) {
	var doc []byte
	err := s.db.GetContext(ctx, &doc, `SELECT document FROM pipeline_correlations WHERE correlation_key = $1`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrCorrelationNotFound
		}
		return nil, fmt.Errorf("failed to get correlation: %w", err)
	}
	return decodeCorrelation(doc)
}

func (s *PostgresStore) Update(ctx context.Context, key string, fn UpdateFunc) (*domain.Correlation, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	empty, err := json.Marshal(domain.NewCorrelation(key, now))
	if err != nil {
		return nil, fmt.Errorf("failed to encode correlation: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pipeline_correlations (correlation_key, merge_version, document, created_at, updated_at)
		VALUES ($1, 0, $2::jsonb, $3, $3)
		ON CONFLICT (correlation_key) DO NOTHING`,
		key, string(empty), now,
	)
	if err != nil {
		return nil, classifyPgError("insert correlation", err)
	}

	var doc []byte
	err = tx.GetContext(ctx, &doc, `
		SELECT document FROM pipeline_correlations
		WHERE correlation_key = $1
		FOR UPDATE`, key)
	if err != nil {
		return nil, classifyPgError("lock correlation", err)
	}

	current, err := decodeCorrelation(doc)
	if err != nil {
		return nil, err
	}

	changed, err := fn(current)
	if err != nil {
		return nil, err
	}
	if !changed {
		if err := tx.Commit(); err != nil {
			return nil, classifyPgError("commit correlation", err)
		}
		return current, nil
	}

	current.UpdatedAt = now
	updated, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("failed to encode correlation: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE pipeline_correlations
		SET document = $2::jsonb, merge_version = $3, updated_at = $4
		WHERE correlation_key = $1`,
		key, string(updated), current.MergeVersion, now,
	)
	if err != nil {
		return nil, classifyPgError("update correlation", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyPgError("commit correlation", err)
	}
	return current, nil
}

func decodeCorrelation(doc []byte) (*domain.Correlation, error) {
	var c domain.Correlation
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("failed to decode correlation: %w", err)
	}
	c.Normalize()
	return &c, nil
}

// serialization failures and deadlocks are write conflicts the caller retries
func classifyPgError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%s: %w: %v", op, domain.ErrWriteConflict, err)
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
