package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/publora/publora/internal/domain/outcomestore"
	"github.com/publora/publora/internal/domain/schema"
)

// OutcomeStore persists per-target outcome records in the target_outcomes table.
type OutcomeStore struct {
	pool *pgxpool.Pool
}

// NewOutcomeStore constructs an OutcomeStore backed by the provided pool.
func NewOutcomeStore(pool *pgxpool.Pool) *OutcomeStore {
	return &OutcomeStore{pool: pool}
}

const outcomeColumns = `
    post_id,
    target_id,
    destination,
    status,
    error_kind,
    last_error,
    last_attempt_at`

const (
	outcomeUpsertSQL = `
INSERT INTO target_outcomes (
    post_id,
    target_id,
    destination,
    status,
    error_kind,
    last_error,
    last_attempt_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (post_id, target_id) DO UPDATE
SET destination = EXCLUDED.destination,
    status = EXCLUDED.status,
    error_kind = EXCLUDED.error_kind,
    last_error = EXCLUDED.last_error,
    last_attempt_at = EXCLUDED.last_attempt_at;
`

	outcomeListByPostSQL = `
SELECT` + outcomeColumns + `
FROM target_outcomes
WHERE post_id = $1
ORDER BY target_id ASC;
`

	outcomeGetSQL = `
SELECT` + outcomeColumns + `
FROM target_outcomes
WHERE post_id = $1
  AND target_id = $2;
`
)

// Upsert records the latest outcome for a target.
func (s *OutcomeStore) Upsert(ctx context.Context, outcome schema.TargetOutcome) error {
	if s.pool == nil {
		return fmt.Errorf("outcome store: nil pool")
	}
	if outcome.PostID == "" || outcome.TargetID == "" {
		return fmt.Errorf("outcome store: post id and target id required")
	}
	_, err := s.pool.Exec(ctx, outcomeUpsertSQL,
		outcome.PostID,
		outcome.TargetID,
		outcome.Destination,
		string(outcome.Status),
		string(outcome.ErrorKind),
		outcome.LastError,
		outcome.LastAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("outcome store: upsert: %w", err)
	}
	return nil
}

// ListByPost returns every outcome recorded for the post, ordered by target ID.
func (s *OutcomeStore) ListByPost(ctx context.Context, postID string) ([]schema.TargetOutcome, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outcome store: nil pool")
	}
	rows, err := s.pool.Query(ctx, outcomeListByPostSQL, postID)
	if err != nil {
		return nil, fmt.Errorf("outcome store: list by post: %w", err)
	}
	defer rows.Close()

	outcomes := make([]schema.TargetOutcome, 0)
	for rows.Next() {
		outcome, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, outcome)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outcome store: iterate outcomes: %w", err)
	}
	return outcomes, nil
}

// Get returns the outcome for one target of a post.
func (s *OutcomeStore) Get(ctx context.Context, postID, targetID string) (schema.TargetOutcome, error) {
	if s.pool == nil {
		return schema.TargetOutcome{}, fmt.Errorf("outcome store: nil pool")
	}
	outcome, err := scanOutcome(s.pool.QueryRow(ctx, outcomeGetSQL, postID, targetID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return schema.TargetOutcome{}, fmt.Errorf("outcome store: outcome %s/%s not found", postID, targetID)
		}
		return schema.TargetOutcome{}, err
	}
	return outcome, nil
}

func scanOutcome(row rowScanner) (schema.TargetOutcome, error) {
	var (
		outcome   schema.TargetOutcome
		status    string
		errorKind pgtype.Text
		lastError pgtype.Text
	)
	if err := row.Scan(
		&outcome.PostID,
		&outcome.TargetID,
		&outcome.Destination,
		&status,
		&errorKind,
		&lastError,
		&outcome.LastAttemptAt,
	); err != nil {
		if err == pgx.ErrNoRows {
			return schema.TargetOutcome{}, err
		}
		return schema.TargetOutcome{}, fmt.Errorf("outcome store: scan outcome: %w", err)
	}
	outcome.Status = schema.OutcomeStatus(status)
	if errorKind.Valid {
		outcome.ErrorKind = schema.ErrorKind(errorKind.String)
	}
	if lastError.Valid {
		outcome.LastError = lastError.String
	}
	return outcome, nil
}

var _ outcomestore.Store = (*OutcomeStore)(nil)
