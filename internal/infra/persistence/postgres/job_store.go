package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/publora/publora/internal/domain/jobstore"
	"github.com/publora/publora/internal/domain/schema"
)

// JobStore persists publish jobs in the publish_jobs table.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore constructs a JobStore backed by the provided pool.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

const jobColumns = `
    id,
    post_id,
    target_id,
    destination,
    account_id,
    scheduled_at,
    attempt,
    max_attempts,
    payload,
    state,
    last_error,
    created_at,
    updated_at`

const (
	jobInsertSQL = `
INSERT INTO publish_jobs (
    id,
    post_id,
    target_id,
    destination,
    account_id,
    scheduled_at,
    attempt,
    max_attempts,
    payload,
    state,
    last_error
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9::jsonb, '{}'::jsonb), $10, $11);
`

	// FOR UPDATE SKIP LOCKED keeps concurrently polling workers from claiming
	// the same rows.
	jobDequeueDueSQL = `
UPDATE publish_jobs
SET state = 'reserved',
    updated_at = NOW()
WHERE id IN (
    SELECT id
    FROM publish_jobs
    WHERE destination = $1
      AND state = 'queued'
      AND scheduled_at <= $2
    ORDER BY scheduled_at ASC, id ASC
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
RETURNING` + jobColumns + `;
`

	jobMarkExecutingSQL = `
UPDATE publish_jobs
SET state = 'executing',
    updated_at = NOW()
WHERE id = $1
  AND state = 'reserved';
`

	jobRequeueSQL = `
UPDATE publish_jobs
SET state = 'queued',
    scheduled_at = $2,
    attempt = attempt + 1,
    last_error = $3,
    updated_at = NOW()
WHERE id = $1
  AND state NOT IN ('succeeded', 'failed', 'cancelled');
`

	jobReleaseSQL = `
UPDATE publish_jobs
SET state = 'queued',
    scheduled_at = $2,
    updated_at = NOW()
WHERE id = $1
  AND state IN ('reserved', 'executing');
`

	jobRequeueStaleSQL = `
UPDATE publish_jobs
SET state = 'queued',
    updated_at = NOW()
WHERE destination = $1
  AND state IN ('reserved', 'executing')
  AND updated_at < $2;
`

	jobCompleteSQL = `
UPDATE publish_jobs
SET state = $2,
    last_error = $3,
    updated_at = NOW()
WHERE id = $1
  AND state NOT IN ('succeeded', 'failed', 'cancelled');
`

	jobCancelSQL = `
UPDATE publish_jobs
SET state = 'cancelled',
    updated_at = NOW()
WHERE id = $1
  AND state = 'queued'
RETURNING` + jobColumns + `;
`

	jobCancelPostSQL = `
UPDATE publish_jobs
SET state = 'cancelled',
    updated_at = NOW()
WHERE post_id = $1
  AND state = 'queued'
RETURNING` + jobColumns + `;
`

	jobGetSQL = `
SELECT` + jobColumns + `
FROM publish_jobs
WHERE id = $1;
`

	jobArchiveTerminalSQL = `
DELETE FROM publish_jobs
WHERE state IN ('succeeded', 'failed', 'cancelled')
  AND updated_at < $1;
`
)

// Enqueue inserts a new job in Queued state.
func (s *JobStore) Enqueue(ctx context.Context, job schema.PublishJob) error {
	if s.pool == nil {
		return fmt.Errorf("job store: nil pool")
	}
	if job.ID == "" {
		return fmt.Errorf("job store: job id required")
	}
	_, err := s.pool.Exec(ctx, jobInsertSQL,
		job.ID,
		job.PostID,
		job.TargetID,
		job.Destination,
		job.AccountID,
		job.ScheduledAt,
		job.Attempt,
		job.MaxAttempts,
		[]byte(job.Payload),
		string(schema.JobStateQueued),
		job.LastError,
	)
	if err != nil {
		return fmt.Errorf("job store: enqueue: %w", err)
	}
	return nil
}

// DequeueDue claims up to limit due jobs for the destination.
func (s *JobStore) DequeueDue(ctx context.Context, destination string, now time.Time, limit int) ([]schema.PublishJob, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("job store: nil pool")
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, jobDequeueDueSQL, destination, now, limit)
	if err != nil {
		return nil, fmt.Errorf("job store: dequeue due: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// MarkExecuting transitions a reserved job to Executing.
func (s *JobStore) MarkExecuting(ctx context.Context, jobID string) error {
	if s.pool == nil {
		return fmt.Errorf("job store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, jobMarkExecutingSQL, jobID)
	if err != nil {
		return fmt.Errorf("job store: mark executing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job store: mark executing: job %s not reserved", jobID)
	}
	return nil
}

// Requeue returns a claimed job to the queue at runAt with an incremented attempt.
func (s *JobStore) Requeue(ctx context.Context, jobID string, runAt time.Time, lastError string) error {
	if s.pool == nil {
		return fmt.Errorf("job store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, jobRequeueSQL, jobID, runAt, lastError)
	if err != nil {
		return fmt.Errorf("job store: requeue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job store: requeue: job %s not requeueable", jobID)
	}
	return nil
}

// Release returns a claimed job to the queue at runAt without consuming an attempt.
func (s *JobStore) Release(ctx context.Context, jobID string, runAt time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("job store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, jobReleaseSQL, jobID, runAt)
	if err != nil {
		return fmt.Errorf("job store: release: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job store: release: job %s not claimed", jobID)
	}
	return nil
}

// RequeueStale returns claims last touched before olderThan to the queue.
func (s *JobStore) RequeueStale(ctx context.Context, destination string, olderThan time.Time) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("job store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, jobRequeueStaleSQL, destination, olderThan)
	if err != nil {
		return 0, fmt.Errorf("job store: requeue stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Complete transitions a job to a terminal state.
func (s *JobStore) Complete(ctx context.Context, jobID string, state schema.JobState, lastError string) error {
	if s.pool == nil {
		return fmt.Errorf("job store: nil pool")
	}
	if !state.Terminal() {
		return fmt.Errorf("job store: complete requires a terminal state, got %s", state)
	}
	tag, err := s.pool.Exec(ctx, jobCompleteSQL, jobID, string(state), lastError)
	if err != nil {
		return fmt.Errorf("job store: complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job store: complete: job %s already terminal or missing", jobID)
	}
	return nil
}

// Cancel marks the job Cancelled while it is still queued.
func (s *JobStore) Cancel(ctx context.Context, jobID string) (schema.PublishJob, bool, error) {
	if s.pool == nil {
		return schema.PublishJob{}, false, fmt.Errorf("job store: nil pool")
	}
	row := s.pool.QueryRow(ctx, jobCancelSQL, jobID)
	job, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			// Either missing or already past queued; Get disambiguates.
			existing, getErr := s.Get(ctx, jobID)
			if getErr != nil {
				return schema.PublishJob{}, false, getErr
			}
			return existing, false, nil
		}
		return schema.PublishJob{}, false, err
	}
	return job, true, nil
}

// CancelPost cancels every queued job of the post.
func (s *JobStore) CancelPost(ctx context.Context, postID string) ([]schema.PublishJob, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("job store: nil pool")
	}
	rows, err := s.pool.Query(ctx, jobCancelPostSQL, postID)
	if err != nil {
		return nil, fmt.Errorf("job store: cancel post: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// Get returns the job by ID.
func (s *JobStore) Get(ctx context.Context, jobID string) (schema.PublishJob, error) {
	if s.pool == nil {
		return schema.PublishJob{}, fmt.Errorf("job store: nil pool")
	}
	job, err := scanJob(s.pool.QueryRow(ctx, jobGetSQL, jobID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return schema.PublishJob{}, fmt.Errorf("job store: job %s not found", jobID)
		}
		return schema.PublishJob{}, err
	}
	return job, nil
}

// ArchiveTerminal removes terminal jobs last updated before the cutoff.
func (s *JobStore) ArchiveTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("job store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, jobArchiveTerminalSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("job store: archive terminal: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (schema.PublishJob, error) {
	var (
		job       schema.PublishJob
		payload   []byte
		state     string
		lastError pgtype.Text
	)
	if err := row.Scan(
		&job.ID,
		&job.PostID,
		&job.TargetID,
		&job.Destination,
		&job.AccountID,
		&job.ScheduledAt,
		&job.Attempt,
		&job.MaxAttempts,
		&payload,
		&state,
		&lastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if err == pgx.ErrNoRows {
			return schema.PublishJob{}, err
		}
		return schema.PublishJob{}, fmt.Errorf("job store: scan job: %w", err)
	}
	job.Payload = payload
	job.State = schema.JobState(state)
	if lastError.Valid {
		job.LastError = lastError.String
	}
	return job, nil
}

func scanJobs(rows pgx.Rows) ([]schema.PublishJob, error) {
	var jobs []schema.PublishJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job store: iterate jobs: %w", err)
	}
	return jobs, nil
}

var _ jobstore.Store = (*JobStore)(nil)
