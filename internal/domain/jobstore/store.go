// Package jobstore defines persistence contracts for the durable delayed job queue.
package jobstore

import (
	"context"
	"time"

	"github.com/publora/publora/internal/domain/schema"
)

// Store abstracts the durable delayed queue holding publish jobs. The transport
// and storage behind it are external collaborators; the scheduler and worker
// pools only rely on these operations.
type Store interface {
	// Enqueue persists a job in Queued state at its scheduled time.
	Enqueue(ctx context.Context, job schema.PublishJob) error
	// DequeueDue atomically claims up to limit due jobs for the destination,
	// transitioning them Queued -> Reserved. Claimed jobs are invisible to
	// concurrent callers.
	DequeueDue(ctx context.Context, destination string, now time.Time, limit int) ([]schema.PublishJob, error)
	// MarkExecuting transitions a reserved job to Executing.
	MarkExecuting(ctx context.Context, jobID string) error
	// Requeue re-enqueues a job for retry at runAt with an incremented attempt,
	// recording the last classified error.
	Requeue(ctx context.Context, jobID string, runAt time.Time, lastError string) error
	// Release returns a claimed job to Queued at runAt without consuming an
	// attempt. Used when the attempt never reached the destination, for
	// example an admission-store outage.
	Release(ctx context.Context, jobID string, runAt time.Time) error
	// RequeueStale returns claimed jobs whose claim predates olderThan to
	// Queued without consuming an attempt, recovering claims orphaned by a
	// crash or a store outage mid-attempt. It reports how many were recovered.
	RequeueStale(ctx context.Context, destination string, olderThan time.Time) (int, error)
	// Complete transitions a job to a terminal state and records the last error, if any.
	Complete(ctx context.Context, jobID string, state schema.JobState, lastError string) error
	// Cancel marks the job Cancelled if it has not begun executing. It returns
	// the updated job and whether cancellation took effect.
	Cancel(ctx context.Context, jobID string) (schema.PublishJob, bool, error)
	// CancelPost cancels every not-yet-executing job of the post, returning the
	// jobs whose cancellation took effect.
	CancelPost(ctx context.Context, postID string) ([]schema.PublishJob, error)
	// Get returns the job by ID.
	Get(ctx context.Context, jobID string) (schema.PublishJob, error)
	// ArchiveTerminal removes terminal jobs older than the cutoff, bounding queue growth.
	ArchiveTerminal(ctx context.Context, cutoff time.Time) (int, error)
}
