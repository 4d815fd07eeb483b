// Package schema defines the canonical publish-scheduling data model.
package schema

import (
	"time"

	json "github.com/goccy/go-json"
)

// JobState tracks the lifecycle of a single publish attempt unit.
type JobState string

const (
	// JobStateQueued marks a job waiting in its destination's delayed queue.
	JobStateQueued JobState = "queued"
	// JobStateReserved marks a job claimed by a worker but not yet executing.
	JobStateReserved JobState = "reserved"
	// JobStateExecuting marks a job whose publisher call is in flight.
	JobStateExecuting JobState = "executing"
	// JobStateSucceeded marks a job that published successfully.
	JobStateSucceeded JobState = "succeeded"
	// JobStateFailed marks a job that terminally failed.
	JobStateFailed JobState = "failed"
	// JobStateRetrying marks a job awaiting re-enqueue after a retryable failure.
	JobStateRetrying JobState = "retrying"
	// JobStateCancelled marks a job cancelled before execution.
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether no further automatic transition occurs from the state.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// PublishJob is one attempt unit: a single post/destination/account pairing
// scheduled for execution at a resolved time. Mutated only by the worker pool
// owning its destination.
type PublishJob struct {
	ID          string
	PostID      string
	TargetID    string
	Destination string
	AccountID   string
	ScheduledAt time.Time
	Attempt     int
	MaxAttempts int
	Payload     json.RawMessage
	State       JobState
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Due reports whether the job's scheduled time has passed.
func (j *PublishJob) Due(now time.Time) bool {
	return !j.ScheduledAt.After(now)
}

// RetriesRemaining reports whether the job still has retry budget.
func (j *PublishJob) RetriesRemaining() bool {
	return j.Attempt < j.MaxAttempts
}

// Target describes one requested destination of a post at submission time.
type Target struct {
	TargetID    string
	Destination string
	AccountID   string
	Payload     json.RawMessage
	// PublishAt is the caller-requested execution time; zero means immediate.
	PublishAt time.Time
}
