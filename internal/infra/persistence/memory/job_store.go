// Package memory provides in-process implementations of the persistence
// contracts, used by tests and single-node deployments without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/publora/publora/errs"
	"github.com/publora/publora/internal/domain/jobstore"
	"github.com/publora/publora/internal/domain/schema"
)

// JobStore keeps publish jobs in a mutex-guarded map. Claim semantics match
// the Postgres store: a dequeued job is invisible to concurrent callers until
// it is requeued or completed.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]schema.PublishJob
	now  func() time.Time
}

// NewJobStore constructs an empty in-memory job store.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]schema.PublishJob),
		now:  time.Now,
	}
}

// SetClock overrides the store's time source; used by tests.
func (s *JobStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// Enqueue persists a job in Queued state.
func (s *JobStore) Enqueue(_ context.Context, job schema.PublishJob) error {
	if job.ID == "" {
		return errs.New(job.Destination, errs.CodeInvalid, errs.WithMessage("job id required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errs.New(job.Destination, errs.CodeConflict, errs.WithMessage("job already enqueued"))
	}
	job.State = schema.JobStateQueued
	s.jobs[job.ID] = job
	return nil
}

// DequeueDue claims up to limit due Queued jobs for the destination, oldest
// scheduled first, transitioning them to Reserved.
func (s *JobStore) DequeueDue(_ context.Context, destination string, now time.Time, limit int) ([]schema.PublishJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []schema.PublishJob
	for _, job := range s.jobs {
		if job.Destination == destination && job.State == schema.JobStateQueued && job.Due(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].State = schema.JobStateReserved
		due[i].UpdatedAt = s.now()
		s.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

// MarkExecuting transitions a reserved job to Executing.
func (s *JobStore) MarkExecuting(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return errs.New("", errs.CodeNotFound, errs.WithMessage("job not found"))
	}
	if job.State != schema.JobStateReserved {
		return errs.New(job.Destination, errs.CodeConflict,
			errs.WithMessage("job not reserved"),
			errs.WithMetadata(map[string]string{"state": string(job.State)}))
	}
	job.State = schema.JobStateExecuting
	job.UpdatedAt = s.now()
	s.jobs[jobID] = job
	return nil
}

// Requeue returns a claimed job to the queue for a later attempt.
func (s *JobStore) Requeue(_ context.Context, jobID string, runAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return errs.New("", errs.CodeNotFound, errs.WithMessage("job not found"))
	}
	if job.State.Terminal() {
		return errs.New(job.Destination, errs.CodeConflict, errs.WithMessage("job already terminal"))
	}
	job.State = schema.JobStateQueued
	job.ScheduledAt = runAt
	job.Attempt++
	job.LastError = lastError
	job.UpdatedAt = s.now()
	s.jobs[jobID] = job
	return nil
}

// Release returns a claimed job to the queue without consuming an attempt.
func (s *JobStore) Release(_ context.Context, jobID string, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return errs.New("", errs.CodeNotFound, errs.WithMessage("job not found"))
	}
	if job.State != schema.JobStateReserved && job.State != schema.JobStateExecuting {
		return errs.New(job.Destination, errs.CodeConflict,
			errs.WithMessage("job not claimed"),
			errs.WithMetadata(map[string]string{"state": string(job.State)}))
	}
	job.State = schema.JobStateQueued
	job.ScheduledAt = runAt
	job.UpdatedAt = s.now()
	s.jobs[jobID] = job
	return nil
}

// RequeueStale returns claims last touched before olderThan to the queue.
func (s *JobStore) RequeueStale(_ context.Context, destination string, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recovered := 0
	for id, job := range s.jobs {
		if job.Destination != destination {
			continue
		}
		if job.State != schema.JobStateReserved && job.State != schema.JobStateExecuting {
			continue
		}
		if !job.UpdatedAt.Before(olderThan) {
			continue
		}
		job.State = schema.JobStateQueued
		job.UpdatedAt = s.now()
		s.jobs[id] = job
		recovered++
	}
	return recovered, nil
}

// Complete transitions a job to a terminal state.
func (s *JobStore) Complete(_ context.Context, jobID string, state schema.JobState, lastError string) error {
	if !state.Terminal() {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("complete requires a terminal state"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return errs.New("", errs.CodeNotFound, errs.WithMessage("job not found"))
	}
	if job.State.Terminal() {
		return errs.New(job.Destination, errs.CodeConflict, errs.WithMessage("job already terminal"))
	}
	job.State = state
	job.LastError = lastError
	job.UpdatedAt = s.now()
	s.jobs[jobID] = job
	return nil
}

// Cancel marks the job Cancelled if it is still waiting in the queue.
func (s *JobStore) Cancel(_ context.Context, jobID string) (schema.PublishJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return schema.PublishJob{}, false, errs.New("", errs.CodeNotFound, errs.WithMessage("job not found"))
	}
	if job.State != schema.JobStateQueued {
		return job, false, nil
	}
	job.State = schema.JobStateCancelled
	job.UpdatedAt = s.now()
	s.jobs[jobID] = job
	return job, true, nil
}

// CancelPost cancels every queued job of the post.
func (s *JobStore) CancelPost(_ context.Context, postID string) ([]schema.PublishJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cancelled []schema.PublishJob
	for id, job := range s.jobs {
		if job.PostID != postID || job.State != schema.JobStateQueued {
			continue
		}
		job.State = schema.JobStateCancelled
		job.UpdatedAt = s.now()
		s.jobs[id] = job
		cancelled = append(cancelled, job)
	}
	sort.Slice(cancelled, func(i, j int) bool { return cancelled[i].ID < cancelled[j].ID })
	return cancelled, nil
}

// Get returns the job by ID.
func (s *JobStore) Get(_ context.Context, jobID string) (schema.PublishJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return schema.PublishJob{}, errs.New("", errs.CodeNotFound, errs.WithMessage("job not found"))
	}
	return job, nil
}

// ArchiveTerminal removes terminal jobs last updated before the cutoff.
func (s *JobStore) ArchiveTerminal(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if job.State.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

var _ jobstore.Store = (*JobStore)(nil)
