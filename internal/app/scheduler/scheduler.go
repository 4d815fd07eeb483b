// Package scheduler turns multi-destination posts into schedulable publish jobs
// and owns the retry/re-enqueue policy.
package scheduler

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/publora/publora/errs"
	"github.com/publora/publora/internal/app/classify"
	"github.com/publora/publora/internal/app/registry"
	"github.com/publora/publora/internal/domain/jobstore"
	"github.com/publora/publora/internal/domain/schema"
	"github.com/publora/publora/internal/observability"
)

// EventSink receives attempt-level outcome events. The recording sink in the
// aggregate package implements it.
type EventSink interface {
	PublishOutcome(ctx context.Context, event schema.OutcomeEvent) error
}

// RetryPolicy bounds re-enqueue behaviour for failed attempts.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// ParkDelay spaces attempts for jobs waiting on a credential refresh.
	ParkDelay time.Duration
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithClock overrides the scheduler's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithJitter overrides the jitter source; used by deterministic tests.
// The function must return values in [0, 1).
func WithJitter(fn func() float64) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.jitter = fn
		}
	}
}

// Scheduler creates per-target publish jobs and re-enqueues retryable failures
// with exponential backoff. It never executes jobs itself; worker pools own
// execution and hand retryable failures back through Requeue.
type Scheduler struct {
	jobs     jobstore.Store
	registry *registry.Registry
	sink     EventSink
	policy   RetryPolicy

	now    func() time.Time
	jitter func() float64
}

// New wires a scheduler over the job store and destination registry.
func New(jobs jobstore.Store, reg *registry.Registry, sink EventSink, policy RetryPolicy, opts ...Option) *Scheduler {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 5
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = 30 * time.Second
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = 30 * time.Minute
	}
	if policy.ParkDelay <= 0 {
		policy.ParkDelay = 15 * time.Minute
	}
	s := &Scheduler{
		jobs:     jobs,
		registry: reg,
		sink:     sink,
		policy:   policy,
		now:      time.Now,
		jitter:   rand.Float64,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SchedulePost fans the post out into one job per target, each enqueued into
// its destination's delayed queue at its resolved execution time. Validation
// failures reject the whole post before any job is enqueued.
func (s *Scheduler) SchedulePost(ctx context.Context, postID string, targets []schema.Target) ([]string, error) {
	if postID == "" {
		return nil, errs.New("", errs.CodeInvalid, errs.WithMessage("post id required"))
	}
	if len(targets) == 0 {
		return nil, errs.New("", errs.CodeInvalid, errs.WithMessage("at least one target required"))
	}
	for _, target := range targets {
		if !s.registry.Known(target.Destination) {
			return nil, errs.New(target.Destination, errs.CodeNotFound,
				errs.WithMessage("destination not registered"))
		}
		if target.TargetID == "" || target.AccountID == "" {
			return nil, errs.New(target.Destination, errs.CodeInvalid,
				errs.WithMessage("target id and account id required"))
		}
	}

	now := s.now()
	jobIDs := make([]string, 0, len(targets))
	for _, target := range targets {
		scheduledAt := target.PublishAt
		if scheduledAt.IsZero() || scheduledAt.Before(now) {
			scheduledAt = now
		}
		job := schema.PublishJob{
			ID:          uuid.NewString(),
			PostID:      postID,
			TargetID:    target.TargetID,
			Destination: target.Destination,
			AccountID:   target.AccountID,
			ScheduledAt: scheduledAt,
			Attempt:     0,
			MaxAttempts: s.policy.MaxAttempts,
			Payload:     target.Payload,
			State:       schema.JobStateQueued,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.jobs.Enqueue(ctx, job); err != nil {
			return jobIDs, err
		}
		jobIDs = append(jobIDs, job.ID)
		s.emit(ctx, schema.OutcomeEvent{
			PostID:      postID,
			TargetID:    target.TargetID,
			Destination: target.Destination,
			Status:      schema.OutcomePending,
			At:          now,
		})
	}
	return jobIDs, nil
}

// Requeue decides what happens after a failed attempt: re-enqueue with backoff
// while retryable and budget remains; terminal Failed otherwise. It reports
// whether the job was re-enqueued.
func (s *Scheduler) Requeue(ctx context.Context, job schema.PublishJob, c classify.Classification) (bool, error) {
	attemptsMade := job.Attempt + 1
	now := s.now()

	if !c.Retryable {
		if err := s.jobs.Complete(ctx, job.ID, schema.JobStateFailed, c.Reason); err != nil {
			return false, err
		}
		s.emit(ctx, schema.OutcomeEvent{
			PostID:      job.PostID,
			TargetID:    job.TargetID,
			Destination: job.Destination,
			Status:      schema.OutcomeFailed,
			ErrorKind:   c.Kind,
			Reason:      c.Reason,
			Attempt:     attemptsMade,
			At:          now,
		})
		return false, nil
	}

	if attemptsMade >= job.MaxAttempts {
		reason := c.Reason
		if reason == "" {
			reason = errs.ReasonRetriesExhausted
		}
		if err := s.jobs.Complete(ctx, job.ID, schema.JobStateFailed, reason); err != nil {
			return false, err
		}
		observability.Log().Info("retry budget exhausted",
			observability.Field{Key: "job_id", Value: job.ID},
			observability.Field{Key: "destination", Value: job.Destination},
			observability.Field{Key: "attempts", Value: attemptsMade})
		s.emit(ctx, schema.OutcomeEvent{
			PostID:      job.PostID,
			TargetID:    job.TargetID,
			Destination: job.Destination,
			Status:      schema.OutcomeFailed,
			ErrorKind:   c.Kind,
			Reason:      reason,
			Attempt:     attemptsMade,
			At:          now,
		})
		return false, nil
	}

	runAt := now.Add(s.Delay(attemptsMade, c))
	if err := s.jobs.Requeue(ctx, job.ID, runAt, c.Reason); err != nil {
		return false, err
	}
	s.emit(ctx, schema.OutcomeEvent{
		PostID:      job.PostID,
		TargetID:    job.TargetID,
		Destination: job.Destination,
		Status:      schema.OutcomePending,
		ErrorKind:   c.Kind,
		Reason:      c.Reason,
		Attempt:     attemptsMade,
		At:          now,
	})
	return true, nil
}

// Delay computes the wait before the next attempt. Exponential in the number
// of attempts made, jittered, capped, and never shorter than a destination
// retry-after hint. Parked jobs wait at least the park delay.
func (s *Scheduler) Delay(attemptsMade int, c classify.Classification) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	delay := s.policy.InitialBackoff << uint(attemptsMade-1)
	if delay > s.policy.MaxBackoff || delay <= 0 {
		delay = s.policy.MaxBackoff
	}
	// Jitter in [0.5, 1.5) spreads retries from jobs that failed together.
	delay = time.Duration(float64(delay) * (0.5 + s.jitter()))
	if delay > s.policy.MaxBackoff {
		delay = s.policy.MaxBackoff
	}
	if c.Backoff > delay {
		delay = c.Backoff
	}
	if c.RefreshToken && delay < s.policy.ParkDelay {
		delay = s.policy.ParkDelay
	}
	return delay
}

// CancelJob marks the job cancelled if it has not begun executing. An
// in-flight attempt completes normally; cancellation is advisory then.
func (s *Scheduler) CancelJob(ctx context.Context, jobID string) error {
	job, cancelled, err := s.jobs.Cancel(ctx, jobID)
	if err != nil {
		return err
	}
	if cancelled {
		s.emitCancelled(ctx, job)
	}
	return nil
}

// CancelPost cancels every not-yet-executing job of the post.
func (s *Scheduler) CancelPost(ctx context.Context, postID string) error {
	cancelled, err := s.jobs.CancelPost(ctx, postID)
	if err != nil {
		return err
	}
	for _, job := range cancelled {
		s.emitCancelled(ctx, job)
	}
	return nil
}

func (s *Scheduler) emitCancelled(ctx context.Context, job schema.PublishJob) {
	s.emit(ctx, schema.OutcomeEvent{
		PostID:      job.PostID,
		TargetID:    job.TargetID,
		Destination: job.Destination,
		Status:      schema.OutcomeCancelled,
		Attempt:     job.Attempt,
		At:          s.now(),
	})
}

func (s *Scheduler) emit(ctx context.Context, event schema.OutcomeEvent) {
	if s.sink == nil {
		return
	}
	if err := s.sink.PublishOutcome(ctx, event); err != nil {
		observability.Log().Error("outcome event publish failed",
			observability.Field{Key: "post_id", Value: event.PostID},
			observability.Field{Key: "target_id", Value: event.TargetID},
			observability.Field{Key: "error", Value: err})
	}
}
