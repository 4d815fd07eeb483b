// Package worker runs per-destination execution pools over the delayed job
// queue. Each pool claims due jobs for exactly one destination, so quota and
// pacing decisions for the destination serialize here.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/publora/publora/errs"
	"github.com/publora/publora/internal/app/admission"
	"github.com/publora/publora/internal/app/classify"
	"github.com/publora/publora/internal/app/publisher"
	"github.com/publora/publora/internal/app/registry"
	"github.com/publora/publora/internal/domain/jobstore"
	"github.com/publora/publora/internal/domain/schema"
	"github.com/publora/publora/internal/infra/telemetry"
	"github.com/publora/publora/internal/observability"
	"github.com/publora/publora/lib/async"
)

const (
	maxDequeueRetryInterval = 30 * time.Second

	// storeRetryTries bounds in-process retries of a failing store mutation
	// before the claim is left for the stale-claim sweep to recover.
	storeRetryTries        = 3
	storeRetryBaseInterval = 50 * time.Millisecond
	storeRetryMaxInterval  = time.Second

	// infraRedeliveryDelay spaces re-polls of a claim returned to the queue
	// after an infrastructure failure that never reached the destination.
	infraRedeliveryDelay = 5 * time.Second

	defaultLeaseHorizon = 5 * time.Minute
)

// Admission gates publish attempts against destination quotas.
type Admission interface {
	Reserve(ctx context.Context, destination, accountID string, cost int64) (admission.Decision, error)
	Release(ctx context.Context, destination, accountID string, cost int64, windowKey string) error
}

// Requeuer owns the retry decision for failed attempts.
type Requeuer interface {
	Requeue(ctx context.Context, job schema.PublishJob, c classify.Classification) (bool, error)
}

// EventSink receives outcome events and token refresh signals.
type EventSink interface {
	PublishOutcome(ctx context.Context, event schema.OutcomeEvent) error
	PublishToken(ctx context.Context, signal schema.TokenSignal) error
}

// Config tunes one destination pool.
type Config struct {
	PollInterval   time.Duration
	DequeueBatch   int
	PublishTimeout time.Duration
	// LeaseHorizon is how long a claim may sit in Reserved or Executing
	// before the stale-claim sweep returns it to the queue.
	LeaseHorizon time.Duration
}

func (c Config) normalize() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.DequeueBatch <= 0 {
		c.DequeueBatch = 32
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 30 * time.Second
	}
	if c.LeaseHorizon <= 0 {
		c.LeaseHorizon = defaultLeaseHorizon
	}
	// A claim is not stale while its publish call may still be running.
	if c.LeaseHorizon < 2*c.PublishTimeout {
		c.LeaseHorizon = 2 * c.PublishTimeout
	}
	return c
}

// Deps bundles the pool's collaborators.
type Deps struct {
	Jobs       jobstore.Store
	Admission  Admission
	Publishers *publisher.Registry
	Requeuer   Requeuer
	Sink       EventSink
	Telemetry  observability.TelemetryBus
	Metrics    *observability.DestinationMetrics
}

// Option configures the pool.
type Option func(*Pool)

// WithClock overrides the pool's time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// Pool executes publish jobs for a single destination with bounded
// concurrency. Only the pool mutates its destination's jobs once claimed.
type Pool struct {
	dest registry.Destination
	cfg  Config
	deps Deps

	exec *async.Pool
	now  func() time.Time

	attemptCounter metric.Int64Counter
	resultCounter  metric.Int64Counter
	execDuration   metric.Float64Histogram
}

// New constructs a destination pool. Worker count and queue depth come from
// the destination configuration.
func New(dest registry.Destination, cfg Config, deps Deps, opts ...Option) (*Pool, error) {
	if deps.Jobs == nil || deps.Admission == nil || deps.Publishers == nil || deps.Requeuer == nil || deps.Sink == nil {
		return nil, errs.New(dest.Name, errs.CodeInvalid, errs.WithMessage("missing pool dependencies"))
	}
	workers := dest.Workers
	if workers <= 0 {
		workers = 1
	}
	queue := dest.QueueDepth
	if queue <= 0 {
		queue = workers * 4
	}
	exec, err := async.NewPool(workers, queue)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		dest: dest,
		cfg:  cfg.normalize(),
		deps: deps,
		exec: exec,
		now:  time.Now,
	}

	meter := otel.Meter("worker")
	p.attemptCounter, _ = meter.Int64Counter("worker.attempts",
		metric.WithDescription("Number of publish attempts started"),
		metric.WithUnit("{attempt}"))
	p.resultCounter, _ = meter.Int64Counter("worker.results",
		metric.WithDescription("Number of publish attempt results by outcome"),
		metric.WithUnit("{attempt}"))
	p.execDuration, _ = meter.Float64Histogram("worker.publish.duration",
		metric.WithDescription("Latency of publish attempts"),
		metric.WithUnit("ms"))

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Destination returns the name of the destination this pool serves.
func (p *Pool) Destination() string {
	return p.dest.Name
}

// Run polls the destination queue until the context ends. Queue outages back
// off exponentially instead of spinning.
func (p *Pool) Run(ctx context.Context) {
	defer p.exec.Close()

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxDequeueRetryInterval

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var lastSweep time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if now := p.now(); now.Sub(lastSweep) >= p.cfg.LeaseHorizon/2 {
			p.sweepStaleClaims(ctx)
			lastSweep = now
		}

		claimed, err := p.deps.Jobs.DequeueDue(ctx, p.dest.Name, p.now(), p.cfg.DequeueBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.reportQueueOutage(ctx, err)
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = maxDequeueRetryInterval
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
			continue
		}
		backoffCfg.Reset()

		for _, job := range claimed {
			job := job
			if err := p.submit(ctx, job); err != nil {
				observability.Log().Error("job submission failed",
					observability.Field{Key: "destination", Value: p.dest.Name},
					observability.Field{Key: "job_id", Value: job.ID},
					observability.Field{Key: "error", Value: err})
			}
		}
	}
}

// Drain stops intake and waits for in-flight attempts to finish.
func (p *Pool) Drain(ctx context.Context) error {
	return p.exec.Shutdown(ctx)
}

// submit hands a claimed job to the executor, waiting out transient
// saturation rather than dropping the claim.
func (p *Pool) submit(ctx context.Context, job schema.PublishJob) error {
	task := func(taskCtx context.Context) error {
		p.execute(taskCtx, job)
		return nil
	}
	for {
		err := p.exec.Submit(ctx, task)
		if err == nil {
			return nil
		}
		var envelope *errs.E
		if !errors.As(err, &envelope) || envelope.Code != errs.CodeUnavailable {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("submit wait: %w", ctx.Err())
		case <-time.After(p.cfg.PollInterval / 4):
		}
	}
}

// execute runs one publish attempt end to end: admission, publisher call,
// classification, and the retry-or-terminal decision.
func (p *Pool) execute(ctx context.Context, job schema.PublishJob) {
	if p.attemptCounter != nil {
		p.attemptCounter.Add(ctx, 1, metric.WithAttributes(p.attrs()...))
	}

	var decision admission.Decision
	err := p.retryStore(ctx, "admission reserve", func() error {
		var rerr error
		decision, rerr = p.deps.Admission.Reserve(ctx, p.dest.Name, job.AccountID, 1)
		return rerr
	})
	if err != nil {
		// A counter-store outage is infrastructure, not a publish failure.
		// The claim goes back to the queue without consuming retry budget.
		p.reportQueueOutage(ctx, err)
		p.releaseClaim(ctx, job)
		return
	}
	if !decision.Granted {
		p.announce(ctx, observability.TelemetryEvent{
			EventID:   uuid.NewString(),
			Type:      observability.TelemetryEventAdmissionDenied,
			Severity:  observability.TelemetrySeverityWarn,
			Timestamp: p.now(),
			PostID:    job.PostID,
			TargetID:  job.TargetID,
			Metadata: map[string]any{
				"destination": p.dest.Name,
				"account_id":  job.AccountID,
				"reason":      decision.Reason,
			},
		})
		// No publisher call was made; the attempt retries once the window
		// rolls over or throttling eases.
		p.finishAttempt(ctx, job, classify.Classification{
			Kind:      schema.ErrorKindRateLimited,
			Retryable: true,
			Backoff:   decision.RetryAfter,
			Reason:    decision.Reason,
		}, 0)
		return
	}

	err = p.retryStore(ctx, "mark executing", func() error {
		return p.deps.Jobs.MarkExecuting(ctx, job.ID)
	})
	if err != nil {
		p.releaseReservation(ctx, job, decision.WindowKey)
		p.releaseClaim(ctx, job)
		return
	}
	p.emitOutcome(ctx, job, schema.OutcomeExecuting, classify.Classification{})

	pub, err := p.deps.Publishers.Lookup(p.dest.Name)
	if err != nil {
		if p.dest.ReleaseOnFailure {
			p.releaseReservation(ctx, job, decision.WindowKey)
		}
		p.finishAttempt(ctx, job, classify.Classification{
			Kind:   schema.ErrorKindUnknown,
			Reason: "no publisher registered",
		}, 0)
		return
	}

	start := p.now()
	receipt, err := p.publish(ctx, pub, job)
	execTime := p.now().Sub(start)
	if p.execDuration != nil {
		p.execDuration.Record(ctx, float64(execTime.Milliseconds()), metric.WithAttributes(p.attrs()...))
	}

	if err == nil {
		p.succeed(ctx, job, receipt, execTime)
		return
	}

	if p.dest.ReleaseOnFailure {
		p.releaseReservation(ctx, job, decision.WindowKey)
	}
	p.finishAttempt(ctx, job, classify.Classify(err, p.dest.Name), execTime)
}

// retryStore re-runs a failing store mutation a few times before giving up.
// A claim that still cannot be updated is recovered by the stale-claim sweep.
func (p *Pool) retryStore(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = storeRetryBaseInterval
	bo.MaxInterval = storeRetryMaxInterval

	var err error
	for try := 0; try < storeRetryTries; try++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = storeRetryMaxInterval
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(sleep):
		}
	}
	observability.Log().Error("store operation failed after retries",
		observability.Field{Key: "destination", Value: p.dest.Name},
		observability.Field{Key: "operation", Value: op},
		observability.Field{Key: "error", Value: err})
	return err
}

// releaseClaim returns the job to the queue without consuming an attempt.
// If even that fails the stale-claim sweep recovers the job after the lease
// horizon, so an infrastructure failure can delay a job but never strand it.
func (p *Pool) releaseClaim(ctx context.Context, job schema.PublishJob) {
	runAt := p.now().Add(infraRedeliveryDelay)
	err := p.retryStore(ctx, "release claim", func() error {
		return p.deps.Jobs.Release(ctx, job.ID, runAt)
	})
	if err != nil {
		observability.Log().Error("claim release failed; awaiting stale-claim sweep",
			observability.Field{Key: "destination", Value: p.dest.Name},
			observability.Field{Key: "job_id", Value: job.ID},
			observability.Field{Key: "error", Value: err})
	}
}

// sweepStaleClaims requeues claims that outlived the lease horizon, covering
// crashed workers and claims whose final store update never landed.
func (p *Pool) sweepStaleClaims(ctx context.Context) {
	recovered, err := p.deps.Jobs.RequeueStale(ctx, p.dest.Name, p.now().Add(-p.cfg.LeaseHorizon))
	if err != nil {
		observability.Log().Error("stale claim sweep failed",
			observability.Field{Key: "destination", Value: p.dest.Name},
			observability.Field{Key: "error", Value: err})
		return
	}
	if recovered > 0 {
		observability.Log().Warn("stale claims returned to queue",
			observability.Field{Key: "destination", Value: p.dest.Name},
			observability.Field{Key: "count", Value: recovered})
	}
}

// publish invokes the destination integration under the publish timeout,
// containing panics so one bad integration cannot kill the worker.
func (p *Pool) publish(ctx context.Context, pub publisher.Publisher, job schema.PublishJob) (receipt publisher.Receipt, err error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("publisher panicked: %v", r)
		}
	}()
	return pub.Publish(ctx, job)
}

func (p *Pool) succeed(ctx context.Context, job schema.PublishJob, receipt publisher.Receipt, execTime time.Duration) {
	err := p.retryStore(ctx, "complete", func() error {
		return p.deps.Jobs.Complete(ctx, job.ID, schema.JobStateSucceeded, "")
	})
	if err != nil {
		// The job stays claimed and the sweep will eventually requeue it;
		// delivery is at-least-once when the terminal write cannot land.
		observability.Log().Error("complete failed",
			observability.Field{Key: "destination", Value: p.dest.Name},
			observability.Field{Key: "job_id", Value: job.ID},
			observability.Field{Key: "error", Value: err})
	}
	p.emitOutcome(ctx, job, schema.OutcomeDone, classify.Classification{})
	if p.deps.Metrics != nil {
		p.deps.Metrics.RecordSuccess(p.dest.Name, execTime)
	}
	if p.resultCounter != nil {
		p.resultCounter.Add(ctx, 1, metric.WithAttributes(append(p.attrs(),
			telemetry.AttrResult.String("success"))...))
	}
	observability.Log().Info("publish succeeded",
		observability.Field{Key: "destination", Value: p.dest.Name},
		observability.Field{Key: "job_id", Value: job.ID},
		observability.Field{Key: "external_id", Value: receipt.ExternalID})
}

// finishAttempt routes a failed attempt through the retry decision and
// records metrics and signals tied to the classification.
func (p *Pool) finishAttempt(ctx context.Context, job schema.PublishJob, c classify.Classification, execTime time.Duration) {
	if c.RefreshToken {
		p.signalTokenExpired(ctx, job)
	}

	var requeued bool
	err := p.retryStore(ctx, "requeue", func() error {
		var rerr error
		requeued, rerr = p.deps.Requeuer.Requeue(ctx, job, c)
		return rerr
	})
	if err != nil {
		// The claim stays held; the stale-claim sweep returns it to the queue.
		observability.Log().Error("requeue failed",
			observability.Field{Key: "destination", Value: p.dest.Name},
			observability.Field{Key: "job_id", Value: job.ID},
			observability.Field{Key: "error", Value: err})
	}
	if !requeued && err == nil {
		p.announce(ctx, observability.TelemetryEvent{
			EventID:   uuid.NewString(),
			Type:      observability.TelemetryEventRetriesExhausted,
			Severity:  observability.TelemetrySeverityError,
			Timestamp: p.now(),
			PostID:    job.PostID,
			TargetID:  job.TargetID,
			Metadata: map[string]any{
				"destination": p.dest.Name,
				"error_kind":  string(c.Kind),
				"attempt":     job.Attempt + 1,
			},
		})
	}

	if p.deps.Metrics != nil {
		p.deps.Metrics.RecordFailure(p.dest.Name, execTime)
	}
	if p.resultCounter != nil {
		p.resultCounter.Add(ctx, 1, metric.WithAttributes(append(p.attrs(),
			telemetry.AttrResult.String("failure"),
			telemetry.AttrErrorKind.String(string(c.Kind)))...))
	}
}

func (p *Pool) signalTokenExpired(ctx context.Context, job schema.PublishJob) {
	signal := schema.TokenSignal{
		AccountID:   job.AccountID,
		Destination: p.dest.Name,
		At:          p.now(),
	}
	if err := p.deps.Sink.PublishToken(ctx, signal); err != nil {
		observability.Log().Warn("token signal publish failed",
			observability.Field{Key: "destination", Value: p.dest.Name},
			observability.Field{Key: "account_id", Value: job.AccountID},
			observability.Field{Key: "error", Value: err})
	}
	p.announce(ctx, observability.TelemetryEvent{
		EventID:   uuid.NewString(),
		Type:      observability.TelemetryEventJobParked,
		Severity:  observability.TelemetrySeverityWarn,
		Timestamp: p.now(),
		PostID:    job.PostID,
		TargetID:  job.TargetID,
		Metadata: map[string]any{
			"destination": p.dest.Name,
			"account_id":  job.AccountID,
		},
	})
}

func (p *Pool) releaseReservation(ctx context.Context, job schema.PublishJob, windowKey string) {
	if err := p.deps.Admission.Release(ctx, p.dest.Name, job.AccountID, 1, windowKey); err != nil {
		observability.Log().Warn("reservation release failed",
			observability.Field{Key: "destination", Value: p.dest.Name},
			observability.Field{Key: "account_id", Value: job.AccountID},
			observability.Field{Key: "error", Value: err})
	}
}

func (p *Pool) emitOutcome(ctx context.Context, job schema.PublishJob, status schema.OutcomeStatus, c classify.Classification) {
	event := schema.OutcomeEvent{
		PostID:      job.PostID,
		TargetID:    job.TargetID,
		Destination: p.dest.Name,
		Status:      status,
		ErrorKind:   c.Kind,
		Reason:      c.Reason,
		Attempt:     job.Attempt + 1,
		At:          p.now(),
	}
	if err := p.deps.Sink.PublishOutcome(ctx, event); err != nil {
		observability.Log().Error("outcome event publish failed",
			observability.Field{Key: "post_id", Value: event.PostID},
			observability.Field{Key: "target_id", Value: event.TargetID},
			observability.Field{Key: "error", Value: err})
	}
}

func (p *Pool) reportQueueOutage(ctx context.Context, err error) {
	observability.Log().Error("destination queue unavailable",
		observability.Field{Key: "destination", Value: p.dest.Name},
		observability.Field{Key: "error", Value: err})
	p.announce(ctx, observability.TelemetryEvent{
		EventID:   uuid.NewString(),
		Type:      observability.TelemetryEventQueueUnavailable,
		Severity:  observability.TelemetrySeverityError,
		Timestamp: p.now(),
		Metadata: map[string]any{
			"destination": p.dest.Name,
			"error":       err.Error(),
		},
	})
}

func (p *Pool) announce(ctx context.Context, event observability.TelemetryEvent) {
	if p.deps.Telemetry == nil {
		return
	}
	if err := p.deps.Telemetry.Publish(ctx, event); err != nil {
		observability.Log().Warn("telemetry publish failed",
			observability.Field{Key: "event_type", Value: string(event.Type)},
			observability.Field{Key: "error", Value: err})
	}
}

func (p *Pool) attrs() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("environment", telemetry.Environment()),
		telemetry.AttrDestination.String(p.dest.Name),
	}
}
