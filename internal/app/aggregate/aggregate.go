// Package aggregate derives post-level status from per-target outcomes.
package aggregate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/publora/publora/internal/domain/outcomestore"
	"github.com/publora/publora/internal/domain/schema"
	"github.com/publora/publora/internal/infra/telemetry"
	"github.com/publora/publora/internal/observability"
)

// Sink receives post-level aggregate changes. The outcome bus implements it.
type Sink interface {
	PublishAggregate(ctx context.Context, event schema.AggregateEvent) error
}

// Compute derives the aggregate status from the full outcome set. Pure; the
// aggregate is never stored as source of truth.
func Compute(outcomes []schema.TargetOutcome) schema.PostStatus {
	if len(outcomes) == 0 {
		return schema.PostStatusPosting
	}
	done := 0
	for _, outcome := range outcomes {
		if !outcome.Status.Terminal() {
			return schema.PostStatusPosting
		}
		if outcome.Status == schema.OutcomeDone {
			done++
		}
	}
	switch done {
	case len(outcomes):
		return schema.PostStatusDone
	case 0:
		return schema.PostStatusFailed
	default:
		return schema.PostStatusPartiallyDone
	}
}

// Option configures the aggregator.
type Option func(*Aggregator)

// WithClock overrides the aggregator's time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithTelemetry attaches an ops telemetry bus for aggregate change events.
func WithTelemetry(bus observability.TelemetryBus) Option {
	return func(a *Aggregator) { a.telemetry = bus }
}

// Aggregator persists attempt outcomes and recomputes each affected post's
// aggregate, announcing the aggregate only when it changes.
type Aggregator struct {
	outcomes  outcomestore.Store
	sink      Sink
	telemetry observability.TelemetryBus
	now       func() time.Time

	// mu serializes OnOutcome so concurrent workers derive each post's
	// before/after aggregate from a consistent outcome set.
	mu sync.Mutex

	changeCounter metric.Int64Counter
}

// New wires an aggregator over the outcome store.
func New(outcomes outcomestore.Store, sink Sink, opts ...Option) *Aggregator {
	a := &Aggregator{
		outcomes: outcomes,
		sink:     sink,
		now:      time.Now,
	}
	meter := otel.Meter("aggregate")
	a.changeCounter, _ = meter.Int64Counter("aggregate.changes",
		metric.WithDescription("Number of post aggregate status changes"),
		metric.WithUnit("{change}"))
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// OnOutcome records the attempt's outcome and re-derives the post aggregate,
// emitting an AggregateEvent when the derived status moved.
func (a *Aggregator) OnOutcome(ctx context.Context, event schema.OutcomeEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	before, err := a.outcomes.ListByPost(ctx, event.PostID)
	if err != nil {
		return err
	}
	previous := Compute(before)

	outcome := schema.TargetOutcome{
		PostID:        event.PostID,
		TargetID:      event.TargetID,
		Destination:   event.Destination,
		Status:        event.Status,
		ErrorKind:     event.ErrorKind,
		LastError:     event.Reason,
		LastAttemptAt: event.At,
	}
	if err := a.outcomes.Upsert(ctx, outcome); err != nil {
		return err
	}

	after, err := a.outcomes.ListByPost(ctx, event.PostID)
	if err != nil {
		return err
	}
	current := Compute(after)
	if current == previous {
		return nil
	}

	now := a.now()
	if a.changeCounter != nil {
		a.changeCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("environment", telemetry.Environment()),
			telemetry.AttrAggregateStatus.String(string(current))))
	}
	observability.Log().Info("post aggregate changed",
		observability.Field{Key: "post_id", Value: event.PostID},
		observability.Field{Key: "from", Value: string(previous)},
		observability.Field{Key: "to", Value: string(current)})
	a.announce(ctx, event.PostID, previous, current, now)

	if a.sink == nil {
		return nil
	}
	return a.sink.PublishAggregate(ctx, schema.AggregateEvent{
		PostID: event.PostID,
		Status: current,
		At:     now,
	})
}

// Forwarder re-publishes events to observers once the aggregate is recorded.
type Forwarder interface {
	PublishOutcome(ctx context.Context, event schema.OutcomeEvent) error
	PublishToken(ctx context.Context, signal schema.TokenSignal) error
}

// RecordingSink applies every outcome to the aggregator before forwarding it
// to observers. Workers and the scheduler publish through it, so aggregation
// never depends on an observer buffer that may drop under a burst.
type RecordingSink struct {
	agg     *Aggregator
	forward Forwarder
}

// NewRecordingSink wires the aggregator into the outcome emit path. A nil
// forwarder records outcomes without fanning them out.
func NewRecordingSink(agg *Aggregator, forward Forwarder) *RecordingSink {
	return &RecordingSink{agg: agg, forward: forward}
}

// PublishOutcome records the outcome and then forwards it to observers.
func (s *RecordingSink) PublishOutcome(ctx context.Context, event schema.OutcomeEvent) error {
	if err := s.agg.OnOutcome(ctx, event); err != nil {
		return err
	}
	if s.forward == nil {
		return nil
	}
	return s.forward.PublishOutcome(ctx, event)
}

// PublishToken forwards credential refresh signals unchanged.
func (s *RecordingSink) PublishToken(ctx context.Context, signal schema.TokenSignal) error {
	if s.forward == nil {
		return nil
	}
	return s.forward.PublishToken(ctx, signal)
}

func (a *Aggregator) announce(ctx context.Context, postID string, from, to schema.PostStatus, at time.Time) {
	if a.telemetry == nil {
		return
	}
	event := observability.TelemetryEvent{
		EventID:   uuid.NewString(),
		Type:      observability.TelemetryEventAggregateChanged,
		Severity:  observability.TelemetrySeverityInfo,
		Timestamp: at,
		PostID:    postID,
		Metadata: map[string]any{
			"from": string(from),
			"to":   string(to),
		},
	}
	if err := a.telemetry.Publish(ctx, event); err != nil {
		observability.Log().Warn("telemetry publish failed",
			observability.Field{Key: "event_type", Value: string(event.Type)},
			observability.Field{Key: "error", Value: err})
	}
}
