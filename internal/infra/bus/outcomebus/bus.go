// Package outcomebus fans attempt outcomes, aggregate changes, and token
// refresh signals out to external listeners. Delivery is best-effort with
// drop-oldest backpressure; the aggregator does not consume through the bus,
// it is fed synchronously on the emit path.
package outcomebus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/publora/publora/errs"
	"github.com/publora/publora/internal/domain/schema"
	"github.com/publora/publora/internal/infra/telemetry"
	"github.com/publora/publora/internal/observability"
)

// SubscriptionID identifies one subscription on the bus.
type SubscriptionID string

// Config tunes the in-memory bus.
type Config struct {
	// BufferSize is each subscriber's channel capacity.
	BufferSize int
	// FanoutWorkers bounds concurrent deliveries per publish.
	FanoutWorkers int
}

func (c Config) normalize() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}

type subscriber[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan T
	once   sync.Once
}

func (s *subscriber[T]) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}

type topic[T any] struct {
	mu   sync.RWMutex
	subs map[SubscriptionID]*subscriber[T]
}

func newTopic[T any]() *topic[T] {
	return &topic[T]{subs: make(map[SubscriptionID]*subscriber[T])}
}

// Bus is the in-memory implementation. Topics fan out independently; a slow
// listener on one topic never blocks the others.
type Bus struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	outcomes   *topic[schema.OutcomeEvent]
	aggregates *topic[schema.AggregateEvent]
	tokens     *topic[schema.TokenSignal]

	nextID       uint64
	shutdownOnce sync.Once

	publishedCounter metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
	droppedCounter   metric.Int64Counter
}

// NewBus constructs an in-memory outcome bus.
func NewBus(cfg Config) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	bus := &Bus{
		cfg:        cfg.normalize(),
		ctx:        ctx,
		cancel:     cancel,
		outcomes:   newTopic[schema.OutcomeEvent](),
		aggregates: newTopic[schema.AggregateEvent](),
		tokens:     newTopic[schema.TokenSignal](),
	}

	meter := otel.Meter("outcomebus")
	bus.publishedCounter, _ = meter.Int64Counter("outcomebus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("outcomebus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.droppedCounter, _ = meter.Int64Counter("outcomebus.delivery.dropped",
		metric.WithDescription("Number of events dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))

	return bus
}

// PublishOutcome fans the attempt-level event out to outcome subscribers.
func (b *Bus) PublishOutcome(ctx context.Context, event schema.OutcomeEvent) error {
	if event.PostID == "" || event.TargetID == "" {
		return errs.New(event.Destination, errs.CodeInvalid,
			errs.WithMessage("outcome event requires post and target ids"))
	}
	return publish(ctx, b, b.outcomes, "outcome", event)
}

// PublishAggregate fans the post-level status change out to aggregate subscribers.
func (b *Bus) PublishAggregate(ctx context.Context, event schema.AggregateEvent) error {
	if event.PostID == "" {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("aggregate event requires a post id"))
	}
	return publish(ctx, b, b.aggregates, "aggregate", event)
}

// PublishToken fans the credential refresh signal out to token subscribers.
func (b *Bus) PublishToken(ctx context.Context, signal schema.TokenSignal) error {
	if signal.AccountID == "" {
		return errs.New(signal.Destination, errs.CodeInvalid,
			errs.WithMessage("token signal requires an account id"))
	}
	return publish(ctx, b, b.tokens, "token", signal)
}

// SubscribeOutcome registers for attempt-level outcome events.
func (b *Bus) SubscribeOutcome(ctx context.Context) (SubscriptionID, <-chan schema.OutcomeEvent, error) {
	return subscribe(ctx, b, b.outcomes, "outcome")
}

// SubscribeAggregate registers for post-level aggregate changes.
func (b *Bus) SubscribeAggregate(ctx context.Context) (SubscriptionID, <-chan schema.AggregateEvent, error) {
	return subscribe(ctx, b, b.aggregates, "aggregate")
}

// SubscribeToken registers for credential refresh signals.
func (b *Bus) SubscribeToken(ctx context.Context) (SubscriptionID, <-chan schema.TokenSignal, error) {
	return subscribe(ctx, b, b.tokens, "token")
}

// Unsubscribe removes the subscription from whichever topic holds it and
// closes its channel.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	if unsubscribe(b, b.outcomes, "outcome", id) {
		return
	}
	if unsubscribe(b, b.aggregates, "aggregate", id) {
		return
	}
	unsubscribe(b, b.tokens, "token", id)
}

// Close shuts down the bus and every subscription.
func (b *Bus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		closeTopic(b.outcomes)
		closeTopic(b.aggregates)
		closeTopic(b.tokens)
	})
}

func publish[T any](ctx context.Context, b *Bus, t *topic[T], name string, event T) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := b.ctx.Err(); err != nil {
		return errs.New("", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	t.mu.RLock()
	subs := make([]*subscriber[T], 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.RUnlock()

	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("environment", telemetry.Environment()),
			attribute.String("topic", name)))
	}
	if len(subs) == 0 {
		return nil
	}

	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range subs {
		sub := sub
		p.Go(func() {
			deliver(ctx, b, sub, name, event)
		})
	}
	p.Wait()
	return nil
}

// deliver pushes the event onto the subscriber's buffer, dropping the oldest
// entry under backpressure so slow listeners see recent state rather than
// stalling publishers.
func deliver[T any](ctx context.Context, b *Bus, sub *subscriber[T], name string, event T) {
	if sub.ctx.Err() != nil {
		return
	}
	select {
	case <-b.ctx.Done():
	case <-ctx.Done():
	case <-sub.ctx.Done():
	case sub.ch <- event:
	default:
		select {
		case <-sub.ch:
		default:
		}
		if b.droppedCounter != nil {
			b.droppedCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("environment", telemetry.Environment()),
				attribute.String("topic", name)))
		}
		observability.Log().Warn("subscriber buffer full; dropped oldest event",
			observability.Field{Key: "topic", Value: name})
		select {
		case sub.ch <- event:
		default:
		}
	}
}

func subscribe[T any](ctx context.Context, b *Bus, t *topic[T], name string) (SubscriptionID, <-chan T, error) {
	if err := b.ctx.Err(); err != nil {
		return "", nil, errs.New("", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := &subscriber[T]{
		ctx:    ctx,
		cancel: cancel,
		ch:     make(chan T, b.cfg.BufferSize),
	}
	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	t.mu.Lock()
	t.subs[id] = sub
	t.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(
			attribute.String("environment", telemetry.Environment()),
			attribute.String("topic", name)))
	}

	go func() {
		<-sub.ctx.Done()
		unsubscribe(b, t, name, id)
	}()
	return id, sub.ch, nil
}

func unsubscribe[T any](b *Bus, t *topic[T], name string, id SubscriptionID) bool {
	t.mu.Lock()
	sub, ok := t.subs[id]
	if ok {
		delete(t.subs, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
			attribute.String("environment", telemetry.Environment()),
			attribute.String("topic", name)))
	}
	sub.close()
	return true
}

func closeTopic[T any](t *topic[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sub := range t.subs {
		sub.close()
		delete(t.subs, id)
	}
}
