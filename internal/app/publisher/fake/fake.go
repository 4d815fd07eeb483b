// Package fake provides a synthetic destination publisher for testing and
// development wiring. It acknowledges publishes after a configurable latency
// and can be scripted to fail with classified destination errors.
package fake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/publora/publora/errs"
	"github.com/publora/publora/internal/app/publisher"
	"github.com/publora/publora/internal/domain/schema"
)

// Options configures the fake publisher.
type Options struct {
	// Destination names the destination the fake stands in for.
	Destination string
	// Latency is the simulated network round trip per publish.
	Latency time.Duration
	// FailEvery makes every Nth publish fail with Failure; 0 disables failures.
	FailEvery int
	// Failure is the error returned on scripted failures. Defaults to a
	// rate-limit envelope so fakes exercise the retry path realistically.
	Failure error
	// Clock overrides the receipt timestamp source.
	Clock func() time.Time
}

// Publisher is a scripted stand-in for a destination integration.
type Publisher struct {
	destination string
	latency     time.Duration
	failEvery   int
	failure     error
	clock       func() time.Time

	calls atomic.Int64

	mu        sync.Mutex
	published []schema.PublishJob
}

var _ publisher.Publisher = (*Publisher)(nil)

// New constructs the fake publisher for the given options.
func New(opts Options) *Publisher {
	p := &Publisher{
		destination: opts.Destination,
		latency:     opts.Latency,
		failEvery:   opts.FailEvery,
		failure:     opts.Failure,
		clock:       opts.Clock,
	}
	if p.destination == "" {
		p.destination = "fake"
	}
	if p.failure == nil {
		p.failure = errs.New(p.destination, errs.CodeRateLimited,
			errs.WithMessage("synthetic rate limit"),
			errs.WithRetryAfter(time.Minute))
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	return p
}

// Publish acknowledges the job after the configured latency, or fails when the
// call lands on a scripted failure slot.
func (p *Publisher) Publish(ctx context.Context, job schema.PublishJob) (publisher.Receipt, error) {
	if p.latency > 0 {
		timer := time.NewTimer(p.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return publisher.Receipt{}, fmt.Errorf("fake publish: %w", ctx.Err())
		case <-timer.C:
		}
	}

	call := p.calls.Add(1)
	if p.failEvery > 0 && call%int64(p.failEvery) == 0 {
		return publisher.Receipt{}, p.failure
	}

	p.mu.Lock()
	p.published = append(p.published, job)
	p.mu.Unlock()

	now := p.clock()
	externalID := uuid.NewString()
	return publisher.Receipt{
		ExternalID:  externalID,
		URL:         fmt.Sprintf("https://%s.example/posts/%s", p.destination, externalID),
		PublishedAt: now,
	}, nil
}

// Calls reports how many publishes were attempted.
func (p *Publisher) Calls() int64 {
	return p.calls.Load()
}

// Published returns a copy of the successfully acknowledged jobs.
func (p *Publisher) Published() []schema.PublishJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]schema.PublishJob, len(p.published))
	copy(out, p.published)
	return out
}

// RegisterAll binds a fresh fake publisher to every listed destination.
func RegisterAll(reg *publisher.Registry, destinations []string, opts Options) error {
	for _, name := range destinations {
		destOpts := opts
		destOpts.Destination = name
		if err := reg.Register(name, New(destOpts)); err != nil {
			return err
		}
	}
	return nil
}
