// Package publisher defines the destination publishing contract. Concrete
// network integrations live behind this interface; the scheduler core only
// sees receipts and classified errors.
package publisher

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/publora/publora/errs"
	"github.com/publora/publora/internal/domain/schema"
)

// Receipt captures the destination's acknowledgement of a published post.
type Receipt struct {
	// ExternalID is the destination-assigned identifier of the created post.
	ExternalID string
	// URL is the public link when the destination returns one.
	URL string
	// PublishedAt is the destination-reported publish time.
	PublishedAt time.Time
}

// Publisher executes one publish attempt against a destination. Publish must
// honour ctx cancellation and return destination errors wrapped in *errs.E so
// failures classify precisely.
type Publisher interface {
	Publish(ctx context.Context, job schema.PublishJob) (Receipt, error)
}

// Func adapts a plain function to the Publisher interface.
type Func func(ctx context.Context, job schema.PublishJob) (Receipt, error)

// Publish implements Publisher.
func (f Func) Publish(ctx context.Context, job schema.PublishJob) (Receipt, error) {
	return f(ctx, job)
}

// Registry maps destination names to their publisher integrations.
type Registry struct {
	mu         sync.RWMutex
	publishers map[string]Publisher
}

// NewRegistry constructs an empty publisher registry.
func NewRegistry() *Registry {
	return &Registry{publishers: make(map[string]Publisher)}
}

// Register binds a publisher to a destination name, replacing any previous binding.
func (r *Registry) Register(destination string, pub Publisher) error {
	destination = strings.ToLower(strings.TrimSpace(destination))
	if destination == "" {
		return errs.New("", errs.CodeInvalid, errs.WithMessage("destination name required"))
	}
	if pub == nil {
		return errs.New(destination, errs.CodeInvalid, errs.WithMessage("publisher required"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishers[destination] = pub
	return nil
}

// Lookup returns the publisher bound to the destination.
func (r *Registry) Lookup(destination string) (Publisher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.publishers[strings.ToLower(strings.TrimSpace(destination))]
	if !ok {
		return nil, errs.New(destination, errs.CodeNotFound,
			errs.WithMessage("no publisher registered"))
	}
	return pub, nil
}

// Destinations lists destination names with a registered publisher, sorted.
func (r *Registry) Destinations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.publishers))
	for name := range r.publishers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
