// Package admission enforces per-destination quota and rate budgets before any
// external publish is attempted.
package admission

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/publora/publora/errs"
	"github.com/publora/publora/internal/app/registry"
	"github.com/publora/publora/internal/domain/counterstore"
	"github.com/publora/publora/internal/infra/telemetry"
)

// Decision is the outcome of a reservation attempt. WindowKey identifies the
// quota window the reservation was charged against; a later Release must pass
// it back so compensation lands on the charged window.
type Decision struct {
	Granted    bool
	Reason     string
	RetryAfter time.Duration
	WindowKey  string
}

// QuotaSnapshot reports remaining capacity for the observability surface.
// Informational only; admission decisions always go through Reserve.
type QuotaSnapshot struct {
	Destination           string
	AccountUsed           int64
	AccountRemaining      int64
	AppUnitsUsed          int64
	AppUnitsRemaining     int64
	AppPublishesRemaining int64
}

// Option configures the controller.
type Option func(*Controller)

// WithClock overrides the controller's time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithThrottleWait bounds how long Reserve blocks on a per-second ceiling
// before denying instead.
func WithThrottleWait(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.throttleWait = d
		}
	}
}

// Controller performs admission control against the shared counter store.
// Both the per-account and the app-wide daily check must pass; counter
// mutations are single atomic check-and-increment round trips, so concurrent
// workers on the same account cannot jointly exceed a budget.
type Controller struct {
	registry *registry.Registry
	counters counterstore.Store
	window   *Window

	throttleWait time.Duration
	now          func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	grantedCounter metric.Int64Counter
	deniedCounter  metric.Int64Counter
}

// NewController wires the admission controller over the registry, counter
// store, and window policy.
func NewController(reg *registry.Registry, counters counterstore.Store, window *Window, opts ...Option) *Controller {
	c := new(Controller)
	c.registry = reg
	c.counters = counters
	c.window = window
	c.throttleWait = 2 * time.Second
	c.now = time.Now
	c.limiters = make(map[string]*rate.Limiter)

	meter := otel.Meter("admission")
	c.grantedCounter, _ = meter.Int64Counter("admission.reservations.granted",
		metric.WithDescription("Number of granted quota reservations"),
		metric.WithUnit("{reservation}"))
	c.deniedCounter, _ = meter.Int64Counter("admission.reservations.denied",
		metric.WithDescription("Number of denied quota reservations"),
		metric.WithUnit("{reservation}"))

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Reserve attempts to claim capacity for cost publishes on the destination for
// the account. Jobs may be scheduled far ahead of execution, so workers call
// Reserve at execution time; any schedule-time check is advisory only.
func (c *Controller) Reserve(ctx context.Context, destination, accountID string, cost int64) (Decision, error) {
	if cost <= 0 {
		cost = 1
	}
	dest, err := c.registry.Config(destination)
	if err != nil {
		return Decision{}, err
	}

	if dest.HasRPSCeiling() {
		if decision, ok := c.throttle(ctx, dest, accountID); !ok {
			c.recordDenied(ctx, dest.Name, decision.Reason)
			return decision, nil
		}
	}

	now := c.now()
	dayKey := c.window.DayKey(now)
	ttl := c.window.UntilDayEnd(now)

	if dest.HasAccountLimit() {
		_, granted, err := c.counters.IncrWithCap(ctx, accountKey(dest.Name, dayKey, accountID), cost, dest.DailyLimit, ttl)
		if err != nil {
			return Decision{}, err
		}
		if !granted {
			decision := Decision{Granted: false, Reason: errs.ReasonQuotaExceeded, RetryAfter: ttl, WindowKey: dayKey}
			c.recordDenied(ctx, dest.Name, decision.Reason)
			return decision, nil
		}
	}

	if dest.HasAppLimit() {
		units := cost * dest.UnitCost()
		_, granted, err := c.counters.IncrWithCap(ctx, appKey(dest.Name, dayKey), units, dest.AppDailyLimit, ttl)
		if err != nil {
			c.compensateAccount(ctx, dest, dayKey, accountID, cost)
			return Decision{}, err
		}
		if !granted {
			// The account counter was already advanced; hand the units back.
			c.compensateAccount(ctx, dest, dayKey, accountID, cost)
			decision := Decision{Granted: false, Reason: errs.ReasonQuotaExceeded, RetryAfter: ttl, WindowKey: dayKey}
			c.recordDenied(ctx, dest.Name, decision.Reason)
			return decision, nil
		}
	}

	if c.grantedCounter != nil {
		c.grantedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.AttrDestination.String(dest.Name)))
	}
	return Decision{Granted: true, Reason: "", RetryAfter: 0, WindowKey: dayKey}, nil
}

// Release compensates a reservation that was never consumed, for example a job
// cancelled after reservation or a destination whose quota charges only on
// confirmed delivery. windowKey is the Decision's WindowKey; it pins the
// compensation to the window that was charged even when the window has since
// rolled over. An empty key falls back to the current window.
func (c *Controller) Release(ctx context.Context, destination, accountID string, cost int64, windowKey string) error {
	if cost <= 0 {
		cost = 1
	}
	dest, err := c.registry.Config(destination)
	if err != nil {
		return err
	}
	dayKey := windowKey
	if dayKey == "" {
		dayKey = c.window.DayKey(c.now())
	}

	var errors []error
	if dest.HasAccountLimit() {
		if err := c.counters.Decr(ctx, accountKey(dest.Name, dayKey, accountID), cost); err != nil {
			errors = append(errors, err)
		}
	}
	if dest.HasAppLimit() {
		if err := c.counters.Decr(ctx, appKey(dest.Name, dayKey), cost*dest.UnitCost()); err != nil {
			errors = append(errors, err)
		}
	}
	if len(errors) > 0 {
		return errs.New(dest.Name, errs.CodeUnavailable,
			errs.WithMessage("quota release failed"), errs.WithCause(errors[0]))
	}
	return nil
}

// Snapshot reports remaining capacity for the destination and account in the
// current window.
func (c *Controller) Snapshot(ctx context.Context, destination, accountID string) (QuotaSnapshot, error) {
	dest, err := c.registry.Config(destination)
	if err != nil {
		return QuotaSnapshot{}, err
	}
	now := c.now()
	dayKey := c.window.DayKey(now)

	snapshot := QuotaSnapshot{Destination: dest.Name}
	if dest.HasAccountLimit() {
		used, err := c.counters.Get(ctx, accountKey(dest.Name, dayKey, accountID))
		if err != nil {
			return QuotaSnapshot{}, err
		}
		snapshot.AccountUsed = used
		snapshot.AccountRemaining = max64(dest.DailyLimit-used, 0)
	}
	if dest.HasAppLimit() {
		used, err := c.counters.Get(ctx, appKey(dest.Name, dayKey))
		if err != nil {
			return QuotaSnapshot{}, err
		}
		snapshot.AppUnitsUsed = used
		snapshot.AppUnitsRemaining = max64(dest.AppDailyLimit-used, 0)
		snapshot.AppPublishesRemaining = snapshot.AppUnitsRemaining / dest.UnitCost()
	}
	return snapshot, nil
}

// throttle gates execution through the destination's per-second ceiling. The
// limiter is keyed by destination and account, which serializes execution per
// account without a hard lock.
func (c *Controller) throttle(ctx context.Context, dest registry.Destination, accountID string) (Decision, bool) {
	limiter := c.limiter(dest, accountID)
	waitCtx, cancel := context.WithTimeout(ctx, c.throttleWait)
	defer cancel()
	if err := limiter.Wait(waitCtx); err != nil {
		reservation := limiter.Reserve()
		retryAfter := reservation.Delay()
		reservation.Cancel()
		if retryAfter <= 0 {
			retryAfter = c.throttleWait
		}
		return Decision{Granted: false, Reason: errs.ReasonThrottled, RetryAfter: retryAfter}, false
	}
	return Decision{}, true
}

func (c *Controller) limiter(dest registry.Destination, accountID string) *rate.Limiter {
	key := dest.Name + ":" + accountID
	c.mu.Lock()
	defer c.mu.Unlock()
	limiter, ok := c.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(dest.AppRPS), 1)
		c.limiters[key] = limiter
	}
	return limiter
}

func (c *Controller) compensateAccount(ctx context.Context, dest registry.Destination, dayKey, accountID string, cost int64) {
	if !dest.HasAccountLimit() {
		return
	}
	// Compensation failure leaves the account counter conservatively high; it
	// self-corrects when the window expires.
	_ = c.counters.Decr(ctx, accountKey(dest.Name, dayKey, accountID), cost)
}

func (c *Controller) recordDenied(ctx context.Context, destination, reason string) {
	if c.deniedCounter == nil {
		return
	}
	c.deniedCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrDestination.String(destination),
		telemetry.AttrReason.String(reason),
	))
}

func accountKey(destination, dayKey, accountID string) string {
	return "q:" + destination + ":account:" + dayKey + ":" + accountID
}

func appKey(destination, dayKey string) string {
	return "q:" + destination + ":app:" + dayKey
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
