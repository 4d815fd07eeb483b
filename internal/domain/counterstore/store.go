// Package counterstore defines the shared atomic quota counter contract.
package counterstore

import (
	"context"
	"time"
)

// Store is the shared counter store backing admission control. It is the only
// resource mutated from multiple workers concurrently, so the check-and-increment
// must be a single atomic step in the backing store.
type Store interface {
	// IncrWithCap atomically adds delta to the counter unless the result would
	// exceed cap, in which case the counter is left untouched. It returns the
	// counter value after the call and whether the increment was applied. The
	// entry expires after ttl so window counters bound memory.
	IncrWithCap(ctx context.Context, key string, delta, cap int64, ttl time.Duration) (used int64, granted bool, err error)
	// Decr subtracts delta from the counter, flooring at zero. Used to
	// compensate reservations that were never consumed.
	Decr(ctx context.Context, key string, delta int64) error
	// Get returns the current counter value; missing keys read as zero.
	Get(ctx context.Context, key string) (int64, error)
}
