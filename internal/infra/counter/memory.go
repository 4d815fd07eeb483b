// Package counter provides implementations of the shared quota counter store.
package counter

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local counter store. It backs tests and single-node
// deployments; multi-node deployments use the redis-backed store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     int64
	expiresAt time.Time
}

// NewMemoryStore constructs an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	s := new(MemoryStore)
	s.entries = make(map[string]*memoryEntry)
	s.now = time.Now
	return s
}

// SetClock overrides the time source; used by window expiry tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// IncrWithCap atomically applies delta unless the result would exceed cap.
func (s *MemoryStore) IncrWithCap(_ context.Context, key string, delta, cap int64, ttl time.Duration) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	entry := s.entries[key]
	if entry == nil || !entry.expiresAt.After(now) {
		entry = &memoryEntry{value: 0, expiresAt: now.Add(ttl)}
		s.entries[key] = entry
	}
	if entry.value+delta > cap {
		return entry.value, false, nil
	}
	entry.value += delta
	return entry.value, true, nil
}

// Decr subtracts delta from the counter, flooring at zero.
func (s *MemoryStore) Decr(_ context.Context, key string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[key]
	if entry == nil || !entry.expiresAt.After(s.now()) {
		return nil
	}
	entry.value -= delta
	if entry.value < 0 {
		entry.value = 0
	}
	return nil
}

// Get returns the counter value; expired or missing keys read as zero.
func (s *MemoryStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[key]
	if entry == nil || !entry.expiresAt.After(s.now()) {
		return 0, nil
	}
	return entry.value, nil
}

// Sweep discards expired entries. Called periodically by the owning process.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for key, entry := range s.entries {
		if !entry.expiresAt.After(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}
