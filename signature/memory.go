package signature

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process signature store.
//
// Suitable for single-instance deployments and tests. It gives no
// cross-process guarantee: two facilitator instances sharing nothing can both
// accept the same signature. Production multi-instance deployments must use
// RedisStore instead.
type MemoryStore struct {
	mu     sync.Mutex
	expiry map[string]time.Time
}

// NewMemoryStore creates an empty in-memory signature store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		expiry: make(map[string]time.Time),
	}
}

// Has reports whether sig was recorded and has not expired.
// Expired entries are evicted lazily on read.
func (s *MemoryStore) Has(_ context.Context, sig string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, exists := s.expiry[sig]
	if !exists {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(s.expiry, sig)
		return false, nil
	}
	return true, nil
}

// Add records sig with the given TTL and sweeps expired entries.
func (s *MemoryStore) Add(_ context.Context, sig string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expiry[sig] = time.Now().Add(ttl)
	s.cleanupExpiredLocked()
	return nil
}

// Clear removes all recorded signatures.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expiry = make(map[string]time.Time)
	return nil
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (s *MemoryStore) cleanupExpiredLocked() {
	now := time.Now()
	for sig, expiry := range s.expiry {
		if now.After(expiry) {
			delete(s.expiry, sig)
		}
	}
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
