// Package locks provides the in-process expiring lock sets the control
// plane serializes on: the per-symbol order-creation lock, the per
// (symbol, side) alert-send lock, the margin-error lockout and the
// unprotected-position alert limiter. State is process-local and resets
// on restart; durable safety rules are re-derived from the order store.
package locks

import (
	"sync"
	"time"
)

// Default lifetimes for the four lock sets the agent runs.
const (
	OrderCreationTTL    = 10 * time.Second
	AlertSendTTL        = 2 * time.Second
	MarginLockoutTTL    = 30 * time.Minute
	UnprotectedAlertTTL = 6 * time.Hour
)

// Set is a map of keys with a shared time-to-live. A key is held from
// acquisition until Release or expiry, whichever comes first.
type Set struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time // key -> expiry

	now func() time.Time // swapped in tests
}

// NewSet creates a lock set whose entries expire after ttl.
func NewSet(ttl time.Duration) *Set {
	return &Set{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// TryAcquire takes the lock for key if it is free or expired. Returns
// false while another holder's TTL is still running.
func (s *Set) TryAcquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.entries[key]; ok && now.Before(exp) {
		return false
	}
	s.entries[key] = now.Add(s.ttl)
	s.pruneLocked(now)
	return true
}

// Mark sets the key unconditionally, refreshing its TTL. Used for
// lockouts and rate limits where there is no contention semantics.
func (s *Set) Mark(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.entries[key] = now.Add(s.ttl)
	s.pruneLocked(now)
}

// Held reports whether key is currently locked.
func (s *Set) Held(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.entries[key]
	return ok && s.now().Before(exp)
}

// Remaining returns how long the key stays locked, zero when free.
func (s *Set) Remaining(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.entries[key]
	if !ok {
		return 0
	}
	if d := exp.Sub(s.now()); d > 0 {
		return d
	}
	return 0
}

// Release frees the key before its TTL runs out.
func (s *Set) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Len returns the number of live entries.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, exp := range s.entries {
		if now.Before(exp) {
			n++
		}
	}
	return n
}

// pruneLocked drops expired entries. Caller holds s.mu.
func (s *Set) pruneLocked(now time.Time) {
	if len(s.entries) < 512 {
		return
	}
	for k, exp := range s.entries {
		if !now.Before(exp) {
			delete(s.entries, k)
		}
	}
}

// AlertKey builds the (symbol, side) key used by the alert-send lock.
func AlertKey(symbol, side string) string {
	return symbol + "|" + side
}
