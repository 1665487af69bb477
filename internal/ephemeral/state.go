// Package ephemeral holds tab-local, single-use values for in-flight
// redirect flows. Nothing here is ever written to durable storage.
package ephemeral

import (
	"sync"
	"time"
)

// DefaultTTL bounds how long an abandoned flow's state stays usable.
const DefaultTTL = 10 * time.Minute

// Entry is the state saved before leaving for an identity provider.
type Entry struct {
	State        string
	PKCEVerifier string
	CreatedAt    time.Time
}

// StateStore is an in-memory anti-forgery state store keyed by provider.
// Each provider has at most one in-flight entry.
type StateStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	ttl     time.Duration
	now     func() time.Time
}

// NewStateStore creates a state store. ttl <= 0 uses DefaultTTL.
func NewStateStore(ttl time.Duration) *StateStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &StateStore{
		entries: make(map[string]Entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Put stores an entry for namespace, replacing any previous one.
func (s *StateStore) Put(namespace string, e Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[namespace] = e
}

// Take removes and returns the entry for namespace. The entry is deleted
// whether or not it is still valid; ok is false when it was missing or expired.
func (s *StateStore) Take(namespace string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[namespace]
	delete(s.entries, namespace)
	if !ok {
		return Entry{}, false
	}
	if s.now().Sub(e.CreatedAt) > s.ttl {
		return Entry{}, false
	}
	return e, true
}

// Has reports whether an entry exists for namespace, expired or not.
func (s *StateStore) Has(namespace string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[namespace]
	return ok
}

// Len returns the number of stored entries.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
