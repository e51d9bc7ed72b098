package settler

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory KeyValueStore for tests and single-process
// deployments. Distributed deployments use the Redis implementation in
// store/redis; both honor the same expiry and set-if-absent semantics, so the
// lock manager behaves identically against either.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
	expiry map[string]time.Time
	sets   map[string]map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]string),
		expiry: make(map[string]time.Time),
		sets:   make(map[string]map[string]struct{}),
	}
}

// Get returns the value for key if present and not expired.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expiredLocked(key) {
		return "", false, nil
	}
	v, ok := s.values[key]
	return v, ok, nil
}

// Set writes key=value. A zero ttl means no expiry.
func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	if ttl > 0 {
		s.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(s.expiry, key)
	}
	return nil
}

// SetIfAbsent atomically writes the key only when absent (or expired).
func (s *MemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.expiredLocked(key) {
		if _, exists := s.values[key]; exists {
			return false, nil
		}
	}

	s.values[key] = value
	if ttl > 0 {
		s.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(s.expiry, key)
	}
	return true, nil
}

// Delete removes the key. Absent keys are a no-op.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
	delete(s.expiry, key)
	return nil
}

// AddToSet adds member to the set at key.
func (s *MemoryStore) AddToSet(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

// RemoveFromSet removes member from the set at key. Absent members are a no-op.
func (s *MemoryStore) RemoveFromSet(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if set, ok := s.sets[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(s.sets, key)
		}
	}
	return nil
}

// SetMembers lists the members of the set at key.
func (s *MemoryStore) SetMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		return nil, nil
	}
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members, nil
}

// expiredLocked removes the key when its expiry has passed. Must be called
// with the lock held.
func (s *MemoryStore) expiredLocked(key string) bool {
	exp, ok := s.expiry[key]
	if !ok {
		return false
	}
	if time.Now().Before(exp) {
		return false
	}
	delete(s.values, key)
	delete(s.expiry, key)
	return true
}

// Ensure MemoryStore implements KeyValueStore
var _ KeyValueStore = (*MemoryStore)(nil)
