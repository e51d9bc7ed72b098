package settler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultLockTTL bounds how long one settlement tick may hold its lock.
// It must exceed the worst-case duration of a tick (one quote call plus one
// broadcast, each with bounded timeouts). Too short and two workers could
// mutate the same record; too long and recovery after a crash is delayed by
// the full TTL.
const DefaultLockTTL = 5 * time.Minute

// LockManager serializes processing of one settlement across concurrently
// running worker instances. It is built purely on the store's atomic
// set-if-absent-with-expiry primitive; there is no leader election.
type LockManager struct {
	store  KeyValueStore
	ttl    time.Duration
	logger *slog.Logger
}

// NewLockManager creates a lock manager over the shared store. A zero ttl
// selects DefaultLockTTL.
func NewLockManager(store KeyValueStore, ttl time.Duration, logger *slog.Logger) *LockManager {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LockManager{store: store, ttl: ttl, logger: logger}
}

// WithLock runs fn while holding the distributed lock for resource and
// reports whether fn was invoked.
//
// When another worker holds the lock, WithLock returns (false, nil) without
// invoking fn: someone else is handling it, skip this tick. Callers carry
// fn's outputs through the closure.
//
// When fn returns an error the lock is deliberately NOT released; it expires
// via TTL, bounding how stale a crashed or failed holder can leave things.
// On success the release is best-effort: an expired-and-stolen lock is
// detected by the owner token and left alone.
func (m *LockManager) WithLock(ctx context.Context, resource string, fn func(context.Context) error) (bool, error) {
	token := uuid.NewString()

	acquired, err := m.store.SetIfAbsent(ctx, resource, token, m.ttl)
	if err != nil {
		return false, WrapSettlementError(ErrCodeStoreUnavailable, "lock acquire failed", err)
	}
	if !acquired {
		return false, nil
	}

	if err := fn(ctx); err != nil {
		return true, err
	}

	m.release(ctx, resource, token)
	return true, nil
}

// release deletes the lock only while we still own it. The get-then-delete
// pair is not atomic; the worst case is deleting a lock that expired and was
// re-acquired in between, which the TTL already makes possible. Correctness
// rests on the TTL outliving the critical section, not on release.
func (m *LockManager) release(ctx context.Context, resource, token string) {
	current, found, err := m.store.Get(ctx, resource)
	if err != nil {
		m.logger.Warn("lock release check failed", "resource", resource, "error", err)
		return
	}
	if !found || current != token {
		return
	}
	if err := m.store.Delete(ctx, resource); err != nil {
		m.logger.Warn("lock release failed", "resource", resource, "error", err)
	}
}
