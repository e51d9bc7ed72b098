// Package redis backs the engine's shared key-value store with Redis,
// the deployment shape where multiple worker processes share records,
// the pending index, and the lock primitive.
//
// The mapping is one-to-one: Get/Set(EX)/SetNX for values and locks,
// SAdd/SRem/SMembers for the pending index. SetNX with expiry carries the
// whole mutual-exclusion contract, so no Lua is needed on the acquire path.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	settler "github.com/railpay/settler"
)

// Store implements settler.KeyValueStore on a Redis client.
type Store struct {
	client redis.UniversalClient
}

// New creates a store over an existing client.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Open connects to the given Redis URL (redis://...) and returns a store.
func Open(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return New(redis.NewClient(opts)), nil
}

// Get returns the value for key. Absent keys are (_, false, nil).
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set writes key=value. A zero ttl means no expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// SetIfAbsent is SET NX EX: the atomic lock primitive.
func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// Delete removes the key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// AddToSet adds member to the set at key.
func (s *Store) AddToSet(ctx context.Context, key, member string) error {
	return s.client.SAdd(ctx, key, member).Err()
}

// RemoveFromSet removes member from the set at key.
func (s *Store) RemoveFromSet(ctx context.Context, key, member string) error {
	return s.client.SRem(ctx, key, member).Err()
}

// SetMembers lists the members of the set at key.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

// Ensure Store implements settler.KeyValueStore
var _ settler.KeyValueStore = (*Store)(nil)
