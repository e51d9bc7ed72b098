package settler

import (
	"context"
	"fmt"
)

const secretKeyPrefix = "secret:"

// KVSecretStore keeps companion signing keys in the shared store under a
// dedicated key prefix, referenced from records only by handle. This is the
// indirection that keeps raw keys out of business records, logs, and audit
// events; a hardened deployment swaps in a dedicated secret manager behind
// the same interface.
type KVSecretStore struct {
	store KeyValueStore
}

// NewKVSecretStore creates a secret store over the shared key-value store.
func NewKVSecretStore(store KeyValueStore) *KVSecretStore {
	return &KVSecretStore{store: store}
}

// Put stores the secret under its handle.
func (s *KVSecretStore) Put(ctx context.Context, handle, secret string) error {
	if err := s.store.Set(ctx, secretKeyPrefix+handle, secret, 0); err != nil {
		return WrapSettlementError(ErrCodeStoreUnavailable, "secret write failed", err)
	}
	return nil
}

// Get returns the secret for handle.
func (s *KVSecretStore) Get(ctx context.Context, handle string) (string, error) {
	secret, found, err := s.store.Get(ctx, secretKeyPrefix+handle)
	if err != nil {
		return "", WrapSettlementError(ErrCodeStoreUnavailable, "secret read failed", err)
	}
	if !found {
		return "", NewSettlementError(ErrCodeStoreUnavailable, fmt.Sprintf("no secret for handle %s", handle), nil)
	}
	return secret, nil
}

// Discard removes the secret. Companion keys are single-use; once the
// settlement is terminal the key has no further purpose.
func (s *KVSecretStore) Discard(ctx context.Context, handle string) error {
	return s.store.Delete(ctx, secretKeyPrefix+handle)
}

// Ensure KVSecretStore implements SecretStore
var _ SecretStore = (*KVSecretStore)(nil)
