package settler

import (
	"context"
	"math/big"
	"time"
)

// ============================================================================
// Shared Key-Value Store (record store, pending index, lock primitive)
// ============================================================================

// KeyValueStore is the narrow surface the engine needs from the shared store:
// plain get/set with optional expiry, an atomic set-if-absent used as the lock
// primitive, and set membership for the pending index.
//
// Implementations must be safe for concurrent use across goroutines; the
// Redis implementation extends that to concurrent worker processes.
type KeyValueStore interface {
	// Get returns the value for key. found is false when the key is absent
	// or expired.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// Set writes key=value. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetIfAbsent atomically writes key=value with expiry only when the key
	// does not exist. Returns true when the write happened. This is the lock
	// primitive: the TTL bounds how long a crashed holder can block others.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// AddToSet adds member to the set at key. Duplicate adds are no-ops.
	AddToSet(ctx context.Context, key, member string) error

	// RemoveFromSet removes member from the set at key. Removing an absent
	// member is a no-op.
	RemoveFromSet(ctx context.Context, key, member string) error

	// SetMembers lists the members of the set at key.
	SetMembers(ctx context.Context, key string) ([]string, error)
}

// ============================================================================
// Collaborator boundaries (chain, intent provider, secrets, audit)
// ============================================================================

// ChainAdapter reads balances and submits transfers on one blockchain family.
// Calls must honor context deadlines: a stuck chain call can never be allowed
// to outlive the distributed lock TTL.
type ChainAdapter interface {
	// Namespace returns the CAIP family pattern this adapter serves,
	// e.g. "eip155:*" for EVM chains or "solana:*" for Solana.
	Namespace() Network

	// GenerateAccount mints a fresh keypair. The private key is handed to the
	// caller exactly once and must go straight into the secret store.
	GenerateAccount(ctx context.Context) (GeneratedAccount, error)

	// GetBalance returns the address's balance of the asset in base units.
	GetBalance(ctx context.Context, asset Asset, address string) (*big.Int, error)

	// SendTransfer signs and broadcasts a transfer, returning the transaction
	// hash. A returned error means the broadcast cannot be assumed to have
	// happened; the caller retries on a later tick.
	SendTransfer(ctx context.Context, req TransferRequest) (string, error)
}

// IntentClient is the narrow interface consumed from the intent-settlement
// provider. Quote rejections surface as terminal SettlementErrors; transport
// failures as transient ones.
type IntentClient interface {
	GetQuote(ctx context.Context, req QuoteRequest) (*Quote, error)

	// GetExecutionStatus reports the provider-side progress of a swap,
	// correlated by deposit address. The engine's transition logic never
	// calls this; it exists for the out-of-band status poller.
	GetExecutionStatus(ctx context.Context, depositAddress string) (*ExecutionStatus, error)
}

// SecretStore keeps companion private keys out of the business record.
// Handles are opaque; raw secrets never appear in logs or audit events.
type SecretStore interface {
	Put(ctx context.Context, handle, secret string) error
	Get(ctx context.Context, handle string) (string, error)
	// Discard logically destroys the secret. Called once the settlement
	// reaches a terminal state; discarding an absent handle is a no-op.
	Discard(ctx context.Context, handle string) error
}

// AuditSink receives settlement transition events. Append-only: the engine
// writes to it and never reads it back for decisions. Sink failures must not
// fail a tick.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}
