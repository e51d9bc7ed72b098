package settler

import (
	"context"
	"math/big"
)

// CompanionManager owns the lifecycle of the ephemeral per-settlement
// keypair: mint it once, park the secret behind a handle, answer balance
// reads. It never signs anything itself; transfers go through the chain
// adapter with the key fetched from the secret store at the moment of use.
type CompanionManager struct {
	chains  *ChainRegistry
	secrets SecretStore
}

// NewCompanionManager creates a companion manager.
func NewCompanionManager(chains *ChainRegistry, secrets SecretStore) *CompanionManager {
	return &CompanionManager{chains: chains, secrets: secrets}
}

// Create mints exactly one keypair for the settlement on the given network
// and stores its private key under a handle derived from the settlement ID.
//
// Callers must guard against double creation: the engine only calls Create
// after the record-already-exists check, under the settlement's lock. A
// second call for the same ID would orphan the first companion's funds.
func (m *CompanionManager) Create(ctx context.Context, settlementID string, network Network) (address, keyHandle string, err error) {
	adapter, err := m.chains.Adapter(network)
	if err != nil {
		return "", "", err
	}

	account, err := adapter.GenerateAccount(ctx)
	if err != nil {
		return "", "", WrapSettlementError(ErrCodeChainUnavailable, "companion key generation failed", err)
	}

	handle := "companion/" + settlementID
	if err := m.secrets.Put(ctx, handle, account.PrivateKey); err != nil {
		return "", "", err
	}

	return account.Address, handle, nil
}

// Balance reads the address's balance of the asset in base units. Pure read,
// no side effects; adapter timeouts surface as typed transient errors so the
// state machine leaves the record untouched for the next tick.
func (m *CompanionManager) Balance(ctx context.Context, asset Asset, address string) (*big.Int, error) {
	adapter, err := m.chains.Adapter(asset.Network)
	if err != nil {
		return nil, err
	}

	balance, err := adapter.GetBalance(ctx, asset, address)
	if err != nil {
		return nil, WrapSettlementError(ErrCodeChainUnavailable, "balance query failed", err)
	}
	return balance, nil
}
