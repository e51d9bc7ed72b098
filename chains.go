package settler

import "fmt"

// ChainRegistry resolves a network to the adapter serving its family.
// Registration uses CAIP family patterns ("eip155:*", "solana:*"); lookup
// matches a concrete network against them.
type ChainRegistry struct {
	adapters []ChainAdapter
}

// NewChainRegistry creates a registry over the given adapters.
func NewChainRegistry(adapters ...ChainAdapter) *ChainRegistry {
	return &ChainRegistry{adapters: adapters}
}

// Register adds an adapter. Later registrations win on overlapping patterns.
func (r *ChainRegistry) Register(adapter ChainAdapter) {
	r.adapters = append([]ChainAdapter{adapter}, r.adapters...)
}

// Adapter returns the adapter whose family pattern matches the network.
func (r *ChainRegistry) Adapter(network Network) (ChainAdapter, error) {
	for _, a := range r.adapters {
		if network.Match(a.Namespace()) {
			return a, nil
		}
	}
	return nil, NewSettlementError(ErrCodeUnsupportedNetwork, fmt.Sprintf("no chain adapter for network %s", network), nil)
}
