package settler

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Network identifies a blockchain network in CAIP-2 format.
// Format: namespace:reference (e.g., "eip155:1" for Ethereum mainnet,
// "solana:mainnet" for Solana).
type Network string

// Parse splits the network into namespace and reference components.
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// Match checks if this network matches a pattern (supports wildcards).
// e.g., "eip155:1" matches "eip155:*" and "eip155:*" matches "eip155:1".
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}

	nStr := string(n)
	patternStr := string(pattern)

	if strings.HasSuffix(patternStr, ":*") {
		prefix := strings.TrimSuffix(patternStr, "*")
		return strings.HasPrefix(nStr, prefix)
	}

	if strings.HasSuffix(nStr, ":*") {
		prefix := strings.TrimSuffix(nStr, "*")
		return strings.HasPrefix(patternStr, prefix)
	}

	return false
}

// Asset identifies a transferable asset on a specific network.
// An empty Contract means the chain-native asset (ETH, SOL, ...).
type Asset struct {
	Symbol   string  `json:"symbol"`
	Network  Network `json:"network"`
	Contract string  `json:"contract,omitempty"`
	Decimals int     `json:"decimals"`
}

// Native reports whether the asset is the chain-native coin.
func (a Asset) Native() bool {
	return a.Contract == ""
}

func (a Asset) String() string {
	return fmt.Sprintf("%s@%s", a.Symbol, a.Network)
}

// State is the settlement lifecycle state. Transitions are monotonic:
// forward along the happy path or sideways into a terminal state, never
// backward.
type State string

const (
	// StatePendingFirstDeposit waits for the companion account to be funded.
	StatePendingFirstDeposit State = "PENDING_FIRST_DEPOSIT"
	// StateFirstReceived means the companion holds at least the expected amount.
	StateFirstReceived State = "FIRST_RECEIVED"
	// StateSecondSent means the second-hop transfer was broadcast.
	StateSecondSent State = "SECOND_SENT"
	// StateCompleted is the successful terminal state; FinalTxHash is set.
	StateCompleted State = "COMPLETED"
	// StateFailed is the terminal state for business failures (reason recorded).
	StateFailed State = "FAILED"
	// StateExpired is the terminal state for settlements older than the expiry window.
	StateExpired State = "EXPIRED"
	// StateRefunded is the terminal state set by an operator after a provider refund.
	StateRefunded State = "REFUNDED"
)

// Terminal reports whether the state is absorbing: no further scheduler
// attention, record removed from the pending index.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateExpired, StateRefunded:
		return true
	}
	return false
}

// SettlementRecord is the single shared mutable resource of the engine.
// It is always read-modify-written as a whole, and only under the
// distributed lock for its ID. The companion's private key is never stored
// here; CompanionKeyHandle is an opaque reference into the secret store.
type SettlementRecord struct {
	ID               string `json:"id"`
	RecipientAddress string `json:"recipientAddress"`

	OriginAsset       Asset  `json:"originAsset"`
	DestinationAsset  Asset  `json:"destinationAsset"`
	DestinationAmount string `json:"destinationAmount"` // human units, decimal string
	AmountExpected    string `json:"amountExpected"`    // human units of the origin asset; minimum-funded threshold

	CompanionAddress   string `json:"companionAddress"`
	CompanionKeyHandle string `json:"companionKeyHandle"`

	FirstHopDepositAddress string     `json:"firstHopDepositAddress,omitempty"`
	FirstHopDeadline       *time.Time `json:"firstHopDeadline,omitempty"`

	SecondHopQuoteID        string     `json:"secondHopQuoteId,omitempty"`
	SecondHopDepositAddress string     `json:"secondHopDepositAddress,omitempty"`
	SecondHopDeadline       *time.Time `json:"secondHopDeadline,omitempty"`

	State          State  `json:"state"`
	AmountObserved string `json:"amountObserved,omitempty"` // base units, decimal string
	FinalTxHash    string `json:"finalTxHash,omitempty"`
	LastError      string `json:"lastError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ObservedBalance returns AmountObserved as a base-unit integer.
// Returns zero when nothing has been observed yet.
func (r *SettlementRecord) ObservedBalance() *big.Int {
	if r.AmountObserved == "" {
		return new(big.Int)
	}
	v, ok := new(big.Int).SetString(r.AmountObserved, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

// CreateParams are the inputs for CreateSettlement. ID is the stable
// settlement identifier (claim or payroll-run-entry ID); creation is
// idempotent on it.
type CreateParams struct {
	ID                string `json:"id"`
	RecipientAddress  string `json:"recipientAddress"`
	OriginAsset       Asset  `json:"originAsset"`
	DestinationAsset  Asset  `json:"destinationAsset"`
	DestinationAmount string `json:"destinationAmount"`
	AmountExpected    string `json:"amountExpected"`
	// FundingAsset is the asset the payer holds. When it differs from
	// OriginAsset a first-hop quote is requested so the payer gets a
	// deposit address; when equal the payer funds the companion directly.
	FundingAsset *Asset `json:"fundingAsset,omitempty"`
}

// Action describes what a single tick did to a settlement.
type Action string

const (
	ActionCreated          Action = "created"
	ActionWaiting          Action = "waiting"
	ActionFirstReceived    Action = "first_received"
	ActionSecondHopSent    Action = "second_hop_sent"
	ActionCompleted        Action = "completed"
	ActionAlreadyCompleted Action = "already_completed"
	ActionFailed           Action = "failed"
	ActionExpired          Action = "expired"
	ActionRetry            Action = "retry"
	ActionRefunded         Action = "refunded"
	ActionError            Action = "error"
	ActionNoop             Action = "noop"
	ActionSkipped          Action = "skipped"
	ActionPruned           Action = "pruned"
)

// StepResult is the typed outcome of one state machine evaluation.
// Expected business failures are reported here, not as errors.
type StepResult struct {
	SettlementID string `json:"settlementId"`
	Action       Action `json:"action"`
	From         State  `json:"from"`
	To           State  `json:"to"`
	TxHash       string `json:"txHash,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// RunReport aggregates the outcomes of one scheduler iteration.
type RunReport struct {
	Processed int          `json:"processed"`
	Results   []StepResult `json:"results"`
}

// SwapType selects the quote semantics of the intent provider.
type SwapType string

const (
	// SwapTypeExactInput fixes the input amount; the output is quoted.
	SwapTypeExactInput SwapType = "EXACT_INPUT"
	// SwapTypeExactOutput fixes the output amount; the required input is quoted.
	SwapTypeExactOutput SwapType = "EXACT_OUTPUT"
)

// QuoteRequest asks the intent provider for a route between two assets.
type QuoteRequest struct {
	OriginAsset      Asset     `json:"originAsset"`
	DestinationAsset Asset     `json:"destinationAsset"`
	Amount           string    `json:"amount"` // human units; output amount for EXACT_OUTPUT
	SwapType         SwapType  `json:"swapType"`
	Recipient        string    `json:"recipient"`
	RefundTo         string    `json:"refundTo"`
	Deadline         time.Time `json:"deadline"`
}

// Quote is the provider's answer: where to deposit, how much input is
// required, and until when the quote is honored.
type Quote struct {
	QuoteID        string    `json:"quoteId"`
	DepositAddress string    `json:"depositAddress"`
	MinAmountIn    string    `json:"minAmountIn"` // human units of the origin asset
	Deadline       time.Time `json:"deadline"`
}

// ExecutionStatus is the provider's view of a swap correlated by deposit
// address. Consumed by the out-of-band status poller, not by the engine's
// transition logic.
type ExecutionStatus struct {
	Status string `json:"status"`
	TxHash string `json:"txHash,omitempty"`
}

// TransferRequest moves base units of an asset out of a companion account.
// PrivateKey carries the raw signing key and must never be logged.
type TransferRequest struct {
	Asset      Asset
	From       string
	PrivateKey string
	To         string
	Amount     *big.Int
}

// GeneratedAccount is a freshly minted keypair for one settlement.
type GeneratedAccount struct {
	Address    string
	PrivateKey string
}

// AuditEvent is one append-only record of a settlement transition.
type AuditEvent struct {
	SettlementID string    `json:"settlementId"`
	From         State     `json:"from,omitempty"`
	To           State     `json:"to,omitempty"`
	Action       Action    `json:"action"`
	Reason       string    `json:"reason,omitempty"`
	TxHash       string    `json:"txHash,omitempty"`
	At           time.Time `json:"at"`
}
