package settler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"
)

// DefaultExpireAfter is the settlement expiry window: a record this old that
// has not reached a terminal state is expired regardless of funding status.
const DefaultExpireAfter = 24 * time.Hour

// DefaultQuoteDeadline is the validity window requested from the intent
// provider for second-hop quotes.
const DefaultQuoteDeadline = 30 * time.Minute

// MachineConfig tunes the state machine.
type MachineConfig struct {
	// ExpireAfter is the maximum age of a non-terminal settlement.
	// Zero selects DefaultExpireAfter.
	ExpireAfter time.Duration

	// GasReserves maps a CAIP family pattern ("eip155:*") to a human-unit
	// amount of the native asset held back from the second hop so the
	// companion can still pay for its own transfer.
	GasReserves map[Network]string

	// QuoteDeadline is how long a requested quote should stay valid.
	// Zero selects DefaultQuoteDeadline.
	QuoteDeadline time.Duration
}

// Machine is the settlement state machine: given a record and fresh
// balance/quote observations it decides the next irreversible action or
// terminal outcome. It is evaluated once per scheduler tick, always under the
// settlement's distributed lock, and mutates the record in place; the caller
// persists the result.
//
// Expected business failures (no route, insufficient funds, rejected quote)
// are returned as StepResults, not errors. Only unexpected failures — store
// or secret access breaking mid-step — return an error.
type Machine struct {
	companions *CompanionManager
	chains     *ChainRegistry
	intents    IntentClient
	secrets    SecretStore
	cfg        MachineConfig
	now        func() time.Time
	logger     *slog.Logger
}

// NewMachine creates a state machine.
func NewMachine(companions *CompanionManager, chains *ChainRegistry, intents IntentClient, secrets SecretStore, cfg MachineConfig, logger *slog.Logger) *Machine {
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = DefaultExpireAfter
	}
	if cfg.QuoteDeadline <= 0 {
		cfg.QuoteDeadline = DefaultQuoteDeadline
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		companions: companions,
		chains:     chains,
		intents:    intents,
		secrets:    secrets,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger,
	}
}

// Step evaluates one tick for the record. At most one transition happens per
// call; a freshly funded settlement broadcasts its second hop on the
// following tick, which keeps every lock hold short.
func (m *Machine) Step(ctx context.Context, rec *SettlementRecord) (*StepResult, error) {
	now := m.now()

	// Re-entry on a resolved settlement short-circuits: same hash, no new
	// on-chain action. This is what makes re-processing idempotent.
	if rec.State == StateCompleted {
		return &StepResult{
			SettlementID: rec.ID,
			Action:       ActionAlreadyCompleted,
			From:         StateCompleted,
			To:           StateCompleted,
			TxHash:       rec.FinalTxHash,
		}, nil
	}
	if rec.State.Terminal() {
		return &StepResult{
			SettlementID: rec.ID,
			Action:       ActionNoop,
			From:         rec.State,
			To:           rec.State,
			Reason:       rec.LastError,
		}, nil
	}

	// Expiry outranks every non-terminal state.
	if now.Sub(rec.CreatedAt) > m.cfg.ExpireAfter {
		from := rec.State
		rec.State = StateExpired
		rec.LastError = "expired"
		rec.UpdatedAt = now
		return &StepResult{
			SettlementID: rec.ID,
			Action:       ActionExpired,
			From:         from,
			To:           StateExpired,
			Reason:       "expired",
		}, nil
	}

	switch rec.State {
	case StatePendingFirstDeposit:
		return m.stepPendingFirstDeposit(ctx, rec, now)
	case StateFirstReceived:
		return m.stepFirstReceived(ctx, rec, now)
	case StateSecondSent:
		rec.State = StateCompleted
		rec.UpdatedAt = now
		return &StepResult{
			SettlementID: rec.ID,
			Action:       ActionCompleted,
			From:         StateSecondSent,
			To:           StateCompleted,
			TxHash:       rec.FinalTxHash,
		}, nil
	default:
		return nil, fmt.Errorf("settlement %s in unknown state %q", rec.ID, rec.State)
	}
}

// stepPendingFirstDeposit watches the companion balance until the expected
// origin amount has arrived.
func (m *Machine) stepPendingFirstDeposit(ctx context.Context, rec *SettlementRecord, now time.Time) (*StepResult, error) {
	balance, err := m.companions.Balance(ctx, rec.OriginAsset, rec.CompanionAddress)
	if err != nil {
		return m.retry(rec, now, err)
	}

	minFunded, err := ToBaseUnits(rec.AmountExpected, rec.OriginAsset.Decimals)
	if err != nil {
		return m.fail(rec, now, err)
	}

	if balance.Cmp(minFunded) < 0 {
		return &StepResult{
			SettlementID: rec.ID,
			Action:       ActionWaiting,
			From:         StatePendingFirstDeposit,
			To:           StatePendingFirstDeposit,
		}, nil
	}

	rec.AmountObserved = balance.String()
	rec.State = StateFirstReceived
	rec.LastError = ""
	rec.UpdatedAt = now
	return &StepResult{
		SettlementID: rec.ID,
		Action:       ActionFirstReceived,
		From:         StatePendingFirstDeposit,
		To:           StateFirstReceived,
	}, nil
}

// stepFirstReceived quotes the second hop and broadcasts the transfer into
// the provider's deposit address. The transition to SECOND_SENT happens only
// after a successful broadcast; a failed broadcast leaves the record here so
// the next tick retries against a fresh quote.
func (m *Machine) stepFirstReceived(ctx context.Context, rec *SettlementRecord, now time.Time) (*StepResult, error) {
	available := new(big.Int).Sub(rec.ObservedBalance(), m.gasReserve(rec.OriginAsset))
	if available.Sign() <= 0 {
		return m.fail(rec, now, NewSettlementError(ErrCodeInsufficientFunds,
			fmt.Sprintf("insufficient %s for second hop: balance %s does not cover the gas reserve",
				rec.OriginAsset.Symbol, FromBaseUnits(rec.ObservedBalance(), rec.OriginAsset.Decimals)), nil))
	}

	quote, err := m.intents.GetQuote(ctx, QuoteRequest{
		OriginAsset:      rec.OriginAsset,
		DestinationAsset: rec.DestinationAsset,
		Amount:           rec.DestinationAmount,
		SwapType:         SwapTypeExactOutput,
		Recipient:        rec.RecipientAddress,
		RefundTo:         rec.CompanionAddress,
		Deadline:         now.Add(m.cfg.QuoteDeadline),
	})
	if err != nil {
		if IsTransient(err) {
			return m.retry(rec, now, err)
		}
		return m.fail(rec, now, err)
	}
	if quote.DepositAddress == "" {
		return m.fail(rec, now, NewSettlementError(ErrCodeNoRoute, "no deposit address returned for second hop", nil))
	}

	required, err := ToBaseUnits(quote.MinAmountIn, rec.OriginAsset.Decimals)
	if err != nil {
		return m.fail(rec, now, err)
	}
	if required.Cmp(available) > 0 {
		return m.fail(rec, now, NewSettlementError(ErrCodeInsufficientFunds,
			fmt.Sprintf("insufficient %s for second hop: required %s, available %s",
				rec.OriginAsset.Symbol,
				FromBaseUnits(required, rec.OriginAsset.Decimals),
				FromBaseUnits(available, rec.OriginAsset.Decimals)), nil))
	}

	rec.SecondHopQuoteID = quote.QuoteID
	rec.SecondHopDepositAddress = quote.DepositAddress
	deadline := quote.Deadline
	rec.SecondHopDeadline = &deadline

	key, err := m.secrets.Get(ctx, rec.CompanionKeyHandle)
	if err != nil {
		// The signing key must exist for a live settlement; treat loss of
		// access as unexpected and let the loop boundary log it.
		return nil, err
	}

	adapter, err := m.chains.Adapter(rec.OriginAsset.Network)
	if err != nil {
		return m.fail(rec, now, err)
	}

	txHash, err := adapter.SendTransfer(ctx, TransferRequest{
		Asset:      rec.OriginAsset,
		From:       rec.CompanionAddress,
		PrivateKey: key,
		To:         quote.DepositAddress,
		Amount:     required,
	})
	if err != nil {
		return m.retry(rec, now, WrapSettlementError(ErrCodeTransferFailed, "second hop broadcast failed", err))
	}

	rec.FinalTxHash = txHash
	rec.State = StateSecondSent
	rec.LastError = ""
	rec.UpdatedAt = now
	return &StepResult{
		SettlementID: rec.ID,
		Action:       ActionSecondHopSent,
		From:         StateFirstReceived,
		To:           StateSecondSent,
		TxHash:       txHash,
	}, nil
}

// retry records the error and leaves the state unchanged; the next tick runs
// the same step against fresh observations. This is the engine's only retry
// mechanism — no counter, no backoff, capped solely by the expiry window.
func (m *Machine) retry(rec *SettlementRecord, now time.Time, err error) (*StepResult, error) {
	rec.LastError = err.Error()
	rec.UpdatedAt = now
	m.logger.Warn("settlement step will retry", "settlement_id", rec.ID, "state", rec.State, "error", err)
	return &StepResult{
		SettlementID: rec.ID,
		Action:       ActionRetry,
		From:         rec.State,
		To:           rec.State,
		Reason:       err.Error(),
	}, nil
}

// fail moves the record to the FAILED terminal state with the reason
// persisted for audit and support. The durable record survives; only the
// pending-index membership goes away.
func (m *Machine) fail(rec *SettlementRecord, now time.Time, err error) (*StepResult, error) {
	from := rec.State
	reason := err.Error()
	var se *SettlementError
	if errors.As(err, &se) {
		reason = se.Message
	}
	rec.State = StateFailed
	rec.LastError = reason
	rec.UpdatedAt = now
	return &StepResult{
		SettlementID: rec.ID,
		Action:       ActionFailed,
		From:         from,
		To:           StateFailed,
		Reason:       reason,
	}, nil
}

// gasReserve returns the base-unit reserve for the asset's network. Reserves
// only apply to the chain-native asset; token transfers pay gas from the
// native balance, not the token balance.
func (m *Machine) gasReserve(asset Asset) *big.Int {
	if !asset.Native() {
		return new(big.Int)
	}
	for pattern, human := range m.cfg.GasReserves {
		if asset.Network.Match(pattern) {
			reserve, err := ToBaseUnits(human, asset.Decimals)
			if err != nil {
				m.logger.Warn("invalid gas reserve", "pattern", pattern, "value", human)
				return new(big.Int)
			}
			return reserve
		}
	}
	return new(big.Int)
}
