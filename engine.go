package settler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Store key layout. Records are durable (no TTL): terminal settlements stay
// readable for audit and support even after they leave the pending index.
const (
	settlementKeyPrefix = "settlement:"
	lockKeyPrefix       = "lock:settlement:"
	pendingIndexKey     = "settlements:pending"
)

// Engine wires the state machine to the shared store, the lock manager, the
// companion manager, and the audit sink. It owns the two operations exposed
// to callers: idempotent settlement creation and the per-tick processing of
// the pending index.
type Engine struct {
	store      KeyValueStore
	locks      *LockManager
	machine    *Machine
	companions *CompanionManager
	intents    IntentClient
	secrets    SecretStore
	audit      AuditSink
	logger     *slog.Logger
	now        func() time.Time

	firstHopDeadline time.Duration
}

// NewEngine creates an engine. audit may be nil, in which case transitions
// are only logged.
func NewEngine(store KeyValueStore, locks *LockManager, machine *Machine, companions *CompanionManager, intents IntentClient, secrets SecretStore, audit AuditSink, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:            store,
		locks:            locks,
		machine:          machine,
		companions:       companions,
		intents:          intents,
		secrets:          secrets,
		audit:            audit,
		logger:           logger,
		now:              time.Now,
		firstHopDeadline: DefaultQuoteDeadline,
	}
}

// CreateSettlement creates the settlement record for params.ID, or returns
// the existing one unchanged. Idempotency matters here: re-issuing a request
// for an already-pending ID must not mint a second companion account, whose
// funds nothing would ever sweep.
func (e *Engine) CreateSettlement(ctx context.Context, params CreateParams) (*SettlementRecord, error) {
	if err := validateCreateParams(params); err != nil {
		return nil, err
	}

	if existing, err := e.Get(ctx, params.ID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	var rec *SettlementRecord
	acquired, err := e.locks.WithLock(ctx, lockKey(params.ID), func(ctx context.Context) error {
		// Re-check under the lock: another worker may have won the race.
		existing, err := e.Get(ctx, params.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			rec = existing
			return nil
		}

		created, err := e.create(ctx, params)
		if err != nil {
			return err
		}
		rec = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !acquired {
		// A concurrent creator holds the lock. If its record is visible,
		// idempotency says hand it back; otherwise the caller retries.
		if existing, err := e.Get(ctx, params.ID); err == nil && existing != nil {
			return existing, nil
		}
		return nil, NewSettlementError(ErrCodeStoreUnavailable,
			fmt.Sprintf("settlement %s is being created by another worker", params.ID), nil)
	}
	return rec, nil
}

// create mints the companion, optionally fetches the first-hop deposit
// address, and persists the new record. Runs under the settlement's lock.
func (e *Engine) create(ctx context.Context, params CreateParams) (*SettlementRecord, error) {
	now := e.now()

	address, handle, err := e.companions.Create(ctx, params.ID, params.OriginAsset.Network)
	if err != nil {
		return nil, err
	}

	rec := &SettlementRecord{
		ID:                 params.ID,
		RecipientAddress:   params.RecipientAddress,
		OriginAsset:        params.OriginAsset,
		DestinationAsset:   params.DestinationAsset,
		DestinationAmount:  params.DestinationAmount,
		AmountExpected:     params.AmountExpected,
		CompanionAddress:   address,
		CompanionKeyHandle: handle,
		State:              StatePendingFirstDeposit,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	// When the payer holds a different asset than the companion expects,
	// the first hop also routes through the provider: the payer pays into a
	// deposit address and the provider delivers the origin asset to the
	// companion.
	if params.FundingAsset != nil && *params.FundingAsset != params.OriginAsset {
		quote, err := e.intents.GetQuote(ctx, QuoteRequest{
			OriginAsset:      *params.FundingAsset,
			DestinationAsset: params.OriginAsset,
			Amount:           params.AmountExpected,
			SwapType:         SwapTypeExactOutput,
			Recipient:        address,
			Deadline:         now.Add(e.firstHopDeadline),
		})
		if err != nil {
			e.discardSecret(ctx, handle)
			return nil, err
		}
		if quote.DepositAddress == "" {
			e.discardSecret(ctx, handle)
			return nil, NewSettlementError(ErrCodeNoRoute, "no deposit address returned for first hop", nil)
		}
		rec.FirstHopDepositAddress = quote.DepositAddress
		deadline := quote.Deadline
		rec.FirstHopDeadline = &deadline
	}

	if err := e.saveRecord(ctx, rec); err != nil {
		return nil, err
	}
	if err := e.store.AddToSet(ctx, pendingIndexKey, rec.ID); err != nil {
		return nil, WrapSettlementError(ErrCodeStoreUnavailable, "pending index update failed", err)
	}

	e.emit(ctx, AuditEvent{
		SettlementID: rec.ID,
		To:           rec.State,
		Action:       ActionCreated,
		At:           now,
	})
	e.logger.Info("settlement created",
		"settlement_id", rec.ID,
		"origin_asset", rec.OriginAsset.String(),
		"destination_asset", rec.DestinationAsset.String(),
		"companion_address", rec.CompanionAddress)
	return rec, nil
}

// Get loads a settlement record by ID. Returns nil when absent.
func (e *Engine) Get(ctx context.Context, id string) (*SettlementRecord, error) {
	raw, found, err := e.store.Get(ctx, settlementKeyPrefix+id)
	if err != nil {
		return nil, WrapSettlementError(ErrCodeStoreUnavailable, "record read failed", err)
	}
	if !found {
		return nil, nil
	}
	var rec SettlementRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("corrupt settlement record %s: %w", id, err)
	}
	return &rec, nil
}

// ProcessPending runs one scheduler iteration: every settlement in the
// pending index gets one state machine tick under its own lock. Items are
// independent; a failure on one is logged and the iteration continues.
func (e *Engine) ProcessPending(ctx context.Context) (*RunReport, error) {
	ids, err := e.store.SetMembers(ctx, pendingIndexKey)
	if err != nil {
		return nil, WrapSettlementError(ErrCodeStoreUnavailable, "pending index read failed", err)
	}
	sort.Strings(ids)

	report := &RunReport{}
	for _, id := range ids {
		result := e.processOne(ctx, id)
		report.Results = append(report.Results, result)
		if result.Action != ActionSkipped {
			report.Processed++
		}
	}
	return report, nil
}

// processOne drives a single settlement through one tick. All expected
// outcomes, including "another worker has it", come back as a StepResult.
func (e *Engine) processOne(ctx context.Context, id string) StepResult {
	// Tombstone pruning happens outside the lock: removing an absent member
	// from a set is idempotent, so a duplicate removal by a racing worker is
	// harmless.
	rec, err := e.Get(ctx, id)
	if err != nil {
		e.logger.Error("settlement load failed", "settlement_id", id, "error", err)
		return StepResult{SettlementID: id, Action: ActionError, Reason: err.Error()}
	}
	if rec == nil {
		if err := e.store.RemoveFromSet(ctx, pendingIndexKey, id); err != nil {
			e.logger.Warn("pending index prune failed", "settlement_id", id, "error", err)
		}
		return StepResult{SettlementID: id, Action: ActionPruned}
	}

	var result *StepResult
	acquired, err := e.locks.WithLock(ctx, lockKey(id), func(ctx context.Context) error {
		// Reload under the lock; the pre-lock copy may be stale.
		rec, err := e.Get(ctx, id)
		if err != nil {
			return err
		}
		if rec == nil {
			result = &StepResult{SettlementID: id, Action: ActionPruned}
			return e.store.RemoveFromSet(ctx, pendingIndexKey, id)
		}

		from := rec.State
		stepped, err := e.machine.Step(ctx, rec)
		if err != nil {
			return err
		}

		if err := e.saveRecord(ctx, rec); err != nil {
			return err
		}
		if rec.State.Terminal() {
			if err := e.store.RemoveFromSet(ctx, pendingIndexKey, id); err != nil {
				return WrapSettlementError(ErrCodeStoreUnavailable, "pending index update failed", err)
			}
			e.discardSecret(ctx, rec.CompanionKeyHandle)
		}

		if stepped.From != stepped.To || stepped.TxHash != "" {
			e.emit(ctx, AuditEvent{
				SettlementID: id,
				From:         from,
				To:           rec.State,
				Action:       stepped.Action,
				Reason:       stepped.Reason,
				TxHash:       stepped.TxHash,
				At:           e.now(),
			})
		}
		result = stepped
		return nil
	})
	if err != nil {
		e.logger.Error("settlement tick failed", "settlement_id", id, "error", err)
		return StepResult{SettlementID: id, Action: ActionError, Reason: err.Error()}
	}
	if !acquired {
		return StepResult{SettlementID: id, Action: ActionSkipped, Reason: "locked by another worker"}
	}
	return *result
}

// MarkRefunded records an operator-confirmed provider refund, moving a
// non-terminal settlement into the REFUNDED terminal state.
func (e *Engine) MarkRefunded(ctx context.Context, id, reason string) (*SettlementRecord, error) {
	var rec *SettlementRecord
	acquired, err := e.locks.WithLock(ctx, lockKey(id), func(ctx context.Context) error {
		loaded, err := e.Get(ctx, id)
		if err != nil {
			return err
		}
		if loaded == nil {
			return NewSettlementError(ErrCodeStoreUnavailable, fmt.Sprintf("settlement %s not found", id), nil)
		}
		if loaded.State.Terminal() {
			return NewSettlementError(ErrCodeSettlementExpired,
				fmt.Sprintf("settlement %s already terminal in state %s", id, loaded.State), nil)
		}

		from := loaded.State
		loaded.State = StateRefunded
		loaded.LastError = reason
		loaded.UpdatedAt = e.now()
		if err := e.saveRecord(ctx, loaded); err != nil {
			return err
		}
		if err := e.store.RemoveFromSet(ctx, pendingIndexKey, id); err != nil {
			return WrapSettlementError(ErrCodeStoreUnavailable, "pending index update failed", err)
		}
		e.discardSecret(ctx, loaded.CompanionKeyHandle)

		e.emit(ctx, AuditEvent{
			SettlementID: id,
			From:         from,
			To:           StateRefunded,
			Action:       ActionRefunded,
			Reason:       reason,
			At:           e.now(),
		})
		rec = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, NewSettlementError(ErrCodeStoreUnavailable,
			fmt.Sprintf("settlement %s is locked by another worker", id), nil)
	}
	return rec, nil
}

func (e *Engine) saveRecord(ctx context.Context, rec *SettlementRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal settlement record %s: %w", rec.ID, err)
	}
	if err := e.store.Set(ctx, settlementKeyPrefix+rec.ID, string(raw), 0); err != nil {
		return WrapSettlementError(ErrCodeStoreUnavailable, "record write failed", err)
	}
	return nil
}

func (e *Engine) discardSecret(ctx context.Context, handle string) {
	if handle == "" {
		return
	}
	if err := e.secrets.Discard(ctx, handle); err != nil {
		e.logger.Warn("companion secret discard failed", "handle", handle, "error", err)
	}
}

func (e *Engine) emit(ctx context.Context, event AuditEvent) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(ctx, event); err != nil {
		e.logger.Warn("audit write failed", "settlement_id", event.SettlementID, "error", err)
	}
}

func lockKey(id string) string {
	return lockKeyPrefix + id
}

// validateCreateParams performs basic validation on settlement creation input
func validateCreateParams(p CreateParams) error {
	if p.ID == "" {
		return fmt.Errorf("settlement id is required")
	}
	if p.RecipientAddress == "" {
		return fmt.Errorf("recipient address is required")
	}
	if p.OriginAsset.Symbol == "" || p.OriginAsset.Network == "" {
		return fmt.Errorf("origin asset is required")
	}
	if p.DestinationAsset.Symbol == "" || p.DestinationAsset.Network == "" {
		return fmt.Errorf("destination asset is required")
	}
	if _, err := ToBaseUnits(p.DestinationAmount, p.DestinationAsset.Decimals); err != nil {
		return fmt.Errorf("destination amount: %w", err)
	}
	if _, err := ToBaseUnits(p.AmountExpected, p.OriginAsset.Decimals); err != nil {
		return fmt.Errorf("expected amount: %w", err)
	}
	return nil
}
