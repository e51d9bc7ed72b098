package settler

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEngine struct {
	engine  *Engine
	store   *MemoryStore
	secrets SecretStore
	chain   *mockChainAdapter
	intents *mockIntentClient
}

func newTestEngine(t *testing.T, chain *mockChainAdapter, intents *mockIntentClient) *testEngine {
	t.Helper()
	if chain == nil {
		chain = &mockChainAdapter{}
	}
	if intents == nil {
		intents = &mockIntentClient{}
	}
	store := NewMemoryStore()
	secrets := NewKVSecretStore(store)
	chains := NewChainRegistry(chain)
	companions := NewCompanionManager(chains, secrets)
	locks := NewLockManager(store, time.Minute, testLogger())
	machine := NewMachine(companions, chains, intents, secrets, MachineConfig{
		GasReserves: map[Network]string{"eip155:*": "0.0005"},
	}, testLogger())
	engine := NewEngine(store, locks, machine, companions, intents, secrets, nil, testLogger())
	return &testEngine{engine: engine, store: store, secrets: secrets, chain: chain, intents: intents}
}

func testCreateParams() CreateParams {
	return CreateParams{
		ID:                "claim-42",
		RecipientAddress:  "0xrecipient",
		OriginAsset:       testETH,
		DestinationAsset:  testUSD,
		DestinationAmount: "25",
		AmountExpected:    "0.02",
	}
}

func TestCreateSettlement(t *testing.T) {
	te := newTestEngine(t, nil, nil)

	rec, err := te.engine.CreateSettlement(context.Background(), testCreateParams())
	require.NoError(t, err)

	assert.Equal(t, "claim-42", rec.ID)
	assert.Equal(t, StatePendingFirstDeposit, rec.State)
	assert.NotEmpty(t, rec.CompanionAddress)
	assert.Empty(t, rec.FirstHopDepositAddress, "no first hop when funding asset is unset")

	// Companion key is stored under the handle, never on the record itself.
	key, err := te.secrets.Get(context.Background(), rec.CompanionKeyHandle)
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	ids, err := te.store.SetMembers(context.Background(), pendingIndexKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"claim-42"}, ids)
}

func TestCreateSettlementIdempotent(t *testing.T) {
	te := newTestEngine(t, nil, nil)

	first, err := te.engine.CreateSettlement(context.Background(), testCreateParams())
	require.NoError(t, err)
	second, err := te.engine.CreateSettlement(context.Background(), testCreateParams())
	require.NoError(t, err)

	assert.Equal(t, first.CompanionAddress, second.CompanionAddress)
	assert.Equal(t, int64(1), te.chain.keygenCalls.Load(), "re-creation must not mint a second companion")

	ids, err := te.store.SetMembers(context.Background(), pendingIndexKey)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestCreateSettlementWithFirstHop(t *testing.T) {
	var captured QuoteRequest
	intents := &mockIntentClient{
		getQuote: func(ctx context.Context, req QuoteRequest) (*Quote, error) {
			captured = req
			return &Quote{
				QuoteID:        "quote-first",
				DepositAddress: "0xfirsthop",
				MinAmountIn:    "20.5",
				Deadline:       time.Now().Add(30 * time.Minute),
			}, nil
		},
	}
	te := newTestEngine(t, nil, intents)

	params := testCreateParams()
	funding := Asset{Symbol: "USDC", Network: "eip155:8453", Contract: "0xusdc", Decimals: 6}
	params.FundingAsset = &funding

	rec, err := te.engine.CreateSettlement(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, "0xfirsthop", rec.FirstHopDepositAddress)
	require.NotNil(t, rec.FirstHopDeadline)
	// The first hop delivers the origin asset to the companion, exact output.
	assert.Equal(t, funding, captured.OriginAsset)
	assert.Equal(t, testETH, captured.DestinationAsset)
	assert.Equal(t, "0.02", captured.Amount)
	assert.Equal(t, SwapTypeExactOutput, captured.SwapType)
	assert.Equal(t, rec.CompanionAddress, captured.Recipient)
}

func TestCreateSettlementFirstHopQuoteFailureDiscardsSecret(t *testing.T) {
	intents := &mockIntentClient{
		getQuote: func(ctx context.Context, req QuoteRequest) (*Quote, error) {
			return nil, NewSettlementError(ErrCodeQuoteFailed, "quote rejected (422): no route", nil)
		},
	}
	te := newTestEngine(t, nil, intents)

	params := testCreateParams()
	funding := testUSD
	params.FundingAsset = &funding

	_, err := te.engine.CreateSettlement(context.Background(), params)
	require.Error(t, err)

	rec, err := te.engine.Get(context.Background(), params.ID)
	require.NoError(t, err)
	assert.Nil(t, rec, "failed creation must not leave a record behind")

	_, err = te.secrets.Get(context.Background(), "companion/"+params.ID)
	assert.Error(t, err, "companion key must be discarded on failed creation")
}

func TestCreateSettlementValidation(t *testing.T) {
	te := newTestEngine(t, nil, nil)

	bad := testCreateParams()
	bad.ID = ""
	_, err := te.engine.CreateSettlement(context.Background(), bad)
	assert.Error(t, err)

	bad = testCreateParams()
	bad.DestinationAmount = "not-a-number"
	_, err = te.engine.CreateSettlement(context.Background(), bad)
	assert.Error(t, err)

	assert.Equal(t, int64(0), te.chain.keygenCalls.Load(), "invalid params must not mint companions")
}

func TestProcessPendingPrunesMissingRecords(t *testing.T) {
	te := newTestEngine(t, nil, nil)
	require.NoError(t, te.store.AddToSet(context.Background(), pendingIndexKey, "ghost-1"))

	report, err := te.engine.ProcessPending(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	assert.Equal(t, ActionPruned, report.Results[0].Action)

	ids, err := te.store.SetMembers(context.Background(), pendingIndexKey)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestProcessPendingTerminalCleanup(t *testing.T) {
	// Quote without a deposit address drives the settlement to FAILED.
	intents := &mockIntentClient{
		getQuote: func(ctx context.Context, req QuoteRequest) (*Quote, error) {
			return &Quote{QuoteID: "q", MinAmountIn: "0.01", Deadline: time.Now().Add(time.Hour)}, nil
		},
	}
	chain := &mockChainAdapter{
		getBalance: func(ctx context.Context, asset Asset, address string) (*big.Int, error) {
			return eth("0.021"), nil
		},
	}
	te := newTestEngine(t, chain, intents)

	rec, err := te.engine.CreateSettlement(context.Background(), testCreateParams())
	require.NoError(t, err)

	// Tick 1: deposit observed. Tick 2: quote fails terminally.
	_, err = te.engine.ProcessPending(context.Background())
	require.NoError(t, err)
	report, err := te.engine.ProcessPending(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, ActionFailed, report.Results[0].Action)

	// Terminal: out of the index, secret discarded, record still readable.
	ids, err := te.store.SetMembers(context.Background(), pendingIndexKey)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = te.secrets.Get(context.Background(), rec.CompanionKeyHandle)
	assert.Error(t, err)

	loaded, err := te.engine.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, StateFailed, loaded.State)
	assert.Contains(t, loaded.LastError, "no deposit address")
}

func TestProcessPendingFullLifecycle(t *testing.T) {
	balance := new(big.Int)
	chain := &mockChainAdapter{
		getBalance: func(ctx context.Context, asset Asset, address string) (*big.Int, error) {
			return new(big.Int).Set(balance), nil
		},
	}
	te := newTestEngine(t, chain, nil)

	rec, err := te.engine.CreateSettlement(context.Background(), testCreateParams())
	require.NoError(t, err)

	tick := func() Action {
		report, err := te.engine.ProcessPending(context.Background())
		require.NoError(t, err)
		require.Len(t, report.Results, 1)
		return report.Results[0].Action
	}

	assert.Equal(t, ActionWaiting, tick())
	balance.Set(eth("0.021"))
	assert.Equal(t, ActionFirstReceived, tick())
	assert.Equal(t, ActionSecondHopSent, tick())
	assert.Equal(t, ActionCompleted, tick())

	loaded, err := te.engine.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, loaded.State)
	assert.Equal(t, "0xtxhash", loaded.FinalTxHash)

	ids, err := te.store.SetMembers(context.Background(), pendingIndexKey)
	require.NoError(t, err)
	assert.Empty(t, ids, "completed settlements leave the pending index")
}

func TestProcessPendingSkipsLockedSettlement(t *testing.T) {
	te := newTestEngine(t, nil, nil)

	rec, err := te.engine.CreateSettlement(context.Background(), testCreateParams())
	require.NoError(t, err)

	// Simulate another worker holding this settlement's lock.
	held, err := te.store.SetIfAbsent(context.Background(), lockKey(rec.ID), "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	report, err := te.engine.ProcessPending(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, ActionSkipped, report.Results[0].Action)
	assert.Equal(t, 0, report.Processed)
}

func TestMarkRefunded(t *testing.T) {
	te := newTestEngine(t, nil, nil)

	rec, err := te.engine.CreateSettlement(context.Background(), testCreateParams())
	require.NoError(t, err)

	refunded, err := te.engine.MarkRefunded(context.Background(), rec.ID, "provider refunded first hop")
	require.NoError(t, err)
	assert.Equal(t, StateRefunded, refunded.State)
	assert.Equal(t, "provider refunded first hop", refunded.LastError)

	ids, err := te.store.SetMembers(context.Background(), pendingIndexKey)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Terminal states cannot be refunded again.
	_, err = te.engine.MarkRefunded(context.Background(), rec.ID, "twice")
	assert.Error(t, err)
}

func TestGetMissingSettlement(t *testing.T) {
	te := newTestEngine(t, nil, nil)
	rec, err := te.engine.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
