package settler

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConcurrentWorkersBroadcastOnce models two worker processes sharing one
// store: both sweep the same funded settlement at the same moment, and the
// distributed lock must keep the second hop to a single broadcast.
func TestConcurrentWorkersBroadcastOnce(t *testing.T) {
	store := NewMemoryStore()
	secrets := NewKVSecretStore(store)

	newWorker := func() (*Engine, *mockChainAdapter) {
		chain := &mockChainAdapter{
			getBalance: func(ctx context.Context, asset Asset, address string) (*big.Int, error) {
				return eth("0.021"), nil
			},
			send: func(ctx context.Context, req TransferRequest) (string, error) {
				// Long enough that the sweeps genuinely overlap.
				time.Sleep(20 * time.Millisecond)
				return "0xonce", nil
			},
		}
		chains := NewChainRegistry(chain)
		companions := NewCompanionManager(chains, secrets)
		locks := NewLockManager(store, time.Minute, testLogger())
		machine := NewMachine(companions, chains, &mockIntentClient{}, secrets, MachineConfig{
			GasReserves: map[Network]string{"eip155:*": "0.0005"},
		}, testLogger())
		engine := NewEngine(store, locks, machine, companions, &mockIntentClient{}, secrets, nil, testLogger())
		return engine, chain
	}

	workerA, chainA := newWorker()
	workerB, chainB := newWorker()

	rec, err := workerA.CreateSettlement(context.Background(), testCreateParams())
	require.NoError(t, err)

	// Advance to FIRST_RECEIVED so the next tick is the broadcast tick.
	_, err = workerA.ProcessPending(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, w := range []*Engine{workerA, workerB} {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			_, err := e.ProcessPending(context.Background())
			assert.NoError(t, err)
		}(w)
	}
	wg.Wait()

	total := chainA.sendCalls.Load() + chainB.sendCalls.Load()
	assert.Equal(t, int64(1), total, "overlapping sweeps must broadcast at most once")

	loaded, err := workerA.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	// The loser either skipped (SECOND_SENT) or ran a later tick (COMPLETED);
	// either way there is exactly one broadcast and one recorded hash.
	assert.Contains(t, []State{StateSecondSent, StateCompleted}, loaded.State)
	assert.Equal(t, "0xonce", loaded.FinalTxHash)
}

func TestTriggerSkipsWhenSweepInFlight(t *testing.T) {
	te := newTestEngine(t, nil, nil)
	scheduler := NewScheduler(te.engine, time.Minute, testLogger())

	_, err := te.engine.CreateSettlement(context.Background(), testCreateParams())
	require.NoError(t, err)

	// Mark a sweep as in flight; the overlapping trigger reports nothing.
	require.True(t, scheduler.running.CompareAndSwap(false, true))
	report, err := scheduler.Trigger(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Results)
	scheduler.running.Store(false)

	report, err = scheduler.Trigger(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Results, 1)
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	te := newTestEngine(t, nil, nil)
	scheduler := NewScheduler(te.engine, 5*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
