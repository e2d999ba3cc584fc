package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auto_guard_go/config"
	"auto_guard_go/gateway"
)

func retryConfig() *config.RetryConfig {
	return &config.RetryConfig{
		MaxAttempts:         3,
		InitialBackoffMs:    1,
		MaxBackoffMs:        5,
		CallTimeoutSeconds:  1,
		ResultQueueSize:     16,
		UnreachableSuspends: 3,
	}
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *gateway.MockGateway) {
	t.Helper()
	gw := gateway.NewMockGateway()
	d := New(gw, retryConfig())
	d.Start()
	t.Cleanup(d.Stop)
	return d, gw
}

func waitResult(t *testing.T, d *Dispatcher) Result {
	t.Helper()
	select {
	case res := <-d.Results():
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for dispatch result")
		return Result{}
	}
}

func TestOpenApplied(t *testing.T) {
	t.Parallel()

	d, gw := newTestDispatcher(t)
	m := &OpenPosition{Symbol: "BTCUSDT", Side: gateway.Long, Size: 1, ClientTag: "tag-1"}
	token := d.Enqueue(m)
	require.NotEmpty(t, token)

	res := waitResult(t, d)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, token, res.Token)
	assert.Equal(t, 1, res.Attempts)
	require.NotNil(t, res.Verified)
	assert.Equal(t, "tag-1", res.Verified.ClientTag)
	require.NotNil(t, res.Fill)
	assert.Equal(t, res.Verified.ID, res.Fill.PositionID)
	assert.Equal(t, 1, gw.CallCount(gateway.OpOpen))
}

func TestRejectionIsTerminalWithoutRetry(t *testing.T) {
	t.Parallel()

	d, gw := newTestDispatcher(t)
	id := gw.Seed(gateway.VenuePosition{Symbol: "BTCUSDT", Side: gateway.Long, Size: 1, EntryPrice: 100})
	gw.ScriptError(gateway.OpModify, gateway.NewRejected("level refused"))

	token := d.Enqueue(&ModifyLevels{ID: id, Stop: 95})
	res := waitResult(t, d)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, ClassRejected, res.Class)
	assert.Equal(t, token, res.Token)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, gw.CallCount(gateway.OpModify))
	// No verification read is spent on a known-absent effect.
	assert.Equal(t, 0, gw.CallCount(gateway.OpSnapshot))
}

func TestTimeoutRetriesUntilBudgetExhausted(t *testing.T) {
	t.Parallel()

	d, gw := newTestDispatcher(t)
	id := gw.Seed(gateway.VenuePosition{Symbol: "BTCUSDT", Side: gateway.Long, Size: 1, EntryPrice: 100})
	for i := 0; i < 3; i++ {
		gw.ScriptError(gateway.OpModify, gateway.NewTimeout("no response"))
	}

	token := d.Enqueue(&ModifyLevels{ID: id, Stop: 95})
	res := waitResult(t, d)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, ClassTransient, res.Class)
	assert.Equal(t, token, res.Token, "token is stable across every retry")
	assert.Equal(t, 3, res.Attempts)
	assert.Contains(t, res.Err, "retry budget exhausted")
	assert.Equal(t, 3, gw.CallCount(gateway.OpModify))

	vp, ok := gw.PositionByID(id)
	require.True(t, ok)
	assert.Zero(t, vp.Stop, "venue level never changed")
}

func TestTimeoutWithSilentEffectResolvesByVerification(t *testing.T) {
	t.Parallel()

	d, gw := newTestDispatcher(t)
	id := gw.Seed(gateway.VenuePosition{Symbol: "BTCUSDT", Side: gateway.Long, Size: 1, EntryPrice: 100})
	gw.SetApplyOnTimeout(true)
	gw.ScriptError(gateway.OpModify, gateway.NewTimeout("no response"))

	d.Enqueue(&ModifyLevels{ID: id, Stop: 95})
	res := waitResult(t, d)

	// The call "failed" but the read-back shows the effect landed.
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, gw.CallCount(gateway.OpModify))
	require.NotNil(t, res.Verified)
	assert.InDelta(t, 95, res.Verified.Stop, 1e-9)
}

func TestSnapshotFailureDuringVerifyIsTransient(t *testing.T) {
	t.Parallel()

	d, gw := newTestDispatcher(t)
	id := gw.Seed(gateway.VenuePosition{Symbol: "BTCUSDT", Side: gateway.Long, Size: 1, EntryPrice: 100})
	gw.ScriptError(gateway.OpSnapshot, gateway.NewUnreachable("connection refused"))

	d.Enqueue(&ModifyLevels{ID: id, Stop: 95})
	res := waitResult(t, d)

	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, 2, res.Attempts, "unverifiable attempt is retried")
}

func TestVerifyMismatchRetriedOnceThenTerminal(t *testing.T) {
	t.Parallel()

	d, gw := newTestDispatcher(t)
	id := gw.Seed(gateway.VenuePosition{Symbol: "BTCUSDT", Side: gateway.Long, Size: 1, EntryPrice: 100})

	// The proposer's expectation is wrong: the venue will report success and
	// leave 0.5, not 0.9.
	d.Enqueue(&PartialClose{ID: id, Fraction: 0.5, ExpectedRemaining: 0.9})
	res := waitResult(t, d)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, ClassVerifyMismatch, res.Class)
	assert.Equal(t, 2, res.Attempts)

	// The replayed token had no second effect on the venue.
	vp, ok := gw.PositionByID(id)
	require.True(t, ok)
	assert.InDelta(t, 0.5, vp.Size, 1e-9)
}

func TestFullCloseRemovesPosition(t *testing.T) {
	t.Parallel()

	d, gw := newTestDispatcher(t)
	id := gw.Seed(gateway.VenuePosition{Symbol: "BTCUSDT", Side: gateway.Long, Size: 1, EntryPrice: 100})

	d.Enqueue(&FullClose{ID: id})
	res := waitResult(t, d)

	assert.Equal(t, OutcomeApplied, res.Outcome)
	_, ok := gw.PositionByID(id)
	assert.False(t, ok)
}

func TestModifyOnVanishedPositionIsCancelled(t *testing.T) {
	t.Parallel()

	d, gw := newTestDispatcher(t)
	gw.SetApplyOnTimeout(false)
	gw.ScriptError(gateway.OpModify, gateway.NewTimeout("no response"))

	// The position never existed; after the timeout the verification read
	// reports it gone.
	d.Enqueue(&ModifyLevels{ID: "ghost", Stop: 95})
	res := waitResult(t, d)

	assert.Equal(t, OutcomeCancelled, res.Outcome)
}

func TestPerKeyOrdering(t *testing.T) {
	t.Parallel()

	d, gw := newTestDispatcher(t)
	id := gw.Seed(gateway.VenuePosition{Symbol: "BTCUSDT", Side: gateway.Long, Size: 1, EntryPrice: 100})

	d.Enqueue(&ModifyLevels{ID: id, Stop: 90})
	d.Enqueue(&ModifyLevels{ID: id, Stop: 95})

	first := waitResult(t, d)
	second := waitResult(t, d)
	assert.Equal(t, OutcomeApplied, first.Outcome)
	assert.Equal(t, OutcomeApplied, second.Outcome)

	vp, ok := gw.PositionByID(id)
	require.True(t, ok)
	assert.InDelta(t, 95, vp.Stop, 1e-9, "later proposal applies last")
}

func TestCancelDropsQueuedMutations(t *testing.T) {
	t.Parallel()

	d, gw := newTestDispatcher(t)
	id := gw.Seed(gateway.VenuePosition{Symbol: "BTCUSDT", Side: gateway.Long, Size: 1, EntryPrice: 100})

	d.Suspend(true)
	d.Enqueue(&ModifyLevels{ID: id, Stop: 95})
	require.True(t, d.Pending(id))

	d.Cancel(id)
	res := waitResult(t, d)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.False(t, d.Pending(id))
	assert.Equal(t, 0, gw.CallCount(gateway.OpModify))
}

func TestSuspendBlocksDispatch(t *testing.T) {
	t.Parallel()

	d, gw := newTestDispatcher(t)
	id := gw.Seed(gateway.VenuePosition{Symbol: "BTCUSDT", Side: gateway.Long, Size: 1, EntryPrice: 100})

	d.Suspend(true)
	d.Enqueue(&ModifyLevels{ID: id, Stop: 95})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, gw.CallCount(gateway.OpModify))

	d.Suspend(false)
	res := waitResult(t, d)
	assert.Equal(t, OutcomeApplied, res.Outcome)
}

func TestResolvedMutationStaysInFlightUntilDrained(t *testing.T) {
	t.Parallel()

	d, gw := newTestDispatcher(t)
	id := gw.Seed(gateway.VenuePosition{Symbol: "BTCUSDT", Side: gateway.Long, Size: 1, EntryPrice: 100})

	d.Enqueue(&ModifyLevels{ID: id, Stop: 95})

	// Wait for the result to sit in the queue without consuming it.
	deadline := time.Now().Add(3 * time.Second)
	for len(d.Results()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for dispatch result")
		}
		time.Sleep(2 * time.Millisecond)
	}

	// A resolved-but-undrained mutation must still claim its key; otherwise
	// reconciliation would read its effect as an external change.
	require.Contains(t, d.InFlight(), id)

	results := d.Drain()
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeApplied, results[0].Outcome)
	assert.NotContains(t, d.InFlight(), id)
}

func TestCancelNeverBlocksOnFullResultQueue(t *testing.T) {
	t.Parallel()

	gw := gateway.NewMockGateway()
	cfg := retryConfig()
	cfg.ResultQueueSize = 1
	d := New(gw, cfg)
	d.Start()
	t.Cleanup(d.Stop)
	id := gw.Seed(gateway.VenuePosition{Symbol: "BTCUSDT", Side: gateway.Long, Size: 1, EntryPrice: 100})

	d.Suspend(true)
	d.Enqueue(&ModifyLevels{ID: id, Stop: 95})
	d.Enqueue(&ModifyLevels{ID: id, Stop: 96})

	// Two cancellation notices into a one-slot queue: the second is dropped
	// rather than blocking the caller, which is the results consumer itself.
	done := make(chan struct{})
	go func() {
		d.Cancel(id)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Cancel blocked on a full results queue")
	}

	res := waitResult(t, d)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.False(t, d.Pending(id))
}

func TestInFlightReportsQueuedMutations(t *testing.T) {
	t.Parallel()

	d, gw := newTestDispatcher(t)
	id := gw.Seed(gateway.VenuePosition{Symbol: "BTCUSDT", Side: gateway.Long, Size: 1, EntryPrice: 100})

	d.Suspend(true)
	d.Enqueue(&ModifyLevels{ID: id, Stop: 95})

	inflight := d.InFlight()
	require.Contains(t, inflight, id)
	m, ok := inflight[id].(*ModifyLevels)
	require.True(t, ok)
	assert.InDelta(t, 95, m.Stop, 1e-9)
}
