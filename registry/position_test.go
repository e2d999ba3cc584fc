package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auto_guard_go/gateway"
)

func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from State
		to   State
		ok   bool
	}{
		{"opening to open", StateOpening, StateOpen, true},
		{"opening to failed", StateOpening, StateFailed, true},
		{"opening to modifying", StateOpening, StateModifying, false},
		{"open to modifying", StateOpen, StateModifying, true},
		{"open to partial close", StateOpen, StatePartialClose, true},
		{"open to closing", StateOpen, StateClosing, true},
		{"open to failed", StateOpen, StateFailed, false},
		{"modifying to open", StateModifying, StateOpen, true},
		{"modifying to partial close", StateModifying, StatePartialClose, false},
		{"partial close to open", StatePartialClose, StateOpen, true},
		{"closing to open", StateClosing, StateOpen, true},
		{"closed is terminal", StateClosed, StateOpen, false},
		{"failed is terminal", StateFailed, StateOpen, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &Position{ID: "p1", State: tt.from}
			err := p.Transition(tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, p.State)
			} else {
				require.Error(t, err)
				assert.Equal(t, tt.from, p.State)
			}
		})
	}
}

func TestReconciliationCloseFromAnyLiveState(t *testing.T) {
	t.Parallel()

	for _, from := range []State{StateOpening, StateOpen, StateModifying, StatePartialClose, StateClosing} {
		p := &Position{ID: "p1", State: from}
		assert.True(t, p.CanTransition(StateClosed), "close from %s", from)
	}
	for _, from := range []State{StateClosed, StateFailed} {
		p := &Position{ID: "p1", State: from}
		assert.False(t, p.CanTransition(StateClosed), "close from terminal %s", from)
	}
}

func TestActive(t *testing.T) {
	t.Parallel()

	p := &Position{State: StateOpen}
	assert.True(t, p.Active())
	p.State = StatePartialClose
	assert.True(t, p.Active())
	p.Frozen = true
	assert.False(t, p.Active())
	p.Frozen = false
	p.State = StateModifying
	assert.False(t, p.Active())
}

func TestTierMarking(t *testing.T) {
	t.Parallel()

	var s ScalingState
	assert.False(t, s.TierExecuted(0))
	s.MarkTier(0)
	s.MarkTier(0)
	s.MarkTier(2)
	assert.True(t, s.TierExecuted(0))
	assert.False(t, s.TierExecuted(1))
	assert.True(t, s.TierExecuted(2))
	assert.Len(t, s.ExecutedTiers, 2)
}

func TestProfitFraction(t *testing.T) {
	t.Parallel()

	p := &Position{
		EntryPrice:       100,
		OriginalSize:     1,
		UnrealizedProfit: 35,
	}
	assert.InDelta(t, 0.35, p.ProfitFraction(1.0), 1e-9)
	assert.InDelta(t, 3.5, p.ProfitFraction(0.1), 1e-9)

	p.OriginalSize = 0
	assert.Zero(t, p.ProfitFraction(1.0))
}

func TestFromVenue(t *testing.T) {
	t.Parallel()

	opened := time.Now().Add(-2 * time.Hour)
	vp := gateway.VenuePosition{
		ID: "VP-9", Symbol: "BTCUSDT", Side: gateway.Short,
		Size: 0.5, EntryPrice: 50000, MarkPrice: 49000,
		UnrealizedProfit: 500, OpenedAt: opened, ClientTag: "tag",
	}
	p := FromVenue(vp, false)
	assert.Equal(t, "VP-9", p.ID)
	assert.Equal(t, StateOpen, p.State)
	assert.False(t, p.Owned)
	assert.Equal(t, 0.5, p.OriginalSize)
	assert.InDelta(t, 2*time.Hour, p.Age(time.Now()), float64(time.Minute))
}
