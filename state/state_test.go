package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auto_guard_go/gateway"
	"auto_guard_go/registry"
	"auto_guard_go/risk"
)

func TestNewManagerCreatesEmptyStateFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "state.json")
	m, err := NewManager(path)
	require.NoError(t, err)

	assert.Empty(t, m.Positions())
	_, err = os.Stat(path)
	assert.NoError(t, err, "initial empty state file written")
}

func TestSaveAndReloadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	m, err := NewManager(path)
	require.NoError(t, err)

	positions := []registry.Position{
		{
			ID: "VP-7", ClientTag: "tag-7", Symbol: "BTCUSDT", Side: gateway.Long,
			Size: 0.75, OriginalSize: 1, EntryPrice: 100, Stop: 100, InitialStop: 95,
			Owned: true, State: registry.StateOpen,
			Scaling: registry.ScalingState{ExecutedTiers: []int{0}, ClosedFraction: 0.25},
		},
	}
	account := risk.AccountSnapshot{
		PeakEquity:  12000,
		DayStart:    11500,
		Day:         time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC),
		HardStopped: true,
	}
	require.NoError(t, m.Save(positions, account, 321.5, 2))

	// A fresh manager on the same path sees the persisted snapshot.
	reloaded, err := NewManager(path)
	require.NoError(t, err)

	got := reloaded.Positions()
	require.Len(t, got, 1)
	assert.Equal(t, "VP-7", got[0].ID)
	assert.Equal(t, "tag-7", got[0].ClientTag)
	assert.Equal(t, registry.StateOpen, got[0].State)
	assert.InDelta(t, 95.0, got[0].InitialStop, 1e-9)
	assert.True(t, got[0].Scaling.TierExecuted(0))
	assert.InDelta(t, 0.25, got[0].Scaling.ClosedFraction, 1e-9)

	acct := reloaded.Account()
	assert.InDelta(t, 12000.0, acct.PeakEquity, 1e-9)
	assert.True(t, acct.HardStopped)
	assert.True(t, account.Day.Equal(acct.Day))

	realized, streak := reloaded.Accounting()
	assert.InDelta(t, 321.5, realized, 1e-9)
	assert.Equal(t, 2, streak)
}

func TestPositionsReturnsACopy(t *testing.T) {
	t.Parallel()

	m, err := NewManager(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	require.NoError(t, m.Save([]registry.Position{{ID: "VP-1", Size: 1}}, risk.AccountSnapshot{}, 0, 0))

	got := m.Positions()
	got[0].Size = 99
	assert.InDelta(t, 1.0, m.Positions()[0].Size, 1e-9)
}

func TestCorruptStateFileFailsLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := NewManager(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load initial state")
}

func TestSaveIsAtomic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	m, err := NewManager(path)
	require.NoError(t, err)
	require.NoError(t, m.Save(nil, risk.AccountSnapshot{}, 1.5, 0))

	// The temp file must not linger after a successful save.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
