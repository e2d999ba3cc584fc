package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auto_guard_go/config"
	"auto_guard_go/gateway"
	"auto_guard_go/registry"
)

func riskConfig() *config.RiskConfig {
	return &config.RiskConfig{
		UltraAggressive:    config.ModeConfig{MaxDrawdown: 0.05, StopMult: 1.0},
		Aggressive:         config.ModeConfig{MaxDrawdown: 0.10, StopMult: 0.8},
		Balanced:           config.ModeConfig{MaxDrawdown: 0.20, StopMult: 0.6},
		Conservative:       config.ModeConfig{MaxDrawdown: 0.30, StopMult: 0.4},
		Recovery:           config.ModeConfig{MaxDrawdown: 1.0, StopMult: 0.25},
		RecoveryLossStreak: 4,
	}
}

func TestSelectModeBands(t *testing.T) {
	t.Parallel()

	cfg := riskConfig()

	tests := []struct {
		name     string
		drawdown float64
		want     Mode
	}{
		{"no drawdown", 0.0, ModeUltraAggressive},
		{"band edge inclusive", 0.05, ModeUltraAggressive},
		{"aggressive", 0.07, ModeAggressive},
		{"balanced", 0.15, ModeBalanced},
		{"conservative", 0.25, ModeConservative},
		{"recovery", 0.5, ModeRecovery},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, SelectMode(cfg, tt.drawdown, 0))
		})
	}
}

func TestLossStreakForcesRecovery(t *testing.T) {
	t.Parallel()

	cfg := riskConfig()
	assert.Equal(t, ModeUltraAggressive, SelectMode(cfg, 0.01, 3))
	assert.Equal(t, ModeRecovery, SelectMode(cfg, 0.01, 4))
	assert.Equal(t, ModeRecovery, SelectMode(cfg, 0.01, 9))
}

func TestAdjusterTightensLongStop(t *testing.T) {
	t.Parallel()

	a := NewAdjuster(riskConfig())
	p := &registry.Position{
		ID: "p1", Side: gateway.Long, State: registry.StateOpen,
		EntryPrice: 100, MarkPrice: 105, Stop: 90, InitialStop: 90, Size: 1,
	}

	// Balanced mode halves-and-some the stop distance: 100 - 10*0.6 = 94.
	m := a.Propose(p, ModeBalanced, 0, time.Now())
	require.NotNil(t, m)
	assert.InDelta(t, 94, m.Stop, 1e-9)
	assert.Zero(t, m.Target, "target untouched")
}

func TestAdjusterTightensShortStop(t *testing.T) {
	t.Parallel()

	a := NewAdjuster(riskConfig())
	p := &registry.Position{
		ID: "p1", Side: gateway.Short, State: registry.StateOpen,
		EntryPrice: 100, MarkPrice: 95, Stop: 110, InitialStop: 110, Size: 1,
	}

	m := a.Propose(p, ModeBalanced, 0, time.Now())
	require.NotNil(t, m)
	assert.InDelta(t, 106, m.Stop, 1e-9)
}

func TestAdjusterNeverLoosens(t *testing.T) {
	t.Parallel()

	a := NewAdjuster(riskConfig())
	p := &registry.Position{
		ID: "p1", Side: gateway.Long, State: registry.StateOpen,
		EntryPrice: 100, MarkPrice: 105, Stop: 96, InitialStop: 90, Size: 1,
	}

	// Mode stop 94 is below the current stop 96: keep the tighter one.
	assert.Nil(t, a.Propose(p, ModeBalanced, 0, time.Now()))
	// Recovery would be 97.5, which tightens.
	m := a.Propose(p, ModeRecovery, 0, time.Now())
	require.NotNil(t, m)
	assert.InDelta(t, 97.5, m.Stop, 1e-9)
}

func TestAdjusterRespectsMarkPrice(t *testing.T) {
	t.Parallel()

	a := NewAdjuster(riskConfig())
	p := &registry.Position{
		ID: "p1", Side: gateway.Long, State: registry.StateOpen,
		EntryPrice: 100, MarkPrice: 95, Stop: 90, InitialStop: 90, Size: 1,
	}

	// Recovery stop 97.5 would sit above mark 95: invalid, skip.
	assert.Nil(t, a.Propose(p, ModeRecovery, 0, time.Now()))
}

func TestAdjusterSkipsStoplessAndInactive(t *testing.T) {
	t.Parallel()

	a := NewAdjuster(riskConfig())
	p := &registry.Position{
		ID: "p1", Side: gateway.Long, State: registry.StateOpen,
		EntryPrice: 100, MarkPrice: 105, Size: 1,
	}
	assert.Nil(t, a.Propose(p, ModeRecovery, 0, time.Now()), "no levels to tighten")

	p.SetStop(90)
	p.State = registry.StateClosing
	assert.Nil(t, a.Propose(p, ModeRecovery, 0, time.Now()))
}

func TestAdjusterNoopInUltraAggressive(t *testing.T) {
	t.Parallel()

	a := NewAdjuster(riskConfig())
	p := &registry.Position{
		ID: "p1", Side: gateway.Long, State: registry.StateOpen,
		EntryPrice: 100, MarkPrice: 105, Stop: 90, InitialStop: 90, Size: 1,
	}
	assert.Nil(t, a.Propose(p, ModeUltraAggressive, 0, time.Now()))
}

func TestAdjusterUsesVolatilityBasis(t *testing.T) {
	t.Parallel()

	a := NewAdjuster(riskConfig())
	p := &registry.Position{
		ID: "p1", Side: gateway.Long, State: registry.StateOpen,
		EntryPrice: 100, MarkPrice: 105, Stop: 85, InitialStop: 85, Size: 1,
	}

	// Supplied volatility 20 replaces the initial stop distance 15:
	// 100 - 20*0.6 = 88 instead of 100 - 15*0.6 = 91.
	m := a.Propose(p, ModeBalanced, 20, time.Now())
	require.NotNil(t, m)
	assert.InDelta(t, 88, m.Stop, 1e-9)
}

func TestAdjusterTightensTarget(t *testing.T) {
	t.Parallel()

	cfg := riskConfig()
	cfg.Balanced.TargetMult = 0.8
	a := NewAdjuster(cfg)
	p := &registry.Position{
		ID: "p1", Side: gateway.Long, State: registry.StateOpen,
		EntryPrice: 100, MarkPrice: 105, Stop: 90, InitialStop: 90,
		Target: 150, InitialTarget: 150, Size: 1,
	}

	// Balanced pulls the target toward entry: 100 + 50*0.8 = 140, and the
	// stop tightens to 94 in the same modification.
	m := a.Propose(p, ModeBalanced, 0, time.Now())
	require.NotNil(t, m)
	assert.InDelta(t, 94, m.Stop, 1e-9)
	assert.InDelta(t, 140, m.Target, 1e-9)

	// A target already inside the mode level is kept.
	p.Stop = 94
	p.Target = 135
	assert.Nil(t, a.Propose(p, ModeBalanced, 0, time.Now()))
}

func TestAdjusterTargetStaysBeyondMark(t *testing.T) {
	t.Parallel()

	cfg := riskConfig()
	cfg.Recovery.TargetMult = 0.5
	a := NewAdjuster(cfg)
	p := &registry.Position{
		ID: "p1", Side: gateway.Short, State: registry.StateOpen,
		EntryPrice: 100, MarkPrice: 72, Stop: 110, InitialStop: 110,
		Target: 60, InitialTarget: 60, Size: 1,
	}

	// Recovery target 100 - 40*0.5 = 80 sits above mark 72 for a short:
	// the position already moved past it, skip. The stop still tightens.
	m := a.Propose(p, ModeRecovery, 0, time.Now())
	require.NotNil(t, m)
	assert.InDelta(t, 102.5, m.Stop, 1e-9)
	assert.Zero(t, m.Target)
}
