// risk/modes.go
package risk

import (
	"time"

	"auto_guard_go/config"
	"auto_guard_go/dispatch"
	"auto_guard_go/gateway"
	"auto_guard_go/logs"
	"auto_guard_go/registry"
	"auto_guard_go/utils"
)

// Mode is the drawdown-driven risk posture, ordered from loosest to
// tightest.
type Mode int

const (
	ModeUltraAggressive Mode = iota
	ModeAggressive
	ModeBalanced
	ModeConservative
	ModeRecovery
)

func (m Mode) String() string {
	switch m {
	case ModeUltraAggressive:
		return "ultra_aggressive"
	case ModeAggressive:
		return "aggressive"
	case ModeBalanced:
		return "balanced"
	case ModeConservative:
		return "conservative"
	case ModeRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// SelectMode maps the current drawdown onto a mode band. A losing streak at
// or beyond the recovery threshold forces recovery mode regardless of
// drawdown.
func SelectMode(cfg *config.RiskConfig, drawdown float64, lossStreak int) Mode {
	if cfg.RecoveryLossStreak > 0 && lossStreak >= cfg.RecoveryLossStreak {
		return ModeRecovery
	}
	switch {
	case drawdown <= cfg.UltraAggressive.MaxDrawdown:
		return ModeUltraAggressive
	case drawdown <= cfg.Aggressive.MaxDrawdown:
		return ModeAggressive
	case drawdown <= cfg.Balanced.MaxDrawdown:
		return ModeBalanced
	case drawdown <= cfg.Conservative.MaxDrawdown:
		return ModeConservative
	default:
		return ModeRecovery
	}
}

// ModeParams returns the stop and target multipliers for a mode.
func ModeParams(cfg *config.RiskConfig, m Mode) config.ModeConfig {
	switch m {
	case ModeUltraAggressive:
		return cfg.UltraAggressive
	case ModeAggressive:
		return cfg.Aggressive
	case ModeBalanced:
		return cfg.Balanced
	case ModeConservative:
		return cfg.Conservative
	default:
		return cfg.Recovery
	}
}

// Adjuster tightens protective levels as the risk mode degrades. It only
// ever proposes stops and targets more protective than the current ones.
type Adjuster struct {
	cfg *config.RiskConfig
}

// NewAdjuster creates a level adjuster.
func NewAdjuster(cfg *config.RiskConfig) *Adjuster {
	return &Adjuster{cfg: cfg}
}

// Propose computes the mode-scaled stop and target for a position and
// returns a modification only when it tightens at least one of them. The
// distance basis is the per-cycle volatility measure when the strategy layer
// supplies one; otherwise it falls back to the initial level distances, so
// repeated cycles in the same mode converge instead of ratcheting toward
// entry. Positions without levels are left for adoption or scaling to
// handle first.
func (a *Adjuster) Propose(p *registry.Position, mode Mode, volatility float64, now time.Time) *dispatch.ModifyLevels {
	if !p.Active() {
		return nil
	}
	params := ModeParams(a.cfg, mode)
	stop := a.stopCandidate(p, params, volatility)
	target := a.targetCandidate(p, params, volatility)
	if stop == 0 && target == 0 {
		return nil
	}

	logs.Infof("[Risk] Mode %s tightens levels on %s: stop %.4f -> %.4f, target %.4f -> %.4f",
		mode, p.ID, p.Stop, stop, p.Target, target)
	return &dispatch.ModifyLevels{
		ID:     p.ID,
		Stop:   stop,
		Target: target,
		Reason: "risk mode " + mode.String() + " levels tighten",
		Tier:   -1,
	}
}

// stopCandidate returns the mode-scaled stop, or 0 when the current stop is
// already at least as protective.
func (a *Adjuster) stopCandidate(p *registry.Position, params config.ModeConfig, volatility float64) float64 {
	if p.Stop <= 0 || params.StopMult <= 0 || utils.FloatEquals(params.StopMult, 1.0) {
		return 0
	}
	dist := volatility
	if dist <= 0 {
		if p.Side == gateway.Long {
			dist = p.EntryPrice - p.InitialStop
		} else {
			dist = p.InitialStop - p.EntryPrice
		}
	}
	if dist <= 0 || p.InitialStop <= 0 {
		return 0
	}
	if p.Side == gateway.Long {
		c := p.EntryPrice - dist*params.StopMult
		if c > p.Stop && c < p.MarkPrice {
			return c
		}
		return 0
	}
	c := p.EntryPrice + dist*params.StopMult
	if c < p.Stop && c > p.MarkPrice {
		return c
	}
	return 0
}

// targetCandidate returns the mode-scaled target, or 0 when the current
// target is already at least as close to entry. Conservative modes pull the
// target in so winners bank sooner.
func (a *Adjuster) targetCandidate(p *registry.Position, params config.ModeConfig, volatility float64) float64 {
	if p.Target <= 0 || params.TargetMult <= 0 || utils.FloatEquals(params.TargetMult, 1.0) {
		return 0
	}
	dist := volatility
	if dist <= 0 {
		if p.Side == gateway.Long {
			dist = p.InitialTarget - p.EntryPrice
		} else {
			dist = p.EntryPrice - p.InitialTarget
		}
	}
	if dist <= 0 {
		return 0
	}
	if p.Side == gateway.Long {
		c := p.EntryPrice + dist*params.TargetMult
		if c < p.Target && c > p.MarkPrice {
			return c
		}
		return 0
	}
	c := p.EntryPrice - dist*params.TargetMult
	if c > p.Target && c < p.MarkPrice {
		return c
	}
	return 0
}
