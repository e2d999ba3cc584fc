// profit/scaling.go
package profit

import (
	"fmt"
	"time"

	"auto_guard_go/config"
	"auto_guard_go/dispatch"
	"auto_guard_go/gateway"
	"auto_guard_go/logs"
	"auto_guard_go/registry"
)

// Proposal is what one scaling evaluation wants done to a position. Close and
// Levels travel together through the approval gate and the dispatcher.
type Proposal struct {
	Close     *dispatch.PartialClose
	Levels    *dispatch.ModifyLevels
	Tier      int // fired tier index, -1 for the emergency lock
	Emergency bool
}

// Engine evaluates the tiered profit-scaling policy once per cycle per
// position.
type Engine struct {
	cfg *config.ScalingConfig
}

// NewEngine creates a scaling engine.
func NewEngine(cfg *config.ScalingConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Tiers returns the tier table in effect for the given account balance.
// Accounts below the micro threshold use the more aggressive micro table.
func (e *Engine) Tiers(balance float64) []config.TierConfig {
	if e.cfg.MicroBalanceThreshold > 0 && balance < e.cfg.MicroBalanceThreshold && len(e.cfg.MicroTiers) > 0 {
		return e.cfg.MicroTiers
	}
	return e.cfg.StandardTiers
}

// Evaluate inspects one position against the emergency lock first and then
// the tier table. At most one tier fires per cycle per position; the
// emergency lock suppresses tier evaluation when it fires.
func (e *Engine) Evaluate(p *registry.Position, balance float64, now time.Time) *Proposal {
	if !p.Active() {
		return nil
	}
	if !p.Owned && !e.cfg.IncludeAdopted {
		return nil
	}
	p.Scaling.LastEvaluated = now

	if prop := e.emergencyLock(p, balance); prop != nil {
		return prop
	}
	return e.tierProposal(p, balance, now)
}

// emergencyLock fires when unrealized profit exceeds the configured fraction
// of the account balance: close half the remaining size and move the stop to
// lock in part of the move. Bypasses tier ordering entirely.
func (e *Engine) emergencyLock(p *registry.Position, balance float64) *Proposal {
	if e.cfg.EmergencyLockFraction <= 0 || balance <= 0 || p.Scaling.EmergencyLocked {
		return nil
	}
	if p.UnrealizedProfit < e.cfg.EmergencyLockFraction*balance {
		return nil
	}

	qty := p.Size * 0.5
	lockStop := lockedStop(p, e.cfg.EmergencyLockKeep)
	logs.Warnf("[Scaling] Emergency profit lock on %s: unrealized %.4f >= %.2f%% of balance %.2f, closing half of remaining size.",
		p.ID, p.UnrealizedProfit, e.cfg.EmergencyLockFraction*100, balance)

	prop := &Proposal{
		Close: &dispatch.PartialClose{
			ID:                p.ID,
			Fraction:          0.5,
			ExpectedRemaining: p.Size - qty,
			Reason:            "emergency profit lock",
			Tier:              -1,
		},
		Tier:      -1,
		Emergency: true,
	}
	if lockStop > 0 {
		prop.Levels = &dispatch.ModifyLevels{
			ID:     p.ID,
			Stop:   lockStop,
			Reason: "emergency profit lock stop",
			Tier:   -1,
		}
	}
	return prop
}

// tierProposal finds the highest eligible tier not yet executed and builds
// its partial close plus the protective-level change, clamped so the
// cumulative closed fraction never exceeds 1.0.
func (e *Engine) tierProposal(p *registry.Position, balance float64, now time.Time) *Proposal {
	if e.cfg.MinProfitAmount > 0 && p.UnrealizedProfit < e.cfg.MinProfitAmount {
		return nil
	}
	if e.cfg.MaxPositionAgeHours > 0 {
		maxAge := time.Duration(e.cfg.MaxPositionAgeHours * float64(time.Hour))
		if p.Age(now) > maxAge {
			return nil
		}
	}

	fraction := p.ProfitFraction(e.cfg.RiskBasis)
	tiers := e.Tiers(balance)

	fired := -1
	for idx, tier := range tiers {
		if fraction < tier.ProfitThreshold {
			break
		}
		if !p.Scaling.TierExecuted(idx) {
			fired = idx
		}
	}
	if fired < 0 {
		return nil
	}
	tier := tiers[fired]

	closeFraction := tier.CloseFraction
	if remaining := 1.0 - p.Scaling.ClosedFraction; closeFraction > remaining {
		closeFraction = remaining
	}
	if closeFraction <= 0 {
		return nil
	}
	qty := closeFraction * p.OriginalSize
	if qty > p.Size {
		qty = p.Size
	}

	venueFraction := qty / p.Size
	prop := &Proposal{
		Close: &dispatch.PartialClose{
			ID:                p.ID,
			Fraction:          venueFraction,
			ExpectedRemaining: p.Size - qty,
			Reason:            fmt.Sprintf("profit tier %d at %.2f%%", fired, fraction*100),
			Tier:              fired,
		},
		Tier: fired,
	}

	stop := 0.0
	if tier.MoveStopToEntry {
		stop = p.EntryPrice
	} else if tier.TrailFraction > 0 {
		stop = trailingStop(p, tier.TrailFraction)
	}
	if stop > 0 {
		prop.Levels = &dispatch.ModifyLevels{
			ID:     p.ID,
			Stop:   stop,
			Reason: fmt.Sprintf("profit tier %d stop", fired),
			Tier:   fired,
		}
	}
	return prop
}

// trailingStop places the stop at a fraction of the distance between entry
// and current price, on the profitable side of entry.
func trailingStop(p *registry.Position, trail float64) float64 {
	if p.Side == gateway.Long {
		if p.MarkPrice <= p.EntryPrice {
			return 0
		}
		return p.EntryPrice + trail*(p.MarkPrice-p.EntryPrice)
	}
	if p.MarkPrice >= p.EntryPrice {
		return 0
	}
	return p.EntryPrice - trail*(p.EntryPrice-p.MarkPrice)
}

// lockedStop secures a fraction of the favorable move.
func lockedStop(p *registry.Position, keep float64) float64 {
	if keep <= 0 {
		return 0
	}
	return trailingStop(p, keep)
}
