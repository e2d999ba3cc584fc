// risk/gate.go
package risk

import (
	"fmt"

	"auto_guard_go/config"
	"auto_guard_go/dispatch"
	"auto_guard_go/gateway"
	"auto_guard_go/logs"
	"auto_guard_go/registry"
)

// Verdict is the gate's decision on one proposed mutation.
type Verdict struct {
	Approved bool
	Reason   string
}

func approve() Verdict { return Verdict{Approved: true} }

func deny(format string, args ...interface{}) Verdict {
	return Verdict{Approved: false, Reason: fmt.Sprintf(format, args...)}
}

// Gate is the final check every mutation passes before it reaches the
// dispatcher. When the account is risk-halted only closing mutations pass.
type Gate struct {
	cfg     *config.RiskConfig
	reg     *registry.Registry
	account *AccountTracker
}

// NewGate creates a risk approval gate.
func NewGate(cfg *config.RiskConfig, reg *registry.Registry, account *AccountTracker) *Gate {
	return &Gate{cfg: cfg, reg: reg, account: account}
}

// Approve validates one mutation against the hard stop, the stop-distance
// ceiling and the exposure caps. Denials are logged with their reason.
func (g *Gate) Approve(m dispatch.Mutation) Verdict {
	if g.account.HardStopped() && !m.Closing() {
		v := deny("risk-halted")
		logs.Warnf("[Gate] Denied %s: %s", m.Description(), v.Reason)
		return v
	}

	var v Verdict
	switch mut := m.(type) {
	case *dispatch.OpenPosition:
		v = g.approveOpen(mut)
	case *dispatch.ModifyLevels:
		v = g.approveModify(mut)
	default:
		v = approve()
	}
	if !v.Approved {
		logs.Warnf("[Gate] Denied %s: %s", m.Description(), v.Reason)
	}
	return v
}

func (g *Gate) approveOpen(m *dispatch.OpenPosition) Verdict {
	if m.Size <= 0 {
		return deny("non-positive size %.4f", m.Size)
	}
	if v := g.checkStopCeiling(m.Side, m.Size, m.Stop, m.Size*refPrice(m)); !v.Approved {
		return v
	}
	if g.cfg.MaxPositionsPerSymbol > 0 && g.reg.CountBySymbol()[m.Symbol] >= g.cfg.MaxPositionsPerSymbol {
		return deny("symbol %s at position cap %d", m.Symbol, g.cfg.MaxPositionsPerSymbol)
	}
	if g.cfg.MaxTotalPositions > 0 && g.reg.Len() >= g.cfg.MaxTotalPositions {
		return deny("total position cap %d reached", g.cfg.MaxTotalPositions)
	}
	if g.cfg.MaxTotalExposure > 0 {
		price := refPrice(m)
		if price <= 0 {
			// Without a stop or target there is no price to estimate the
			// notional from, and a zero notional would slip under the cap.
			return deny("no price reference to size exposure for %s", m.Symbol)
		}
		notional := m.Size * price
		if g.reg.TotalExposure()+notional > g.cfg.MaxTotalExposure {
			return deny("exposure cap %.2f would be exceeded", g.cfg.MaxTotalExposure)
		}
	}
	return approve()
}

func (g *Gate) approveModify(m *dispatch.ModifyLevels) Verdict {
	if m.Stop <= 0 {
		return approve()
	}
	p, ok := g.reg.Get(m.ID)
	if !ok {
		return deny("unknown position %s", m.ID)
	}

	// Stop-loss risk at the proposed level must stay under the ceiling
	// fraction of entry notional.
	if g.cfg.StopCeilingFraction > 0 {
		var dist float64
		if p.Side == gateway.Long {
			dist = p.EntryPrice - m.Stop
		} else {
			dist = m.Stop - p.EntryPrice
		}
		if dist > 0 {
			riskFraction := dist * p.Size / (p.EntryPrice * p.Size)
			if riskFraction > g.cfg.StopCeilingFraction {
				return deny("stop distance %.2f%% exceeds ceiling %.2f%%",
					riskFraction*100, g.cfg.StopCeilingFraction*100)
			}
		}
	}
	return approve()
}

// checkStopCeiling validates a new position's stop against the ceiling.
func (g *Gate) checkStopCeiling(side gateway.Side, size, stop, notional float64) Verdict {
	if g.cfg.StopCeilingFraction <= 0 || stop <= 0 || notional <= 0 {
		return approve()
	}
	entry := notional / size
	var dist float64
	if side == gateway.Long {
		dist = entry - stop
	} else {
		dist = stop - entry
	}
	if dist <= 0 {
		return approve()
	}
	if dist*size/notional > g.cfg.StopCeilingFraction {
		return deny("stop distance %.2f%% exceeds ceiling %.2f%%",
			dist*size/notional*100, g.cfg.StopCeilingFraction*100)
	}
	return approve()
}

// refPrice is the price used for a new position's notional. The proposed
// stop implies intent; absent better information the open request carries no
// market price, so the target or stop anchors the estimate.
func refPrice(m *dispatch.OpenPosition) float64 {
	if m.Target > 0 && m.Stop > 0 {
		return (m.Target + m.Stop) / 2
	}
	if m.Stop > 0 {
		return m.Stop
	}
	return m.Target
}
