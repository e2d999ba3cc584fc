// registry/position.go
package registry

import (
	"fmt"
	"time"

	"auto_guard_go/gateway"
)

// State is the lifecycle state of a tracked position.
type State string

const (
	StateOpening      State = "OPENING"
	StateOpen         State = "OPEN"
	StateModifying    State = "MODIFYING"
	StatePartialClose State = "PARTIAL_CLOSE"
	StateClosing      State = "CLOSING"
	StateClosed       State = "CLOSED"
	StateFailed       State = "FAILED"
)

// Terminal reports whether the state admits no further transition.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Stable reports whether the state has no mutation in flight.
func (s State) Stable() bool {
	return s == StateOpen || s.Terminal()
}

// transitions is the closed transition table. Reconciliation-inferred close
// (venue no longer shows the position) may enter Closed from any live state,
// handled separately in Transition.
var transitions = map[State][]State{
	StateOpening:      {StateOpen, StateFailed},
	StateOpen:         {StateModifying, StatePartialClose, StateClosing},
	StateModifying:    {StateOpen, StateFailed},
	StatePartialClose: {StateOpen, StateClosing, StateClosed},
	StateClosing:      {StateClosed, StateOpen},
	StateClosed:       {},
	StateFailed:       {},
}

// ScalingState records which profit tiers have already fired for this
// position's life and how much of the original size has been closed.
type ScalingState struct {
	ExecutedTiers   []int     `json:"executed_tiers"`
	ClosedFraction  float64   `json:"closed_fraction"`
	LastEvaluated   time.Time `json:"last_evaluated"`
	EmergencyLocked bool      `json:"emergency_locked"`
}

// TierExecuted reports whether a tier index already fired.
func (s *ScalingState) TierExecuted(idx int) bool {
	for _, t := range s.ExecutedTiers {
		if t == idx {
			return true
		}
	}
	return false
}

// MarkTier records a tier index as executed. Idempotent.
func (s *ScalingState) MarkTier(idx int) {
	if !s.TierExecuted(idx) {
		s.ExecutedTiers = append(s.ExecutedTiers, idx)
	}
}

// Position is the authoritative record of one tracked venue position.
type Position struct {
	ID        string       `json:"id"`         // venue-assigned, immutable once filled
	ClientTag string       `json:"client_tag"` // system-assigned ownership token, never reused
	Symbol    string       `json:"symbol"`
	Side      gateway.Side `json:"side"`
	Size      float64      `json:"size"` // current magnitude, never negative

	OriginalSize     float64   `json:"original_size"`
	EntryPrice       float64   `json:"entry_price"`
	MarkPrice        float64   `json:"mark_price"`
	Stop             float64   `json:"stop"`           // 0 means not set
	InitialStop      float64   `json:"initial_stop"`   // first stop ever set, anchor for risk scaling
	Target           float64   `json:"target"`         // 0 means not set
	InitialTarget    float64   `json:"initial_target"` // first target ever set, anchor for risk scaling
	UnrealizedProfit float64   `json:"unrealized_profit"`
	OpenedAt         time.Time `json:"opened_at"`

	Owned       bool         `json:"owned"` // opened by this system vs adopted
	StrategyTag string       `json:"strategy_tag,omitempty"`
	Scaling     ScalingState `json:"scaling"`
	State       State        `json:"state"`

	Frozen       bool   `json:"frozen"`
	FrozenReason string `json:"frozen_reason,omitempty"`
}

// FromVenue builds a tracked position from a venue snapshot entry.
func FromVenue(vp gateway.VenuePosition, owned bool) *Position {
	return &Position{
		ID:               vp.ID,
		ClientTag:        vp.ClientTag,
		Symbol:           vp.Symbol,
		Side:             vp.Side,
		Size:             vp.Size,
		OriginalSize:     vp.Size,
		EntryPrice:       vp.EntryPrice,
		MarkPrice:        vp.MarkPrice,
		Stop:             vp.Stop,
		InitialStop:      vp.Stop,
		Target:           vp.Target,
		InitialTarget:    vp.Target,
		UnrealizedProfit: vp.UnrealizedProfit,
		OpenedAt:         vp.OpenedAt,
		Owned:            owned,
		State:            StateOpen,
	}
}

// CanTransition reports whether the lifecycle admits a change to the target
// state.
func (p *Position) CanTransition(to State) bool {
	if p.State.Terminal() {
		return false
	}
	if to == StateClosed {
		// Venue is the source of truth for existence: any live state may be
		// closed by reconciliation.
		return true
	}
	for _, s := range transitions[p.State] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the position to the target state or reports why not.
func (p *Position) Transition(to State) error {
	if !p.CanTransition(to) {
		return fmt.Errorf("invalid lifecycle transition %s -> %s for position %s", p.State, to, p.ID)
	}
	p.State = to
	return nil
}

// SetStop records a stop level, capturing the first one ever set as the
// anchor for risk-mode scaling.
func (p *Position) SetStop(stop float64) {
	p.Stop = stop
	if p.InitialStop == 0 && stop > 0 {
		p.InitialStop = stop
	}
}

// SetTarget records a target level, capturing the first one ever set as the
// anchor for risk-mode scaling.
func (p *Position) SetTarget(target float64) {
	p.Target = target
	if p.InitialTarget == 0 && target > 0 {
		p.InitialTarget = target
	}
}

// Active reports whether policy engines should evaluate this position.
func (p *Position) Active() bool {
	return !p.Frozen && (p.State == StateOpen || p.State == StatePartialClose)
}

// Notional is the current exposure of the position at mark price.
func (p *Position) Notional() float64 {
	price := p.MarkPrice
	if price == 0 {
		price = p.EntryPrice
	}
	return p.Size * price
}

// Age is the position's lifetime relative to now.
func (p *Position) Age(now time.Time) time.Duration {
	if p.OpenedAt.IsZero() {
		return 0
	}
	return now.Sub(p.OpenedAt)
}

// ProfitFraction is the unrealized profit normalized by the position's risk
// basis (entry price x original size x basis).
func (p *Position) ProfitFraction(basis float64) float64 {
	denom := p.EntryPrice * p.OriginalSize * basis
	if denom <= 0 {
		return 0
	}
	return p.UnrealizedProfit / denom
}
