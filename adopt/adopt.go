// adopt/adopt.go
package adopt

import (
	"fmt"
	"strings"
	"time"

	"auto_guard_go/config"
	"auto_guard_go/dispatch"
	"auto_guard_go/gateway"
	"auto_guard_go/logs"
	"auto_guard_go/registry"
	"auto_guard_go/utils"
)

// RulesSource resolves venue-declared instrument constraints.
type RulesSource func(symbol string) (gateway.SymbolRules, bool)

// Decision is the outcome of evaluating one adoption candidate.
type Decision struct {
	Accepted bool
	Reason   string
	Stop     float64
	Target   float64
}

// Adopted describes one position absorbed this run.
type Adopted struct {
	Position *registry.Position
	Levels   *dispatch.ModifyLevels // nil in log-only mode
}

// Engine filters reconciliation "new" entries against adoption policy and
// computes protective levels for the accepted ones.
type Engine struct {
	cfg   *config.AdoptionConfig
	rules RulesSource
}

// New creates an adoption engine.
func New(cfg *config.AdoptionConfig, rules RulesSource) *Engine {
	return &Engine{cfg: cfg, rules: rules}
}

// Enabled reports whether adoption runs at all.
func (e *Engine) Enabled() bool {
	return e.cfg.Mode != "off"
}

// LogOnly reports whether accepted candidates are tracked without mutation.
func (e *Engine) LogOnly() bool {
	return e.cfg.Mode == "log_only"
}

// Evaluate applies the adoption policy to one venue-side candidate.
func (e *Engine) Evaluate(vp gateway.VenuePosition, balance float64, now time.Time) Decision {
	if !e.Enabled() {
		return Decision{Reason: "adoption disabled"}
	}
	for _, s := range e.cfg.DenySymbols {
		if strings.EqualFold(s, vp.Symbol) {
			return Decision{Reason: fmt.Sprintf("symbol %s is deny-listed", vp.Symbol)}
		}
	}
	if len(e.cfg.AllowSymbols) > 0 && !symbolAllowed(e.cfg.AllowSymbols, vp.Symbol) {
		return Decision{Reason: fmt.Sprintf("symbol %s missing from allow list", vp.Symbol)}
	}

	openedAt := vp.OpenedAt
	if openedAt.IsZero() {
		// Venue did not report an open time; treat the position as fresh.
		openedAt = now
	}
	maxAge := time.Duration(e.cfg.MaxAgeHours * float64(time.Hour))
	if age := now.Sub(openedAt); age > maxAge {
		return Decision{Reason: fmt.Sprintf("position age %s exceeds maximum %s", age.Round(time.Minute), maxAge)}
	}

	stop, target := e.computeLevels(vp, balance)
	return Decision{Accepted: true, Stop: stop, Target: target}
}

// computeLevels derives an emergency stop from the configured loss fraction
// of the account balance, and a target from the risk:reward multiple of the
// resulting stop distance. Both are clamped to the venue's minimum distance
// from mark price.
func (e *Engine) computeLevels(vp gateway.VenuePosition, balance float64) (stop, target float64) {
	if vp.Size <= 0 || balance <= 0 {
		return 0, 0
	}
	dist := e.cfg.EmergencyStopFraction * balance / vp.Size
	mark := vp.MarkPrice
	if mark == 0 {
		mark = vp.EntryPrice
	}

	minDist := 0.0
	precision := 8
	if r, ok := e.rules(vp.Symbol); ok {
		minDist = r.MinStopDistance
		if r.PricePrecision > 0 {
			precision = r.PricePrecision
		}
	}

	if vp.Side == gateway.Long {
		stop = vp.EntryPrice - dist
		target = vp.EntryPrice + dist*e.cfg.RiskReward
		if minDist > 0 {
			stop = utils.Clamp(stop, 0, mark-minDist)
			if target < mark+minDist {
				target = mark + minDist
			}
		}
	} else {
		stop = vp.EntryPrice + dist
		target = vp.EntryPrice - dist*e.cfg.RiskReward
		if minDist > 0 {
			if stop < mark+minDist {
				stop = mark + minDist
			}
			target = utils.Clamp(target, 0, mark-minDist)
		}
	}
	if stop < 0 {
		stop = 0
	}
	if target < 0 {
		target = 0
	}
	return utils.RoundToPrecision(stop, precision), utils.RoundToPrecision(target, precision)
}

// ProcessNew runs adoption over the reconciliation "new" set, inserting
// accepted candidates into the registry and returning them together with the
// level mutation to raise (nil in log-only mode).
func (e *Engine) ProcessNew(candidates []gateway.VenuePosition, balance float64, reg *registry.Registry, now time.Time) []Adopted {
	var adopted []Adopted
	for _, vp := range candidates {
		decision := e.Evaluate(vp, balance, now)
		if !decision.Accepted {
			logs.Infof("[Adoption] Rejected venue position %s (%s): %s", vp.ID, vp.Symbol, decision.Reason)
			continue
		}

		pos := registry.FromVenue(vp, false)
		if err := reg.Insert(pos); err != nil {
			logs.Errorf("[Adoption] Failed to insert adopted position %s: %v", vp.ID, err)
			continue
		}

		entry := Adopted{Position: pos}
		if !e.LogOnly() {
			entry.Levels = &dispatch.ModifyLevels{
				ID:     vp.ID,
				Stop:   decision.Stop,
				Target: decision.Target,
				Reason: "adoption protective levels",
				Tier:   -1,
			}
			logs.Infof("[Adoption] Adopted %s (%s %s, size %.6f): stop %.6f, target %.6f",
				vp.ID, vp.Symbol, vp.Side, vp.Size, decision.Stop, decision.Target)
		} else {
			logs.Infof("[Adoption] Tracking %s (%s) in log-only mode, no levels applied.", vp.ID, vp.Symbol)
		}
		adopted = append(adopted, entry)
	}
	return adopted
}

func symbolAllowed(allow []string, symbol string) bool {
	for _, s := range allow {
		if strings.EqualFold(s, symbol) {
			return true
		}
	}
	return false
}
