// monitor/cycle.go
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"auto_guard_go/adopt"
	"auto_guard_go/config"
	"auto_guard_go/dispatch"
	"auto_guard_go/events"
	"auto_guard_go/gateway"
	"auto_guard_go/logs"
	"auto_guard_go/profit"
	"auto_guard_go/reconcile"
	"auto_guard_go/registry"
	"auto_guard_go/risk"
	"auto_guard_go/state"
)

const (
	sizeEpsilon = 1e-9

	// closedFractionSlack absorbs float accumulation noise before the
	// cumulative closed fraction counts as over 1.0.
	closedFractionSlack = 1e-6
)

// Runner drives the management cycle: drain dispatch results, refresh the
// account, reconcile against the venue, then let the policy engines propose.
// It is the single writer of the registry.
type Runner struct {
	gw         gateway.Gateway
	cfg        *config.Config
	reg        *registry.Registry
	recon      *reconcile.Engine
	adopter    *adopt.Engine
	scaler     *profit.Engine
	adjuster   *risk.Adjuster
	gate       *risk.Gate
	account    *risk.AccountTracker
	accountant *profit.Accountant
	disp       *dispatch.Dispatcher
	bus        *events.Bus
	stateMgr   state.ManagerInterface

	volSource func(symbol string) float64
}

// NewRunner wires the cycle loop to its collaborators.
func NewRunner(
	gw gateway.Gateway,
	cfg *config.Config,
	reg *registry.Registry,
	recon *reconcile.Engine,
	adopter *adopt.Engine,
	scaler *profit.Engine,
	adjuster *risk.Adjuster,
	gate *risk.Gate,
	account *risk.AccountTracker,
	accountant *profit.Accountant,
	disp *dispatch.Dispatcher,
	bus *events.Bus,
	stateMgr state.ManagerInterface,
) *Runner {
	return &Runner{
		gw:         gw,
		cfg:        cfg,
		reg:        reg,
		recon:      recon,
		adopter:    adopter,
		scaler:     scaler,
		adjuster:   adjuster,
		gate:       gate,
		account:    account,
		accountant: accountant,
		disp:       disp,
		bus:        bus,
		stateMgr:   stateMgr,
	}
}

// Start runs the cycle loop until the stop channel closes.
func (r *Runner) Start(stopChan <-chan struct{}) {
	ticker := time.NewTicker(time.Duration(r.cfg.Normal.CycleIntervalSeconds) * time.Second)
	defer ticker.Stop()

	lastHeartbeat := time.Now()
	lastSyncTime := time.Now()
	lastStateSave := time.Now()

	heartbeatInterval := time.Duration(r.cfg.Normal.HeartbeatIntervalMinutes) * time.Minute
	timeSyncInterval := time.Duration(r.cfg.Normal.TimeSyncIntervalMinutes) * time.Minute
	stateSaveInterval := time.Duration(r.cfg.Normal.StateSaveIntervalSeconds) * time.Second

	for {
		select {
		case <-stopChan:
			logs.Info("Monitor received stop signal, exiting.")
			r.SaveState()
			return
		case <-ticker.C:
			now := time.Now()
			r.RunCycle(context.Background(), now)

			if time.Since(lastHeartbeat) >= heartbeatInterval {
				logs.Infof("[Heartbeat] Managing %d positions, equity %.2f, drawdown %.2f%%.",
					r.reg.Len(), r.account.Equity(), r.account.Drawdown()*100)
				lastHeartbeat = time.Now()
			}

			if time.Since(lastSyncTime) >= timeSyncInterval {
				logs.Info("[Monitor] Executing regular time synchronization...")
				if err := r.gw.SyncTime(); err != nil {
					logs.Errorf("[Monitor-Error] Regular time synchronization failed: %v", err)
				}
				lastSyncTime = time.Now()
			}

			if time.Since(lastStateSave) >= stateSaveInterval {
				r.SaveState()
				lastStateSave = time.Now()
			}
		}
	}
}

// RunCycle executes one management cycle. If the venue snapshot cannot be
// fetched the registry is left untouched and policy evaluation is skipped.
func (r *Runner) RunCycle(ctx context.Context, now time.Time) {
	r.drainResults(now)

	if err := r.account.Refresh(ctx, now); err != nil {
		logs.Errorf("[Monitor] Account refresh failed, continuing with last known equity: %v", err)
	}

	delta, snapshot, ok := r.recon.Run(ctx)
	if !ok {
		return
	}

	r.absorbSnapshot(snapshot)
	r.absorbChanges(delta.Changed, now)
	r.handleClosed(delta.Closed, now)
	r.handleNew(delta.New, now)
	r.evaluatePolicies(now)
}

// ProposeOpen registers a provisional position and enqueues the open. The
// provisional record is keyed by its client tag until the fill assigns a
// venue id. Returns the idempotency token.
func (r *Runner) ProposeOpen(symbol string, side gateway.Side, size, stop, target float64, strategyTag, reason string) (string, error) {
	m := &dispatch.OpenPosition{
		Symbol:      symbol,
		Side:        side,
		Size:        size,
		Stop:        stop,
		Target:      target,
		ClientTag:   uuid.NewString(),
		StrategyTag: strategyTag,
		Reason:      reason,
	}
	if v := r.gate.Approve(m); !v.Approved {
		return "", fmt.Errorf("open %s %s denied: %s", side, symbol, v.Reason)
	}

	p := &registry.Position{
		ID:            m.ClientTag,
		ClientTag:     m.ClientTag,
		Symbol:        symbol,
		Side:          side,
		Size:          size,
		OriginalSize:  size,
		Stop:          stop,
		InitialStop:   stop,
		Target:        target,
		InitialTarget: target,
		OpenedAt:      time.Now(),
		Owned:         true,
		StrategyTag:   strategyTag,
		State:         registry.StateOpening,
	}
	if err := r.reg.Insert(p); err != nil {
		return "", err
	}
	return r.disp.Enqueue(m), nil
}

// SaveState persists the live registry and account tracking.
func (r *Runner) SaveState() {
	live := r.reg.List()
	positions := make([]registry.Position, 0, len(live))
	for _, p := range live {
		positions = append(positions, *p)
	}
	err := r.stateMgr.Save(positions, r.account.Snapshot(), r.accountant.RealizedPNL(), r.accountant.LossStreak())
	if err != nil {
		logs.Errorf("[Monitor] State save failed: %v", err)
	}
}

// SetVolatilitySource installs a per-symbol volatility feed for the risk
// adjuster. Without one the adjuster falls back to the initial level
// distances as its basis.
func (r *Runner) SetVolatilitySource(src func(symbol string) float64) {
	r.volSource = src
}

// drainResults applies every resolved dispatch result to the registry.
// Drain also releases the keys from the dispatcher's in-flight view, so a
// mutation's own effect is never re-read as an external change later in the
// same cycle.
func (r *Runner) drainResults(now time.Time) {
	for _, res := range r.disp.Drain() {
		r.applyResult(res, now)
	}
}

func (r *Runner) applyResult(res dispatch.Result, now time.Time) {
	switch m := res.Mutation.(type) {
	case *dispatch.OpenPosition:
		r.applyOpenResult(m, res)
	case *dispatch.ModifyLevels:
		r.applyModifyResult(m, res)
	case *dispatch.PartialClose:
		r.applyPartialCloseResult(m, res, now)
	case *dispatch.FullClose:
		r.applyFullCloseResult(m, res, now)
	}
}

func (r *Runner) applyOpenResult(m *dispatch.OpenPosition, res dispatch.Result) {
	p, ok := r.reg.Get(m.ClientTag)
	if !ok {
		logs.Debugf("[Monitor] Open result for unknown tag %s, ignoring.", m.ClientTag)
		return
	}

	switch res.Outcome {
	case dispatch.OutcomeApplied:
		vp := res.Verified
		if vp == nil {
			logs.Errorf("[Monitor] Applied open for %s carried no verified position.", m.ClientTag)
			return
		}
		if err := r.reg.Rekey(m.ClientTag, vp.ID); err != nil {
			logs.Errorf("[Monitor] Failed to rekey opened position: %v", err)
			return
		}
		p.Size = vp.Size
		p.OriginalSize = vp.Size
		p.EntryPrice = vp.EntryPrice
		p.MarkPrice = vp.MarkPrice
		p.SetStop(vp.Stop)
		p.SetTarget(vp.Target)
		p.UnrealizedProfit = vp.UnrealizedProfit
		if !vp.OpenedAt.IsZero() {
			p.OpenedAt = vp.OpenedAt
		}
		r.transition(p, registry.StateOpen)
		r.bus.Publish(events.Event{
			Kind: events.KindOpened, PositionID: p.ID, Symbol: p.Symbol,
			Size: p.Size, Price: p.EntryPrice, Reason: m.Reason,
		})
	default:
		// Rejected, exhausted, or never appeared on the venue.
		r.transition(p, registry.StateFailed)
		if err := r.reg.Archive(p.ID); err != nil {
			logs.Errorf("[Monitor] Failed to archive failed open %s: %v", p.ID, err)
		}
		r.bus.Publish(events.Event{
			Kind: events.KindFailed, PositionID: p.ID, Symbol: p.Symbol,
			Reason: res.Err,
		})
	}
}

func (r *Runner) applyModifyResult(m *dispatch.ModifyLevels, res dispatch.Result) {
	p, ok := r.reg.Get(m.ID)
	if !ok {
		return
	}

	switch res.Outcome {
	case dispatch.OutcomeApplied:
		if vp := res.Verified; vp != nil {
			p.SetStop(vp.Stop)
			p.SetTarget(vp.Target)
		} else {
			if m.Stop > 0 {
				p.SetStop(m.Stop)
			}
			if m.Target > 0 {
				p.SetTarget(m.Target)
			}
		}
		if p.State == registry.StateModifying {
			r.transition(p, registry.StateOpen)
		}
		r.bus.Publish(events.Event{
			Kind: events.KindModified, PositionID: p.ID, Symbol: p.Symbol,
			Price: p.Stop, Reason: m.Reason,
		})

	case dispatch.OutcomeFailed:
		if p.State == registry.StateModifying {
			r.transition(p, registry.StateOpen)
		}
		r.bus.Publish(events.Event{
			Kind: events.KindFailed, PositionID: p.ID, Symbol: p.Symbol,
			Reason: res.Err,
		})

	case dispatch.OutcomeCancelled:
		// Position disappeared; the next reconciliation closes it.
		if p.State == registry.StateModifying {
			r.transition(p, registry.StateOpen)
		}
	}
}

func (r *Runner) applyPartialCloseResult(m *dispatch.PartialClose, res dispatch.Result, now time.Time) {
	p, ok := r.reg.Get(m.ID)
	if !ok {
		return
	}

	switch res.Outcome {
	case dispatch.OutcomeApplied:
		oldSize := p.Size
		newSize := 0.0
		if vp := res.Verified; vp != nil {
			newSize = vp.Size
			p.MarkPrice = vp.MarkPrice
			p.UnrealizedProfit = vp.UnrealizedProfit
		}
		if closedQty := oldSize - newSize; closedQty > sizeEpsilon {
			realized := profit.RealizedFromClose(p.Side, p.EntryPrice, p.MarkPrice, closedQty)
			r.accountant.RecordPNL(realized, now)
			r.recordClosedFraction(p, closedQty)
			r.bus.Publish(events.Event{
				Kind: events.KindPartialClosed, PositionID: p.ID, Symbol: p.Symbol,
				Size: closedQty, Price: p.MarkPrice, PNL: realized, Reason: m.Reason,
			})
		}
		p.Size = newSize
		if m.Tier < 0 {
			p.Scaling.EmergencyLocked = true
		}
		if newSize <= sizeEpsilon {
			r.closePosition(p)
			return
		}
		if p.State == registry.StatePartialClose {
			r.transition(p, registry.StateOpen)
		}

	case dispatch.OutcomeFailed:
		if p.State == registry.StatePartialClose {
			r.transition(p, registry.StateOpen)
		}
		r.bus.Publish(events.Event{
			Kind: events.KindFailed, PositionID: p.ID, Symbol: p.Symbol,
			Reason: res.Err,
		})

	case dispatch.OutcomeCancelled:
		// Position gone; reconciliation will confirm the close.
	}
}

func (r *Runner) applyFullCloseResult(m *dispatch.FullClose, res dispatch.Result, now time.Time) {
	p, ok := r.reg.Get(m.ID)
	if !ok {
		return
	}

	switch res.Outcome {
	case dispatch.OutcomeApplied, dispatch.OutcomeCancelled:
		r.accountant.RecordPNL(p.UnrealizedProfit, now)
		r.bus.Publish(events.Event{
			Kind: events.KindClosed, PositionID: p.ID, Symbol: p.Symbol,
			Size: p.Size, PNL: p.UnrealizedProfit, Reason: m.Reason,
		})
		p.Size = 0
		r.closePosition(p)

	case dispatch.OutcomeFailed:
		if p.State == registry.StateClosing {
			r.transition(p, registry.StateOpen)
		}
		r.bus.Publish(events.Event{
			Kind: events.KindFailed, PositionID: p.ID, Symbol: p.Symbol,
			Reason: res.Err,
		})
	}
}

// absorbSnapshot refreshes mark price and unrealized profit for every
// tracked position present on the venue.
func (r *Runner) absorbSnapshot(snapshot []gateway.VenuePosition) {
	for _, vp := range snapshot {
		if p, ok := r.reg.Get(vp.ID); ok {
			p.MarkPrice = vp.MarkPrice
			p.UnrealizedProfit = vp.UnrealizedProfit
		}
	}
}

// absorbChanges adopts the venue's values for externally changed positions.
// The venue is the source of truth; local records follow it.
func (r *Runner) absorbChanges(changes []reconcile.Change, now time.Time) {
	for _, ch := range changes {
		p, ok := r.reg.Get(ch.ID)
		if !ok {
			continue
		}
		if reduced := p.Size - ch.Venue.Size; reduced > sizeEpsilon {
			// Someone else reduced the position. Track it so tier math stays
			// anchored to original size.
			r.recordClosedFraction(p, reduced)
		}
		logs.Infof("[Monitor] External change on %s: size %.6f->%.6f, stop %.6f->%.6f, target %.6f->%.6f",
			ch.ID, p.Size, ch.Venue.Size, p.Stop, ch.Venue.Stop, p.Target, ch.Venue.Target)
		p.Size = ch.Venue.Size
		p.SetStop(ch.Venue.Stop)
		p.SetTarget(ch.Venue.Target)
		r.bus.Publish(events.Event{
			Kind: events.KindModified, PositionID: p.ID, Symbol: p.Symbol,
			Size: p.Size, Reason: "external change absorbed",
		})
	}
}

// handleClosed finalizes positions the venue no longer shows.
func (r *Runner) handleClosed(closed []string, now time.Time) {
	for _, id := range closed {
		p, ok := r.reg.Get(id)
		if !ok {
			continue
		}
		r.disp.Cancel(id)
		r.accountant.RecordPNL(p.UnrealizedProfit, now)
		r.bus.Publish(events.Event{
			Kind: events.KindClosed, PositionID: p.ID, Symbol: p.Symbol,
			Size: p.Size, PNL: p.UnrealizedProfit, Reason: "closed on venue",
		})
		p.Size = 0
		r.closePosition(p)
	}
}

// handleNew runs adoption over foreign venue positions.
func (r *Runner) handleNew(candidates []gateway.VenuePosition, now time.Time) {
	if len(candidates) == 0 || !r.adopter.Enabled() {
		return
	}
	adopted := r.adopter.ProcessNew(candidates, r.account.Balance(), r.reg, now)
	for _, a := range adopted {
		r.bus.Publish(events.Event{
			Kind: events.KindAdopted, PositionID: a.Position.ID, Symbol: a.Position.Symbol,
			Size: a.Position.Size, Price: a.Position.EntryPrice,
		})
		if a.Levels != nil {
			r.submitModify(a.Position, a.Levels)
		}
	}
}

// evaluatePolicies runs scaling and the risk adjuster over every position
// that is active and has nothing in flight.
func (r *Runner) evaluatePolicies(now time.Time) {
	mode := risk.SelectMode(r.cfg.Risk, r.account.Drawdown(), r.accountant.LossStreak())
	balance := r.account.Balance()

	for _, p := range r.reg.List() {
		if !p.Active() || r.disp.Pending(p.ID) {
			continue
		}
		if r.cfg.ScalingEnabled {
			if prop := r.scaler.Evaluate(p, balance, now); prop != nil {
				r.submitProposal(p, prop)
				continue
			}
		}
		if r.cfg.AdjusterEnabled {
			vol := 0.0
			if r.volSource != nil {
				vol = r.volSource(p.Symbol)
			}
			if m := r.adjuster.Propose(p, mode, vol, now); m != nil {
				r.submitModify(p, m)
			}
		}
	}
}

// submitProposal routes a scaling proposal through the gate. The tier is
// marked executed at approval so a tier fires at most once per position.
func (r *Runner) submitProposal(p *registry.Position, prop *profit.Proposal) {
	if v := r.gate.Approve(prop.Close); !v.Approved {
		return
	}
	if p.State == registry.StateOpen {
		r.transition(p, registry.StatePartialClose)
	}
	if prop.Tier >= 0 {
		p.Scaling.MarkTier(prop.Tier)
	}
	r.disp.Enqueue(prop.Close)
	if prop.Levels != nil {
		if v := r.gate.Approve(prop.Levels); v.Approved {
			r.disp.Enqueue(prop.Levels)
		}
	}
}

// submitModify routes a level change through the gate.
func (r *Runner) submitModify(p *registry.Position, m *dispatch.ModifyLevels) {
	if v := r.gate.Approve(m); !v.Approved {
		return
	}
	if p.State == registry.StateOpen {
		r.transition(p, registry.StateModifying)
	}
	r.disp.Enqueue(m)
}

// SubmitFullClose proposes closing the entire position, e.g. on operator
// request. Closing mutations pass the gate even while risk-halted.
func (r *Runner) SubmitFullClose(id, reason string) bool {
	p, ok := r.reg.Get(id)
	if !ok {
		return false
	}
	m := &dispatch.FullClose{ID: id, Reason: reason}
	if v := r.gate.Approve(m); !v.Approved {
		return false
	}
	if p.State == registry.StateOpen || p.State == registry.StatePartialClose {
		r.transition(p, registry.StateClosing)
	}
	r.disp.Enqueue(m)
	return true
}

func (r *Runner) closePosition(p *registry.Position) {
	r.transition(p, registry.StateClosed)
	if err := r.reg.Archive(p.ID); err != nil {
		logs.Errorf("[Monitor] Failed to archive closed position %s: %v", p.ID, err)
	}
}

// recordClosedFraction accumulates the closed share of the original size.
// A cumulative fraction above 1.0 means the books no longer reconcile with
// the venue, which freezes the position for operator review.
func (r *Runner) recordClosedFraction(p *registry.Position, closedQty float64) {
	if p.OriginalSize <= 0 {
		return
	}
	p.Scaling.ClosedFraction += closedQty / p.OriginalSize
	if p.Scaling.ClosedFraction > 1.0+closedFractionSlack && !p.Frozen {
		r.freeze(p, fmt.Sprintf("cumulative closed fraction %.4f exceeds 1.0", p.Scaling.ClosedFraction))
	}
}

func (r *Runner) freeze(p *registry.Position, reason string) {
	r.reg.Freeze(p.ID, reason)
	r.bus.Publish(events.Event{
		Kind: events.KindFrozen, PositionID: p.ID, Symbol: p.Symbol, Reason: reason,
	})
}

func (r *Runner) transition(p *registry.Position, to registry.State) {
	if err := p.Transition(to); err != nil {
		logs.Errorf("[Monitor] %v", err)
	}
}
