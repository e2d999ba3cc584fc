// orchestrator.go
package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"auto_guard_go/adopt"
	"auto_guard_go/config"
	"auto_guard_go/dispatch"
	"auto_guard_go/events"
	"auto_guard_go/gateway"
	"auto_guard_go/logs"
	"auto_guard_go/monitor"
	"auto_guard_go/profit"
	"auto_guard_go/reconcile"
	"auto_guard_go/registry"
	"auto_guard_go/risk"
	"auto_guard_go/state"
)

type Orchestrator struct {
	gw         gateway.Gateway
	cfg        *config.Config
	reg        *registry.Registry
	disp       *dispatch.Dispatcher
	runner     *monitor.Runner
	bus        *events.Bus
	account    *risk.AccountTracker
	accountant *profit.Accountant
	stateMgr   *state.Manager

	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	stateFilePath string
}

func NewOrchestrator(cfg *config.Config, envCfg *config.EnvConfig, stateFilePath string) (*Orchestrator, error) {
	var gw gateway.Gateway
	if cfg.UseSimulation {
		mock := gateway.NewMockGateway()
		mock.Start()
		gw = mock
		logs.Warnf("<<<<<<<<<< WARNING: Running in simulation mode >>>>>>>>>>")
	} else {
		gw = gateway.NewAPIClient(envCfg.ApiKey, envCfg.ApiSecret, envCfg.BaseURL,
			cfg.Normal.HTTPTimeoutSeconds, cfg.Normal.RecvWindowSeconds)
		// Ensure time synchronization before making any signed calls.
		if err := gw.SyncTime(); err != nil {
			return nil, fmt.Errorf("failed to sync venue time: %w", err)
		}
	}

	// Cold start check before the state manager loads anything: if the venue
	// is completely idle, whatever the old state file says is history.
	snapshot, err := gw.Snapshot(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch venue snapshot at startup: %w", err)
	}
	if len(snapshot) == 0 {
		logs.Warnf("[Orchestrator] Venue shows no positions. This is a fresh start.")
		logs.Warnf("[Orchestrator] Will ignore and remove old state file: %s", stateFilePath)
		if err := os.Remove(stateFilePath); err != nil && !os.IsNotExist(err) {
			logs.Errorf("[Orchestrator] Failed to remove old state file: %v. Will continue to try loading.", err)
		}
	}

	stateMgr, err := state.NewManager(stateFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize state manager: %w", err)
	}
	logs.Infof("State manager initialized successfully, state will be persisted to: %s", stateFilePath)

	reg := registry.New()
	disp := dispatch.New(gw, cfg.Retry)
	recon := reconcile.NewEngine(gw, reg, disp, cfg.Retry.UnreachableSuspends)
	adopter := adopt.New(cfg.Adoption, gw.Rules)
	scaler := profit.NewEngine(cfg.Scaling)
	adjuster := risk.NewAdjuster(cfg.Risk)
	account := risk.NewAccountTracker(gw, cfg.Risk)
	gate := risk.NewGate(cfg.Risk, reg, account)
	accountant := profit.NewAccountant()
	bus := events.NewBus(cfg.Retry.ResultQueueSize)

	runner := monitor.NewRunner(gw, cfg, reg, recon, adopter, scaler, adjuster,
		gate, account, accountant, disp, bus, stateMgr)

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		gw:            gw,
		cfg:           cfg,
		reg:           reg,
		disp:          disp,
		runner:        runner,
		bus:           bus,
		account:       account,
		accountant:    accountant,
		stateMgr:      stateMgr,
		ctx:           ctx,
		cancel:        cancel,
		stateFilePath: stateFilePath,
	}

	if err := o.reconcileStateOnStartup(snapshot); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to reconcile state on startup: %w", err)
	}
	return o, nil
}

// reconcileStateOnStartup rebuilds the registry from the venue snapshot,
// using the persisted state only to recover per-position metadata. Venue
// positions with no persisted record are left for adoption on the first
// cycle; persisted records absent from the venue are discarded.
func (o *Orchestrator) reconcileStateOnStartup(snapshot []gateway.VenuePosition) error {
	logs.Info("[Orchestrator] Starting state reconciliation on startup...")

	persisted := make(map[string]registry.Position)
	for _, p := range o.stateMgr.Positions() {
		persisted[p.ID] = p
	}

	restored, dropped := 0, 0
	for _, vp := range snapshot {
		old, known := persisted[vp.ID]
		if !known {
			continue
		}
		p := registry.FromVenue(vp, old.Owned)
		p.ClientTag = old.ClientTag
		p.StrategyTag = old.StrategyTag
		p.OriginalSize = old.OriginalSize
		p.Scaling = old.Scaling
		p.Frozen = old.Frozen
		p.FrozenReason = old.FrozenReason
		if old.InitialStop > 0 {
			// Keep the risk-scaling anchors across restarts; the venue only
			// knows the current, possibly already tightened, levels.
			p.InitialStop = old.InitialStop
		}
		if old.InitialTarget > 0 {
			p.InitialTarget = old.InitialTarget
		}
		if old.OriginalSize <= 0 {
			p.OriginalSize = vp.Size
		}
		if err := o.reg.Insert(p); err != nil {
			return fmt.Errorf("restore position %s: %w", vp.ID, err)
		}
		restored++
	}
	for id := range persisted {
		found := false
		for _, vp := range snapshot {
			if vp.ID == id {
				found = true
				break
			}
		}
		if !found {
			dropped++
		}
	}
	if dropped > 0 {
		logs.Warnf("[Orchestrator] Dropped %d persisted positions the venue no longer shows.", dropped)
	}

	if len(snapshot) > 0 {
		realized, streak := o.stateMgr.Accounting()
		o.accountant.Restore(realized, streak)
		o.account.Restore(o.stateMgr.Account())
		logs.Infof("[Orchestrator] Restored %d positions, realized PnL %.4f, loss streak %d.",
			restored, realized, streak)
	} else {
		logs.Info("[Orchestrator] Fresh start, no state restored.")
	}

	logs.Info("[Orchestrator] State reconciliation complete.")
	return nil
}

// OpenPosition is the entry point for an external strategy layer. It routes
// through the risk gate and returns the mutation's idempotency token.
func (o *Orchestrator) OpenPosition(symbol string, side gateway.Side, size, stop, target float64, strategyTag, reason string) (string, error) {
	return o.runner.ProposeOpen(symbol, side, size, stop, target, strategyTag, reason)
}

// ClosePosition requests a full close of a tracked position.
func (o *Orchestrator) ClosePosition(id, reason string) bool {
	return o.runner.SubmitFullClose(id, reason)
}

// Events exposes the lifecycle event stream.
func (o *Orchestrator) Events() <-chan events.Event {
	return o.bus.Subscribe()
}

func (o *Orchestrator) Start() {
	o.disp.Start()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runner.Start(o.ctx.Done())
	}()
	logs.Info("Position management started, press Ctrl+C to exit.")
}

func (o *Orchestrator) Stop() {
	logs.Info("Received close signal, starting graceful shutdown...")

	o.printFinalSummary()

	o.cancel()
	o.wg.Wait()
	o.disp.Stop()
	o.bus.Close()
	if mock, ok := o.gw.(*gateway.MockGateway); ok {
		mock.Stop()
	}
	logs.Info("All services stopped successfully.")
}

func (o *Orchestrator) printFinalSummary() {
	logs.Info("--- Final Summary ---")
	logs.Infof("Realized PnL: %.4f", o.accountant.RealizedPNL())
	logs.Infof("Equity: %.2f (drawdown %.2f%%)", o.account.Equity(), o.account.Drawdown()*100)
	for _, p := range o.reg.List() {
		logs.Infof("Open position %s: %s %s size %.6f, unrealized %.4f (state %s)",
			p.ID, p.Side, p.Symbol, p.Size, p.UnrealizedProfit, p.State)
	}
	logs.Info("---------------------")
}
