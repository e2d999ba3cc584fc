// reconcile/engine.go
package reconcile

import (
	"context"

	"auto_guard_go/dispatch"
	"auto_guard_go/gateway"
	"auto_guard_go/logs"
	"auto_guard_go/registry"
)

// Engine fetches venue snapshots on the cycle cadence and diffs them against
// the registry. Snapshot failure produces no delta and leaves the registry
// untouched: stale-but-consistent state is preferred over crashing the loop.
type Engine struct {
	gw                gateway.Gateway
	reg               *registry.Registry
	disp              *dispatch.Dispatcher
	unreachableStreak int
	suspendAfter      int
}

// NewEngine creates a reconciliation engine. suspendAfter is the number of
// consecutive unreachable snapshots after which dispatch is suspended.
func NewEngine(gw gateway.Gateway, reg *registry.Registry, disp *dispatch.Dispatcher, suspendAfter int) *Engine {
	return &Engine{gw: gw, reg: reg, disp: disp, suspendAfter: suspendAfter}
}

// Run fetches one snapshot and produces the cycle's delta. The boolean
// reports whether a snapshot was obtained at all.
func (e *Engine) Run(ctx context.Context) (Delta, []gateway.VenuePosition, bool) {
	snapshot, err := e.gw.Snapshot(ctx)
	if err != nil {
		if ge, ok := gateway.AsError(err); ok && ge.Kind == gateway.KindUnreachable {
			e.unreachableStreak++
			if e.unreachableStreak >= e.suspendAfter {
				e.disp.Suspend(true)
			}
		}
		logs.Warnf("[Reconcile] Snapshot fetch failed, skipping this cycle: %v", err)
		return Delta{}, nil, false
	}

	if e.unreachableStreak > 0 || e.disp.Suspended() {
		e.disp.Suspend(false)
	}
	e.unreachableStreak = 0

	delta := Diff(e.reg.SnapshotMap(), snapshot, e.disp.InFlight())
	if !delta.Empty() {
		logs.Infof("[Reconcile] Delta: %d new, %d closed, %d changed.",
			len(delta.New), len(delta.Closed), len(delta.Changed))
	}
	return delta, snapshot, true
}
