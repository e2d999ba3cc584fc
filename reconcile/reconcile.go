// reconcile/reconcile.go
package reconcile

import (
	"math"

	"auto_guard_go/dispatch"
	"auto_guard_go/gateway"
	"auto_guard_go/registry"
)

const compareTolerance = 1e-6

// Change pairs the registry's view and the venue's view of one position whose
// observable attributes drifted apart.
type Change struct {
	ID    string
	Local registry.Position
	Venue gateway.VenuePosition
}

// Delta is the per-cycle classification of registry vs venue. It is ephemeral:
// consumed immediately by adoption and lifecycle handling, never persisted.
type Delta struct {
	New     []gateway.VenuePosition
	Closed  []string
	Changed []Change
}

// Empty reports whether the cycle observed no drift.
func (d Delta) Empty() bool {
	return len(d.New) == 0 && len(d.Closed) == 0 && len(d.Changed) == 0
}

// Diff computes the reconciliation delta between the registry snapshot and a
// freshly fetched venue snapshot. It is a pure function of its inputs.
//
// A position with an in-flight mutation is not reported changed: a size or
// level drift there is the expected effect of our own action, and will be
// absorbed when the dispatch result lands.
func Diff(local map[string]registry.Position, venue []gateway.VenuePosition, inflight map[string]dispatch.Mutation) Delta {
	var delta Delta

	venueByID := make(map[string]gateway.VenuePosition, len(venue))
	for _, vp := range venue {
		venueByID[vp.ID] = vp
	}

	// Client tags of positions we are tracking. A venue position carrying one
	// of our tags is our own fill surfacing before its dispatch result, not a
	// foreign position.
	localTags := make(map[string]bool, len(local))
	for _, lp := range local {
		if lp.ClientTag != "" {
			localTags[lp.ClientTag] = true
		}
	}

	for _, vp := range venue {
		if _, tracked := local[vp.ID]; tracked {
			continue
		}
		if vp.ClientTag != "" && localTags[vp.ClientTag] {
			continue
		}
		delta.New = append(delta.New, vp)
	}

	for id, lp := range local {
		vp, present := venueByID[id]
		if !present {
			// Opening positions have no venue id yet; their client tag is the
			// in-flight key, so they are skipped by the in-flight check below.
			if _, pending := inflight[lp.ClientTag]; pending && lp.State == registry.StateOpening {
				continue
			}
			delta.Closed = append(delta.Closed, id)
			continue
		}
		if _, pending := inflight[id]; pending {
			continue
		}
		if changed(lp, vp) {
			delta.Changed = append(delta.Changed, Change{ID: id, Local: lp, Venue: vp})
		}
	}

	return delta
}

func changed(lp registry.Position, vp gateway.VenuePosition) bool {
	if math.Abs(lp.Size-vp.Size) > compareTolerance*math.Max(1, lp.Size) {
		return true
	}
	if math.Abs(lp.Stop-vp.Stop) > compareTolerance {
		return true
	}
	if math.Abs(lp.Target-vp.Target) > compareTolerance {
		return true
	}
	return false
}
