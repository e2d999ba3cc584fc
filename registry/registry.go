// registry/registry.go
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"auto_guard_go/logs"
)

// ErrDuplicateID is returned when an insert would violate position id
// uniqueness.
var ErrDuplicateID = errors.New("duplicate position id")

const archiveLimit = 512

// Registry is the in-memory authoritative mapping of tracked position id to
// Position record. The cycle loop is the single writer; the RWMutex exists
// only so observers (state persistence, events) can read concurrently.
type Registry struct {
	mu        sync.RWMutex
	positions map[string]*Position
	archive   []*Position
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		positions: make(map[string]*Position),
	}
}

// Insert adds a new tracked position. A duplicate id is an invariant
// violation and is rejected.
func (r *Registry) Insert(p *Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.positions[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
	}
	if p.Size < 0 {
		return fmt.Errorf("position %s has negative size magnitude %f", p.ID, p.Size)
	}
	r.positions[p.ID] = p
	return nil
}

// Get returns the live record for an id. Only the cycle loop may mutate it.
func (r *Registry) Get(id string) (*Position, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.positions[id]
	return p, ok
}

// Rekey renames a position from its provisional id (client tag while the
// open is in flight) to the venue-assigned id.
func (r *Registry) Rekey(oldID, newID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[oldID]
	if !ok {
		return fmt.Errorf("rekey: no position under id %s", oldID)
	}
	if _, exists := r.positions[newID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, newID)
	}
	delete(r.positions, oldID)
	p.ID = newID
	r.positions[newID] = p
	return nil
}

// List returns the live records ordered by id.
func (r *Registry) List() []*Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Position, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SnapshotMap returns value copies keyed by id, for the pure reconciliation
// diff.
func (r *Registry) SnapshotMap() map[string]Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Position, len(r.positions))
	for id, p := range r.positions {
		out[id] = *p
	}
	return out
}

// Len returns the number of live tracked positions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.positions)
}

// CountBySymbol returns live position counts per symbol.
func (r *Registry) CountBySymbol() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int)
	for _, p := range r.positions {
		out[p.Symbol]++
	}
	return out
}

// TotalExposure sums the notional value of all live positions.
func (r *Registry) TotalExposure() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0.0
	for _, p := range r.positions {
		total += p.Notional()
	}
	return total
}

// Archive removes a terminal position from the active set, retaining it for
// audit. Archiving a non-terminal position is refused.
func (r *Registry) Archive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[id]
	if !ok {
		return fmt.Errorf("archive: no position under id %s", id)
	}
	if !p.State.Terminal() {
		return fmt.Errorf("archive: position %s is in non-terminal state %s", id, p.State)
	}
	delete(r.positions, id)
	r.archive = append(r.archive, p)
	if len(r.archive) > archiveLimit {
		r.archive = r.archive[len(r.archive)-archiveLimit:]
	}
	return nil
}

// Archived returns the retained terminal records, oldest first.
func (r *Registry) Archived() []*Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Position, len(r.archive))
	copy(out, r.archive)
	return out
}

// Freeze flags a position after a registry invariant violation. A frozen
// position accepts no further mutation proposals but the rest of the system
// keeps operating.
func (r *Registry) Freeze(id, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[id]
	if !ok {
		return
	}
	p.Frozen = true
	p.FrozenReason = reason
	logs.Errorf("[Registry] Position %s frozen for manual reconciliation: %s", id, reason)
}
