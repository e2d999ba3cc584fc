// dispatch/mutation.go
package dispatch

import (
	"fmt"

	"auto_guard_go/gateway"
)

// Mutation is the closed set of venue mutations a policy engine can propose.
// Consumers switch on the concrete type; adding a variant must touch every
// switch.
type Mutation interface {
	// Key identifies the position the mutation targets: the venue position id,
	// or the client tag while an open is still in flight. Dispatch for one key
	// is strictly serialized.
	Key() string
	// Closing reports whether the mutation reduces or removes exposure. Only
	// closing mutations pass the gate while the account is risk-halted.
	Closing() bool
	Description() string
}

// OpenPosition opens a new venue position.
type OpenPosition struct {
	Symbol      string
	Side        gateway.Side
	Size        float64
	Stop        float64
	Target      float64
	ClientTag   string
	StrategyTag string
	Reason      string
}

func (m *OpenPosition) Key() string   { return m.ClientTag }
func (m *OpenPosition) Closing() bool { return false }
func (m *OpenPosition) Description() string {
	return fmt.Sprintf("open %s %s size %.6f (stop %.6f, target %.6f)", m.Side, m.Symbol, m.Size, m.Stop, m.Target)
}

// ModifyLevels replaces a position's protective levels. A level of 0 leaves
// the corresponding venue-side level unchanged.
type ModifyLevels struct {
	ID     string
	Stop   float64
	Target float64
	Reason string
	Tier   int // scaling tier that produced this change, -1 if none
}

func (m *ModifyLevels) Key() string   { return m.ID }
func (m *ModifyLevels) Closing() bool { return false }
func (m *ModifyLevels) Description() string {
	return fmt.Sprintf("modify %s: stop %.6f, target %.6f (%s)", m.ID, m.Stop, m.Target, m.Reason)
}

// PartialClose reduces a position by a fraction of its current size.
// ExpectedRemaining is the size the proposer expects after the close; the
// verification read compares against it.
type PartialClose struct {
	ID                string
	Fraction          float64
	ExpectedRemaining float64
	Reason            string
	Tier              int // -1 if not tier-driven (e.g. emergency lock)
}

func (m *PartialClose) Key() string   { return m.ID }
func (m *PartialClose) Closing() bool { return true }
func (m *PartialClose) Description() string {
	return fmt.Sprintf("partial close %s: fraction %.4f (%s)", m.ID, m.Fraction, m.Reason)
}

// FullClose removes the entire position.
type FullClose struct {
	ID     string
	Reason string
}

func (m *FullClose) Key() string   { return m.ID }
func (m *FullClose) Closing() bool { return true }
func (m *FullClose) Description() string {
	return fmt.Sprintf("full close %s (%s)", m.ID, m.Reason)
}
