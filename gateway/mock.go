package gateway

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"auto_guard_go/logs"
)

//
// Complete mock venue for running and testing position management without a
// real API. Failures can be scripted per operation, and a timed-out call can
// be configured to still take effect on the venue side, which is exactly the
// unknown-effect case the dispatcher has to verify its way out of.
//

// Ensure MockGateway implements the Gateway interface.
var _ Gateway = (*MockGateway)(nil)

type mockOp string

const (
	OpOpen     mockOp = "open"
	OpModify   mockOp = "modify"
	OpClose    mockOp = "close"
	OpSnapshot mockOp = "snapshot"
	OpAccount  mockOp = "account"
)

// MockGateway is an in-memory venue.
type MockGateway struct {
	mu        sync.RWMutex
	positions map[string]*VenuePosition
	account   AccountState
	rules     map[string]SymbolRules
	nextID    int64

	scripted       map[mockOp][]error
	applyOnTimeout bool // a scripted timeout still applies the mutation
	usedTokens     map[string]struct{}
	callCounts     map[mockOp]int

	simStop    chan struct{}
	simStarted bool
}

// NewMockGateway creates an empty mock venue.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		positions:  make(map[string]*VenuePosition),
		rules:      make(map[string]SymbolRules),
		scripted:   make(map[mockOp][]error),
		usedTokens: make(map[string]struct{}),
		callCounts: make(map[mockOp]int),
		nextID:     1,
		account:    AccountState{Balance: 10000, Equity: 10000},
		simStop:    make(chan struct{}),
	}
}

// --- test/simulation controls ---

// ScriptError queues an error to be returned by the next call of the given
// operation. Errors are consumed in FIFO order.
func (m *MockGateway) ScriptError(op mockOp, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted[op] = append(m.scripted[op], err)
}

// SetApplyOnTimeout makes scripted timeouts still apply the mutation, so the
// verification read observes the effect of a call that "failed".
func (m *MockGateway) SetApplyOnTimeout(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyOnTimeout = v
}

// SetAccount seeds the venue account.
func (m *MockGateway) SetAccount(balance, equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account = AccountState{Balance: balance, Equity: equity}
}

// SetRules seeds instrument rules for a symbol.
func (m *MockGateway) SetRules(r SymbolRules) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.Symbol] = r
}

// Seed places a position directly on the venue, bypassing Open. Used to
// simulate positions foreign to this system. Returns the venue id.
func (m *MockGateway) Seed(vp VenuePosition) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if vp.ID == "" {
		vp.ID = m.allocID()
	}
	if vp.MarkPrice == 0 {
		vp.MarkPrice = vp.EntryPrice
	}
	if vp.OpenedAt.IsZero() {
		vp.OpenedAt = time.Now()
	}
	cp := vp
	m.positions[vp.ID] = &cp
	return vp.ID
}

// SetMarkPrice moves the mark price of every position on a symbol and
// refreshes unrealized profit accordingly.
func (m *MockGateway) SetMarkPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.Symbol == symbol {
			p.MarkPrice = price
			p.UnrealizedProfit = unrealized(p.Side, p.EntryPrice, price, p.Size)
		}
	}
}

// PositionByID returns a copy of a venue position, if present.
func (m *MockGateway) PositionByID(id string) (VenuePosition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return VenuePosition{}, false
	}
	return *p, true
}

// CallCount reports how many times an operation was invoked.
func (m *MockGateway) CallCount(op mockOp) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCounts[op]
}

// Start begins a slow random-walk drift of mark prices for simulation mode.
func (m *MockGateway) Start() {
	m.mu.Lock()
	if m.simStarted {
		m.mu.Unlock()
		return
	}
	m.simStarted = true
	m.mu.Unlock()
	go m.runPriceSimulator()
}

// Stop halts the price simulator.
func (m *MockGateway) Stop() {
	m.mu.Lock()
	started := m.simStarted
	m.simStarted = false
	m.mu.Unlock()
	if started {
		close(m.simStop)
	}
}

func (m *MockGateway) runPriceSimulator() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	t := 0.0
	for {
		select {
		case <-m.simStop:
			return
		case <-ticker.C:
			t += 0.05
			m.mu.Lock()
			for _, p := range m.positions {
				p.MarkPrice = p.EntryPrice * (1 + 0.01*math.Sin(t))
				p.UnrealizedProfit = unrealized(p.Side, p.EntryPrice, p.MarkPrice, p.Size)
			}
			m.mu.Unlock()
		}
	}
}

// --- Gateway implementation ---

// SyncTime is a no-op for the mock venue.
func (m *MockGateway) SyncTime() error {
	logs.Debug("[Mock Venue] Skipping time synchronization.")
	return nil
}

func (m *MockGateway) Open(ctx context.Context, r OpenRequest) (*Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[OpOpen]++

	if err, apply := m.nextScripted(OpOpen); err != nil {
		if !apply {
			return nil, err
		}
		m.applyOpen(r)
		return nil, err
	}

	// Idempotency: a replayed token must not open a second position.
	if _, seen := m.usedTokens[r.Token]; seen {
		for _, p := range m.positions {
			if p.ClientTag == r.ClientTag {
				return &Fill{PositionID: p.ID, Symbol: p.Symbol, Side: p.Side, Size: p.Size, Price: p.EntryPrice, FilledAt: p.OpenedAt}, nil
			}
		}
		return nil, NewRejected("duplicate token for vanished position")
	}

	if r.Size <= 0 {
		return nil, NewRejected("size must be positive")
	}
	p := m.applyOpen(r)
	return &Fill{PositionID: p.ID, Symbol: p.Symbol, Side: p.Side, Size: p.Size, Price: p.EntryPrice, FilledAt: p.OpenedAt}, nil
}

func (m *MockGateway) applyOpen(r OpenRequest) *VenuePosition {
	rule := m.rules[r.Symbol]
	entry := rule.MinStopDistance * 1000 // synthetic price when none seeded
	if entry == 0 {
		entry = 100
	}
	p := &VenuePosition{
		ID:         m.allocID(),
		Symbol:     r.Symbol,
		Side:       r.Side,
		Size:       r.Size,
		EntryPrice: entry,
		MarkPrice:  entry,
		Stop:       r.Stop,
		Target:     r.Target,
		OpenedAt:   time.Now(),
		ClientTag:  r.ClientTag,
	}
	m.positions[p.ID] = p
	m.usedTokens[r.Token] = struct{}{}
	return p
}

func (m *MockGateway) Modify(ctx context.Context, r ModifyRequest) (*Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[OpModify]++

	if err, apply := m.nextScripted(OpModify); err != nil {
		if apply {
			m.applyModify(r)
		}
		return nil, err
	}

	if _, ok := m.positions[r.PositionID]; !ok {
		return nil, NewRejected(fmt.Sprintf("unknown position %s", r.PositionID))
	}
	if !m.applyModify(r) {
		return nil, NewRejected("level violates min distance from mark price")
	}
	return &Ack{PositionID: r.PositionID}, nil
}

func (m *MockGateway) applyModify(r ModifyRequest) bool {
	p, ok := m.positions[r.PositionID]
	if !ok {
		return false
	}
	if rule, ok := m.rules[p.Symbol]; ok && rule.MinStopDistance > 0 {
		if r.Stop > 0 && math.Abs(p.MarkPrice-r.Stop) < rule.MinStopDistance {
			return false
		}
		if r.Target > 0 && math.Abs(p.MarkPrice-r.Target) < rule.MinStopDistance {
			return false
		}
	}
	if r.Stop > 0 {
		p.Stop = r.Stop
	}
	if r.Target > 0 {
		p.Target = r.Target
	}
	m.usedTokens[r.Token] = struct{}{}
	return true
}

func (m *MockGateway) Close(ctx context.Context, r CloseRequest) (*Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[OpClose]++

	if err, apply := m.nextScripted(OpClose); err != nil {
		if apply {
			m.applyClose(r)
		}
		return nil, err
	}

	if _, seen := m.usedTokens[r.Token]; seen {
		// Replayed token: the reduction already happened once.
		return &Ack{PositionID: r.PositionID}, nil
	}
	if r.Fraction <= 0 || r.Fraction > 1 {
		return nil, NewRejected("fraction must be in (0, 1]")
	}
	if _, ok := m.positions[r.PositionID]; !ok {
		return nil, NewRejected(fmt.Sprintf("unknown position %s", r.PositionID))
	}
	m.applyClose(r)
	return &Ack{PositionID: r.PositionID}, nil
}

func (m *MockGateway) applyClose(r CloseRequest) {
	p, ok := m.positions[r.PositionID]
	if !ok {
		return
	}
	m.usedTokens[r.Token] = struct{}{}
	remaining := p.Size * (1 - r.Fraction)
	if remaining < 1e-9 {
		delete(m.positions, r.PositionID)
		return
	}
	p.Size = remaining
	p.UnrealizedProfit = unrealized(p.Side, p.EntryPrice, p.MarkPrice, p.Size)
}

func (m *MockGateway) Snapshot(ctx context.Context) ([]VenuePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[OpSnapshot]++

	if err, _ := m.nextScripted(OpSnapshot); err != nil {
		return nil, err
	}

	out := make([]VenuePosition, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (m *MockGateway) Account(ctx context.Context) (*AccountState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[OpAccount]++

	if err, _ := m.nextScripted(OpAccount); err != nil {
		return nil, err
	}
	acct := m.account
	return &acct, nil
}

func (m *MockGateway) Rules(symbol string) (SymbolRules, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[symbol]
	return r, ok
}

// nextScripted pops the next scripted error for an op. The second return
// reports whether the mutation should be applied anyway (timeout with
// apply-on-timeout enabled).
func (m *MockGateway) nextScripted(op mockOp) (error, bool) {
	q := m.scripted[op]
	if len(q) == 0 {
		return nil, false
	}
	err := q[0]
	m.scripted[op] = q[1:]
	if ge, ok := AsError(err); ok && ge.Kind == KindTimeout && m.applyOnTimeout {
		return err, true
	}
	return err, false
}

func (m *MockGateway) allocID() string {
	id := strconv.FormatInt(m.nextID, 10)
	m.nextID++
	return "VP-" + id
}

func unrealized(side Side, entry, mark, size float64) float64 {
	if side == Long {
		return (mark - entry) * size
	}
	return (entry - mark) * size
}
