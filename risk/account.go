// risk/account.go
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"auto_guard_go/config"
	"auto_guard_go/gateway"
	"auto_guard_go/logs"
)

// AccountTracker follows the account's equity curve: peak equity for
// drawdown, day-start equity for the daily hard stop.
type AccountTracker struct {
	mu          sync.Mutex
	gw          gateway.Gateway
	cfg         *config.RiskConfig
	balance     float64
	equity      float64
	peakEquity  float64
	dayStart    float64
	day         time.Time
	hardStopped bool
}

// AccountSnapshot is the persistable part of the tracker.
type AccountSnapshot struct {
	PeakEquity  float64   `json:"peak_equity"`
	DayStart    float64   `json:"day_start_equity"`
	Day         time.Time `json:"day"`
	HardStopped bool      `json:"hard_stopped"`
}

// NewAccountTracker creates a tracker reading equity through the gateway.
func NewAccountTracker(gw gateway.Gateway, cfg *config.RiskConfig) *AccountTracker {
	return &AccountTracker{gw: gw, cfg: cfg}
}

// Refresh pulls the current account state and updates peak, day-start and
// the hard stop. The hard stop latches for the rest of the day once hit.
func (t *AccountTracker) Refresh(ctx context.Context, now time.Time) error {
	acct, err := t.gw.Account(ctx)
	if err != nil {
		return fmt.Errorf("account refresh: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.balance = acct.Balance
	t.equity = acct.Equity
	if t.equity > t.peakEquity {
		t.peakEquity = t.equity
	}

	day := now.Truncate(24 * time.Hour)
	if !day.Equal(t.day) {
		t.day = day
		t.dayStart = t.equity
		if t.hardStopped {
			logs.Warnf("[Account] New trading day, releasing daily hard stop.")
		}
		t.hardStopped = false
	}

	if !t.hardStopped && t.cfg.HardStopDailyLoss > 0 && t.dayStart > 0 {
		loss := (t.dayStart - t.equity) / t.dayStart
		if loss >= t.cfg.HardStopDailyLoss {
			t.hardStopped = true
			logs.Errorf("[Account] Daily loss %.2f%% hit hard stop %.2f%%, halting non-closing mutations.",
				loss*100, t.cfg.HardStopDailyLoss*100)
		}
	}
	return nil
}

// Balance returns the last observed wallet balance.
func (t *AccountTracker) Balance() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balance
}

// Equity returns the last observed equity.
func (t *AccountTracker) Equity() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.equity
}

// Drawdown returns the fractional distance below peak equity.
func (t *AccountTracker) Drawdown() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.peakEquity <= 0 {
		return 0
	}
	dd := 1 - t.equity/t.peakEquity
	if dd < 0 {
		return 0
	}
	return dd
}

// HardStopped reports whether the daily loss hard stop is latched.
func (t *AccountTracker) HardStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hardStopped
}

// Snapshot returns the persistable tracker state.
func (t *AccountTracker) Snapshot() AccountSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return AccountSnapshot{
		PeakEquity:  t.peakEquity,
		DayStart:    t.dayStart,
		Day:         t.day,
		HardStopped: t.hardStopped,
	}
}

// Restore reloads persisted state after a restart.
func (t *AccountTracker) Restore(s AccountSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peakEquity = s.PeakEquity
	t.dayStart = s.DayStart
	t.day = s.Day
	t.hardStopped = s.HardStopped
}
