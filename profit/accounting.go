// profit/accounting.go
package profit

import (
	"sync"
	"time"

	"auto_guard_go/gateway"
	"auto_guard_go/logs"
)

// Accountant tracks realized PnL from confirmed closes. The loss streak
// feeds recovery-mode selection and daily totals feed the hard stop check.
type Accountant struct {
	mu            sync.Mutex
	realized      float64
	dailyRealized float64
	day           time.Time
	lossStreak    int
}

// NewAccountant creates an empty accountant.
func NewAccountant() *Accountant {
	return &Accountant{}
}

// RecordPNL registers a realized profit or loss at the given time.
// Consecutive losses extend the streak, any profit resets it.
func (a *Accountant) RecordPNL(pnl float64, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.rollDay(at)
	a.realized += pnl
	a.dailyRealized += pnl
	if pnl < 0 {
		a.lossStreak++
		logs.Infof("[Accountant] Realized loss %.4f, streak now %d.", pnl, a.lossStreak)
	} else {
		a.lossStreak = 0
	}
}

// RealizedPNL returns the total realized PnL since start (or restore).
func (a *Accountant) RealizedPNL() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.realized
}

// DailyRealized returns realized PnL for the calendar day containing at.
func (a *Accountant) DailyRealized(at time.Time) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollDay(at)
	return a.dailyRealized
}

// LossStreak returns the current run of consecutive realized losses.
func (a *Accountant) LossStreak() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lossStreak
}

// Restore reloads persisted totals after a restart.
func (a *Accountant) Restore(realized float64, lossStreak int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.realized = realized
	a.lossStreak = lossStreak
}

// rollDay resets the daily total when the calendar day changes. Caller must
// hold the lock.
func (a *Accountant) rollDay(at time.Time) {
	day := at.Truncate(24 * time.Hour)
	if !day.Equal(a.day) {
		a.day = day
		a.dailyRealized = 0
	}
}

// RealizedFromClose computes the realized PnL of closing qty units of a
// position at the given exit price.
func RealizedFromClose(side gateway.Side, entry, exit, qty float64) float64 {
	if side == gateway.Long {
		return (exit - entry) * qty
	}
	return (entry - exit) * qty
}
