// state/state.go
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"auto_guard_go/registry"
	"auto_guard_go/risk"
)

// ManagerInterface defines the persistence capabilities the orchestrator and
// the cycle loop depend on. Interface-oriented so the monitor can be tested
// against an in-memory implementation.
type ManagerInterface interface {
	// Positions returns the persisted positions from the last save, used as
	// advisory context during startup reconciliation.
	Positions() []registry.Position
	// Account returns the persisted account tracker snapshot.
	Account() risk.AccountSnapshot
	// Accounting returns the persisted realized PnL and loss streak.
	Accounting() (float64, int)
	// Save replaces the persisted state with the given snapshot.
	Save(positions []registry.Position, account risk.AccountSnapshot, realized float64, lossStreak int) error
}

// AppState is the top-level structure persisted to state.json.
type AppState struct {
	SavedAt     time.Time            `json:"saved_at"`
	Positions   []registry.Position  `json:"positions"`
	Account     risk.AccountSnapshot `json:"account"`
	RealizedPNL float64              `json:"realized_pnl"`
	LossStreak  int                  `json:"loss_streak"`
}

// Manager is the file-backed implementation of ManagerInterface. Saves are
// atomic: write to a temp file, then rename over the target.
type Manager struct {
	mu       sync.RWMutex
	filePath string
	state    *AppState
}

var _ ManagerInterface = (*Manager)(nil)

// NewManager loads existing state from filePath, or starts fresh when the
// file does not exist yet.
func NewManager(filePath string) (*Manager, error) {
	m := &Manager{
		filePath: filePath,
		state: &AppState{
			Positions: make([]registry.Position, 0),
		},
	}

	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			if dir := filepath.Dir(filePath); dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return nil, fmt.Errorf("failed to create state directory: %w", err)
				}
			}
			if err := m.save(); err != nil {
				return nil, fmt.Errorf("failed to create initial empty state file: %w", err)
			}
			return m, nil
		}
		return nil, fmt.Errorf("failed to load initial state: %w", err)
	}
	return m, nil
}

func (m *Manager) save() error {
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state for saving: %w", err)
	}

	tmpFilePath := m.filePath + ".tmp"
	if err := os.WriteFile(tmpFilePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write to temporary state file: %w", err)
	}
	return os.Rename(tmpFilePath, m.filePath)
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.filePath)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, m.state)
}

func (m *Manager) Positions() []registry.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]registry.Position, len(m.state.Positions))
	copy(out, m.state.Positions)
	return out
}

func (m *Manager) Account() risk.AccountSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Account
}

func (m *Manager) Accounting() (float64, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.RealizedPNL, m.state.LossStreak
}

func (m *Manager) Save(positions []registry.Position, account risk.AccountSnapshot, realized float64, lossStreak int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = &AppState{
		SavedAt:     time.Now(),
		Positions:   positions,
		Account:     account,
		RealizedPNL: realized,
		LossStreak:  lossStreak,
	}
	return m.save()
}
