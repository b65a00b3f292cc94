package storage

import (
	"fmt"
	"sync"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

// MockStorage implements Interface for testing
type MockStorage struct {
	mu            sync.RWMutex
	positions     map[string]models.Position
	signals       map[string]models.Signal
	tracked       map[string]models.TrackedContract
	saveError     error
	loadError     error
	createError   error
	saveCallCount int
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{
		positions: make(map[string]models.Position),
		signals:   make(map[string]models.Signal),
		tracked:   make(map[string]models.TrackedContract),
	}
}

// CreatePosition inserts a position, honoring the duplicate-id invariant.
func (m *MockStorage) CreatePosition(pos *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createError != nil {
		return m.createError
	}
	if _, exists := m.positions[pos.ID]; exists {
		return fmt.Errorf("position %s already exists", pos.ID)
	}
	m.positions[pos.ID] = *pos
	return nil
}

// UpdatePosition replaces a stored position.
func (m *MockStorage) UpdatePosition(pos *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.positions[pos.ID]; !exists {
		return fmt.Errorf("position %s: %w", pos.ID, ErrNotFound)
	}
	m.positions[pos.ID] = *pos
	return nil
}

// GetPositionByID returns a stored position or nil.
func (m *MockStorage) GetPositionByID(id string) *models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pos, ok := m.positions[id]
	if !ok {
		return nil
	}
	return &pos
}

// GetOpenPositions returns all open positions.
func (m *MockStorage) GetOpenPositions() []models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Position
	for _, pos := range m.positions {
		if pos.Status == models.StatusOpen {
			out = append(out, pos)
		}
	}
	return out
}

// GetPositionsByUser returns all positions for a user.
func (m *MockStorage) GetPositionsByUser(userID string) []models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Position
	for _, pos := range m.positions {
		if pos.UserID == userID {
			out = append(out, pos)
		}
	}
	return out
}

// SaveSignal stores a signal.
func (m *MockStorage) SaveSignal(sig *models.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.signals[sig.ID] = *sig
	return nil
}

// GetSignalByID returns a stored signal or nil.
func (m *MockStorage) GetSignalByID(id string) *models.Signal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sig, ok := m.signals[id]
	if !ok {
		return nil
	}
	return &sig
}

// FindSignal returns the first matching signal or nil.
func (m *MockStorage) FindSignal(match func(models.Signal) bool) *models.Signal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sig := range m.signals {
		if match(sig) {
			out := sig
			return &out
		}
	}
	return nil
}

// UpsertTracked stores a tracked-contract record.
func (m *MockStorage) UpsertTracked(tc models.TrackedContract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveError != nil {
		return m.saveError
	}
	m.tracked[tc.Instrument.Key()] = tc
	return nil
}

// GetTracked returns the tracked record for a key.
func (m *MockStorage) GetTracked(key models.InstrumentKey) (models.TrackedContract, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tc, ok := m.tracked[key.Key()]
	return tc, ok
}

// ActiveTracked returns all active tracked contracts.
func (m *MockStorage) ActiveTracked() []models.TrackedContract {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.TrackedContract
	for _, tc := range m.tracked {
		if tc.Active {
			out = append(out, tc)
		}
	}
	return out
}

// Save records the call and returns the configured error.
func (m *MockStorage) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	return m.saveError
}

// Load returns the configured error.
func (m *MockStorage) Load() error {
	return m.loadError
}

// Mock control methods for testing
func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

func (m *MockStorage) SetCreateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createError = err
}

func (m *MockStorage) GetSaveCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saveCallCount
}

// Ensure MockStorage implements Interface
var _ Interface = (*MockStorage)(nil)
