// Package storage provides durable persistence for positions, signals, and
// tracked contracts. The core only requires create/read/update-by-key
// semantics, so the backing store is a single JSON file written atomically.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

// JSONStorage persists all records in one JSON document guarded by a RWMutex.
type JSONStorage struct {
	mu       sync.RWMutex
	filepath string
	data     *storageData
}

type storageData struct {
	Positions   map[string]models.Position        `json:"positions"`
	Signals     map[string]models.Signal          `json:"signals"`
	Tracked     map[string]models.TrackedContract `json:"tracked"`
	LastUpdated time.Time                         `json:"last_updated"`
}

func newStorageData() *storageData {
	return &storageData{
		Positions: make(map[string]models.Position),
		Signals:   make(map[string]models.Signal),
		Tracked:   make(map[string]models.TrackedContract),
	}
}

// NewJSONStorage opens (or creates) a JSON-backed store at the given path.
func NewJSONStorage(filepath string) (*JSONStorage, error) {
	s := &JSONStorage{
		filepath: filepath,
		data:     newStorageData(),
	}

	// Load existing data if file exists
	if _, err := os.Stat(filepath); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	}

	return s, nil
}

// Load reads the backing file into memory.
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}

	data := newStorageData()
	if err := json.Unmarshal(raw, data); err != nil {
		return err
	}
	// Guard against hand-edited files missing maps.
	if data.Positions == nil {
		data.Positions = make(map[string]models.Position)
	}
	if data.Signals == nil {
		data.Signals = make(map[string]models.Signal)
	}
	if data.Tracked == nil {
		data.Tracked = make(map[string]models.TrackedContract)
	}
	s.data = data
	return nil
}

// Save writes the current state to disk via a temp file and atomic rename.
func (s *JSONStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *JSONStorage) saveLocked() error {
	s.data.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpFile, s.filepath)
}

// CreatePosition inserts a new position row. Duplicate ids are rejected:
// positions are created exactly once, on a confirmed entry fill.
func (s *JSONStorage) CreatePosition(pos *models.Position) error {
	if pos == nil {
		return fmt.Errorf("nil position")
	}
	if err := pos.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Positions[pos.ID]; exists {
		return fmt.Errorf("position %s already exists", pos.ID)
	}
	s.data.Positions[pos.ID] = *pos
	return s.saveLocked()
}

// UpdatePosition replaces an existing position row.
func (s *JSONStorage) UpdatePosition(pos *models.Position) error {
	if pos == nil {
		return fmt.Errorf("nil position")
	}
	if err := pos.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Positions[pos.ID]; !exists {
		return fmt.Errorf("position %s: %w", pos.ID, ErrNotFound)
	}
	s.data.Positions[pos.ID] = *pos
	return s.saveLocked()
}

// GetPositionByID returns a copy of the position, or nil when absent.
func (s *JSONStorage) GetPositionByID(id string) *models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.data.Positions[id]
	if !ok {
		return nil
	}
	return &pos
}

// GetOpenPositions returns copies of all open positions.
func (s *JSONStorage) GetOpenPositions() []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Position, 0, len(s.data.Positions))
	for _, pos := range s.data.Positions {
		if pos.Status == models.StatusOpen {
			out = append(out, pos)
		}
	}
	return out
}

// GetPositionsByUser returns copies of all positions owned by a user.
func (s *JSONStorage) GetPositionsByUser(userID string) []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Position
	for _, pos := range s.data.Positions {
		if pos.UserID == userID {
			out = append(out, pos)
		}
	}
	return out
}

// SaveSignal inserts or replaces a signal record.
func (s *JSONStorage) SaveSignal(sig *models.Signal) error {
	if sig == nil || sig.ID == "" {
		return fmt.Errorf("signal missing id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Signals[sig.ID] = *sig
	return s.saveLocked()
}

// GetSignalByID returns a copy of the signal, or nil when absent.
func (s *JSONStorage) GetSignalByID(id string) *models.Signal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sig, ok := s.data.Signals[id]
	if !ok {
		return nil
	}
	return &sig
}

// FindSignal returns the first signal the predicate matches, or nil.
func (s *JSONStorage) FindSignal(match func(models.Signal) bool) *models.Signal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sig := range s.data.Signals {
		if match(sig) {
			out := sig
			return &out
		}
	}
	return nil
}

// UpsertTracked inserts or replaces the tracked-contract record for the
// contract's instrument key, preserving the invariant of at most one record
// per key.
func (s *JSONStorage) UpsertTracked(tc models.TrackedContract) error {
	if err := tc.Instrument.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Tracked[tc.Instrument.Key()] = tc
	return s.saveLocked()
}

// GetTracked returns the tracked record for an instrument key.
func (s *JSONStorage) GetTracked(key models.InstrumentKey) (models.TrackedContract, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tc, ok := s.data.Tracked[key.Key()]
	return tc, ok
}

// ActiveTracked returns copies of all active tracked contracts.
func (s *JSONStorage) ActiveTracked() []models.TrackedContract {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.TrackedContract, 0, len(s.data.Tracked))
	for _, tc := range s.data.Tracked {
		if tc.Active {
			out = append(out, tc)
		}
	}
	return out
}
