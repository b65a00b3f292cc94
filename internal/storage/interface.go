package storage

import (
	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

// Interface defines the contract for position, signal, and tracked-contract
// persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe and can safely call these methods from multiple
// goroutines.
//
// The provided JSONStorage implementation uses sync.RWMutex to serialize
// access, ensuring all Interface methods are protected for concurrent
// readers and writers.
type Interface interface {
	// Position records. CreatePosition rejects duplicate ids; positions are
	// closed via UpdatePosition, never deleted.
	CreatePosition(pos *models.Position) error
	UpdatePosition(pos *models.Position) error
	GetPositionByID(id string) *models.Position
	GetOpenPositions() []models.Position
	GetPositionsByUser(userID string) []models.Position

	// Signal records.
	SaveSignal(sig *models.Signal) error
	GetSignalByID(id string) *models.Signal
	FindSignal(match func(models.Signal) bool) *models.Signal

	// Tracked-contract records, keyed by instrument key. At most one record
	// per key; untracking flips Active off rather than deleting.
	UpsertTracked(tc models.TrackedContract) error
	GetTracked(key models.InstrumentKey) (models.TrackedContract, bool)
	ActiveTracked() []models.TrackedContract

	// Data persistence
	Save() error
	Load() error
}

// NewStorage opens the default persistence backend, a JSON file at the
// given path.
func NewStorage(filepath string) (Interface, error) {
	return NewJSONStorage(filepath)
}

// Ensure JSONStorage implements Interface
var _ Interface = (*JSONStorage)(nil)
