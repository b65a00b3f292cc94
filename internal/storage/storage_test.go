package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/models"
)

func newTestStorage(t *testing.T) (*JSONStorage, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "positions.json")
	s, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("NewJSONStorage: %v", err)
	}
	return s, path
}

func testPosition(id string) *models.Position {
	return &models.Position{
		ID:           id,
		UserID:       "michael",
		Instrument:   models.OptionKey("SPY", "2024-03-15", 610, models.RightCall),
		Quantity:     2,
		EntryPrice:   2.10,
		EntryOrderID: 1001,
		EntryDate:    time.Now().UTC(),
		Status:       models.StatusOpen,
		Account:      models.AccountPaperInternal,
	}
}

func TestCreatePositionRejectsDuplicates(t *testing.T) {
	s, _ := newTestStorage(t)

	if err := s.CreatePosition(testPosition("pos-1")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := s.CreatePosition(testPosition("pos-1")); err == nil {
		t.Error("duplicate create should fail")
	}
}

func TestCreatePositionValidates(t *testing.T) {
	s, _ := newTestStorage(t)

	pos := testPosition("pos-1")
	pos.Quantity = 0
	if err := s.CreatePosition(pos); err == nil {
		t.Error("invalid position should be rejected")
	}
	if s.GetPositionByID("pos-1") != nil {
		t.Error("rejected position should not be stored")
	}
}

func TestUpdateMissingPosition(t *testing.T) {
	s, _ := newTestStorage(t)

	err := s.UpdatePosition(testPosition("ghost"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClosePositionRoundTrip(t *testing.T) {
	s, path := newTestStorage(t)

	pos := testPosition("pos-1")
	if err := s.CreatePosition(pos); err != nil {
		t.Fatalf("create: %v", err)
	}

	pos.Status = models.StatusClosed
	pos.ExitPrice = 2.45
	pos.ExitOrderID = 1002
	pos.ExitDate = time.Now().UTC()
	if err := s.UpdatePosition(pos); err != nil {
		t.Fatalf("update: %v", err)
	}

	// Reopen from disk to prove the write was durable.
	reopened, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := reopened.GetPositionByID("pos-1")
	if got == nil {
		t.Fatal("position lost on reload")
	}
	if got.Status != models.StatusClosed || got.ExitPrice != 2.45 {
		t.Errorf("reloaded position = %+v", got)
	}

	if open := reopened.GetOpenPositions(); len(open) != 0 {
		t.Errorf("closed position still listed as open: %v", open)
	}
}

func TestGetPositionsByUser(t *testing.T) {
	s, _ := newTestStorage(t)

	a := testPosition("pos-a")
	b := testPosition("pos-b")
	b.UserID = "dwight"
	for _, pos := range []*models.Position{a, b} {
		if err := s.CreatePosition(pos); err != nil {
			t.Fatalf("create %s: %v", pos.ID, err)
		}
	}

	got := s.GetPositionsByUser("dwight")
	if len(got) != 1 || got[0].ID != "pos-b" {
		t.Errorf("GetPositionsByUser = %+v", got)
	}
}

func TestGetPositionReturnsCopy(t *testing.T) {
	s, _ := newTestStorage(t)

	if err := s.CreatePosition(testPosition("pos-1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	first := s.GetPositionByID("pos-1")
	first.EntryPrice = 99.0
	second := s.GetPositionByID("pos-1")
	if second.EntryPrice != 2.10 {
		t.Error("mutating a returned position leaked into storage")
	}
}

func TestSignals(t *testing.T) {
	s, _ := newTestStorage(t)

	sig := &models.Signal{
		ID:         "sig-1",
		UserID:     "michael",
		PositionID: "pos-1",
		Instrument: models.OptionKey("SPY", "2024-03-15", 610, models.RightCall),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.SaveSignal(sig); err != nil {
		t.Fatalf("save signal: %v", err)
	}

	if got := s.GetSignalByID("sig-1"); got == nil || got.PositionID != "pos-1" {
		t.Errorf("GetSignalByID = %+v", got)
	}
	if got := s.GetSignalByID("missing"); got != nil {
		t.Errorf("missing signal should be nil, got %+v", got)
	}

	found := s.FindSignal(func(sg models.Signal) bool { return sg.PositionID == "pos-1" })
	if found == nil || found.ID != "sig-1" {
		t.Errorf("FindSignal = %+v", found)
	}

	if err := s.SaveSignal(&models.Signal{}); err == nil {
		t.Error("signal without id should be rejected")
	}
}

func TestTrackedContracts(t *testing.T) {
	s, path := newTestStorage(t)

	key := models.OptionKey("SPY", "2024-03-15", 610, models.RightCall)
	tc := models.TrackedContract{Instrument: key, AddedAt: time.Now().UTC(), Active: true}
	if err := s.UpsertTracked(tc); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if got, ok := s.GetTracked(key); !ok || !got.Active {
		t.Errorf("GetTracked = %+v, ok=%v", got, ok)
	}
	if active := s.ActiveTracked(); len(active) != 1 {
		t.Errorf("ActiveTracked = %v", active)
	}

	// Untracking deactivates in place, keeping exactly one record per key.
	tc.Active = false
	if err := s.UpsertTracked(tc); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if active := s.ActiveTracked(); len(active) != 0 {
		t.Errorf("deactivated contract still active: %v", active)
	}
	if _, ok := s.GetTracked(key); !ok {
		t.Error("deactivated contract should still exist")
	}

	reopened, err := NewJSONStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got, ok := reopened.GetTracked(key); !ok || got.Active {
		t.Errorf("reloaded tracked record = %+v, ok=%v", got, ok)
	}
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	s, path := newTestStorage(t)

	if err := s.CreatePosition(testPosition("pos-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind after save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("backing file missing: %v", err)
	}
}
