package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProcessedSignalsIdempotent(t *testing.T) {
	s := openTestStore(t)

	has, err := s.HasProcessed("sig-1")
	if err != nil || has {
		t.Fatalf("expected unprocessed, got has=%v err=%v", has, err)
	}

	if err := s.MarkProcessed("sig-1"); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if err := s.MarkProcessed("sig-1"); err != nil {
		t.Fatalf("MarkProcessed (second call) must not error: %v", err)
	}

	has, err = s.HasProcessed("sig-1")
	if err != nil || !has {
		t.Fatalf("expected processed, got has=%v err=%v", has, err)
	}
}

func TestOrderTransitionsLastState(t *testing.T) {
	s := openTestStore(t)

	for _, state := range []string{"PENDING", "QUOTED", "SIGNED", "SUBMITTED", "CONFIRMED"} {
		if err := s.RecordTransition("sig-1", "asset-1", state); err != nil {
			t.Fatalf("RecordTransition(%s): %v", state, err)
		}
	}

	last, err := s.LastState("sig-1")
	if err != nil {
		t.Fatalf("LastState: %v", err)
	}
	if last != "CONFIRMED" {
		t.Errorf("LastState = %q, want CONFIRMED", last)
	}
}

func TestExitFractionsSum(t *testing.T) {
	s := openTestStore(t)

	if err := s.RecordExit("sig-1", "asset-1", 0.33); err != nil {
		t.Fatalf("RecordExit: %v", err)
	}
	if err := s.RecordExit("sig-1", "asset-1", 0.15); err != nil {
		t.Fatalf("RecordExit: %v", err)
	}

	sum, err := s.SumExitFractions("sig-1")
	if err != nil {
		t.Fatalf("SumExitFractions: %v", err)
	}
	if sum < 0.47 || sum > 0.49 {
		t.Errorf("SumExitFractions = %v, want ~0.48", sum)
	}
}

func TestUpsertPositionMerge(t *testing.T) {
	s := openTestStore(t)

	if err := s.UpsertPosition(PositionRow{
		SignalID: "sig-1", AssetID: "asset-1", EntryPrice: 1.0, Status: "active",
	}); err != nil {
		t.Fatalf("UpsertPosition (insert): %v", err)
	}

	if err := s.UpsertPosition(PositionRow{
		SignalID: "sig-1", Status: "completed",
	}); err != nil {
		t.Fatalf("UpsertPosition (update): %v", err)
	}

	rows, err := s.LoadPositionsByStatus("completed")
	if err != nil {
		t.Fatalf("LoadPositionsByStatus: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 completed position, got %d", len(rows))
	}
	if rows[0].EntryPrice != 1.0 {
		t.Errorf("expected entry_price preserved across update, got %v", rows[0].EntryPrice)
	}
}
