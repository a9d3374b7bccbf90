package order

import (
	"path/filepath"
	"testing"

	"github.com/spbarathg/callsbotsimp/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestHappyPathTransitions(t *testing.T) {
	st := testStore(t)
	fsm, err := New(st, "sig-1", "asset-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, next := range []State{StatePending, StateQuoted, StateSigned, StateSubmitted, StateConfirmed, StateClosed} {
		if err := fsm.Transition(next); err != nil {
			t.Fatalf("Transition(%s): %v", next, err)
		}
	}
	if fsm.Current() != StateClosed {
		t.Errorf("expected CLOSED, got %s", fsm.Current())
	}
	if !fsm.IsTerminal() {
		t.Error("expected IsTerminal true at CLOSED")
	}
}

func TestFailedReachableFromAnyNonTerminalState(t *testing.T) {
	st := testStore(t)
	fsm, _ := New(st, "sig-2", "asset-2")
	fsm.Transition(StatePending)
	fsm.Transition(StateQuoted)
	if err := fsm.Transition(StateFailed); err != nil {
		t.Fatalf("Transition(FAILED): %v", err)
	}
	if fsm.Current() != StateFailed {
		t.Errorf("expected FAILED, got %s", fsm.Current())
	}
}

func TestRejectsBackwardTransition(t *testing.T) {
	st := testStore(t)
	fsm, _ := New(st, "sig-3", "asset-3")
	fsm.Transition(StatePending)
	fsm.Transition(StateQuoted)
	if err := fsm.Transition(StatePending); err == nil {
		t.Error("expected error transitioning backward to PENDING")
	}
}

func TestRejectsTransitionFromTerminalState(t *testing.T) {
	st := testStore(t)
	fsm, _ := New(st, "sig-4", "asset-4")
	fsm.Transition(StatePending)
	fsm.Transition(StateFailed)
	if err := fsm.Transition(StateQuoted); err == nil {
		t.Error("expected error transitioning out of FAILED")
	}
}

func TestRecoversLastStateFromStore(t *testing.T) {
	st := testStore(t)
	fsm1, _ := New(st, "sig-5", "asset-5")
	fsm1.Transition(StatePending)
	fsm1.Transition(StateQuoted)
	fsm1.Transition(StateSigned)

	fsm2, err := New(st, "sig-5", "asset-5")
	if err != nil {
		t.Fatalf("New (recovery): %v", err)
	}
	if fsm2.Current() != StateSigned {
		t.Errorf("expected recovered state SIGNED, got %s", fsm2.Current())
	}
}
