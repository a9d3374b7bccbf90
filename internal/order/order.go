// Package order implements the Order FSM: a per-signal
// finite-state machine whose every transition is durably persisted
// before the next external action is taken.
package order

import (
	"fmt"

	"github.com/spbarathg/callsbotsimp/internal/store"
)

// State is an Order's lifecycle state.
type State string

const (
	StatePending   State = "PENDING"
	StateQuoted    State = "QUOTED"
	StateSigned    State = "SIGNED"
	StateSubmitted State = "SUBMITTED"
	StateConfirmed State = "CONFIRMED"
	StateFailed    State = "FAILED"
	StateClosed    State = "CLOSED"
)

var validTransitions = map[State][]State{
	"":             {StatePending},
	StatePending:   {StateQuoted, StateFailed},
	StateQuoted:    {StateSigned, StateFailed},
	StateSigned:    {StateSubmitted, StateFailed},
	StateSubmitted: {StateConfirmed, StateFailed},
	StateConfirmed: {StateClosed},
}

// FSM drives a single signal_id's order through its states, persisting
// each transition via the Idempotency & State Store before returning.
type FSM struct {
	store    *store.Store
	signalID string
	assetID  string
	current  State
}

// New builds an FSM for signalID/assetID, loading the last persisted
// state if one exists (crash recovery).
func New(st *store.Store, signalID, assetID string) (*FSM, error) {
	last, err := st.LastState(signalID)
	if err != nil {
		return nil, fmt.Errorf("load last state for %s: %w", signalID, err)
	}
	return &FSM{store: st, signalID: signalID, assetID: assetID, current: State(last)}, nil
}

// Current returns the FSM's current state.
func (f *FSM) Current() State { return f.current }

// Transition advances the FSM to next, persisting it first. Transitions
// only move forward per the allowed-edges table, except FAILED which is
// reachable from any non-terminal state.
func (f *FSM) Transition(next State) error {
	if !f.allowed(next) {
		return fmt.Errorf("invalid order transition %s -> %s for signal %s", f.current, next, f.signalID)
	}
	if err := f.store.RecordTransition(f.signalID, f.assetID, string(next)); err != nil {
		return fmt.Errorf("persist transition %s -> %s: %w", f.current, next, err)
	}
	f.current = next
	return nil
}

func (f *FSM) allowed(next State) bool {
	if next == StateFailed {
		// FAILED is reachable from CONFIRMED too: the engine marks an
		// order CONFIRMED optimistically right after submit, and the
		// background confirmer downgrades it if the transaction never
		// lands.
		return f.current != StateClosed && f.current != StateFailed
	}
	for _, s := range validTransitions[f.current] {
		if s == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the FSM has reached a state with no further
// transitions (FAILED or CLOSED).
func (f *FSM) IsTerminal() bool {
	return f.current == StateFailed || f.current == StateClosed
}
