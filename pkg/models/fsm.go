package models

import "fmt"

// Strict dispatcher states for the recovery FSM
const (
	StateRunning      DispatcherState = "running"       // application code executing
	StateFaultPending DispatcherState = "fault_pending" // fault observed, recovery not started
	StateUnwinding    DispatcherState = "unwinding"     // cleanup stack executing
	StateConsensus    DispatcherState = "consensus"     // agreeing on step and membership
	StateDispatching  DispatcherState = "dispatching"   // re-entering application code
	StateAborted      DispatcherState = "aborted"       // terminal, process exits non-zero
)

// DispatcherState is the recovery state machine's state.
type DispatcherState string

// validTransitions maps from-state to allowed to-states
var validTransitions = map[DispatcherState]map[DispatcherState]bool{
	StateRunning: {
		StateFaultPending: true, // explicit raise, detected failure, or probe
	},
	StateFaultPending: {
		StateUnwinding: true, // every live/added process begins unwinding
	},
	StateUnwinding: {
		StateAborted:   true, // some process's unwind reported ABORT
		StateConsensus: true, // all unwinds reported success
	},
	StateConsensus: {
		StateDispatching: true, // ConsensusResult computed and broadcast
		StateAborted:     true, // no checkpoint source for a replaced rank
	},
	StateDispatching: {
		StateRunning: true, // entry point invoked with its classification
	},
	// Terminal state (no transitions allowed)
	StateAborted: {},
}

// ValidateTransition checks if a dispatcher state transition is valid.
func ValidateTransition(from, to DispatcherState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if the state is terminal.
func IsTerminalState(state DispatcherState) bool {
	return state == StateAborted
}
