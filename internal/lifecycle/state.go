// ABOUTME: Agent lifecycle states and the transition table shared by runtime and coordinator
// ABOUTME: Any transition not listed here is a contract violation (ErrInvalidStateTransition)

package lifecycle

import (
	"errors"
	"fmt"
)

// ErrInvalidStateTransition is returned when a transition is not allowed by the state machine.
var ErrInvalidStateTransition = errors.New("invalid state transition")

// State is the lifecycle state of an agent.
type State string

const (
	StateRegistering  State = "REGISTERING"
	StateInitializing State = "INITIALIZING"
	StateActive       State = "ACTIVE"
	StateMonitoring   State = "MONITORING"
	StateStandby      State = "STANDBY"
	StateError        State = "ERROR"
	StateRecovering   State = "RECOVERING"
	StateShutdown     State = "SHUTDOWN"

	// StateSilent is assigned by the coordinator only, when heartbeats stop arriving.
	StateSilent State = "SILENT"
)

// AllStates lists every known state in display order.
var AllStates = []State{
	StateRegistering,
	StateInitializing,
	StateActive,
	StateMonitoring,
	StateStandby,
	StateSilent,
	StateError,
	StateRecovering,
	StateShutdown,
}

// transitions maps a state to the set of states reachable from it.
// SHUTDOWN is reachable from everywhere and handled separately.
var transitions = map[State][]State{
	StateRegistering:  {StateInitializing},
	StateInitializing: {StateActive, StateError, StateSilent},
	StateActive:       {StateMonitoring, StateStandby, StateError, StateSilent},
	StateMonitoring:   {StateActive, StateStandby, StateError, StateSilent},
	StateStandby:      {StateActive, StateMonitoring, StateError, StateSilent},
	StateError:        {StateRecovering},
	StateRecovering:   {StateActive, StateError},
	StateSilent: {
		StateInitializing,
		StateActive,
		StateMonitoring,
		StateStandby,
		StateError,
		StateRecovering,
	},
	StateShutdown: {},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateShutdown
}

// Operational reports whether the agent is doing (or ready to do) work.
func (s State) Operational() bool {
	switch s {
	case StateActive, StateMonitoring, StateStandby:
		return true
	default:
		return false
	}
}

// Watched reports whether the coordinator's liveness monitor should check the agent.
// Agents already in a failure or recovery state are handled by the recovery engine.
func (s State) Watched() bool {
	switch s {
	case StateInitializing, StateActive, StateMonitoring, StateStandby:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is allowed. A self transition is a no-op and allowed.
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	if to == StateShutdown {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate returns a wrapped ErrInvalidStateTransition when from -> to is not allowed.
func Validate(from, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
}

// Parse converts a string into a State, rejecting unknown values.
func Parse(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown agent state %q", s)
	}
	return st, nil
}
