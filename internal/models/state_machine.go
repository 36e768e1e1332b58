// Package models provides data structures and state management for wheel
// strategy layers.
package models

import (
	"fmt"
	"time"
)

// LayerState represents where in the wheel cycle a layer currently is.
type LayerState string

const (
	// StateIdle means the layer holds nothing and may sell a new put.
	StateIdle LayerState = "idle"
	// StateShortPut means the layer has an open cash-secured put.
	StateShortPut LayerState = "short_put"
	// StateLongShares means the layer holds 100*contracts shares from assignment.
	StateLongShares LayerState = "long_shares"
	// StateShortCall means the layer holds shares plus an open covered call.
	StateShortCall LayerState = "short_call"
)

// Transition condition constants. Transitions are driven only by
// broker-reported fills, assignments, and expirations.
const (
	ConditionPutOpened    = "put_opened"
	ConditionPutAssigned  = "put_assigned"
	ConditionPutExpired   = "put_expired"
	ConditionPutClosed    = "put_closed" // buy-to-close, e.g. the close half of a roll
	ConditionCallOpened   = "call_opened"
	ConditionCallAssigned = "call_assigned"
	ConditionCallExpired  = "call_expired"
	ConditionCallClosed   = "call_closed"
	ConditionLiquidated   = "liquidated"
)

// StateTransition defines a valid layer state transition.
type StateTransition struct {
	From        LayerState
	To          LayerState
	Condition   string
	Description string
}

// ValidTransitions is the complete wheel transition table. A roll is not a
// state: it is a put_closed (or call_closed) followed by a fresh open.
var ValidTransitions = []StateTransition{
	{StateIdle, StateShortPut, ConditionPutOpened, "Cash-secured put sold"},
	{StateShortPut, StateLongShares, ConditionPutAssigned, "Put assigned, shares delivered at strike"},
	{StateShortPut, StateIdle, ConditionPutExpired, "Put expired worthless"},
	{StateShortPut, StateIdle, ConditionPutClosed, "Put bought to close"},
	{StateLongShares, StateShortCall, ConditionCallOpened, "Covered call sold against shares"},
	{StateLongShares, StateIdle, ConditionLiquidated, "Shares sold outside the wheel"},
	{StateShortCall, StateIdle, ConditionCallAssigned, "Shares called away"},
	{StateShortCall, StateLongShares, ConditionCallExpired, "Call expired worthless, shares retained"},
	{StateShortCall, StateLongShares, ConditionCallClosed, "Call bought to close, shares retained"},
}

// StateMachine tracks the lifecycle of a single wheel layer.
type StateMachine struct {
	currentState    LayerState
	previousState   LayerState
	transitionTime  time.Time
	transitionCount map[LayerState]int
}

// NewStateMachine creates a state machine starting at idle.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		currentState:    StateIdle,
		previousState:   StateIdle,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[LayerState]int),
	}
}

// NewStateMachineFromState creates a state machine seeded from a persisted or
// reconstructed state. Used when rebuilding layers from broker positions.
func NewStateMachineFromState(state LayerState) *StateMachine {
	sm := NewStateMachine()
	if state != "" {
		sm.currentState = state
		sm.previousState = state
	}
	return sm
}

// GetCurrentState returns the current state.
func (sm *StateMachine) GetCurrentState() LayerState {
	return sm.currentState
}

// GetPreviousState returns the state before the most recent transition.
func (sm *StateMachine) GetPreviousState() LayerState {
	return sm.previousState
}

// IsValidTransition checks whether the requested transition is defined.
func (sm *StateMachine) IsValidTransition(to LayerState, condition string) error {
	for _, t := range ValidTransitions {
		if t.From == sm.currentState && t.To == to && t.Condition == condition {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s with condition %q",
		sm.currentState, to, condition)
}

// Transition moves to a new state.
func (sm *StateMachine) Transition(to LayerState, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}

	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// GetTransitionCount returns how many times the machine has entered a state.
func (sm *StateMachine) GetTransitionCount(state LayerState) int {
	return sm.transitionCount[state]
}

// Reset returns the machine to idle for a fresh wheel cycle.
func (sm *StateMachine) Reset() {
	sm.currentState = StateIdle
	sm.previousState = StateIdle
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount = make(map[LayerState]int)
}

// HoldsShares reports whether the current state implies share ownership.
func (sm *StateMachine) HoldsShares() bool {
	return sm.currentState == StateLongShares || sm.currentState == StateShortCall
}

// GetStateDescription returns a human-readable description of the current state.
func (sm *StateMachine) GetStateDescription() string {
	switch sm.currentState {
	case StateIdle:
		return "Idle: no open position, eligible for a new cash-secured put"
	case StateShortPut:
		return "Short put: awaiting expiration or assignment"
	case StateLongShares:
		return "Long shares: assigned, eligible for a covered call"
	case StateShortCall:
		return "Short call: covered call open against held shares"
	default:
		return "Unknown state"
	}
}

// Copy creates a deep copy of the StateMachine.
func (sm *StateMachine) Copy() *StateMachine {
	if sm == nil {
		return nil
	}
	out := &StateMachine{
		currentState:   sm.currentState,
		previousState:  sm.previousState,
		transitionTime: sm.transitionTime,
	}
	out.transitionCount = make(map[LayerState]int, len(sm.transitionCount))
	for k, v := range sm.transitionCount {
		out.transitionCount[k] = v
	}
	return out
}
