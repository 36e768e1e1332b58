package models

import (
	"fmt"
	"time"
)

// SharesPerContract is the equity multiplier for standard US options.
const SharesPerContract = 100

// OptionLeg describes one open short option held by a layer.
type OptionLeg struct {
	Symbol     string    `json:"symbol"` // OCC option symbol
	Strike     float64   `json:"strike"`
	Expiration time.Time `json:"expiration"`
	Contracts  int       `json:"contracts"`
	EntryPrice float64   `json:"entry_price"` // per-share premium at open
	OpenedAt   time.Time `json:"opened_at"`
}

// DTE returns the leg's days to expiration, never negative.
func (l *OptionLeg) DTE() int {
	now := time.Now().UTC().Truncate(24 * time.Hour)
	exp := l.Expiration.UTC().Truncate(24 * time.Hour)
	days := int(exp.Sub(now).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// Layer is one independent wheel cycle instance for a symbol. A symbol may
// run several interchangeable layers concurrently, numbered 1..MaxWheelLayers.
type Layer struct {
	StateMachine *StateMachine `json:"-"`     // runtime only
	State        LayerState    `json:"state"` // canonical persisted state
	ID           string        `json:"id"`
	Symbol       string        `json:"symbol"`
	Number       int           `json:"number"`
	Put          *OptionLeg    `json:"put,omitempty"`
	Call         *OptionLeg    `json:"call,omitempty"`
	SharesQty    int           `json:"shares_qty"`
	RawBasis     float64       `json:"raw_basis"` // share acquisition price before premium credits
	AcquiredAt   time.Time     `json:"acquired_at,omitempty"`
	LastChecked  time.Time     `json:"last_checked,omitempty"`
}

// NewLayer creates an idle layer for a symbol slot.
func NewLayer(id, symbol string, number int) *Layer {
	return &Layer{
		ID:           id,
		Symbol:       symbol,
		Number:       number,
		State:        StateIdle,
		StateMachine: NewStateMachine(),
	}
}

// ensureMachine initializes the runtime state machine from the canonical state.
func (l *Layer) ensureMachine() *StateMachine {
	if l.StateMachine == nil {
		l.StateMachine = NewStateMachineFromState(l.State)
	}
	return l.StateMachine
}

// TransitionState moves the layer to a new state and keeps the canonical
// persisted state in sync.
func (l *Layer) TransitionState(to LayerState, condition string) error {
	if err := l.ensureMachine().Transition(to, condition); err != nil {
		return fmt.Errorf("layer %s/%d state transition failed: %w", l.Symbol, l.Number, err)
	}
	l.State = to

	switch condition {
	case ConditionPutExpired, ConditionPutClosed:
		l.Put = nil
	case ConditionPutAssigned:
		// Shares delivered at the put strike.
		if l.Put != nil {
			l.SharesQty = l.Put.Contracts * SharesPerContract
			l.RawBasis = l.Put.Strike
			l.AcquiredAt = time.Now().UTC()
		}
		l.Put = nil
	case ConditionCallExpired, ConditionCallClosed:
		l.Call = nil
	case ConditionCallAssigned, ConditionLiquidated:
		l.clearHoldings()
	}
	return nil
}

func (l *Layer) clearHoldings() {
	l.Put = nil
	l.Call = nil
	l.SharesQty = 0
	l.RawBasis = 0
	l.AcquiredAt = time.Time{}
}

// GetCurrentState returns the canonical persisted state.
func (l *Layer) GetCurrentState() LayerState {
	return l.State
}

// Validate enforces the layer invariants: at most one open put and one open
// call, and holdings consistent with the current state.
func (l *Layer) Validate() error {
	switch l.State {
	case StateIdle:
		if l.Put != nil || l.Call != nil || l.SharesQty != 0 {
			return fmt.Errorf("layer %s/%d idle but holds positions", l.Symbol, l.Number)
		}
	case StateShortPut:
		if l.Put == nil {
			return fmt.Errorf("layer %s/%d in short_put without an open put", l.Symbol, l.Number)
		}
		if l.Call != nil {
			return fmt.Errorf("layer %s/%d holds a call while short a put", l.Symbol, l.Number)
		}
		if l.SharesQty != 0 {
			return fmt.Errorf("layer %s/%d holds shares while short a put", l.Symbol, l.Number)
		}
	case StateLongShares:
		if l.SharesQty <= 0 {
			return fmt.Errorf("layer %s/%d in long_shares with %d shares", l.Symbol, l.Number, l.SharesQty)
		}
		if l.Put != nil || l.Call != nil {
			return fmt.Errorf("layer %s/%d holds options in long_shares", l.Symbol, l.Number)
		}
	case StateShortCall:
		if l.Call == nil {
			return fmt.Errorf("layer %s/%d in short_call without an open call", l.Symbol, l.Number)
		}
		if l.SharesQty < l.Call.Contracts*SharesPerContract {
			return fmt.Errorf("layer %s/%d call not covered: %d shares for %d contracts",
				l.Symbol, l.Number, l.SharesQty, l.Call.Contracts)
		}
		if l.Put != nil {
			return fmt.Errorf("layer %s/%d holds a put while short a call", l.Symbol, l.Number)
		}
	default:
		return fmt.Errorf("layer %s/%d in unknown state %q", l.Symbol, l.Number, l.State)
	}
	return nil
}

// Copy creates a deep copy of the layer.
func (l *Layer) Copy() *Layer {
	if l == nil {
		return nil
	}
	out := *l
	out.StateMachine = l.StateMachine.Copy()
	if l.Put != nil {
		put := *l.Put
		out.Put = &put
	}
	if l.Call != nil {
		call := *l.Call
		out.Call = &call
	}
	return &out
}
