package models

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_FullWheelCycle(t *testing.T) {
	sm := NewStateMachine()
	require.Equal(t, StateIdle, sm.GetCurrentState())

	steps := []struct {
		to        LayerState
		condition string
	}{
		{StateShortPut, ConditionPutOpened},
		{StateLongShares, ConditionPutAssigned},
		{StateShortCall, ConditionCallOpened},
		{StateIdle, ConditionCallAssigned},
	}
	for _, s := range steps {
		require.NoError(t, sm.Transition(s.to, s.condition))
		assert.Equal(t, s.to, sm.GetCurrentState())
	}
	assert.Equal(t, 1, sm.GetTransitionCount(StateShortPut))
}

func TestStateMachine_WorthlessExpiryPaths(t *testing.T) {
	sm := NewStateMachine()
	require.NoError(t, sm.Transition(StateShortPut, ConditionPutOpened))
	require.NoError(t, sm.Transition(StateIdle, ConditionPutExpired))
	assert.Equal(t, StateIdle, sm.GetCurrentState())

	require.NoError(t, sm.Transition(StateShortPut, ConditionPutOpened))
	require.NoError(t, sm.Transition(StateLongShares, ConditionPutAssigned))
	require.NoError(t, sm.Transition(StateShortCall, ConditionCallOpened))
	// Call expiring worthless keeps the shares.
	require.NoError(t, sm.Transition(StateLongShares, ConditionCallExpired))
	assert.True(t, sm.HoldsShares())
}

func TestStateMachine_RejectsInvalidTransitions(t *testing.T) {
	cases := []struct {
		name      string
		from      LayerState
		to        LayerState
		condition string
	}{
		{"idle cannot sell call", StateIdle, StateShortCall, ConditionCallOpened},
		{"put cannot be called away", StateShortPut, StateIdle, ConditionCallAssigned},
		{"shares cannot take assignment", StateLongShares, StateLongShares, ConditionPutAssigned},
		{"short call cannot open a put", StateShortCall, StateShortPut, ConditionPutOpened},
		{"wrong condition for valid edge", StateIdle, StateShortPut, ConditionCallOpened},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sm := NewStateMachineFromState(tc.from)
			assert.Error(t, sm.Transition(tc.to, tc.condition))
			assert.Equal(t, tc.from, sm.GetCurrentState(), "failed transition must not move state")
		})
	}
}

func TestLayer_AssignmentDeliversShares(t *testing.T) {
	layer := NewLayer("SPY-1", "SPY", 1)
	require.NoError(t, layer.TransitionState(StateShortPut, ConditionPutOpened))
	layer.Put = &OptionLeg{
		Symbol:     "SPY260918P00450000",
		Strike:     450,
		Expiration: time.Now().Add(10 * 24 * time.Hour),
		Contracts:  2,
		EntryPrice: 3.20,
	}

	require.NoError(t, layer.TransitionState(StateLongShares, ConditionPutAssigned))
	assert.Nil(t, layer.Put)
	assert.Equal(t, 200, layer.SharesQty)
	assert.Equal(t, 450.0, layer.RawBasis)
	assert.NoError(t, layer.Validate())
}

func TestLayer_CalledAwayClearsHoldings(t *testing.T) {
	layer := NewLayer("SPY-1", "SPY", 1)
	layer.State = StateShortCall
	layer.StateMachine = NewStateMachineFromState(StateShortCall)
	layer.SharesQty = 100
	layer.RawBasis = 450
	layer.Call = &OptionLeg{Symbol: "SPY260918C00460000", Strike: 460, Contracts: 1}

	require.NoError(t, layer.TransitionState(StateIdle, ConditionCallAssigned))
	assert.Nil(t, layer.Call)
	assert.Zero(t, layer.SharesQty)
	assert.Zero(t, layer.RawBasis)
	assert.NoError(t, layer.Validate())
}

func TestLayer_ValidateCatchesInconsistentHoldings(t *testing.T) {
	layer := NewLayer("SPY-1", "SPY", 1)

	// Idle with shares.
	layer.SharesQty = 100
	assert.Error(t, layer.Validate())
	layer.SharesQty = 0

	// short_call without coverage.
	layer.State = StateShortCall
	layer.Call = &OptionLeg{Contracts: 2}
	layer.SharesQty = 100
	assert.Error(t, layer.Validate())

	// Covered is fine.
	layer.SharesQty = 200
	assert.NoError(t, layer.Validate())

	// Put and call at once is never valid.
	layer.Put = &OptionLeg{Contracts: 1}
	assert.Error(t, layer.Validate())
}

func TestLayer_InvariantsHoldUnderRandomWalks(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for walk := 0; walk < 50; walk++ {
		layer := NewLayer("SPY-1", "SPY", 1)
		for step := 0; step < 40; step++ {
			var choices []StateTransition
			for _, tr := range ValidTransitions {
				if tr.From == layer.State {
					choices = append(choices, tr)
				}
			}
			tr := choices[rng.Intn(len(choices))]
			require.NoError(t, layer.TransitionState(tr.To, tr.Condition))

			// Opening a leg records the fill the broker confirmed.
			switch tr.Condition {
			case ConditionPutOpened:
				layer.Put = &OptionLeg{Symbol: "SPY260918P00450000", Strike: 450, Contracts: 1}
			case ConditionCallOpened:
				layer.Call = &OptionLeg{Symbol: "SPY260918C00455000", Strike: 455, Contracts: 1}
			}

			require.NoErrorf(t, layer.Validate(),
				"walk %d step %d: %s via %s broke the layer invariants",
				walk, step, tr.To, tr.Condition)
		}
	}
}

func TestLayer_CopyIsIndependent(t *testing.T) {
	layer := NewLayer("SPY-1", "SPY", 1)
	layer.State = StateShortPut
	layer.Put = &OptionLeg{Symbol: "SPY260918P00450000", Strike: 450, Contracts: 1}

	cp := layer.Copy()
	cp.Put.Strike = 400
	cp.State = StateIdle

	assert.Equal(t, 450.0, layer.Put.Strike)
	assert.Equal(t, StateShortPut, layer.State)
}

func TestPositionKind_Valid(t *testing.T) {
	assert.True(t, KindPut.Valid())
	assert.True(t, KindCall.Valid())
	assert.True(t, KindShares.Valid())
	assert.False(t, PositionKind("future").Valid())
}

func TestPendingOrder_RepriceAndAge(t *testing.T) {
	now := time.Now().UTC()
	p := &PendingOrder{SubmittedAt: now.Add(-3 * time.Minute)}

	assert.True(t, p.ShouldReprice(time.Minute, now))
	p.LastRepriced = now.Add(-10 * time.Second)
	assert.False(t, p.ShouldReprice(time.Minute, now))

	assert.False(t, p.Aged(30*time.Minute, now))
	assert.True(t, p.Aged(2*time.Minute, now))
}
