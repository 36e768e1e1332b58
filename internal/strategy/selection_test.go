package strategy

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CryptoGnome/options-wheel/internal/basis"
	"github.com/CryptoGnome/options-wheel/internal/broker"
	"github.com/CryptoGnome/options-wheel/internal/config"
	"github.com/CryptoGnome/options-wheel/internal/ledger"
	"github.com/CryptoGnome/options-wheel/internal/models"
	"github.com/CryptoGnome/options-wheel/internal/wheel"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func selectorConfig() *config.Config {
	return &config.Config{
		Balance: config.BalanceSettings{AllocationPercentage: 0.5, MaxWheelLayers: 2},
		Filters: testFilters(),
		Symbols: map[string]config.SymbolConfig{
			"SPY": {Enabled: true, Contracts: 1},
		},
	}
}

func newSelector(mb *broker.MockBroker, led *ledger.MemoryLedger, layers map[string][]*models.Layer) (*Selector, *wheel.Manager) {
	manager := wheel.NewManager()
	manager.Replace(layers)
	tracker := basis.NewTracker(led)
	sel := NewSelector(mb, manager, tracker, selectorConfig(), models.PricingMarket, quietLogger())
	return sel, manager
}

func idleLayers(n int) []*models.Layer {
	out := make([]*models.Layer, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, models.NewLayer(wheel.LayerID("SPY", i), "SPY", i))
	}
	return out
}

func putChain(strike, bid, delta float64) []broker.Contract {
	return []broker.Contract{{
		Symbol:     "SPY260918P00450000",
		Underlying: "SPY", OptionType: "put",
		Strike:     strike,
		Expiration: time.Now().UTC().Add(14 * 24 * time.Hour),
		Bid:        bid, Ask: bid + 0.10,
		Delta: delta, OpenInterest: 1000,
	}}
}

func TestAllocationPerSymbol(t *testing.T) {
	mb := broker.NewMockBroker()
	sel, _ := newSelector(mb, ledger.NewMemoryLedger(), map[string][]*models.Layer{})

	account := &broker.Account{NonMarginBuyingPower: 200_000}
	// 0.5 * 200k over one enabled symbol.
	assert.Equal(t, 100_000.0, sel.AllocationPerSymbol(account))
}

func TestPutIntents_OnePerIdleLayerWithinBudget(t *testing.T) {
	mb := broker.NewMockBroker()
	mb.SetChain("SPY", "put", putChain(450, 3.15, -0.20))
	sel, _ := newSelector(mb, ledger.NewMemoryLedger(),
		map[string][]*models.Layer{"SPY": idleLayers(2)})

	// Each cash-secured put ties up 450 * 100 = 45,000.
	intents, err := sel.PutIntents(context.Background(), "SPY", 100_000)
	require.NoError(t, err)
	require.Len(t, intents, 2)
	for _, in := range intents {
		assert.Equal(t, models.KindPut, in.Kind)
		assert.Equal(t, models.SideSellToOpen, in.Side)
		assert.Equal(t, 1, in.Quantity)
		assert.Equal(t, 450.0, in.Strike)
		assert.NotEmpty(t, in.LayerID)
	}
	assert.NotEqual(t, intents[0].LayerID, intents[1].LayerID)
}

func TestPutIntents_BudgetLimitsLayers(t *testing.T) {
	mb := broker.NewMockBroker()
	mb.SetChain("SPY", "put", putChain(450, 3.15, -0.20))
	sel, _ := newSelector(mb, ledger.NewMemoryLedger(),
		map[string][]*models.Layer{"SPY": idleLayers(2)})

	// Only one 45k collateral slot fits in 60k.
	intents, err := sel.PutIntents(context.Background(), "SPY", 60_000)
	require.NoError(t, err)
	assert.Len(t, intents, 1)
}

func TestPutIntents_CommittedCapitalCounts(t *testing.T) {
	mb := broker.NewMockBroker()
	mb.SetChain("SPY", "put", putChain(450, 3.15, -0.20))

	layers := idleLayers(2)
	layers[1].State = models.StateShortPut
	layers[1].StateMachine = models.NewStateMachineFromState(models.StateShortPut)
	layers[1].Put = &models.OptionLeg{
		Symbol: "SPY260911P00440000", Strike: 440, Contracts: 1,
		Expiration: time.Now().UTC().Add(7 * 24 * time.Hour),
	}

	sel, _ := newSelector(mb, ledger.NewMemoryLedger(),
		map[string][]*models.Layer{"SPY": layers})

	// 90k allocation minus 44k already committed leaves room for one more.
	intents, err := sel.PutIntents(context.Background(), "SPY", 90_000)
	require.NoError(t, err)
	assert.Len(t, intents, 1)

	// But not when the allocation is nearly spent.
	intents, err = sel.PutIntents(context.Background(), "SPY", 50_000)
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestPutIntents_NoCandidateIsQuiet(t *testing.T) {
	mb := broker.NewMockBroker()
	mb.SetChain("SPY", "put", putChain(450, 3.15, -0.60)) // delta out of range
	sel, _ := newSelector(mb, ledger.NewMemoryLedger(),
		map[string][]*models.Layer{"SPY": idleLayers(1)})

	intents, err := sel.PutIntents(context.Background(), "SPY", 100_000)
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestCallIntents_StrikeFloorFromAdjustedBasis(t *testing.T) {
	mb := broker.NewMockBroker()
	mb.SetChain("SPY", "call", []broker.Contract{
		{
			Symbol: "SPY260918C00440000", Underlying: "SPY", OptionType: "call",
			Strike: 440, Expiration: time.Now().UTC().Add(14 * 24 * time.Hour),
			Bid: 4.00, Ask: 4.20, Delta: 0.28, OpenInterest: 1000,
		},
		{
			Symbol: "SPY260918C00455000", Underlying: "SPY", OptionType: "call",
			Strike: 455, Expiration: time.Now().UTC().Add(14 * 24 * time.Hour),
			Bid: 2.50, Ask: 2.70, Delta: 0.22, OpenInterest: 1000,
		},
	})

	led := ledger.NewMemoryLedger()
	// Assigned at 450, 2.00 premium collected: adjusted basis 448.
	require.NoError(t, led.RecordPremium(&models.PremiumEvent{
		Type: models.EventAssignment, Symbol: "SPY", LayerID: "SPY-1", Amount: 450,
	}))
	require.NoError(t, led.RecordPremium(&models.PremiumEvent{
		Type: models.EventPremium, Symbol: "SPY", LayerID: "SPY-1",
		OptionKind: models.KindCall, Amount: 2.00,
	}))

	holder := models.NewLayer("SPY-1", "SPY", 1)
	holder.State = models.StateLongShares
	holder.StateMachine = models.NewStateMachineFromState(models.StateLongShares)
	holder.SharesQty = 100
	holder.RawBasis = 450

	sel, _ := newSelector(mb, led, map[string][]*models.Layer{"SPY": {holder}})

	intents, err := sel.CallIntents(context.Background(), "SPY")
	require.NoError(t, err)
	require.Len(t, intents, 1)
	// The 440 strike is below the 448 basis floor even though it scores
	// higher; only the 455 qualifies.
	assert.Equal(t, 455.0, intents[0].Strike)
	assert.Equal(t, models.KindCall, intents[0].Kind)
	assert.Equal(t, 1, intents[0].Quantity)
}

func TestCallIntents_NoShareHoldersNoIntents(t *testing.T) {
	mb := broker.NewMockBroker()
	sel, _ := newSelector(mb, ledger.NewMemoryLedger(),
		map[string][]*models.Layer{"SPY": idleLayers(2)})

	intents, err := sel.CallIntents(context.Background(), "SPY")
	require.NoError(t, err)
	assert.Empty(t, intents)
}
