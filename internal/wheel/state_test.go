package wheel

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CryptoGnome/options-wheel/internal/broker"
	"github.com/CryptoGnome/options-wheel/internal/models"
	"github.com/CryptoGnome/options-wheel/internal/util"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func maxTwo(string) int { return 2 }

func occPut(symbol string, strike float64, days int) string {
	return util.FormatOptionSymbol(symbol, time.Now().UTC().Add(time.Duration(days)*24*time.Hour), 'P', strike)
}

func occCall(symbol string, strike float64, days int) string {
	return util.FormatOptionSymbol(symbol, time.Now().UTC().Add(time.Duration(days)*24*time.Hour), 'C', strike)
}

func TestBuildLayers_EmptyAccountIsAllIdle(t *testing.T) {
	layers, err := BuildLayers(nil, []string{"SPY"}, maxTwo, quietLogger())
	require.NoError(t, err)
	require.Len(t, layers["SPY"], 2)
	for i, l := range layers["SPY"] {
		assert.Equal(t, models.StateIdle, l.State)
		assert.Equal(t, i+1, l.Number)
		assert.Equal(t, LayerID("SPY", i+1), l.ID)
	}
}

func TestBuildLayers_ShortPut(t *testing.T) {
	positions := []broker.Position{
		{Symbol: occPut("SPY", 450, 14), AssetClass: broker.AssetClassOption, Qty: -1, AvgEntryPrice: 3.20, Side: "short"},
	}
	layers, err := BuildLayers(positions, []string{"SPY"}, maxTwo, quietLogger())
	require.NoError(t, err)

	spy := layers["SPY"]
	require.Len(t, spy, 2)
	assert.Equal(t, models.StateShortPut, spy[0].State)
	require.NotNil(t, spy[0].Put)
	assert.Equal(t, 450.0, spy[0].Put.Strike)
	assert.Equal(t, 1, spy[0].Put.Contracts)
	assert.Equal(t, models.StateIdle, spy[1].State)
}

func TestBuildLayers_CoveredCallClaimsShares(t *testing.T) {
	positions := []broker.Position{
		{Symbol: "SPY", AssetClass: broker.AssetClassEquity, Qty: 200, AvgEntryPrice: 450, Side: "long"},
		{Symbol: occCall("SPY", 460, 7), AssetClass: broker.AssetClassOption, Qty: -1, AvgEntryPrice: 2.10, Side: "short"},
	}
	layers, err := BuildLayers(positions, []string{"SPY"}, maxTwo, quietLogger())
	require.NoError(t, err)

	spy := layers["SPY"]
	require.Len(t, spy, 2)

	// One covered call layer over 100 shares, one long_shares layer for the rest.
	assert.Equal(t, models.StateShortCall, spy[0].State)
	assert.Equal(t, 100, spy[0].SharesQty)
	require.NotNil(t, spy[0].Call)
	assert.Equal(t, 460.0, spy[0].Call.Strike)

	assert.Equal(t, models.StateLongShares, spy[1].State)
	assert.Equal(t, 100, spy[1].SharesQty)
	assert.Equal(t, 450.0, spy[1].RawBasis)
}

func TestBuildLayers_UncoveredCallIsError(t *testing.T) {
	positions := []broker.Position{
		{Symbol: occCall("SPY", 460, 7), AssetClass: broker.AssetClassOption, Qty: -1, Side: "short"},
	}
	_, err := BuildLayers(positions, []string{"SPY"}, maxTwo, quietLogger())
	assert.Error(t, err, "a naked short call cannot be mapped to any wheel state")
}

func TestBuildLayers_IgnoresDisabledSymbols(t *testing.T) {
	positions := []broker.Position{
		{Symbol: "TSLA", AssetClass: broker.AssetClassEquity, Qty: 100, AvgEntryPrice: 250, Side: "long"},
		{Symbol: occPut("TSLA", 240, 7), AssetClass: broker.AssetClassOption, Qty: -1, Side: "short"},
	}
	layers, err := BuildLayers(positions, []string{"SPY"}, maxTwo, quietLogger())
	require.NoError(t, err)
	require.Len(t, layers["SPY"], 2)
	assert.Equal(t, models.StateIdle, layers["SPY"][0].State)
	_, hasTSLA := layers["TSLA"]
	assert.False(t, hasTSLA)
}

func TestBuildLayers_MixedHoldingsOrdering(t *testing.T) {
	positions := []broker.Position{
		{Symbol: "SPY", AssetClass: broker.AssetClassEquity, Qty: 100, AvgEntryPrice: 448, Side: "long"},
		{Symbol: occCall("SPY", 455, 5), AssetClass: broker.AssetClassOption, Qty: -1, Side: "short"},
		{Symbol: occPut("SPY", 440, 12), AssetClass: broker.AssetClassOption, Qty: -1, Side: "short"},
	}
	layers, err := BuildLayers(positions, []string{"SPY"}, maxTwo, quietLogger())
	require.NoError(t, err)

	spy := layers["SPY"]
	require.Len(t, spy, 2)
	assert.Equal(t, models.StateShortCall, spy[0].State)
	assert.Equal(t, models.StateShortPut, spy[1].State)

	for _, l := range spy {
		assert.NoError(t, l.Validate())
	}
}

func TestManager_TransitionAndCopySemantics(t *testing.T) {
	manager := NewManager()
	layer := models.NewLayer(LayerID("SPY", 1), "SPY", 1)
	manager.Replace(map[string][]*models.Layer{"SPY": {layer}})

	require.NoError(t, manager.Transition("SPY", "SPY-1", models.StateShortPut, models.ConditionPutOpened))

	got, ok := manager.Layer("SPY", "SPY-1")
	require.True(t, ok)
	assert.Equal(t, models.StateShortPut, got.State)

	// Mutating the returned copy never leaks into the manager.
	got.State = models.StateIdle
	again, _ := manager.Layer("SPY", "SPY-1")
	assert.Equal(t, models.StateShortPut, again.State)

	assert.Error(t, manager.Transition("SPY", "SPY-9", models.StateShortPut, models.ConditionPutOpened))
}

func TestManager_IdleLayersAndCounts(t *testing.T) {
	manager := NewManager()
	a := models.NewLayer(LayerID("SPY", 1), "SPY", 1)
	b := models.NewLayer(LayerID("SPY", 2), "SPY", 2)
	b.State = models.StateShortPut
	b.StateMachine = models.NewStateMachineFromState(models.StateShortPut)
	manager.Replace(map[string][]*models.Layer{"SPY": {a, b}})

	idle := manager.IdleLayers("SPY")
	require.Len(t, idle, 1)
	assert.Equal(t, 1, idle[0].Number)

	counts := manager.Counts("SPY")
	assert.Equal(t, 1, counts[models.StateIdle])
	assert.Equal(t, 1, counts[models.StateShortPut])
}
