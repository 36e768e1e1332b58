package ledger

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CryptoGnome/options-wheel/internal/models"
)

func newTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()
	led, err := NewSQLiteLedger(filepath.Join(t.TempDir(), "wheel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })
	return led
}

func TestSQLiteLedger_TradeRoundTrip(t *testing.T) {
	led := newTestLedger(t)

	exp := time.Date(2026, 9, 18, 0, 0, 0, 0, time.UTC)
	id, err := led.RecordTrade(&models.Trade{
		Symbol:     "SPY",
		LayerID:    "SPY-1",
		TradeType:  "sell_put",
		Quantity:   1,
		Price:      3.15,
		Strike:     450,
		Expiration: exp,
		Premium:    3.15,
	})
	require.NoError(t, err)
	assert.Positive(t, id)

	trades, err := led.TradesForSymbol("SPY", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "sell_put", trades[0].TradeType)
	assert.Equal(t, 450.0, trades[0].Strike)
	assert.Equal(t, exp, trades[0].Expiration)
	assert.False(t, trades[0].Timestamp.IsZero())
}

func TestSQLiteLedger_LayerHistoryOrderedAndScoped(t *testing.T) {
	led := newTestLedger(t)

	for _, ev := range []*models.PremiumEvent{
		{Type: models.EventAssignment, Symbol: "SPY", LayerID: "SPY-1", Amount: 450},
		{Type: models.EventPremium, Symbol: "SPY", LayerID: "SPY-1", OptionKind: models.KindCall, Amount: 2.0, Contracts: 1},
		{Type: models.EventPremium, Symbol: "SPY", LayerID: "SPY-2", OptionKind: models.KindPut, Amount: 1.5, Contracts: 1},
		{Type: models.EventPremium, Symbol: "AAPL", LayerID: "AAPL-1", OptionKind: models.KindPut, Amount: 0.9, Contracts: 1},
	} {
		require.NoError(t, led.RecordPremium(ev))
	}

	history, err := led.LayerHistory("SPY", "SPY-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.EventAssignment, history[0].Type)
	assert.Equal(t, models.EventPremium, history[1].Type)
	assert.Equal(t, models.KindCall, history[1].OptionKind)
}

func TestSQLiteLedger_RecordFillIsAtomic(t *testing.T) {
	led := newTestLedger(t)

	trade := &models.Trade{Symbol: "SPY", LayerID: "SPY-1", TradeType: "sell_call", Quantity: 1, Price: 2.0}
	events := []*models.PremiumEvent{
		{Type: models.EventPremium, Symbol: "SPY", LayerID: "SPY-1", OptionKind: models.KindCall, Amount: 2.0, Contracts: 1},
	}
	require.NoError(t, led.RecordFill(trade, events))
	assert.Positive(t, trade.ID)
	assert.Equal(t, "1", events[0].TradeID, "events inherit the trade id")

	history, err := led.LayerHistory("SPY", "SPY-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSQLiteLedger_Summary(t *testing.T) {
	led := newTestLedger(t)

	fills := []struct {
		tradeType string
		amount    float64
	}{
		{"sell_put", 3.15},
		{"assignment", 0},
		{"sell_call", 2.00},
		{"called_away", 0},
	}
	for _, f := range fills {
		var events []*models.PremiumEvent
		if f.amount > 0 {
			events = append(events, &models.PremiumEvent{
				Type: models.EventPremium, Symbol: "SPY", LayerID: "SPY-1",
				Amount: f.amount, Contracts: 1,
			})
		}
		require.NoError(t, led.RecordFill(&models.Trade{
			Symbol: "SPY", LayerID: "SPY-1", TradeType: f.tradeType, Quantity: 1,
		}, events))
	}

	stats, err := led.Summary("SPY")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalTrades)
	assert.Equal(t, 1, stats.PutsSold)
	assert.Equal(t, 1, stats.CallsSold)
	assert.Equal(t, 1, stats.Assignments)
	assert.Equal(t, 1, stats.CalledAway)
	assert.InDelta(t, 5.15, stats.TotalPremium, 1e-9)
	assert.False(t, stats.FirstTradeTime.IsZero())
}

func TestSQLiteLedger_EmptyHistory(t *testing.T) {
	led := newTestLedger(t)
	history, err := led.LayerHistory("SPY", "SPY-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMemoryLedger_FailRecordPropagates(t *testing.T) {
	led := NewMemoryLedger()
	led.FailRecord = errors.New("disk full")

	_, err := led.RecordTrade(&models.Trade{Symbol: "SPY"})
	assert.Error(t, err)
	assert.Error(t, led.RecordFill(&models.Trade{Symbol: "SPY"}, nil))
}
