// Package ledger persists the trade log and the append-only premium event
// history that cost basis replay is built on.
package ledger

import (
	"time"

	"github.com/CryptoGnome/options-wheel/internal/models"
)

// SummaryStats aggregates lifetime ledger activity per symbol.
type SummaryStats struct {
	Symbol         string
	TotalTrades    int
	TotalPremium   float64 // per-share premium collected across all events
	PutsSold       int
	CallsSold      int
	Assignments    int
	CalledAway     int
	FirstTradeTime time.Time
	LastTradeTime  time.Time
}

// Ledger is the persistence interface. Premium events are append-only:
// implementations never mutate or delete recorded events.
type Ledger interface {
	// RecordTrade appends an executed trade and returns its row id.
	RecordTrade(trade *models.Trade) (int64, error)

	// RecordPremium appends a premium event.
	RecordPremium(event *models.PremiumEvent) error

	// RecordFill writes a trade and its premium events atomically, so a
	// confirmed fill is never half-recorded.
	RecordFill(trade *models.Trade, events []*models.PremiumEvent) error

	// LayerHistory returns a layer's premium events in insertion order.
	LayerHistory(symbol, layerID string) ([]models.PremiumEvent, error)

	// TradesForSymbol returns a symbol's trades, most recent first.
	TradesForSymbol(symbol string, limit int) ([]models.Trade, error)

	// Summary aggregates per-symbol activity.
	Summary(symbol string) (*SummaryStats, error)

	// Close releases the underlying store.
	Close() error
}
