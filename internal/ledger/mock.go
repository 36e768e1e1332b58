package ledger

import (
	"sync"

	"github.com/CryptoGnome/options-wheel/internal/models"
)

// MemoryLedger is an in-memory Ledger for tests and dry runs.
type MemoryLedger struct {
	mu     sync.Mutex
	nextID int64
	Trades []models.Trade
	Events []models.PremiumEvent

	// FailRecord, when set, makes every write return this error.
	FailRecord error
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{nextID: 1}
}

func (m *MemoryLedger) RecordTrade(trade *models.Trade) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailRecord != nil {
		return 0, m.FailRecord
	}
	trade.ID = m.nextID
	m.nextID++
	m.Trades = append(m.Trades, *trade)
	return trade.ID, nil
}

func (m *MemoryLedger) RecordPremium(event *models.PremiumEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailRecord != nil {
		return m.FailRecord
	}
	event.ID = m.nextID
	m.nextID++
	m.Events = append(m.Events, *event)
	return nil
}

func (m *MemoryLedger) RecordFill(trade *models.Trade, events []*models.PremiumEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailRecord != nil {
		return m.FailRecord
	}
	if trade != nil {
		trade.ID = m.nextID
		m.nextID++
		m.Trades = append(m.Trades, *trade)
	}
	for _, ev := range events {
		ev.ID = m.nextID
		m.nextID++
		m.Events = append(m.Events, *ev)
	}
	return nil
}

func (m *MemoryLedger) LayerHistory(symbol, layerID string) ([]models.PremiumEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PremiumEvent
	for _, ev := range m.Events {
		if ev.Symbol == symbol && ev.LayerID == layerID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryLedger) TradesForSymbol(symbol string, limit int) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Trade
	for i := len(m.Trades) - 1; i >= 0; i-- {
		if m.Trades[i].Symbol == symbol {
			out = append(out, m.Trades[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryLedger) Summary(symbol string) (*SummaryStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &SummaryStats{Symbol: symbol}
	for _, t := range m.Trades {
		if t.Symbol != symbol {
			continue
		}
		stats.TotalTrades++
		switch t.TradeType {
		case "sell_put":
			stats.PutsSold++
		case "sell_call":
			stats.CallsSold++
		case "assignment":
			stats.Assignments++
		case "called_away":
			stats.CalledAway++
		}
	}
	for _, ev := range m.Events {
		if ev.Symbol == symbol && ev.Type == models.EventPremium {
			stats.TotalPremium += ev.Amount * float64(ev.Contracts)
		}
	}
	return stats, nil
}

func (m *MemoryLedger) Close() error { return nil }
