package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/CryptoGnome/options-wheel/internal/models"
)

// SQLiteLedger stores trades and premium events in a local SQLite database.
// Writes are serialized through a mutex; SQLite handles one writer at a time
// and the engine's ledger is a process singleton.
type SQLiteLedger struct {
	mu sync.Mutex
	db *sql.DB
}

var _ Ledger = (*SQLiteLedger)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol      TEXT    NOT NULL,
	layer_id    TEXT    NOT NULL,
	trade_type  TEXT    NOT NULL,
	quantity    INTEGER NOT NULL,
	price       REAL    NOT NULL,
	strike      REAL    NOT NULL DEFAULT 0,
	expiration  TEXT    NOT NULL DEFAULT '',
	premium     REAL    NOT NULL DEFAULT 0,
	notes       TEXT    NOT NULL DEFAULT '',
	timestamp   TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol, timestamp);

CREATE TABLE IF NOT EXISTS premium_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	type        TEXT    NOT NULL,
	symbol      TEXT    NOT NULL,
	layer_id    TEXT    NOT NULL,
	option_kind TEXT    NOT NULL DEFAULT '',
	amount      REAL    NOT NULL,
	contracts   INTEGER NOT NULL DEFAULT 0,
	strike      REAL    NOT NULL DEFAULT 0,
	expiration  TEXT    NOT NULL DEFAULT '',
	trade_id    TEXT    NOT NULL DEFAULT '',
	timestamp   TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_layer ON premium_events(symbol, layer_id, id);
`

// NewSQLiteLedger opens (creating if needed) the ledger database at path.
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing ledger schema: %w", err)
	}

	return &SQLiteLedger{db: db}, nil
}

// RecordTrade appends an executed trade.
func (s *SQLiteLedger) RecordTrade(trade *models.Trade) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertTrade(s.db, trade)
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func insertTrade(e execer, trade *models.Trade) (int64, error) {
	if trade.Timestamp.IsZero() {
		trade.Timestamp = time.Now().UTC()
	}
	res, err := e.Exec(
		`INSERT INTO trades (symbol, layer_id, trade_type, quantity, price, strike, expiration, premium, notes, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.Symbol, trade.LayerID, trade.TradeType, trade.Quantity, trade.Price,
		trade.Strike, formatTime(trade.Expiration), trade.Premium, trade.Notes,
		trade.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting trade: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading trade id: %w", err)
	}
	trade.ID = id
	return id, nil
}

// RecordPremium appends one premium event.
func (s *SQLiteLedger) RecordPremium(event *models.PremiumEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertEvent(s.db, event)
}

func insertEvent(e execer, event *models.PremiumEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	res, err := e.Exec(
		`INSERT INTO premium_events (type, symbol, layer_id, option_kind, amount, contracts, strike, expiration, trade_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(event.Type), event.Symbol, event.LayerID, string(event.OptionKind),
		event.Amount, event.Contracts, event.Strike, formatTime(event.Expiration),
		event.TradeID, event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting premium event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// RecordFill writes the trade and its premium events in one transaction.
func (s *SQLiteLedger) RecordFill(trade *models.Trade, events []*models.PremiumEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fill transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if trade != nil {
		if _, err := insertTrade(tx, trade); err != nil {
			return err
		}
	}
	for _, ev := range events {
		if ev.TradeID == "" && trade != nil {
			ev.TradeID = fmt.Sprintf("%d", trade.ID)
		}
		if err := insertEvent(tx, ev); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing fill transaction: %w", err)
	}
	return nil
}

// LayerHistory returns a layer's premium events ordered by insertion.
func (s *SQLiteLedger) LayerHistory(symbol, layerID string) ([]models.PremiumEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, type, symbol, layer_id, option_kind, amount, contracts, strike, expiration, trade_id, timestamp
		 FROM premium_events WHERE symbol = ? AND layer_id = ? ORDER BY id ASC`,
		symbol, layerID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying layer history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []models.PremiumEvent
	for rows.Next() {
		var (
			ev                  models.PremiumEvent
			evType, kind        string
			expiration, tstamp  string
		)
		if err := rows.Scan(&ev.ID, &evType, &ev.Symbol, &ev.LayerID, &kind,
			&ev.Amount, &ev.Contracts, &ev.Strike, &expiration, &ev.TradeID, &tstamp); err != nil {
			return nil, fmt.Errorf("scanning premium event: %w", err)
		}
		ev.Type = models.EventType(evType)
		ev.OptionKind = models.PositionKind(kind)
		ev.Expiration = parseTime(expiration)
		ev.Timestamp = parseTime(tstamp)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// TradesForSymbol returns a symbol's trades, most recent first.
func (s *SQLiteLedger) TradesForSymbol(symbol string, limit int) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, symbol, layer_id, trade_type, quantity, price, strike, expiration, premium, notes, timestamp
		 FROM trades WHERE symbol = ? ORDER BY id DESC LIMIT ?`,
		symbol, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying trades: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var trades []models.Trade
	for rows.Next() {
		var (
			t                  models.Trade
			expiration, tstamp string
		)
		if err := rows.Scan(&t.ID, &t.Symbol, &t.LayerID, &t.TradeType, &t.Quantity,
			&t.Price, &t.Strike, &expiration, &t.Premium, &t.Notes, &tstamp); err != nil {
			return nil, fmt.Errorf("scanning trade: %w", err)
		}
		t.Expiration = parseTime(expiration)
		t.Timestamp = parseTime(tstamp)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Summary aggregates per-symbol activity across trades and events.
func (s *SQLiteLedger) Summary(symbol string) (*SummaryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &SummaryStats{Symbol: symbol}

	var first, last sql.NullString
	err := s.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN trade_type = 'sell_put' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN trade_type = 'sell_call' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN trade_type = 'assignment' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN trade_type = 'called_away' THEN 1 ELSE 0 END), 0),
		        MIN(timestamp), MAX(timestamp)
		 FROM trades WHERE symbol = ?`, symbol,
	).Scan(&stats.TotalTrades, &stats.PutsSold, &stats.CallsSold,
		&stats.Assignments, &stats.CalledAway, &first, &last)
	if err != nil {
		return nil, fmt.Errorf("summarizing trades: %w", err)
	}
	if first.Valid {
		stats.FirstTradeTime = parseTime(first.String)
	}
	if last.Valid {
		stats.LastTradeTime = parseTime(last.String)
	}

	err = s.db.QueryRow(
		`SELECT COALESCE(SUM(amount * contracts), 0) FROM premium_events WHERE symbol = ? AND type = ?`,
		symbol, string(models.EventPremium),
	).Scan(&stats.TotalPremium)
	if err != nil {
		return nil, fmt.Errorf("summarizing premium: %w", err)
	}

	return stats, nil
}

// Close closes the underlying database.
func (s *SQLiteLedger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
