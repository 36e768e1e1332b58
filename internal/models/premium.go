package models

import "time"

// EventType classifies an entry in the append-only premium event log.
type EventType string

const (
	// EventPremium records premium collected from selling an option.
	EventPremium EventType = "premium"
	// EventAssignment records a put assignment delivering shares at strike.
	EventAssignment EventType = "assignment"
	// EventCalledAway records shares leaving via call assignment.
	EventCalledAway EventType = "called_away"
	// EventRollDebit records the buy-to-close cost of a roll.
	EventRollDebit EventType = "roll_debit"
)

// PremiumEvent is one entry in the ledger's premium history. Events are never
// mutated or deleted; the cost basis tracker is a pure replay over them.
type PremiumEvent struct {
	ID         int64        `json:"id"`
	Type       EventType    `json:"type"`
	Symbol     string       `json:"symbol"`
	LayerID    string       `json:"layer_id"`
	OptionKind PositionKind `json:"option_kind,omitempty"`
	Amount     float64      `json:"amount"` // per-share premium (or strike for assignments)
	Contracts  int          `json:"contracts"`
	Strike     float64      `json:"strike,omitempty"`
	Expiration time.Time    `json:"expiration,omitempty"`
	TradeID    string       `json:"trade_id"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Trade is one executed order recorded in the ledger.
type Trade struct {
	ID         int64     `json:"id"`
	Symbol     string    `json:"symbol"`
	LayerID    string    `json:"layer_id"`
	TradeType  string    `json:"trade_type"` // sell_put, sell_call, buy_to_close, assignment, called_away
	Quantity   int       `json:"quantity"`
	Price      float64   `json:"price"`
	Strike     float64   `json:"strike,omitempty"`
	Expiration time.Time `json:"expiration,omitempty"`
	Premium    float64   `json:"premium"`
	Notes      string    `json:"notes,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
