package models

import "time"

// OrderSide is the direction of an order intent.
type OrderSide string

const (
	// SideSellToOpen opens a short option position.
	SideSellToOpen OrderSide = "sell_to_open"
	// SideBuyToClose closes a short option position.
	SideBuyToClose OrderSide = "buy_to_close"
	// SideSell sells shares.
	SideSell OrderSide = "sell"
	// SideBuy buys shares.
	SideBuy OrderSide = "buy"
)

// PricingMode selects the execution style for an intent.
type PricingMode string

const (
	// PricingMarket submits a market order and waits for the fill in-cycle.
	PricingMarket PricingMode = "market"
	// PricingLimit submits a limit order managed by the order manager.
	PricingLimit PricingMode = "limit"
)

// IntentOrigin records the decision that produced an intent.
type IntentOrigin string

const (
	// OriginNewPosition is a fresh put or call sale from the selection engine.
	OriginNewPosition IntentOrigin = "new_position"
	// OriginRollClose is the buy-to-close half of a roll.
	OriginRollClose IntentOrigin = "roll_close"
	// OriginRollOpen is the sell-to-open half of a roll.
	OriginRollOpen IntentOrigin = "roll_open"
	// OriginLiquidation is a fresh-start or manual liquidation.
	OriginLiquidation IntentOrigin = "liquidation"
)

// OrderIntent is an ephemeral instruction consumed by the execution engine.
// Every intent resolves to exactly one of filled, failed, or cancelled.
type OrderIntent struct {
	ID         string       `json:"id"`
	Symbol     string       `json:"symbol"`     // underlying
	Instrument string       `json:"instrument"` // OCC symbol or equity symbol
	Kind       PositionKind `json:"kind"`
	Side       OrderSide    `json:"side"`
	Quantity   int          `json:"quantity"`
	Pricing    PricingMode  `json:"pricing"`
	Origin     IntentOrigin `json:"origin"`
	LayerID    string       `json:"layer_id,omitempty"`
	Strike     float64      `json:"strike,omitempty"`
	Expiration time.Time    `json:"expiration,omitempty"`
	// Bid/Ask snapshot the spread at decision time for limit pricing.
	Bid float64 `json:"bid,omitempty"`
	Ask float64 `json:"ask,omitempty"`
}

// PendingOrderState tracks the lifecycle of a managed limit order.
type PendingOrderState string

const (
	// OrderSubmitted is a live limit order awaiting its first update.
	OrderSubmitted PendingOrderState = "submitted"
	// OrderRepriced is a live limit order that has been nudged at least once.
	OrderRepriced PendingOrderState = "repriced"
	// OrderFilled is terminal: the broker confirmed a complete fill.
	OrderFilled PendingOrderState = "filled"
	// OrderExpired is terminal: the order aged out and was cancelled.
	OrderExpired PendingOrderState = "expired"
	// OrderCancelled is terminal: cancelled by session close or operator.
	OrderCancelled PendingOrderState = "cancelled"
	// OrderFailed is terminal: the broker rejected the order.
	OrderFailed PendingOrderState = "failed"
)

// Terminal reports whether the state ends the order's lifecycle.
func (s PendingOrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderExpired, OrderCancelled, OrderFailed:
		return true
	default:
		return false
	}
}

// PendingOrder pairs a broker order with its originating intent for the
// limit-order management loop.
type PendingOrder struct {
	BrokerOrderID string            `json:"broker_order_id"`
	Intent        OrderIntent       `json:"intent"`
	State         PendingOrderState `json:"state"`
	LimitPrice    float64           `json:"limit_price"`
	SubmittedAt   time.Time         `json:"submitted_at"`
	LastRepriced  time.Time         `json:"last_repriced"`
	RepriceCount  int               `json:"reprice_count"`
}

// ShouldReprice reports whether the order is due for a price update.
func (p *PendingOrder) ShouldReprice(updateInterval time.Duration, now time.Time) bool {
	last := p.LastRepriced
	if last.IsZero() {
		last = p.SubmittedAt
	}
	return now.Sub(last) >= updateInterval
}

// Aged reports whether the order has been pending longer than maxAge.
func (p *PendingOrder) Aged(maxAge time.Duration, now time.Time) bool {
	return now.Sub(p.SubmittedAt) >= maxAge
}
