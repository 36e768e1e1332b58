// Package broker provides the brokerage and market data gateway for the
// wheel engine, including the Alpaca REST client and a circuit-breaker
// wrapper applied uniformly around every gateway call.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Asset class constants as reported by the positions endpoint.
const (
	AssetClassEquity = "us_equity"
	AssetClassOption = "us_option"
)

// Order status constants. The gateway reports more states; these are the
// ones the engine acts on.
const (
	StatusNew             = "new"
	StatusAccepted        = "accepted"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCanceled        = "canceled"
	StatusExpired         = "expired"
	StatusRejected        = "rejected"
)

// ErrMalformedResponse marks a gateway response missing required fields.
// Malformed responses are treated as retryable failures, never as success.
var ErrMalformedResponse = errors.New("malformed broker response")

// Contract is one option chain candidate with already-computed greeks.
type Contract struct {
	Symbol       string    // OCC option symbol
	Underlying   string
	OptionType   string // "put" | "call"
	Strike       float64
	Expiration   time.Time
	Bid          float64
	Ask          float64
	Delta        float64
	OpenInterest int64
}

// DTE returns the contract's days to expiration, never negative.
func (c *Contract) DTE() int {
	now := time.Now().UTC().Truncate(24 * time.Hour)
	exp := c.Expiration.UTC().Truncate(24 * time.Hour)
	days := int(exp.Sub(now).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// Quote is a last-trade snapshot for an underlying.
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
}

// Account is the buying power snapshot taken once per cycle.
type Account struct {
	BuyingPower          float64
	NonMarginBuyingPower float64
	PortfolioValue       float64
	Equity               float64
}

// Position is a raw holding as reported by the gateway.
type Position struct {
	Symbol        string
	AssetClass    string // us_equity | us_option
	Qty           float64
	AvgEntryPrice float64
	Side          string // long | short
}

// OrderRequest is the wire-level order submission.
type OrderRequest struct {
	Symbol        string
	Qty           int
	Side          string // buy | sell
	Type          string // market | limit
	TimeInForce   string // day
	LimitPrice    float64
	ClientOrderID string
}

// Order is the gateway's view of a submitted order.
type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Status         string
	Side           string
	Type           string
	Qty            float64
	FilledQty      float64
	FilledAvgPrice float64
	LimitPrice     float64
	SubmittedAt    time.Time
}

// Filled reports whether the order is completely filled.
func (o *Order) Filled() bool {
	if o.Status == StatusFilled {
		return true
	}
	const epsilon = 1e-6
	return o.Qty > epsilon && o.FilledQty >= o.Qty-epsilon
}

// Terminal reports whether the order can no longer change state.
func (o *Order) Terminal() bool {
	switch strings.ToLower(o.Status) {
	case StatusFilled, StatusCanceled, "cancelled", StatusExpired, StatusRejected:
		return true
	default:
		return false
	}
}

// Clock is the market session clock.
type Clock struct {
	IsOpen    bool
	Timestamp time.Time
	NextOpen  time.Time
	NextClose time.Time
}

// Broker defines the gateway interface. Implementations must be safe for
// concurrent use; the engine funnels all calls through one shared instance.
type Broker interface {
	// Account and positions
	GetAccount(ctx context.Context) (*Account, error)
	GetPositions(ctx context.Context) ([]Position, error)

	// Market data
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetOptionChain(ctx context.Context, underlying, optionType string, minDTE, maxDTE int) ([]Contract, error)
	GetMarketClock(ctx context.Context) (*Clock, error)

	// Orders
	SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error)
	GetOrderStatus(ctx context.Context, orderID string) (*Order, error)
	ReplaceOrder(ctx context.Context, orderID string, qty int, limitPrice float64) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOrders(ctx context.Context) error

	// Fresh start support
	LiquidateAllPositions(ctx context.Context) error
}

// ValidateOrderResponse checks the fields the engine relies on before any
// response is trusted. An incomplete response is never silent success.
func ValidateOrderResponse(o *Order) error {
	if o == nil {
		return fmt.Errorf("%w: nil order", ErrMalformedResponse)
	}
	if o.ID == "" {
		return fmt.Errorf("%w: missing order id", ErrMalformedResponse)
	}
	if o.Status == "" {
		return fmt.Errorf("%w: order %s missing status", ErrMalformedResponse, o.ID)
	}
	if o.FilledQty < 0 {
		return fmt.Errorf("%w: order %s negative filled quantity %.4f", ErrMalformedResponse, o.ID, o.FilledQty)
	}
	return nil
}
