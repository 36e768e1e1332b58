package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CryptoGnome/options-wheel/internal/broker"
	"github.com/CryptoGnome/options-wheel/internal/ledger"
	"github.com/CryptoGnome/options-wheel/internal/models"
	"github.com/CryptoGnome/options-wheel/internal/retry"
	"github.com/CryptoGnome/options-wheel/internal/util"
)

// SymbolLocks serializes execution per underlying: two goroutines may trade
// different symbols concurrently, but never the same symbol. Every path that
// mutates a symbol's positions (new sales, rolls, repricing, expiry cancels)
// must take the symbol's lock for the full critical section.
type SymbolLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSymbolLocks creates an empty lock registry.
func NewSymbolLocks() *SymbolLocks {
	return &SymbolLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the lock for symbol, creating it on first use.
func (s *SymbolLocks) Lock(symbol string) {
	s.mu.Lock()
	l, ok := s.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		s.locks[symbol] = l
	}
	s.mu.Unlock()
	l.Lock()
}

// Unlock releases the lock for symbol.
func (s *SymbolLocks) Unlock(symbol string) {
	s.mu.Lock()
	l, ok := s.locks[symbol]
	s.mu.Unlock()
	if ok {
		l.Unlock()
	}
}

// Result is the terminal outcome of executing one intent.
type Result struct {
	Intent models.OrderIntent
	Order  *broker.Order
	State  models.PendingOrderState
}

// Executor drives intents through the broker gateway.
type Executor struct {
	broker      broker.Broker
	ledger      ledger.Ledger
	locks       *SymbolLocks
	retryCfg    retry.Config
	fillTimeout time.Duration
	pollEvery   time.Duration
	logger      *logrus.Logger
}

// NewExecutor wires the execution engine. locks may be shared with the order
// manager so limit-order maintenance honors the same per-symbol serialization.
func NewExecutor(
	b broker.Broker,
	l ledger.Ledger,
	locks *SymbolLocks,
	retryCfg retry.Config,
	fillTimeout time.Duration,
	logger *logrus.Logger,
) *Executor {
	if fillTimeout <= 0 {
		fillTimeout = 2 * time.Minute
	}
	return &Executor{
		broker:      b,
		ledger:      l,
		locks:       locks,
		retryCfg:    retryCfg,
		fillTimeout: fillTimeout,
		pollEvery:   2 * time.Second,
		logger:      logger,
	}
}

// Locks exposes the shared per-symbol lock registry.
func (e *Executor) Locks() *SymbolLocks { return e.locks }

func validateIntent(intent *models.OrderIntent) error {
	if intent.Instrument == "" {
		return &ValidationError{Field: "instrument", Reason: "is required"}
	}
	if intent.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if !intent.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown %q", intent.Kind)}
	}
	if intent.Pricing == models.PricingLimit && intent.Bid <= 0 && intent.Ask <= 0 {
		return &ValidationError{Field: "pricing", Reason: "limit intent missing quote snapshot"}
	}
	return nil
}

func brokerSide(side models.OrderSide) string {
	switch side {
	case models.SideSellToOpen, models.SideSell:
		return "sell"
	default:
		return "buy"
	}
}

// submit sends the order with retry and validates the acknowledgment.
// A malformed response is retried; a rejection status is permanent.
func (e *Executor) submit(ctx context.Context, req broker.OrderRequest, op string) (*broker.Order, error) {
	var order *broker.Order
	err := retry.Do(ctx, e.retryCfg, e.logger, op, func() error {
		o, err := e.broker.SubmitOrder(ctx, req)
		if err != nil {
			return err
		}
		if err := broker.ValidateOrderResponse(o); err != nil {
			return retry.Transient(err)
		}
		if o.Status == broker.StatusRejected {
			return retry.Permanent(&BrokerRejectionError{OrderID: o.ID, Reason: "status rejected"})
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// ExecuteMarket runs a market-mode intent to a terminal outcome: submit,
// wait for the fill, record it. The symbol lock is held throughout.
func (e *Executor) ExecuteMarket(ctx context.Context, intent models.OrderIntent) (*Result, error) {
	if err := validateIntent(&intent); err != nil {
		return nil, err
	}

	e.locks.Lock(intent.Symbol)
	defer e.locks.Unlock(intent.Symbol)

	req := broker.OrderRequest{
		Symbol:        intent.Instrument,
		Qty:           intent.Quantity,
		Side:          brokerSide(intent.Side),
		Type:          "market",
		TimeInForce:   "day",
		ClientOrderID: intent.ID,
	}

	log := e.logger.WithFields(logrus.Fields{
		"symbol":     intent.Symbol,
		"instrument": intent.Instrument,
		"side":       intent.Side,
		"qty":        intent.Quantity,
		"origin":     intent.Origin,
	})
	log.Info("submitting market order")

	order, err := e.submit(ctx, req, "submit market order")
	if err != nil {
		return &Result{Intent: intent, State: models.OrderFailed}, err
	}

	filled, err := e.waitForFill(ctx, order.ID)
	if err != nil {
		return &Result{Intent: intent, Order: order, State: models.OrderFailed}, err
	}

	if err := e.recordFill(&intent, filled); err != nil {
		// The position is live even if the ledger write failed; surface loudly.
		log.WithError(err).Error("fill confirmed but ledger write failed")
		return &Result{Intent: intent, Order: filled, State: models.OrderFilled}, err
	}

	log.WithFields(logrus.Fields{
		"order_id": filled.ID,
		"price":    filled.FilledAvgPrice,
	}).Info("order filled")
	return &Result{Intent: intent, Order: filled, State: models.OrderFilled}, nil
}

// SubmitLimit submits a limit-mode intent and hands back a pending order for
// the order manager. Sells start at the ask, buys at the bid; the manager
// walks the price toward the far side on each update.
func (e *Executor) SubmitLimit(ctx context.Context, intent models.OrderIntent, tickSize float64) (*models.PendingOrder, error) {
	if err := validateIntent(&intent); err != nil {
		return nil, err
	}

	e.locks.Lock(intent.Symbol)
	defer e.locks.Unlock(intent.Symbol)

	price := InitialLimitPrice(&intent, tickSize)
	req := broker.OrderRequest{
		Symbol:        intent.Instrument,
		Qty:           intent.Quantity,
		Side:          brokerSide(intent.Side),
		Type:          "limit",
		TimeInForce:   "day",
		LimitPrice:    price,
		ClientOrderID: intent.ID,
	}

	e.logger.WithFields(logrus.Fields{
		"symbol":     intent.Symbol,
		"instrument": intent.Instrument,
		"side":       intent.Side,
		"qty":        intent.Quantity,
		"limit":      price,
	}).Info("submitting limit order")

	order, err := e.submit(ctx, req, "submit limit order")
	if err != nil {
		return nil, err
	}

	return &models.PendingOrder{
		BrokerOrderID: order.ID,
		Intent:        intent,
		State:         models.OrderSubmitted,
		LimitPrice:    price,
		SubmittedAt:   time.Now().UTC(),
	}, nil
}

// InitialLimitPrice starts at the favorable side of the snapshot spread.
func InitialLimitPrice(intent *models.OrderIntent, tickSize float64) float64 {
	if brokerSide(intent.Side) == "sell" {
		if intent.Ask > 0 {
			return util.RoundToTick(intent.Ask, tickSize)
		}
		return util.RoundToTick(intent.Bid, tickSize)
	}
	if intent.Bid > 0 {
		return util.RoundToTick(intent.Bid, tickSize)
	}
	return util.RoundToTick(intent.Ask, tickSize)
}

// waitForFill polls order status until fill, rejection, or timeout. Status
// polls use the retry wrapper so one flaky read does not abort the wait.
func (e *Executor) waitForFill(ctx context.Context, orderID string) (*broker.Order, error) {
	deadline := time.Now().Add(e.fillTimeout)
	ticker := time.NewTicker(e.pollEvery)
	defer ticker.Stop()

	for {
		var order *broker.Order
		err := retry.Do(ctx, e.retryCfg, e.logger, "poll order status", func() error {
			o, err := e.broker.GetOrderStatus(ctx, orderID)
			if err != nil {
				return err
			}
			if err := broker.ValidateOrderResponse(o); err != nil {
				return retry.Transient(err)
			}
			order = o
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("polling order %s: %w", orderID, err)
		}

		if order.Filled() {
			return order, nil
		}
		if order.Terminal() {
			return nil, &BrokerRejectionError{
				OrderID: orderID,
				Reason:  fmt.Sprintf("terminal status %q without fill", order.Status),
			}
		}
		if time.Now().After(deadline) {
			// Best effort cancel, then report the timeout.
			if cerr := e.broker.CancelOrder(ctx, orderID); cerr != nil && !errors.Is(cerr, retry.ErrCircuitOpen) {
				e.logger.WithError(cerr).WithField("order_id", orderID).
					Warn("cancel after fill timeout failed")
			}
			return nil, retry.Transient(fmt.Errorf("order %s unfilled after %s", orderID, e.fillTimeout))
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// recordFill writes the trade and its premium events atomically.
func (e *Executor) recordFill(intent *models.OrderIntent, order *broker.Order) error {
	trade, events := FillRecords(intent, order)
	return e.ledger.RecordFill(trade, events)
}

// RecordPendingFill records a fill confirmed by the order manager.
func (e *Executor) RecordPendingFill(pending *models.PendingOrder, order *broker.Order) error {
	trade, events := FillRecords(&pending.Intent, order)
	return e.ledger.RecordFill(trade, events)
}

// FillRecords maps a confirmed fill to its ledger rows. Sell-to-open fills
// produce a premium credit; buy-to-close fills produce a roll debit.
func FillRecords(intent *models.OrderIntent, order *broker.Order) (*models.Trade, []*models.PremiumEvent) {
	now := time.Now().UTC()
	trade := &models.Trade{
		Symbol:     intent.Symbol,
		LayerID:    intent.LayerID,
		Quantity:   intent.Quantity,
		Price:      order.FilledAvgPrice,
		Strike:     intent.Strike,
		Expiration: intent.Expiration,
		Timestamp:  now,
	}

	var events []*models.PremiumEvent
	switch intent.Side {
	case models.SideSellToOpen:
		if intent.Kind == models.KindPut {
			trade.TradeType = "sell_put"
		} else {
			trade.TradeType = "sell_call"
		}
		trade.Premium = order.FilledAvgPrice
		events = append(events, &models.PremiumEvent{
			Type:       models.EventPremium,
			Symbol:     intent.Symbol,
			LayerID:    intent.LayerID,
			OptionKind: intent.Kind,
			Amount:     order.FilledAvgPrice,
			Contracts:  intent.Quantity,
			Strike:     intent.Strike,
			Expiration: intent.Expiration,
			TradeID:    intent.ID,
			Timestamp:  now,
		})

	case models.SideBuyToClose:
		trade.TradeType = "buy_to_close"
		events = append(events, &models.PremiumEvent{
			Type:       models.EventRollDebit,
			Symbol:     intent.Symbol,
			LayerID:    intent.LayerID,
			OptionKind: intent.Kind,
			Amount:     order.FilledAvgPrice,
			Contracts:  intent.Quantity,
			Strike:     intent.Strike,
			Expiration: intent.Expiration,
			TradeID:    intent.ID,
			Timestamp:  now,
		})

	case models.SideSell:
		trade.TradeType = "called_away"
	case models.SideBuy:
		trade.TradeType = "assignment"
	}
	return trade, events
}
