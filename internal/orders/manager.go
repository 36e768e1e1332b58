// Package orders manages the lifecycle of working limit orders: periodic
// repricing toward the far side of the spread, age-based expiry, and
// cancel-all at session close.
package orders

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CryptoGnome/options-wheel/internal/broker"
	"github.com/CryptoGnome/options-wheel/internal/executor"
	"github.com/CryptoGnome/options-wheel/internal/models"
	"github.com/CryptoGnome/options-wheel/internal/retry"
	"github.com/CryptoGnome/options-wheel/internal/util"
)

// FillHandler is invoked once per confirmed fill, after the ledger write.
type FillHandler func(pending *models.PendingOrder, order *broker.Order)

// SessionFunc reports whether the market session is currently open.
type SessionFunc func(ctx context.Context) bool

// Settings bounds the management loop.
type Settings struct {
	UpdateInterval time.Duration // how often working orders are revisited
	MaxOrderAge    time.Duration // pending longer than this is cancelled
	MaxReprices    int           // hard cap on price updates per order
	TickSize       float64
}

// Manager tracks pending limit orders and drives them to a terminal state.
type Manager struct {
	broker  broker.Broker
	exec    *executor.Executor
	locks   *executor.SymbolLocks
	set     Settings
	session SessionFunc
	onFill  FillHandler
	logger  *logrus.Logger

	mu      sync.Mutex
	pending map[string]*models.PendingOrder // keyed by broker order id
}

// NewManager wires the order manager. It shares the executor's symbol locks
// so repricing and new sales on the same underlying never interleave. A nil
// session falls back to the broker's market clock, treating clock failures
// as open.
func NewManager(
	b broker.Broker,
	exec *executor.Executor,
	set Settings,
	session SessionFunc,
	onFill FillHandler,
	logger *logrus.Logger,
) *Manager {
	if set.UpdateInterval <= 0 {
		set.UpdateInterval = time.Minute
	}
	if set.MaxOrderAge <= 0 {
		set.MaxOrderAge = 30 * time.Minute
	}
	if set.MaxReprices <= 0 {
		set.MaxReprices = 10
	}
	if set.TickSize <= 0 {
		set.TickSize = 0.01
	}
	if session == nil {
		session = func(ctx context.Context) bool {
			clock, err := b.GetMarketClock(ctx)
			if err != nil {
				return true
			}
			return clock.IsOpen
		}
	}
	return &Manager{
		broker:  b,
		exec:    exec,
		locks:   exec.Locks(),
		set:     set,
		session: session,
		onFill:  onFill,
		logger:  logger,
		pending: make(map[string]*models.PendingOrder),
	}
}

// Track registers a freshly submitted limit order.
func (m *Manager) Track(p *models.PendingOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[p.BrokerOrderID] = p
}

// PendingCount returns the number of non-terminal tracked orders.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.pending {
		if !p.State.Terminal() {
			n++
		}
	}
	return n
}

// Run revisits working orders on the update interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.set.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep processes every tracked order once: refresh status, record fills,
// reprice stale orders, cancel aged ones. Outside the market session it never
// touches prices: anything still working after the close is cancelled.
func (m *Manager) Sweep(ctx context.Context) {
	if !m.session(ctx) {
		if m.PendingCount() > 0 {
			m.logger.Info("market session closed, cancelling working orders")
			m.CancelAll(ctx)
		}
		return
	}

	m.mu.Lock()
	batch := make([]*models.PendingOrder, 0, len(m.pending))
	for _, p := range m.pending {
		if !p.State.Terminal() {
			batch = append(batch, p)
		}
	}
	m.mu.Unlock()

	for _, p := range batch {
		if ctx.Err() != nil {
			return
		}
		m.process(ctx, p)
	}

	m.mu.Lock()
	for id, p := range m.pending {
		if p.State.Terminal() {
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()
}

func (m *Manager) process(ctx context.Context, p *models.PendingOrder) {
	m.locks.Lock(p.Intent.Symbol)
	defer m.locks.Unlock(p.Intent.Symbol)

	log := m.logger.WithFields(logrus.Fields{
		"order_id":   p.BrokerOrderID,
		"instrument": p.Intent.Instrument,
		"limit":      p.LimitPrice,
		"reprices":   p.RepriceCount,
	})

	order, err := m.broker.GetOrderStatus(ctx, p.BrokerOrderID)
	if err != nil {
		if errors.Is(err, retry.ErrCircuitOpen) {
			return // revisit next sweep
		}
		log.WithError(err).Warn("order status check failed")
		return
	}
	if err := broker.ValidateOrderResponse(order); err != nil {
		log.WithError(err).Warn("malformed order status, will retry")
		return
	}

	if order.Filled() {
		if err := m.exec.RecordPendingFill(p, order); err != nil {
			log.WithError(err).Error("fill confirmed but ledger write failed")
		}
		p.State = models.OrderFilled
		log.WithField("price", order.FilledAvgPrice).Info("limit order filled")
		if m.onFill != nil {
			m.onFill(p, order)
		}
		return
	}
	if order.Terminal() {
		p.State = models.OrderCancelled
		log.WithField("status", order.Status).Info("limit order ended without fill")
		return
	}

	now := time.Now().UTC()
	if p.Aged(m.set.MaxOrderAge, now) || p.RepriceCount >= m.set.MaxReprices {
		if err := m.broker.CancelOrder(ctx, p.BrokerOrderID); err != nil {
			log.WithError(err).Warn("cancel of aged order failed")
			return
		}
		p.State = models.OrderExpired
		log.Info("cancelled aged limit order")
		return
	}

	if !p.ShouldReprice(m.set.UpdateInterval, now) {
		return
	}

	newPrice := NextLimitPrice(p, m.set.TickSize)
	if newPrice == p.LimitPrice {
		return // already at the far side
	}

	replaced, err := m.broker.ReplaceOrder(ctx, p.BrokerOrderID, p.Intent.Quantity, newPrice)
	if err != nil {
		log.WithError(err).Warn("reprice failed")
		return
	}
	if err := broker.ValidateOrderResponse(replaced); err != nil {
		log.WithError(err).Warn("malformed reprice response")
		return
	}

	// A replace issues a new broker order id.
	m.mu.Lock()
	delete(m.pending, p.BrokerOrderID)
	p.BrokerOrderID = replaced.ID
	p.LimitPrice = newPrice
	p.RepriceCount++
	p.LastRepriced = now
	p.State = models.OrderRepriced
	m.pending[p.BrokerOrderID] = p
	m.mu.Unlock()

	log.WithFields(logrus.Fields{"new_limit": newPrice, "new_id": replaced.ID}).
		Info("repriced limit order")
}

// NextLimitPrice walks the limit toward the far side of the decision-time
// spread. The step grows with each attempt but never crosses the midpoint
// adjustment cap of half the spread, so the price stays inside the quote.
func NextLimitPrice(p *models.PendingOrder, tick float64) float64 {
	spread := p.Intent.Ask - p.Intent.Bid
	if spread < 0 {
		spread = 0
	}
	adj := math.Min(float64(p.RepriceCount+1)*tick, spread/2)

	selling := p.Intent.Side == models.SideSellToOpen || p.Intent.Side == models.SideSell
	if selling {
		price := util.RoundToTick(p.Intent.Ask-adj, tick)
		if floor := p.Intent.Bid; price < floor {
			price = floor
		}
		if price > p.LimitPrice { // monotonic: sells only walk down
			price = p.LimitPrice
		}
		return price
	}

	price := util.RoundToTick(p.Intent.Bid+adj, tick)
	if ceiling := p.Intent.Ask; ceiling > 0 && price > ceiling {
		price = ceiling
	}
	if price < p.LimitPrice { // monotonic: buys only walk up
		price = p.LimitPrice
	}
	return price
}

// CancelAll cancels every working order, used at session close and shutdown.
func (m *Manager) CancelAll(ctx context.Context) {
	m.mu.Lock()
	batch := make([]*models.PendingOrder, 0, len(m.pending))
	for _, p := range m.pending {
		if !p.State.Terminal() {
			batch = append(batch, p)
		}
	}
	m.mu.Unlock()

	for _, p := range batch {
		m.locks.Lock(p.Intent.Symbol)
		if err := m.broker.CancelOrder(ctx, p.BrokerOrderID); err != nil {
			m.logger.WithError(err).WithField("order_id", p.BrokerOrderID).
				Warn("session-close cancel failed")
		} else {
			p.State = models.OrderCancelled
		}
		m.locks.Unlock(p.Intent.Symbol)
	}
}
