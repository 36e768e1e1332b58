package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockBroker is a scriptable in-memory Broker for tests. Each call site can
// inject per-method behavior; unset methods return empty defaults.
type MockBroker struct {
	mu sync.Mutex

	AccountResp   *Account
	PositionsResp []Position
	QuoteResp     *Quote
	ChainResp     map[string][]Contract // keyed by underlying+"/"+optionType
	ClockResp     *Clock

	// SubmitFunc, when set, overrides order submission entirely.
	SubmitFunc func(req OrderRequest) (*Order, error)
	// StatusFunc, when set, overrides order status lookups.
	StatusFunc func(orderID string) (*Order, error)
	// ReplaceFunc, when set, overrides order replacement.
	ReplaceFunc func(orderID string, qty int, limitPrice float64) (*Order, error)

	// Err, when set, is returned by every call without a dedicated override.
	Err error

	SubmitCalls    []OrderRequest
	StatusCalls    []string
	ReplaceCalls   []string
	CancelCalls    []string
	CancelAllCalls int
	LiquidateCalls int
	nextOrderID    int
}

var _ Broker = (*MockBroker)(nil)

// NewMockBroker creates a mock with sane account and clock defaults.
func NewMockBroker() *MockBroker {
	return &MockBroker{
		AccountResp: &Account{
			BuyingPower:          100_000,
			NonMarginBuyingPower: 100_000,
			PortfolioValue:       100_000,
			Equity:               100_000,
		},
		ClockResp: &Clock{IsOpen: true, Timestamp: time.Now().UTC()},
		ChainResp: make(map[string][]Contract),
	}
}

// SetChain scripts the option chain for one underlying and type.
func (m *MockBroker) SetChain(underlying, optionType string, contracts []Contract) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ChainResp == nil {
		m.ChainResp = make(map[string][]Contract)
	}
	m.ChainResp[underlying+"/"+optionType] = contracts
}

func (m *MockBroker) GetAccount(_ context.Context) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.AccountResp, nil
}

func (m *MockBroker) GetPositions(_ context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.PositionsResp, nil
}

func (m *MockBroker) GetQuote(_ context.Context, symbol string) (*Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if m.QuoteResp != nil {
		return m.QuoteResp, nil
	}
	return &Quote{Symbol: symbol}, nil
}

func (m *MockBroker) GetOptionChain(_ context.Context, underlying, optionType string, _, _ int) ([]Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.ChainResp[underlying+"/"+optionType], nil
}

func (m *MockBroker) GetMarketClock(_ context.Context) (*Clock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.ClockResp, nil
}

func (m *MockBroker) SubmitOrder(_ context.Context, req OrderRequest) (*Order, error) {
	m.mu.Lock()
	m.SubmitCalls = append(m.SubmitCalls, req)
	fn := m.SubmitFunc
	m.nextOrderID++
	id := fmt.Sprintf("mock-order-%d", m.nextOrderID)
	err := m.Err
	m.mu.Unlock()

	if fn != nil {
		return fn(req)
	}
	if err != nil {
		return nil, err
	}
	return &Order{
		ID:             id,
		ClientOrderID:  req.ClientOrderID,
		Symbol:         req.Symbol,
		Status:         StatusFilled,
		Side:           req.Side,
		Type:           req.Type,
		Qty:            float64(req.Qty),
		FilledQty:      float64(req.Qty),
		FilledAvgPrice: req.LimitPrice,
		LimitPrice:     req.LimitPrice,
		SubmittedAt:    time.Now().UTC(),
	}, nil
}

func (m *MockBroker) GetOrderStatus(_ context.Context, orderID string) (*Order, error) {
	m.mu.Lock()
	m.StatusCalls = append(m.StatusCalls, orderID)
	fn := m.StatusFunc
	err := m.Err
	m.mu.Unlock()

	if fn != nil {
		return fn(orderID)
	}
	if err != nil {
		return nil, err
	}
	return &Order{ID: orderID, Status: StatusFilled, Qty: 1, FilledQty: 1}, nil
}

func (m *MockBroker) ReplaceOrder(_ context.Context, orderID string, qty int, limitPrice float64) (*Order, error) {
	m.mu.Lock()
	m.ReplaceCalls = append(m.ReplaceCalls, orderID)
	fn := m.ReplaceFunc
	m.nextOrderID++
	id := fmt.Sprintf("mock-order-%d", m.nextOrderID)
	err := m.Err
	m.mu.Unlock()

	if fn != nil {
		return fn(orderID, qty, limitPrice)
	}
	if err != nil {
		return nil, err
	}
	return &Order{ID: id, Status: StatusNew, Qty: float64(qty), LimitPrice: limitPrice}, nil
}

func (m *MockBroker) CancelOrder(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelCalls = append(m.CancelCalls, orderID)
	return m.Err
}

func (m *MockBroker) CancelAllOrders(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelAllCalls++
	return m.Err
}

func (m *MockBroker) LiquidateAllPositions(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LiquidateCalls++
	return m.Err
}
