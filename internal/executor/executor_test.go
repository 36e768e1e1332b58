package executor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CryptoGnome/options-wheel/internal/broker"
	"github.com/CryptoGnome/options-wheel/internal/ledger"
	"github.com/CryptoGnome/options-wheel/internal/models"
	"github.com/CryptoGnome/options-wheel/internal/retry"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func putIntent() models.OrderIntent {
	return models.OrderIntent{
		ID:         "intent-1",
		Symbol:     "SPY",
		Instrument: "SPY260918P00450000",
		Kind:       models.KindPut,
		Side:       models.SideSellToOpen,
		Quantity:   1,
		Pricing:    models.PricingMarket,
		Origin:     models.OriginNewPosition,
		LayerID:    "SPY-1",
		Strike:     450,
		Bid:        3.10,
		Ask:        3.30,
	}
}

func filledOrder(id string, price float64) *broker.Order {
	return &broker.Order{
		ID: id, Status: broker.StatusFilled, Qty: 1, FilledQty: 1, FilledAvgPrice: price,
	}
}

func TestExecuteMarket_RecordsFill(t *testing.T) {
	mb := broker.NewMockBroker()
	led := ledger.NewMemoryLedger()
	exec := NewExecutor(mb, led, NewSymbolLocks(), fastRetry(), time.Second, quietLogger())

	mb.SubmitFunc = func(req broker.OrderRequest) (*broker.Order, error) {
		return filledOrder("ord-1", 3.15), nil
	}
	mb.StatusFunc = func(orderID string) (*broker.Order, error) {
		return filledOrder(orderID, 3.15), nil
	}

	result, err := exec.ExecuteMarket(context.Background(), putIntent())
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, result.State)

	require.Len(t, led.Trades, 1)
	assert.Equal(t, "sell_put", led.Trades[0].TradeType)
	require.Len(t, led.Events, 1)
	assert.Equal(t, models.EventPremium, led.Events[0].Type)
	assert.InDelta(t, 3.15, led.Events[0].Amount, 1e-9)
}

func TestExecuteMarket_RetriesTransientThenSucceeds(t *testing.T) {
	mb := broker.NewMockBroker()
	exec := NewExecutor(mb, ledger.NewMemoryLedger(), NewSymbolLocks(), fastRetry(), time.Second, quietLogger())

	attempts := 0
	mb.SubmitFunc = func(req broker.OrderRequest) (*broker.Order, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("gateway timeout")
		}
		return filledOrder("ord-1", 3.15), nil
	}
	mb.StatusFunc = func(orderID string) (*broker.Order, error) {
		return filledOrder(orderID, 3.15), nil
	}

	result, err := exec.ExecuteMarket(context.Background(), putIntent())
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, result.State)
	assert.Equal(t, 3, attempts)
}

func TestExecuteMarket_MalformedResponseIsRetriedNeverTrusted(t *testing.T) {
	mb := broker.NewMockBroker()
	led := ledger.NewMemoryLedger()
	exec := NewExecutor(mb, led, NewSymbolLocks(), fastRetry(), time.Second, quietLogger())

	attempts := 0
	mb.SubmitFunc = func(req broker.OrderRequest) (*broker.Order, error) {
		attempts++
		if attempts == 1 {
			return &broker.Order{Status: broker.StatusNew}, nil // missing id
		}
		return filledOrder("ord-1", 3.15), nil
	}
	mb.StatusFunc = func(orderID string) (*broker.Order, error) {
		return filledOrder(orderID, 3.15), nil
	}

	_, err := exec.ExecuteMarket(context.Background(), putIntent())
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Len(t, led.Trades, 1, "only the validated fill is recorded")
}

func TestExecuteMarket_RejectionIsNotRetried(t *testing.T) {
	mb := broker.NewMockBroker()
	exec := NewExecutor(mb, ledger.NewMemoryLedger(), NewSymbolLocks(), fastRetry(), time.Second, quietLogger())

	attempts := 0
	mb.SubmitFunc = func(req broker.OrderRequest) (*broker.Order, error) {
		attempts++
		return &broker.Order{ID: "ord-1", Status: broker.StatusRejected}, nil
	}

	_, err := exec.ExecuteMarket(context.Background(), putIntent())
	require.Error(t, err)
	var rejection *BrokerRejectionError
	assert.True(t, errors.As(err, &rejection))
	assert.Equal(t, 1, attempts, "rejections must not be retried")
}

func TestExecuteMarket_FillTimeoutCancelsOrder(t *testing.T) {
	mb := broker.NewMockBroker()
	exec := NewExecutor(mb, ledger.NewMemoryLedger(), NewSymbolLocks(), fastRetry(), time.Millisecond, quietLogger())
	exec.pollEvery = time.Millisecond

	mb.SubmitFunc = func(req broker.OrderRequest) (*broker.Order, error) {
		return &broker.Order{ID: "ord-1", Status: broker.StatusNew, Qty: 1}, nil
	}
	mb.StatusFunc = func(orderID string) (*broker.Order, error) {
		return &broker.Order{ID: orderID, Status: broker.StatusNew, Qty: 1}, nil
	}

	_, err := exec.ExecuteMarket(context.Background(), putIntent())
	require.Error(t, err)
	assert.True(t, retry.IsRetryable(err))
	assert.Contains(t, mb.CancelCalls, "ord-1")
}

func TestExecuteMarket_ValidatesIntent(t *testing.T) {
	exec := NewExecutor(broker.NewMockBroker(), ledger.NewMemoryLedger(),
		NewSymbolLocks(), fastRetry(), time.Second, quietLogger())

	bad := putIntent()
	bad.Quantity = 0
	_, err := exec.ExecuteMarket(context.Background(), bad)
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestSubmitLimit_StartsAtFavorableSide(t *testing.T) {
	mb := broker.NewMockBroker()
	exec := NewExecutor(mb, ledger.NewMemoryLedger(), NewSymbolLocks(), fastRetry(), time.Second, quietLogger())

	intent := putIntent()
	intent.Pricing = models.PricingLimit

	pending, err := exec.SubmitLimit(context.Background(), intent, 0.01)
	require.NoError(t, err)
	assert.Equal(t, models.OrderSubmitted, pending.State)
	assert.InDelta(t, 3.30, pending.LimitPrice, 1e-9, "sells start at the ask")

	require.Len(t, mb.SubmitCalls, 1)
	assert.Equal(t, "limit", mb.SubmitCalls[0].Type)
	assert.Equal(t, "sell", mb.SubmitCalls[0].Side)
}

func TestSymbolLocks_SerializesPerSymbol(t *testing.T) {
	locks := NewSymbolLocks()

	var mu sync.Mutex
	inSection := map[string]int{}
	maxSeen := map[string]int{}

	var wg sync.WaitGroup
	work := func(symbol string) {
		defer wg.Done()
		locks.Lock(symbol)
		defer locks.Unlock(symbol)

		mu.Lock()
		inSection[symbol]++
		if inSection[symbol] > maxSeen[symbol] {
			maxSeen[symbol] = inSection[symbol]
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inSection[symbol]--
		mu.Unlock()
	}

	for i := 0; i < 8; i++ {
		wg.Add(2)
		go work("SPY")
		go work("AAPL")
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen["SPY"], "same-symbol sections must never overlap")
	assert.Equal(t, 1, maxSeen["AAPL"])
}

func TestFillRecords_BuyToCloseIsRollDebit(t *testing.T) {
	intent := putIntent()
	intent.Side = models.SideBuyToClose
	intent.Origin = models.OriginRollClose

	trade, events := FillRecords(&intent, filledOrder("ord-1", 0.45))
	assert.Equal(t, "buy_to_close", trade.TradeType)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventRollDebit, events[0].Type)
	assert.InDelta(t, 0.45, events[0].Amount, 1e-9)
}
