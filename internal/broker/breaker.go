package broker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/CryptoGnome/options-wheel/internal/retry"
)

// CircuitBreakerBroker wraps a Broker so every gateway call shares one
// breaker: after a run of consecutive failures it opens and fails fast
// without contacting the gateway, then half-opens for a single probe call.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure the wrapper satisfies Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// BreakerSettings configures circuit breaker behavior.
type BreakerSettings struct {
	ConsecutiveFailures uint32        // failures before the breaker opens
	Cooldown            time.Duration // open duration before the half-open probe
}

// DefaultBreakerSettings open after 5 consecutive failures with a one-minute cooldown.
var DefaultBreakerSettings = BreakerSettings{
	ConsecutiveFailures: 5,
	Cooldown:            60 * time.Second,
}

// NewCircuitBreakerBroker wraps broker with the given breaker settings.
func NewCircuitBreakerBroker(b Broker, settings BreakerSettings, logger *logrus.Logger) *CircuitBreakerBroker {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = DefaultBreakerSettings.ConsecutiveFailures
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = DefaultBreakerSettings.Cooldown
	}

	gbSettings := gobreaker.Settings{
		Name:        "broker",
		MaxRequests: 1, // single probe while half-open
		Timeout:     settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state change")
		},
	}

	return &CircuitBreakerBroker{
		broker:  b,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker funnels a call through the breaker, mapping breaker-open
// errors to the engine taxonomy.
func execBreaker[T any](cb *CircuitBreakerBroker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := cb.breaker.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, retry.ErrCircuitOpen
		}
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// GetAccount wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerBroker) GetAccount(ctx context.Context) (*Account, error) {
	return execBreaker(c, func() (*Account, error) { return c.broker.GetAccount(ctx) })
}

// GetPositions wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]Position, error) {
	return execBreaker(c, func() ([]Position, error) { return c.broker.GetPositions(ctx) })
}

// GetQuote wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerBroker) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	return execBreaker(c, func() (*Quote, error) { return c.broker.GetQuote(ctx, symbol) })
}

// GetOptionChain wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerBroker) GetOptionChain(
	ctx context.Context, underlying, optionType string, minDTE, maxDTE int,
) ([]Contract, error) {
	return execBreaker(c, func() ([]Contract, error) {
		return c.broker.GetOptionChain(ctx, underlying, optionType, minDTE, maxDTE)
	})
}

// GetMarketClock wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerBroker) GetMarketClock(ctx context.Context) (*Clock, error) {
	return execBreaker(c, func() (*Clock, error) { return c.broker.GetMarketClock(ctx) })
}

// SubmitOrder wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerBroker) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	return execBreaker(c, func() (*Order, error) { return c.broker.SubmitOrder(ctx, req) })
}

// ReplaceOrder wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerBroker) ReplaceOrder(ctx context.Context, orderID string, qty int, limitPrice float64) (*Order, error) {
	return execBreaker(c, func() (*Order, error) {
		return c.broker.ReplaceOrder(ctx, orderID, qty, limitPrice)
	})
}

// GetOrderStatus wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerBroker) GetOrderStatus(ctx context.Context, orderID string) (*Order, error) {
	return execBreaker(c, func() (*Order, error) { return c.broker.GetOrderStatus(ctx, orderID) })
}

// CancelOrder wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execBreaker(c, func() (struct{}, error) {
		return struct{}{}, c.broker.CancelOrder(ctx, orderID)
	})
	return err
}

// CancelAllOrders wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerBroker) CancelAllOrders(ctx context.Context) error {
	_, err := execBreaker(c, func() (struct{}, error) {
		return struct{}{}, c.broker.CancelAllOrders(ctx)
	})
	return err
}

// LiquidateAllPositions wraps the underlying call with the circuit breaker.
func (c *CircuitBreakerBroker) LiquidateAllPositions(ctx context.Context) error {
	_, err := execBreaker(c, func() (struct{}, error) {
		return struct{}{}, c.broker.LiquidateAllPositions(ctx)
	})
	return err
}
