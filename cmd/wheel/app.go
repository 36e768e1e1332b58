package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/CryptoGnome/options-wheel/internal/basis"
	"github.com/CryptoGnome/options-wheel/internal/broker"
	"github.com/CryptoGnome/options-wheel/internal/config"
	"github.com/CryptoGnome/options-wheel/internal/executor"
	"github.com/CryptoGnome/options-wheel/internal/ledger"
	"github.com/CryptoGnome/options-wheel/internal/models"
	"github.com/CryptoGnome/options-wheel/internal/orders"
	"github.com/CryptoGnome/options-wheel/internal/retry"
	"github.com/CryptoGnome/options-wheel/internal/rolling"
	"github.com/CryptoGnome/options-wheel/internal/strategy"
	"github.com/CryptoGnome/options-wheel/internal/wheel"
)

// app bundles the wired engine for one run of the process.
type app struct {
	cfg        *config.Config
	logger     *logrus.Logger
	broker     broker.Broker
	ledger     ledger.Ledger
	manager    *wheel.Manager
	reconciler *wheel.Reconciler
	basis      *basis.Tracker
	selector   *strategy.Selector
	executor   *executor.Executor
	roller     *rolling.Engine
	orderMgr   *orders.Manager
	pricing    models.PricingMode

	prevLayers map[string][]*models.Layer
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := logrus.ParseLevel(cfg.Environment.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Environment.LogFile != "" {
		logger.SetOutput(&lumberjack.Logger{
			Filename:   cfg.Environment.LogFile,
			MaxSize:    20, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	return logger
}

// newApp wires every component from configuration.
func newApp(configPath string, pricing models.PricingMode) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	applyScheduleFlags(cfg)
	logger := newLogger(cfg)

	client := broker.NewAlpacaClient(
		cfg.Broker.APIKey, cfg.Broker.APISecret, cfg.IsPaperTrading(), cfg.Broker.Endpoint)
	breakerCooldown, _ := time.ParseDuration(cfg.Execution.BreakerCooldown)
	gateway := broker.NewCircuitBreakerBroker(client, broker.BreakerSettings{
		ConsecutiveFailures: cfg.Execution.BreakerThreshold,
		Cooldown:            breakerCooldown,
	}, logger)

	led, err := ledger.NewSQLiteLedger(cfg.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	initialBackoff, _ := time.ParseDuration(cfg.Execution.InitialBackoff)
	maxBackoff, _ := time.ParseDuration(cfg.Execution.MaxBackoff)
	fillTimeout, _ := time.ParseDuration(cfg.Execution.FillTimeout)
	retryCfg := retry.Config{
		MaxRetries:     cfg.Execution.MaxRetries,
		InitialBackoff: initialBackoff,
		MaxBackoff:     maxBackoff,
	}

	manager := wheel.NewManager()
	tracker := basis.NewTracker(led)
	exec := executor.NewExecutor(gateway, led, executor.NewSymbolLocks(), retryCfg, fillTimeout, logger)

	a := &app{
		cfg:        cfg,
		logger:     logger,
		broker:     gateway,
		ledger:     led,
		manager:    manager,
		reconciler: wheel.NewReconciler(led, logger),
		basis:      tracker,
		selector:   strategy.NewSelector(gateway, manager, tracker, cfg, pricing, logger),
		executor:   exec,
		roller:     rolling.NewEngine(gateway, exec, manager, tracker, cfg, logger),
		pricing:    pricing,
	}

	if pricing == models.PricingLimit {
		a.orderMgr = orders.NewManager(gateway, exec, orders.Settings{
			UpdateInterval: cfg.UpdateInterval(),
			MaxOrderAge:    cfg.MaxOrderAge(),
			MaxReprices:    cfg.Execution.MaxReprices,
			TickSize:       cfg.Execution.TickSize,
		}, a.sessionOpen, a.onLimitFill, logger)
	}
	return a, nil
}

func (a *app) close() {
	if err := a.ledger.Close(); err != nil {
		a.logger.WithError(err).Warn("ledger close failed")
	}
}

// freshStart cancels everything and liquidates all positions, returning
// every layer to idle so the next cycle starts from a clean account.
func (a *app) freshStart(ctx context.Context) error {
	a.logger.Warn("fresh start: cancelling all orders and liquidating all positions")
	if err := a.broker.CancelAllOrders(ctx); err != nil {
		return fmt.Errorf("cancelling orders for fresh start: %w", err)
	}
	if err := a.broker.LiquidateAllPositions(ctx); err != nil {
		return fmt.Errorf("liquidating positions for fresh start: %w", err)
	}
	a.prevLayers = nil
	a.manager.Replace(make(map[string][]*models.Layer))
	return nil
}

// sessionOpen gates the order manager's sweeps on the trading session, using
// the same clock-with-configured-hours check the cycle uses.
func (a *app) sessionOpen(ctx context.Context) bool {
	open, err := a.marketOpen(ctx)
	return err == nil && open
}

// onLimitFill transitions the owning layer when the order manager confirms
// a limit fill.
func (a *app) onLimitFill(pending *models.PendingOrder, order *broker.Order) {
	intent := pending.Intent
	if intent.Side != models.SideSellToOpen || intent.LayerID == "" {
		return
	}

	to, condition := models.StateShortPut, models.ConditionPutOpened
	if intent.Kind == models.KindCall {
		to, condition = models.StateShortCall, models.ConditionCallOpened
	}
	if err := a.manager.Transition(intent.Symbol, intent.LayerID, to, condition); err != nil {
		a.logger.WithError(err).WithFields(logrus.Fields{
			"symbol": intent.Symbol,
			"layer":  intent.LayerID,
		}).Error("layer transition after limit fill failed")
		return
	}
	_ = a.manager.SetLeg(intent.Symbol, intent.LayerID, intent.Kind, &models.OptionLeg{
		Symbol:     intent.Instrument,
		Strike:     intent.Strike,
		Expiration: intent.Expiration,
		Contracts:  intent.Quantity,
		EntryPrice: order.FilledAvgPrice,
		OpenedAt:   time.Now().UTC(),
	})
}
