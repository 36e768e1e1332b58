package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/CryptoGnome/options-wheel/internal/broker"
	"github.com/CryptoGnome/options-wheel/internal/executor"
	"github.com/CryptoGnome/options-wheel/internal/models"
	"github.com/CryptoGnome/options-wheel/internal/retry"
	"github.com/CryptoGnome/options-wheel/internal/wheel"
)

// maxConcurrentSymbols bounds the per-symbol worker pool. Work within a
// symbol is strictly ordered; across symbols it runs in parallel.
const maxConcurrentSymbols = 4

// runCycle executes one full pass: reconstruct state from the broker,
// reconcile what changed since last cycle, then roll, sell calls, and sell
// puts per symbol.
func (a *app) runCycle(ctx context.Context) error {
	open, err := a.marketOpen(ctx)
	if err != nil {
		return err
	}
	if !open {
		a.logger.Info("market closed, skipping cycle")
		if a.orderMgr != nil && a.orderMgr.PendingCount() > 0 {
			a.orderMgr.CancelAll(ctx)
		}
		return nil
	}

	account, err := a.broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("fetching account: %w", err)
	}
	positions, err := a.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetching positions: %w", err)
	}

	symbols := a.cfg.EnabledSymbols()
	layers, err := wheel.BuildLayers(positions, symbols, a.cfg.MaxLayersFor, a.logger)
	if err != nil {
		return fmt.Errorf("reconstructing layers: %w", err)
	}

	// Reconciliation runs before any new sales so a fresh assignment is
	// recorded (and its basis replayable) before a call is sold against it.
	changes := a.reconciler.Reconcile(a.prevLayers, layers, time.Now().UTC())
	for _, c := range changes {
		a.logger.WithFields(logrus.Fields{
			"symbol": c.Symbol,
			"layer":  c.LayerID,
			"change": c.Kind,
		}).Info("reconciled position change")
	}

	a.manager.Replace(layers)
	allocation := a.selector.AllocationPerSymbol(account)
	a.logger.WithFields(logrus.Fields{
		"symbols":    len(symbols),
		"allocation": allocation,
	}).Info("starting cycle")

	// One symbol's failure never aborts its siblings; an open breaker is a
	// whole-gateway condition and ends the cycle.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentSymbols)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			err := a.runSymbol(gctx, symbol, allocation)
			if err == nil || errors.Is(err, retry.ErrCircuitOpen) {
				return err
			}
			a.logger.WithField("symbol", symbol).WithError(err).Error("symbol unit failed")
			return nil
		})
	}
	err = g.Wait()

	// Snapshot for next cycle's reconciliation regardless of outcome.
	a.prevLayers = a.snapshotLayers(symbols)

	if errors.Is(err, retry.ErrCircuitOpen) {
		a.logger.Warn("circuit breaker open, cycle deferred")
		return nil
	}
	return err
}

func (a *app) snapshotLayers(symbols []string) map[string][]*models.Layer {
	snap := make(map[string][]*models.Layer, len(symbols))
	for _, s := range symbols {
		snap[s] = a.manager.Layers(s)
	}
	return snap
}

// runSymbol is one symbol's ordered unit of work: expiring legs roll first,
// then reconciled share lots get calls, then idle layers get puts.
func (a *app) runSymbol(ctx context.Context, symbol string, allocation float64) error {
	log := a.logger.WithField("symbol", symbol)

	for _, outcome := range a.roller.ScanSymbol(ctx, symbol) {
		switch {
		case outcome.BrokenOpen:
			return fmt.Errorf("%s roll left layer %s uncovered: %w",
				symbol, outcome.LayerID, outcome.Err)
		case outcome.Err != nil:
			log.WithError(outcome.Err).Warn("roll attempt failed, will retry next cycle")
		case outcome.Rolled:
			log.WithFields(logrus.Fields{
				"layer":      outcome.LayerID,
				"net_credit": outcome.NetCredit,
			}).Info("rolled expiring position")
		}
	}

	callIntents, err := a.selector.CallIntents(ctx, symbol)
	if err != nil {
		return err
	}
	for _, intent := range callIntents {
		if err := a.executeIntent(ctx, intent); err != nil {
			return err
		}
	}

	putIntents, err := a.selector.PutIntents(ctx, symbol, allocation)
	if err != nil {
		return err
	}
	for _, intent := range putIntents {
		if err := a.executeIntent(ctx, intent); err != nil {
			return err
		}
	}
	return nil
}

// executeIntent runs one intent in the configured pricing mode. Market fills
// transition the layer immediately; limit orders transition on the order
// manager's fill callback.
func (a *app) executeIntent(ctx context.Context, intent models.OrderIntent) error {
	if a.pricing == models.PricingLimit {
		pending, err := a.executor.SubmitLimit(ctx, intent, a.cfg.Execution.TickSize)
		if err != nil {
			return a.classifyExecError(intent, err)
		}
		a.orderMgr.Track(pending)
		return nil
	}

	result, err := a.executor.ExecuteMarket(ctx, intent)
	if err != nil {
		return a.classifyExecError(intent, err)
	}
	a.applyFill(intent, result.Order)
	return nil
}

// classifyExecError keeps one intent's rejection from aborting the cycle,
// while transport-level failures and an open breaker still end it.
func (a *app) classifyExecError(intent models.OrderIntent, err error) error {
	if errors.Is(err, retry.ErrCircuitOpen) {
		return err
	}
	var rejection *executor.BrokerRejectionError
	var perm *retry.PermanentError
	if errors.As(err, &rejection) || errors.As(err, &perm) {
		a.logger.WithFields(logrus.Fields{
			"symbol":     intent.Symbol,
			"instrument": intent.Instrument,
		}).WithError(err).Warn("order rejected, skipping this intent")
		return nil
	}
	return err
}

func (a *app) applyFill(intent models.OrderIntent, order *broker.Order) {
	if intent.Side != models.SideSellToOpen || intent.LayerID == "" {
		return
	}
	to, condition := models.StateShortPut, models.ConditionPutOpened
	if intent.Kind == models.KindCall {
		to, condition = models.StateShortCall, models.ConditionCallOpened
	}
	if err := a.manager.Transition(intent.Symbol, intent.LayerID, to, condition); err != nil {
		a.logger.WithError(err).Error("layer transition after fill failed")
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

// marketOpen consults the broker clock, falling back to the configured
// trading window when the clock endpoint is unavailable.
func (a *app) marketOpen(ctx context.Context) (bool, error) {
	clock, err := a.broker.GetMarketClock(ctx)
	if err != nil {
		if errors.Is(err, retry.ErrCircuitOpen) {
			return false, nil
		}
		a.logger.WithError(err).Warn("market clock unavailable, using configured hours")
		return a.cfg.IsWithinTradingHours(time.Now()), nil
	}
	return clock.IsOpen, nil
}
