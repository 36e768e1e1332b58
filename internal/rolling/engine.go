// Package rolling scans expiring short options and rolls them to later
// expirations when the roll collects enough net premium.
package rolling

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/CryptoGnome/options-wheel/internal/basis"
	"github.com/CryptoGnome/options-wheel/internal/broker"
	"github.com/CryptoGnome/options-wheel/internal/config"
	"github.com/CryptoGnome/options-wheel/internal/executor"
	"github.com/CryptoGnome/options-wheel/internal/models"
	"github.com/CryptoGnome/options-wheel/internal/strategy"
	"github.com/CryptoGnome/options-wheel/internal/wheel"
)

// Outcome reports what happened to one expiring leg.
type Outcome struct {
	Symbol    string
	LayerID   string
	Kind      models.PositionKind
	Rolled    bool
	NetCredit float64 // per share, when rolled
	Reason    string  // when skipped
	// BrokenOpen is set when the close filled but the replacement open
	// failed: the layer was returned to its uncovered state and needs
	// operator attention before the next cycle re-sells.
	BrokenOpen bool
	Err        error
}

// Engine evaluates and executes rolls for one symbol at a time.
type Engine struct {
	broker  broker.Broker
	exec    *executor.Executor
	manager *wheel.Manager
	basis   *basis.Tracker
	cfg     *config.Config
	logger  *logrus.Logger
}

// NewEngine wires the rolling engine.
func NewEngine(
	b broker.Broker,
	exec *executor.Executor,
	m *wheel.Manager,
	tracker *basis.Tracker,
	cfg *config.Config,
	logger *logrus.Logger,
) *Engine {
	return &Engine{broker: b, exec: exec, manager: m, basis: tracker, cfg: cfg, logger: logger}
}

// ScanSymbol rolls every short leg of the symbol whose DTE is at or under
// the roll window. A failed roll never silently loses track of a layer: the
// outcome records exactly where the layer ended up.
func (e *Engine) ScanSymbol(ctx context.Context, symbol string) []Outcome {
	rs := e.cfg.RollingFor(symbol)
	if !rs.Enabled {
		return nil
	}

	var outcomes []Outcome
	for _, layer := range e.manager.Layers(symbol) {
		var leg *models.OptionLeg
		var kind models.PositionKind
		switch layer.State {
		case models.StateShortPut:
			leg, kind = layer.Put, models.KindPut
		case models.StateShortCall:
			leg, kind = layer.Call, models.KindCall
		default:
			continue
		}
		if leg == nil || leg.DTE() > rs.DaysBeforeExpiry {
			continue
		}
		outcomes = append(outcomes, e.rollLeg(ctx, symbol, layer, leg, kind, rs))
	}
	return outcomes
}

func (e *Engine) rollLeg(
	ctx context.Context,
	symbol string,
	layer *models.Layer,
	leg *models.OptionLeg,
	kind models.PositionKind,
	rs config.RollingSettings,
) Outcome {
	out := Outcome{Symbol: symbol, LayerID: layer.ID, Kind: kind}
	log := e.logger.WithFields(logrus.Fields{
		"symbol": symbol,
		"layer":  layer.Number,
		"kind":   kind,
		"leg":    leg.Symbol,
		"dte":    leg.DTE(),
	})

	optionType := "put"
	if kind == models.KindCall {
		optionType = "call"
	}
	chain, err := e.broker.GetOptionChain(ctx, symbol, optionType, 0,
		e.cfg.Filters.ExpirationMaxDays+rs.DaysBeforeExpiry)
	if err != nil {
		out.Err = fmt.Errorf("fetching roll chain: %w", err)
		return out
	}

	current, ok := findContract(chain, leg.Symbol)
	if !ok {
		out.Reason = "current contract missing from chain"
		log.Warn("cannot price close leg, skipping roll")
		return out
	}

	// A call must never be rolled below the layer's adjusted share basis.
	minStrike := 0.0
	if kind == models.KindCall {
		minStrike, err = e.basis.MinCallStrike(layer)
		if err != nil {
			out.Err = fmt.Errorf("resolving call strike floor: %w", err)
			return out
		}
	}
	target, ok := pickRollTarget(chain, leg, minStrike, rs, e.cfg.Filters)
	if !ok {
		out.Reason = "no roll target for strategy " + rs.Strategy
		log.Info("no viable roll target")
		return out
	}

	netCredit := target.Bid - current.Ask
	if netCredit < rs.MinPremiumToRoll {
		out.Reason = fmt.Sprintf("net credit %.2f below floor %.2f", netCredit, rs.MinPremiumToRoll)
		log.WithField("net_credit", netCredit).Info("roll premium below floor")
		return out
	}

	log.WithFields(logrus.Fields{
		"target":     target.Symbol,
		"net_credit": netCredit,
	}).Info("rolling position")

	// Close first. If the close fails the layer is untouched and the roll
	// simply retries next cycle.
	closeIntent := models.OrderIntent{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Instrument: leg.Symbol,
		Kind:       kind,
		Side:       models.SideBuyToClose,
		Quantity:   leg.Contracts,
		Pricing:    models.PricingMarket,
		Origin:     models.OriginRollClose,
		LayerID:    layer.ID,
		Strike:     leg.Strike,
		Expiration: leg.Expiration,
		Bid:        current.Bid,
		Ask:        current.Ask,
	}
	if _, err := e.exec.ExecuteMarket(ctx, closeIntent); err != nil {
		out.Err = fmt.Errorf("roll close failed: %w", err)
		return out
	}

	closedState, closedCondition := models.StateIdle, models.ConditionPutClosed
	if kind == models.KindCall {
		closedState, closedCondition = models.StateLongShares, models.ConditionCallClosed
	}
	if err := e.manager.Transition(symbol, layer.ID, closedState, closedCondition); err != nil {
		out.Err = fmt.Errorf("recording roll close: %w", err)
		return out
	}

	openIntent := models.OrderIntent{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Instrument: target.Symbol,
		Kind:       kind,
		Side:       models.SideSellToOpen,
		Quantity:   leg.Contracts,
		Pricing:    models.PricingMarket,
		Origin:     models.OriginRollOpen,
		LayerID:    layer.ID,
		Strike:     target.Strike,
		Expiration: target.Expiration,
		Bid:        target.Bid,
		Ask:        target.Ask,
	}
	result, err := e.exec.ExecuteMarket(ctx, openIntent)
	if err != nil {
		// The close filled but the replacement did not. The layer stays
		// where the close left it; surface the broken roll for the operator
		// and let the next cycle re-sell through the normal path.
		out.BrokenOpen = true
		out.Err = fmt.Errorf("roll open failed after close filled: %w", err)
		log.WithError(err).Error("roll broken: closed but not reopened")
		return out
	}

	openedState, openedCondition := models.StateShortPut, models.ConditionPutOpened
	if kind == models.KindCall {
		openedState, openedCondition = models.StateShortCall, models.ConditionCallOpened
	}
	if err := e.manager.Transition(symbol, layer.ID, openedState, openedCondition); err != nil {
		out.BrokenOpen = true
		out.Err = fmt.Errorf("recording roll open: %w", err)
		return out
	}
	_ = e.manager.SetLeg(symbol, layer.ID, kind, &models.OptionLeg{
		Symbol:     target.Symbol,
		Strike:     target.Strike,
		Expiration: target.Expiration,
		Contracts:  leg.Contracts,
		EntryPrice: result.Order.FilledAvgPrice,
		OpenedAt:   time.Now().UTC(),
	})

	out.Rolled = true
	out.NetCredit = netCredit
	return out
}

func findContract(chain []broker.Contract, occSymbol string) (broker.Contract, bool) {
	for _, c := range chain {
		if c.Symbol == occSymbol {
			return c, true
		}
	}
	return broker.Contract{}, false
}

// pickRollTarget ranks replacement candidates with the same scorer that
// picks new positions. The strategy names which strikes are considered:
//
//	forward: strike at or above the current leg's, later expiration
//	down:    strike below the current leg's, later expiration, delta at or
//	         under roll_delta_target when one is configured
//	both:    any strike, later expiration
//
// Candidates still clear the standard hard filters and a per-contract bid
// floor of min_premium_to_roll before scoring.
func pickRollTarget(
	chain []broker.Contract,
	leg *models.OptionLeg,
	minStrike float64,
	rs config.RollingSettings,
	filters config.OptionFilters,
) (broker.Contract, bool) {
	candidates := make([]broker.Contract, 0, len(chain))
	for _, c := range chain {
		if !c.Expiration.After(leg.Expiration) || c.Bid < rs.MinPremiumToRoll {
			continue
		}
		switch rs.Strategy {
		case "forward":
			if c.Strike < leg.Strike {
				continue
			}
		case "down":
			if c.Strike >= leg.Strike {
				continue
			}
			if rs.RollDeltaTarget > 0 && math.Abs(c.Delta) > rs.RollDeltaTarget {
				continue
			}
		case "both":
		default:
			return broker.Contract{}, false
		}
		candidates = append(candidates, c)
	}
	return strategy.SelectBest(candidates, filters, minStrike)
}
