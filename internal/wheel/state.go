// Package wheel reconstructs and tracks the per-symbol layer state of the
// strategy. Broker positions are the source of truth: every cycle rebuilds
// the layers from the live account instead of trusting stale local state.
package wheel

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CryptoGnome/options-wheel/internal/broker"
	"github.com/CryptoGnome/options-wheel/internal/models"
	"github.com/CryptoGnome/options-wheel/internal/util"
)

// LayerID returns the stable identifier for a symbol's numbered layer slot.
// It must not change across restarts: the ledger keys premium history by it.
func LayerID(symbol string, number int) string {
	return fmt.Sprintf("%s-%d", symbol, number)
}

// symbolHoldings is the raw per-symbol view extracted from broker positions.
type symbolHoldings struct {
	shares     int
	shareBasis float64
	shortPuts  []optionHolding
	shortCalls []optionHolding
}

type optionHolding struct {
	symbol     string // OCC
	strike     float64
	expiration time.Time
	contracts  int
	entryPrice float64
}

// BuildLayers reconstructs the layer set for the enabled symbols from raw
// broker positions. Short calls claim share coverage first; leftover share
// lots become long_shares layers; short puts fill further slots; remaining
// slots up to maxLayers are idle. A short call with no covering shares is a
// hard error: the account does not match any state the engine can run.
func BuildLayers(
	positions []broker.Position,
	symbols []string,
	maxLayers func(symbol string) int,
	logger *logrus.Logger,
) (map[string][]*models.Layer, error) {
	holdings, err := groupHoldings(positions, symbols)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]*models.Layer, len(symbols))
	for _, symbol := range symbols {
		h := holdings[symbol]
		layers, err := buildSymbolLayers(symbol, h, maxLayers(symbol))
		if err != nil {
			return nil, err
		}
		for _, l := range layers {
			if err := l.Validate(); err != nil {
				return nil, fmt.Errorf("reconstructed layer invalid: %w", err)
			}
		}
		logger.WithFields(logrus.Fields{
			"symbol": symbol,
			"layers": len(layers),
			"states": stateCounts(layers),
		}).Debug("reconstructed wheel layers")
		out[symbol] = layers
	}
	return out, nil
}

func groupHoldings(positions []broker.Position, symbols []string) (map[string]*symbolHoldings, error) {
	enabled := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		enabled[s] = true
	}

	holdings := make(map[string]*symbolHoldings)
	get := func(symbol string) *symbolHoldings {
		h, ok := holdings[symbol]
		if !ok {
			h = &symbolHoldings{}
			holdings[symbol] = h
		}
		return h
	}

	for _, p := range positions {
		switch p.AssetClass {
		case broker.AssetClassEquity:
			if !enabled[p.Symbol] || p.Qty <= 0 {
				continue
			}
			h := get(p.Symbol)
			h.shares += int(p.Qty)
			h.shareBasis = p.AvgEntryPrice

		case broker.AssetClassOption:
			underlying, optType, strike, expiration, err := util.ParseOptionSymbol(p.Symbol)
			if err != nil {
				return nil, fmt.Errorf("unparseable option position %q: %w", p.Symbol, err)
			}
			if !enabled[underlying] {
				continue
			}
			qty := int(p.Qty)
			if p.Side == "short" || qty < 0 {
				if qty < 0 {
					qty = -qty
				}
				oh := optionHolding{
					symbol:     p.Symbol,
					strike:     strike,
					expiration: expiration,
					contracts:  qty,
					entryPrice: p.AvgEntryPrice,
				}
				h := get(underlying)
				if optType == 'P' {
					h.shortPuts = append(h.shortPuts, oh)
				} else {
					h.shortCalls = append(h.shortCalls, oh)
				}
			}
		}
	}
	return holdings, nil
}

func buildSymbolLayers(symbol string, h *symbolHoldings, maxLayers int) ([]*models.Layer, error) {
	if maxLayers < 1 {
		maxLayers = 1
	}
	layers := make([]*models.Layer, 0, maxLayers)
	number := 1

	next := func(state models.LayerState) *models.Layer {
		l := models.NewLayer(LayerID(symbol, number), symbol, number)
		l.State = state
		l.StateMachine = models.NewStateMachineFromState(state)
		number++
		return l
	}

	if h != nil {
		// Calls claim share coverage first.
		remainingShares := h.shares
		sort.Slice(h.shortCalls, func(i, j int) bool {
			return h.shortCalls[i].expiration.Before(h.shortCalls[j].expiration)
		})
		for _, c := range h.shortCalls {
			needed := c.contracts * models.SharesPerContract
			if remainingShares < needed {
				return nil, fmt.Errorf(
					"%s: short call %s for %d contracts has only %d covering shares",
					symbol, c.symbol, c.contracts, remainingShares)
			}
			remainingShares -= needed

			l := next(models.StateShortCall)
			l.Call = &models.OptionLeg{
				Symbol:     c.symbol,
				Strike:     c.strike,
				Expiration: c.expiration,
				Contracts:  c.contracts,
				EntryPrice: c.entryPrice,
			}
			l.SharesQty = needed
			l.RawBasis = h.shareBasis
			layers = append(layers, l)
		}

		// Leftover shares become long_shares layers, one per round lot group.
		if remainingShares >= models.SharesPerContract {
			lots := remainingShares / models.SharesPerContract
			l := next(models.StateLongShares)
			l.SharesQty = lots * models.SharesPerContract
			l.RawBasis = h.shareBasis
			layers = append(layers, l)
		}

		sort.Slice(h.shortPuts, func(i, j int) bool {
			return h.shortPuts[i].expiration.Before(h.shortPuts[j].expiration)
		})
		for _, p := range h.shortPuts {
			l := next(models.StateShortPut)
			l.Put = &models.OptionLeg{
				Symbol:     p.symbol,
				Strike:     p.strike,
				Expiration: p.expiration,
				Contracts:  p.contracts,
				EntryPrice: p.entryPrice,
			}
			layers = append(layers, l)
		}
	}

	for len(layers) < maxLayers {
		layers = append(layers, next(models.StateIdle))
	}
	return layers, nil
}

func stateCounts(layers []*models.Layer) map[string]int {
	counts := make(map[string]int)
	for _, l := range layers {
		counts[string(l.State)]++
	}
	return counts
}
