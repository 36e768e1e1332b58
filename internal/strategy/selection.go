package strategy

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/CryptoGnome/options-wheel/internal/basis"
	"github.com/CryptoGnome/options-wheel/internal/broker"
	"github.com/CryptoGnome/options-wheel/internal/config"
	"github.com/CryptoGnome/options-wheel/internal/models"
	"github.com/CryptoGnome/options-wheel/internal/wheel"
)

// Selector turns layer state plus chain data into order intents.
type Selector struct {
	broker  broker.Broker
	manager *wheel.Manager
	basis   *basis.Tracker
	cfg     *config.Config
	pricing models.PricingMode
	logger  *logrus.Logger
}

// NewSelector wires the selection engine.
func NewSelector(
	b broker.Broker,
	m *wheel.Manager,
	t *basis.Tracker,
	cfg *config.Config,
	pricing models.PricingMode,
	logger *logrus.Logger,
) *Selector {
	return &Selector{broker: b, manager: m, basis: t, cfg: cfg, pricing: pricing, logger: logger}
}

// AllocationPerSymbol divides the configured fraction of non-marginable
// buying power evenly across the enabled symbols. The account snapshot is
// taken once per cycle; intra-cycle balance changes are picked up next cycle.
func (s *Selector) AllocationPerSymbol(account *broker.Account) float64 {
	n := len(s.cfg.EnabledSymbols())
	if n == 0 {
		return 0
	}
	return s.cfg.Balance.AllocationPercentage * account.NonMarginBuyingPower / float64(n)
}

// committedCapital is the cash a symbol's layers already tie up: put
// collateral at strike and share positions at raw basis.
func (s *Selector) committedCapital(symbol string) float64 {
	var total float64
	for _, l := range s.manager.Layers(symbol) {
		if l.Put != nil {
			total += l.Put.Strike * float64(l.Put.Contracts) * models.SharesPerContract
		}
		if l.SharesQty > 0 {
			total += l.RawBasis * float64(l.SharesQty)
		}
	}
	return total
}

// PutIntents produces cash-secured put intents for a symbol's idle layers,
// bounded by the symbol's allocation slice. Each intent reserves strike x 100
// x contracts of collateral; layers that do not fit the remaining budget are
// skipped this cycle.
func (s *Selector) PutIntents(ctx context.Context, symbol string, allocation float64) ([]models.OrderIntent, error) {
	idle := s.manager.IdleLayers(symbol)
	if len(idle) == 0 {
		return nil, nil
	}

	chain, err := s.broker.GetOptionChain(ctx, symbol, "put",
		s.cfg.Filters.ExpirationMinDays, s.cfg.Filters.ExpirationMaxDays)
	if err != nil {
		return nil, fmt.Errorf("fetching %s put chain: %w", symbol, err)
	}

	best, ok := SelectBest(chain, s.cfg.Filters, 0)
	if !ok {
		s.logger.WithField("symbol", symbol).Debug("no put candidate passed filters")
		return nil, nil
	}

	contracts := s.cfg.ContractsFor(symbol)
	collateral := best.Strike * float64(contracts) * models.SharesPerContract
	remaining := allocation - s.committedCapital(symbol)

	var intents []models.OrderIntent
	for _, layer := range idle {
		if remaining < collateral {
			s.logger.WithFields(logrus.Fields{
				"symbol":     symbol,
				"layer":      layer.Number,
				"collateral": collateral,
				"remaining":  remaining,
			}).Debug("insufficient allocation for another put layer")
			break
		}
		remaining -= collateral

		intents = append(intents, models.OrderIntent{
			ID:         uuid.NewString(),
			Symbol:     symbol,
			Instrument: best.Symbol,
			Kind:       models.KindPut,
			Side:       models.SideSellToOpen,
			Quantity:   contracts,
			Pricing:    s.pricing,
			Origin:     models.OriginNewPosition,
			LayerID:    layer.ID,
			Strike:     best.Strike,
			Expiration: best.Expiration,
			Bid:        best.Bid,
			Ask:        best.Ask,
		})
	}
	return intents, nil
}

// CallIntents produces covered call intents for a symbol's long_shares
// layers. The strike floor is the layer's adjusted cost basis, so the call
// cannot be assigned below break-even.
func (s *Selector) CallIntents(ctx context.Context, symbol string) ([]models.OrderIntent, error) {
	var holders []*models.Layer
	for _, l := range s.manager.Layers(symbol) {
		if l.State == models.StateLongShares && l.SharesQty >= models.SharesPerContract {
			holders = append(holders, l)
		}
	}
	if len(holders) == 0 {
		return nil, nil
	}

	chain, err := s.broker.GetOptionChain(ctx, symbol, "call",
		s.cfg.Filters.ExpirationMinDays, s.cfg.Filters.ExpirationMaxDays)
	if err != nil {
		return nil, fmt.Errorf("fetching %s call chain: %w", symbol, err)
	}

	var intents []models.OrderIntent
	for _, layer := range holders {
		minStrike, err := s.basis.MinCallStrike(layer)
		if err != nil {
			return nil, fmt.Errorf("resolving basis floor: %w", err)
		}

		best, ok := SelectBest(chain, s.cfg.Filters, minStrike)
		if !ok {
			s.logger.WithFields(logrus.Fields{
				"symbol":     symbol,
				"layer":      layer.Number,
				"min_strike": minStrike,
			}).Debug("no call candidate above basis floor")
			continue
		}

		contracts := layer.SharesQty / models.SharesPerContract
		intents = append(intents, models.OrderIntent{
			ID:         uuid.NewString(),
			Symbol:     symbol,
			Instrument: best.Symbol,
			Kind:       models.KindCall,
			Side:       models.SideSellToOpen,
			Quantity:   contracts,
			Pricing:    s.pricing,
			Origin:     models.OriginNewPosition,
			LayerID:    layer.ID,
			Strike:     best.Strike,
			Expiration: best.Expiration,
			Bid:        best.Bid,
			Ask:        best.Ask,
		})
	}
	return intents, nil
}
