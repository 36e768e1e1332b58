// Package basis computes a layer's adjusted cost basis by replaying its
// premium event history. There is no stored running total: the ledger's
// append-only events are the single source of truth and the adjusted basis
// is recomputed from them on demand.
package basis

import (
	"fmt"

	"github.com/CryptoGnome/options-wheel/internal/ledger"
	"github.com/CryptoGnome/options-wheel/internal/models"
)

// Tracker replays ledger events into adjusted cost basis figures.
type Tracker struct {
	ledger ledger.Ledger
}

// NewTracker creates a tracker over the given ledger.
func NewTracker(l ledger.Ledger) *Tracker {
	return &Tracker{ledger: l}
}

// Basis is the replayed cost position of one layer.
type Basis struct {
	HoldsShares      bool
	RawBasis         float64 // assignment strike
	Adjusted         float64 // strike minus per-share call premium collected while held
	PremiumCollected float64 // per-share premium credited since the assignment
}

// Replay folds events into a basis, in insertion order. Call premium
// collected while holding shares reduces the adjusted basis per share; a
// called-away event clears it; a later assignment starts a fresh basis.
func Replay(events []models.PremiumEvent) Basis {
	var b Basis
	for _, ev := range events {
		switch ev.Type {
		case models.EventAssignment:
			b = Basis{HoldsShares: true, RawBasis: ev.Amount, Adjusted: ev.Amount}
		case models.EventPremium:
			if b.HoldsShares && ev.OptionKind == models.KindCall {
				b.Adjusted -= ev.Amount
				b.PremiumCollected += ev.Amount
			}
		case models.EventRollDebit:
			if b.HoldsShares && ev.OptionKind == models.KindCall {
				b.Adjusted += ev.Amount
				b.PremiumCollected -= ev.Amount
			}
		case models.EventCalledAway:
			b = Basis{}
		}
	}
	return b
}

// LayerBasis replays a layer's full event history from the ledger.
func (t *Tracker) LayerBasis(symbol, layerID string) (Basis, error) {
	events, err := t.ledger.LayerHistory(symbol, layerID)
	if err != nil {
		return Basis{}, fmt.Errorf("loading layer history for %s/%s: %w", symbol, layerID, err)
	}
	return Replay(events), nil
}

// MinCallStrike returns the floor for covered call strikes on a layer
// holding shares: the adjusted basis, falling back to the raw basis from
// the layer itself when the ledger has no assignment on record (e.g. a
// position adopted from an existing account).
func (t *Tracker) MinCallStrike(layer *models.Layer) (float64, error) {
	b, err := t.LayerBasis(layer.Symbol, layer.ID)
	if err != nil {
		return 0, err
	}
	if !b.HoldsShares {
		if layer.RawBasis > 0 {
			return layer.RawBasis, nil
		}
		return 0, fmt.Errorf("layer %s/%d holds shares with no recorded basis", layer.Symbol, layer.Number)
	}
	return b.Adjusted, nil
}
