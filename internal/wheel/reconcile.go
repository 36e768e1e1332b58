package wheel

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CryptoGnome/options-wheel/internal/ledger"
	"github.com/CryptoGnome/options-wheel/internal/models"
)

// ChangeKind classifies what happened to a short leg between two cycles.
type ChangeKind string

const (
	// ChangeAssigned is a put that disappeared while shares appeared.
	ChangeAssigned ChangeKind = "assigned"
	// ChangeCalledAway is a call that disappeared along with its shares.
	ChangeCalledAway ChangeKind = "called_away"
	// ChangeExpired is a leg that expired worthless.
	ChangeExpired ChangeKind = "expired"
	// ChangeClosed is a leg that vanished before expiry, e.g. closed manually.
	ChangeClosed ChangeKind = "closed"
)

// Change is one reconciled difference between consecutive layer snapshots.
type Change struct {
	Kind    ChangeKind
	Symbol  string
	LayerID string
	Leg     models.OptionLeg
	LegKind models.PositionKind
}

// Reconciler diffs the previous cycle's layers against the freshly
// reconstructed set and records assignments, called-away exits, and
// expirations in the ledger. It runs at the top of every cycle, before any
// new sales, so covered calls are only sold against reconciled share lots.
type Reconciler struct {
	ledger ledger.Ledger
	logger *logrus.Logger
}

// NewReconciler wires the reconciler.
func NewReconciler(l ledger.Ledger, logger *logrus.Logger) *Reconciler {
	return &Reconciler{ledger: l, logger: logger}
}

type legRef struct {
	layerID string
	leg     models.OptionLeg
	kind    models.PositionKind
}

// Reconcile compares snapshots and writes ledger entries for every leg that
// left the account. now decides whether a vanished leg expired or was closed.
func (r *Reconciler) Reconcile(prev, next map[string][]*models.Layer, now time.Time) []Change {
	if prev == nil {
		return nil
	}
	var changes []Change
	for symbol, prevLayers := range prev {
		nextLayers := next[symbol]
		changes = append(changes, r.reconcileSymbol(symbol, prevLayers, nextLayers, now)...)
	}
	return changes
}

func (r *Reconciler) reconcileSymbol(symbol string, prev, next []*models.Layer, now time.Time) []Change {
	prevLegs := collectLegs(prev)
	nextLegs := collectLegs(next)
	prevByID, nextByID := layersByID(prev), layersByID(next)

	var changes []Change
	for occ, ref := range prevLegs {
		if _, still := nextLegs[occ]; still {
			continue
		}

		// Classification reads the leg's own layer, not the symbol total: an
		// assignment on one layer and a call-away on another in the same gap
		// net the symbol's shares to zero.
		prevLayer, nextLayer := prevByID[ref.layerID], nextByID[ref.layerID]

		var kind ChangeKind
		switch {
		case ref.kind == models.KindPut && sharesGained(prevLayer, nextLayer):
			kind = ChangeAssigned
		case ref.kind == models.KindCall && sharesLost(prevLayer, nextLayer):
			kind = ChangeCalledAway
		case expired(ref.leg.Expiration, now):
			kind = ChangeExpired
		default:
			kind = ChangeClosed
		}

		change := Change{
			Kind:    kind,
			Symbol:  symbol,
			LayerID: ref.layerID,
			Leg:     ref.leg,
			LegKind: ref.kind,
		}
		changes = append(changes, change)
		r.record(change, now)
	}
	return changes
}

func (r *Reconciler) record(c Change, now time.Time) {
	log := r.logger.WithFields(logrus.Fields{
		"symbol": c.Symbol,
		"layer":  c.LayerID,
		"leg":    c.Leg.Symbol,
		"change": c.Kind,
	})

	trade := &models.Trade{
		Symbol:     c.Symbol,
		LayerID:    c.LayerID,
		Quantity:   c.Leg.Contracts,
		Strike:     c.Leg.Strike,
		Expiration: c.Leg.Expiration,
		Timestamp:  now,
	}
	var events []*models.PremiumEvent

	switch c.Kind {
	case ChangeAssigned:
		trade.TradeType = "assignment"
		trade.Price = c.Leg.Strike
		events = append(events, &models.PremiumEvent{
			Type:       models.EventAssignment,
			Symbol:     c.Symbol,
			LayerID:    c.LayerID,
			OptionKind: models.KindPut,
			Amount:     c.Leg.Strike,
			Contracts:  c.Leg.Contracts,
			Strike:     c.Leg.Strike,
			Expiration: c.Leg.Expiration,
			Timestamp:  now,
		})
		log.Info("put assignment reconciled")

	case ChangeCalledAway:
		trade.TradeType = "called_away"
		trade.Price = c.Leg.Strike
		events = append(events, &models.PremiumEvent{
			Type:       models.EventCalledAway,
			Symbol:     c.Symbol,
			LayerID:    c.LayerID,
			OptionKind: models.KindCall,
			Amount:     c.Leg.Strike,
			Contracts:  c.Leg.Contracts,
			Strike:     c.Leg.Strike,
			Expiration: c.Leg.Expiration,
			Timestamp:  now,
		})
		log.Info("called-away exit reconciled")

	case ChangeExpired:
		if c.LegKind == models.KindPut {
			trade.TradeType = "put_expired"
		} else {
			trade.TradeType = "call_expired"
		}
		log.Info("worthless expiration reconciled")

	case ChangeClosed:
		trade.TradeType = "closed_external"
		trade.Notes = "position left the account outside the engine"
		log.Warn("leg closed outside the engine")
	}

	if err := r.ledger.RecordFill(trade, events); err != nil {
		log.WithError(err).Error("failed to record reconciled change")
	}
}

func collectLegs(layers []*models.Layer) map[string]legRef {
	out := make(map[string]legRef)
	for _, l := range layers {
		if l.Put != nil {
			out[l.Put.Symbol] = legRef{layerID: l.ID, leg: *l.Put, kind: models.KindPut}
		}
		if l.Call != nil {
			out[l.Call.Symbol] = legRef{layerID: l.ID, leg: *l.Call, kind: models.KindCall}
		}
	}
	return out
}

func layersByID(layers []*models.Layer) map[string]*models.Layer {
	out := make(map[string]*models.Layer, len(layers))
	for _, l := range layers {
		out[l.ID] = l
	}
	return out
}

func sharesGained(prev, next *models.Layer) bool {
	return prev != nil && next != nil && next.SharesQty > prev.SharesQty
}

func sharesLost(prev, next *models.Layer) bool {
	if prev == nil || prev.SharesQty == 0 {
		return false
	}
	return next == nil || next.SharesQty < prev.SharesQty
}

// expired treats a vanished leg whose expiration date has arrived as a
// worthless expiry rather than an external close.
func expired(expiration time.Time, now time.Time) bool {
	if expiration.IsZero() {
		return false
	}
	return !expiration.UTC().Truncate(24 * time.Hour).
		After(now.UTC().Truncate(24 * time.Hour))
}
