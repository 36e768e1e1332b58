package models

import "time"

// PositionKind is the tagged variant over broker holdings. Switches over it
// must be exhaustive.
type PositionKind string

const (
	// KindPut is a short put option position.
	KindPut PositionKind = "put"
	// KindCall is a short call option position.
	KindCall PositionKind = "call"
	// KindShares is a long equity position.
	KindShares PositionKind = "shares"
)

// Valid returns true if the PositionKind is one of the defined constants.
func (k PositionKind) Valid() bool {
	switch k {
	case KindPut, KindCall, KindShares:
		return true
	default:
		return false
	}
}

// Position is a normalized broker holding: one share lot or one short option.
type Position struct {
	Kind       PositionKind `json:"kind"`
	Symbol     string       `json:"symbol"`     // underlying
	Instrument string       `json:"instrument"` // OCC symbol for options, equity symbol for shares
	Quantity   int          `json:"quantity"`   // contracts for options, shares for equity
	Strike     float64      `json:"strike,omitempty"`
	Expiration time.Time    `json:"expiration,omitempty"`
	EntryPrice float64      `json:"entry_price"`
	AcquiredAt time.Time    `json:"acquired_at,omitempty"`
}

// DTE returns days to expiration for option positions, 0 for shares.
func (p *Position) DTE() int {
	if p.Kind == KindShares || p.Expiration.IsZero() {
		return 0
	}
	now := time.Now().UTC().Truncate(24 * time.Hour)
	exp := p.Expiration.UTC().Truncate(24 * time.Hour)
	days := int(exp.Sub(now).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}
