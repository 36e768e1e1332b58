// Package strategy selects the option contracts the wheel sells: it filters
// and scores chain candidates, then sizes put and call intents against the
// account's buying power allocation.
package strategy

import (
	"math"

	"github.com/CryptoGnome/options-wheel/internal/broker"
	"github.com/CryptoGnome/options-wheel/internal/config"
)

// Score computes a contract's attractiveness. Lower delta, shorter dated,
// and richer yield all score higher:
//
//	(1 - |delta|) * (250 / (DTE + 5)) * (bid / strike)
func Score(c *broker.Contract) float64 {
	if c.Strike <= 0 {
		return 0
	}
	dte := float64(c.DTE())
	return (1 - math.Abs(c.Delta)) * (250 / (dte + 5)) * (c.Bid / c.Strike)
}

// FilterContracts applies the hard filters. minStrike, when positive, drops
// contracts struck below it; call candidates pass the adjusted cost basis
// here so a fill can never lock in a loss on the shares.
func FilterContracts(contracts []broker.Contract, f config.OptionFilters, minStrike float64) []broker.Contract {
	out := make([]broker.Contract, 0, len(contracts))
	for _, c := range contracts {
		if !passesFilters(&c, f, minStrike) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func passesFilters(c *broker.Contract, f config.OptionFilters, minStrike float64) bool {
	if c.Strike <= 0 || c.Bid <= 0 {
		return false
	}
	if minStrike > 0 && c.Strike < minStrike {
		return false
	}

	delta := math.Abs(c.Delta)
	if delta < f.DeltaMin || delta > f.DeltaMax {
		return false
	}
	if c.OpenInterest < f.OpenInterestMin {
		return false
	}

	yield := c.Bid / c.Strike
	if yield < f.YieldMin || yield > f.YieldMax {
		return false
	}

	dte := c.DTE()
	if dte < f.ExpirationMinDays || dte > f.ExpirationMaxDays {
		return false
	}
	return true
}

// SelectBest filters the chain and returns the highest scoring contract.
// Ties break to larger open interest, then shorter DTE. ok is false when no
// candidate survives the filters or clears the minimum score; an empty
// selection is a normal outcome, not an error.
func SelectBest(contracts []broker.Contract, f config.OptionFilters, minStrike float64) (broker.Contract, bool) {
	candidates := FilterContracts(contracts, f, minStrike)

	var (
		best      broker.Contract
		bestScore = -1.0
		found     bool
	)
	for _, c := range candidates {
		s := Score(&c)
		if s < f.ScoreMin {
			continue
		}
		if !found || betterThan(s, &c, bestScore, &best) {
			best = c
			bestScore = s
			found = true
		}
	}
	return best, found
}

func betterThan(score float64, c *broker.Contract, bestScore float64, best *broker.Contract) bool {
	const epsilon = 1e-9
	if score > bestScore+epsilon {
		return true
	}
	if score < bestScore-epsilon {
		return false
	}
	if c.OpenInterest != best.OpenInterest {
		return c.OpenInterest > best.OpenInterest
	}
	return c.DTE() < best.DTE()
}
