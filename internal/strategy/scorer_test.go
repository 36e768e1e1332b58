package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/CryptoGnome/options-wheel/internal/broker"
	"github.com/CryptoGnome/options-wheel/internal/config"
)

func testFilters() config.OptionFilters {
	return config.OptionFilters{
		DeltaMin:          0.15,
		DeltaMax:          0.30,
		YieldMin:          0.005,
		YieldMax:          1.0,
		ExpirationMinDays: 0,
		ExpirationMaxDays: 30,
		OpenInterestMin:   100,
		ScoreMin:          0.05,
	}
}

func contractIn(days int, strike, bid, delta float64, oi int64) broker.Contract {
	return broker.Contract{
		Symbol:       "TEST",
		Underlying:   "TEST",
		OptionType:   "put",
		Strike:       strike,
		Expiration:   time.Now().UTC().Add(time.Duration(days) * 24 * time.Hour),
		Bid:          bid,
		Ask:          bid + 0.05,
		Delta:        delta,
		OpenInterest: oi,
	}
}

func TestScore_KnownValue(t *testing.T) {
	// delta 0.20, 25 DTE, 2.00 bid on a 100 strike:
	// (1-0.2) * (250/30) * 0.02 = 0.1333
	c := contractIn(25, 100, 2.00, -0.20, 500)
	assert.InDelta(t, 0.1333, Score(&c), 0.001)
}

func TestScore_PrefersShorterDTEAndLowerDelta(t *testing.T) {
	shorter := contractIn(7, 100, 1.00, -0.20, 500)
	longer := contractIn(21, 100, 1.00, -0.20, 500)
	assert.Greater(t, Score(&shorter), Score(&longer))

	lowDelta := contractIn(14, 100, 1.00, -0.16, 500)
	highDelta := contractIn(14, 100, 1.00, -0.28, 500)
	assert.Greater(t, Score(&lowDelta), Score(&highDelta))
}

func TestFilterContracts_HardFilters(t *testing.T) {
	f := testFilters()
	cases := []struct {
		name string
		c    broker.Contract
		pass bool
	}{
		{"passes all", contractIn(14, 100, 1.00, -0.20, 500), true},
		{"delta too low", contractIn(14, 100, 1.00, -0.10, 500), false},
		{"delta too high", contractIn(14, 100, 1.00, -0.45, 500), false},
		{"negative delta magnitude ok", contractIn(14, 100, 1.00, 0.20, 500), true},
		{"thin open interest", contractIn(14, 100, 1.00, -0.20, 50), false},
		{"yield too low", contractIn(14, 100, 0.20, -0.20, 500), false},
		{"no bid", contractIn(14, 100, 0, -0.20, 500), false},
		{"too far out", contractIn(45, 100, 1.00, -0.20, 500), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := FilterContracts([]broker.Contract{tc.c}, f, 0)
			if tc.pass {
				assert.Len(t, got, 1)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestFilterContracts_MinStrikeFloor(t *testing.T) {
	f := testFilters()
	below := contractIn(14, 95, 1.00, -0.20, 500)
	at := contractIn(14, 100, 1.00, -0.20, 500)

	got := FilterContracts([]broker.Contract{below, at}, f, 100)
	assert.Len(t, got, 1)
	assert.Equal(t, 100.0, got[0].Strike)
}

func TestSelectBest_TieBreaking(t *testing.T) {
	f := testFilters()

	// Same score: larger open interest wins.
	a := contractIn(14, 100, 1.00, -0.20, 200)
	b := contractIn(14, 100, 1.00, -0.20, 900)
	best, ok := SelectBest([]broker.Contract{a, b}, f, 0)
	assert.True(t, ok)
	assert.Equal(t, int64(900), best.OpenInterest)

	// Same score and open interest: shorter DTE wins. Scale the bid so the
	// DTE factor cancels out exactly.
	short := contractIn(7, 100, 1.00, -0.20, 500)
	long := contractIn(7, 100, 1.00, -0.20, 500)
	long.Expiration = time.Now().UTC().Add(20 * 24 * time.Hour)
	long.Bid = 1.00 * (float64(long.DTE()) + 5) / (float64(short.DTE()) + 5)
	best, ok = SelectBest([]broker.Contract{long, short}, f, 0)
	assert.True(t, ok)
	assert.Equal(t, short.DTE(), best.DTE())
}

func TestSelectBest_EmptyIsNormal(t *testing.T) {
	f := testFilters()

	_, ok := SelectBest(nil, f, 0)
	assert.False(t, ok)

	// Everything filtered out is ok=false, not an error.
	_, ok = SelectBest([]broker.Contract{contractIn(14, 100, 1.00, -0.05, 500)}, f, 0)
	assert.False(t, ok)
}

func TestSelectBest_ScoreFloor(t *testing.T) {
	f := testFilters()
	f.ScoreMin = 0.5 // nothing realistic clears this

	_, ok := SelectBest([]broker.Contract{contractIn(14, 100, 1.00, -0.20, 500)}, f, 0)
	assert.False(t, ok)
}
