// Package util provides option symbol and price helpers shared across packages.
package util

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OCC option symbol layout: TICKER + YYMMDD + C/P + strike*1000 padded to 8
// digits, e.g. AAPL241220P00150000.

// FormatOptionSymbol composes an OCC option symbol.
func FormatOptionSymbol(underlying string, expiration time.Time, optionType byte, strike float64) string {
	return fmt.Sprintf("%s%s%c%08d",
		strings.ToUpper(underlying),
		expiration.Format("060102"),
		optionType,
		int64(strike*1000+0.5))
}

// ParseOptionSymbol decomposes an OCC option symbol into underlying,
// option type ('C' or 'P'), strike, and expiration.
func ParseOptionSymbol(symbol string) (underlying string, optionType byte, strike float64, expiration time.Time, err error) {
	if len(symbol) < 16 {
		return "", 0, 0, time.Time{}, fmt.Errorf("option symbol too short: %s", symbol)
	}

	// The last 8 characters are the strike, preceded by C/P, preceded by YYMMDD.
	strikeStr := symbol[len(symbol)-8:]
	typeChar := symbol[len(symbol)-9]
	dateStr := symbol[len(symbol)-15 : len(symbol)-9]
	underlying = symbol[:len(symbol)-15]

	if typeChar != 'C' && typeChar != 'P' {
		return "", 0, 0, time.Time{}, fmt.Errorf("no option type (C/P) found in symbol: %s", symbol)
	}
	if underlying == "" {
		return "", 0, 0, time.Time{}, fmt.Errorf("missing underlying in symbol: %s", symbol)
	}

	strikeInt, err := strconv.ParseInt(strikeStr, 10, 64)
	if err != nil {
		return "", 0, 0, time.Time{}, fmt.Errorf("invalid strike in symbol %s: %w", symbol, err)
	}

	expiration, err = time.Parse("060102", dateStr)
	if err != nil {
		return "", 0, 0, time.Time{}, fmt.Errorf("invalid expiration in symbol %s: %w", symbol, err)
	}

	return underlying, typeChar, float64(strikeInt) / 1000.0, expiration.UTC(), nil
}
