// Package amount provides money parsing, formatting and rescaling.
//
// Native chain amounts are held as big.Int in the asset's smallest unit
// (1 XRP = 1,000,000 drops, 1 ETH = 10^18 wei). USD amounts are
// decimal.Decimal rounded to cents; rates are rounded to 6 places.
package amount

import (
	"errors"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// USDPlaces is the precision of every currency figure.
	USDPlaces = 2
	// RatePlaces is the precision of every fee or commission rate.
	RatePlaces = 6
)

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrInvalidDecimal = errors.New("decimals must be between 0 and 36")
)

// Parse converts a decimal string (e.g. "1.50") into smallest units for an
// asset with the given number of decimals. Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional digits beyond the asset's precision are truncated
func Parse(s string, decimals int) (*big.Int, bool) {
	if decimals < 0 {
		return nil, false
	}
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}

	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// Format converts smallest units into a decimal string with exactly
// `decimals` fractional digits (e.g. Format(1500000, 6) == "1.500000").
func Format(units *big.Int, decimals int) string {
	if units == nil {
		units = new(big.Int)
	}
	neg := units.Sign() < 0
	s := new(big.Int).Abs(units).String()
	if decimals > 0 {
		for len(s) < decimals+1 {
			s = "0" + s
		}
		point := len(s) - decimals
		s = s[:point] + "." + s[point:]
	}
	if neg {
		s = "-" + s
	}
	return s
}

// Rescale converts units between two precisions by the ratio of their
// scaling factors. Scaling down truncates toward zero.
func Rescale(units *big.Int, from, to int) (*big.Int, error) {
	if units == nil {
		return nil, ErrInvalidAmount
	}
	if from < 0 || to < 0 || from > 36 || to > 36 {
		return nil, ErrInvalidDecimal
	}
	out := new(big.Int).Set(units)
	switch {
	case to > from:
		out.Mul(out, pow10(to-from))
	case from > to:
		out.Quo(out, pow10(from-to))
	}
	return out, nil
}

// ToUnits converts a decimal amount into smallest units, truncating
// precision the asset cannot represent.
func ToUnits(d decimal.Decimal, decimals int) *big.Int {
	return d.Shift(int32(decimals)).Truncate(0).BigInt()
}

// FromUnits converts smallest units back into a decimal amount.
func FromUnits(units *big.Int, decimals int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -int32(decimals))
}

// USD rounds a currency figure to cents.
func USD(d decimal.Decimal) decimal.Decimal {
	return d.Round(USDPlaces)
}

// Rate rounds a rate to 6 decimal places.
func Rate(d decimal.Decimal) decimal.Decimal {
	return d.Round(RatePlaces)
}

// ParseUSD parses a positive or zero USD figure and rounds it to cents.
func ParseUSD(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.IsNegative() {
		return decimal.Zero, ErrInvalidAmount
	}
	return USD(d), nil
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
